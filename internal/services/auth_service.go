package services

import (
	"context"
	"errors"
	"fmt"
	"oriel-api/internal/logger"
	"oriel-api/internal/models"
	"oriel-api/internal/repository"
	"os"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/customer"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const (
	UserContextKey         contextKey = "user"
	SubscriptionContextKey contextKey = "subscription"
	DeviceContextKey       contextKey = "device"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

type AuthService interface {
	Register(ctx context.Context, email, password, name string) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, error)
	VerifyToken(token string) (*models.User, *models.Subscription, error)
	GetAPIKey(ctx context.Context, userID uuid.UUID) (*models.APIKey, error)
	GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
	GetUserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error)
}

type authService struct {
	userRepo         repository.UserRepository
	subscriptionRepo repository.SubscriptionRepository
	apiKeyService    APIKeyService
	jwtSecret        string
}

func NewAuthService(
	userRepo repository.UserRepository,
	subscriptionRepo repository.SubscriptionRepository,
	apiKeyService APIKeyService,
	jwtSecret string,
) AuthService {
	return &authService{
		userRepo:         userRepo,
		subscriptionRepo: subscriptionRepo,
		apiKeyService:    apiKeyService,
		jwtSecret:        jwtSecret,
	}
}

func (s *authService) Register(ctx context.Context, email, password, name string) (*models.User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	c, err := customer.New(params)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hashedPassword),
		StripeID:     c.ID,
		HasAccess:    true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}

	if _, err := s.apiKeyService.AssignAPIKeyToUser(ctx, user.ID); err != nil {
		return user, err
	}

	subscription := &models.Subscription{
		ID:        uuid.New(),
		UserID:    user.ID,
		PlanType:  models.FreePlan,
		StartDate: time.Now(),
		Status:    "active",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := s.subscriptionRepo.Create(ctx, subscription); err != nil {
		return user, err
	}

	if err := s.sendWelcomeEmail(user.Email); err != nil {
		// Mail failures never block registration.
		logger.Logger.WithError(err).Warn("Failed to send welcome email")
	}

	return user, nil
}

func (s *authService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	subscription, err := s.subscriptionRepo.GetActiveByUserID(ctx, user.ID)
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":         user.ID.String(),
		"subscription_id": subscription.ID.String(),
		"plan_type":       string(subscription.PlanType),
		"exp":             time.Now().Add(time.Hour * 24).Unix(),
	})

	return token.SignedString([]byte(s.jwtSecret))
}

func (s *authService) VerifyToken(tokenString string) (*models.User, *models.Subscription, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil || !token.Valid {
		return nil, nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, nil, ErrInvalidToken
	}

	rawID, ok := claims["user_id"].(string)
	if !ok {
		return nil, nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}

	user, err := s.userRepo.GetByID(context.Background(), userID)
	if err != nil {
		return nil, nil, err
	}

	subscription, err := s.subscriptionRepo.GetActiveByUserID(context.Background(), userID)
	if err != nil {
		return nil, nil, err
	}

	return user, subscription, nil
}

func (s *authService) GetAPIKey(ctx context.Context, userID uuid.UUID) (*models.APIKey, error) {
	return s.apiKeyService.GetAPIKeyByUserID(ctx, userID)
}

func (s *authService) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return s.userRepo.GetByID(ctx, userID)
}

func (s *authService) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	return s.userRepo.GetByStripeCustomerID(ctx, customerID)
}

// Helper function to add user and subscription to context
func WithUserAndSubscriptionContext(ctx context.Context, user *models.User, subscription *models.Subscription) context.Context {
	ctx = context.WithValue(ctx, UserContextKey, user)
	return context.WithValue(ctx, SubscriptionContextKey, subscription)
}

// Helper function to get user from context
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	return user, ok
}

// Helper function to get subscription from context
func SubscriptionFromContext(ctx context.Context) (*models.Subscription, bool) {
	subscription, ok := ctx.Value(SubscriptionContextKey).(*models.Subscription)
	return subscription, ok
}

// WithDeviceContext stores an anonymous device token on the context.
func WithDeviceContext(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, DeviceContextKey, token)
}

// DeviceFromContext returns the anonymous device token, if present.
func DeviceFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(DeviceContextKey).(string)
	return token, ok
}

// IdentityFromContext resolves the tracker identity and plan for the current
// caller: an authenticated user with their subscription plan, or an anonymous
// device on the free tier.
func IdentityFromContext(ctx context.Context) (string, models.SubscriptionPlan, bool) {
	if user, ok := UserFromContext(ctx); ok {
		plan := models.FreePlan
		if subscription, ok := SubscriptionFromContext(ctx); ok {
			plan = subscription.PlanType
		}
		return UserIdentity(user.ID), plan, true
	}
	if token, ok := DeviceFromContext(ctx); ok {
		return AnonymousIdentity(token), models.FreePlan, true
	}
	return "", "", false
}

func (s *authService) sendWelcomeEmail(email string) error {
	from := mail.NewEmail("Oriel FX", "noreply@orielfx.com")
	subject := "Welcome to Oriel Signal FX Pro"
	to := mail.NewEmail("", email)

	htmlContent := fmt.Sprintf(`
		<html>
		<body style="font-family: Arial, sans-serif; background-color: #0f172a; color: white; padding: 20px;">
			<div style="background-color: #1e1b4b; padding: 20px; border-radius: 10px;">
				<h1 style="color: white;">Welcome to Oriel FX!</h1>
				<p>Your account %s is ready. Your free plan includes 3 visualizer downloads.</p>
				<p>Upgrade any time for daily and monthly download allowances.</p>
				<a href="https://www.orielfx.com/auth?login=true" style="background-color: #4f46e5; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px;">Login Now</a>
			</div>
		</body>
		</html>
	`, email)

	message := mail.NewSingleEmail(from, subject, to, "", htmlContent)
	client := sendgrid.NewSendClient(os.Getenv("SENDGRID_API_KEY"))
	response, err := client.Send(message)
	if err != nil {
		return err
	}

	if response.StatusCode >= 400 {
		return fmt.Errorf("error sending email: %v", response.Body)
	}

	return nil
}
