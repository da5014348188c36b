package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"oriel-api/internal/logger"
	"oriel-api/internal/models"
	"oriel-api/internal/repository"
	"oriel-api/internal/services"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/invoice"
	"github.com/stripe/stripe-go/v72/sub"
	"github.com/stripe/stripe-go/v72/webhook"
)

type StripeHandler struct {
	authService services.AuthService
	subRepo     repository.SubscriptionRepository
	userRepo    repository.UserRepository
}

func NewStripeHandler(auth services.AuthService, subRepo repository.SubscriptionRepository, userRepo repository.UserRepository) *StripeHandler {
	return &StripeHandler{
		authService: auth,
		subRepo:     subRepo,
		userRepo:    userRepo,
	}
}

const (
	ErrUserNotFound    = "user not found"
	ErrNoStripeID      = "user doesn't have a Stripe ID"
	ErrInvalidPlanType = "invalid plan type"
	ErrCreateCheckout  = "error creating checkout session"
)

func (h *StripeHandler) HandleCreateCheckOut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID               `json:"userId"`
		Plan   models.SubscriptionPlan `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.authService.GetUserByID(r.Context(), req.UserID)
	if err != nil {
		http.Error(w, ErrUserNotFound, http.StatusNotFound)
		return
	}

	if user.StripeID == "" {
		http.Error(w, ErrNoStripeID, http.StatusBadRequest)
		return
	}

	priceID, err := getPriceIDForPlan(req.Plan)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessionID, err := createStripeCheckoutSession(user.StripeID, priceID, req.Plan)
	if err != nil {
		http.Error(w, ErrCreateCheckout, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"sessionId": sessionID})
}

func getPriceIDForPlan(plan models.SubscriptionPlan) (string, error) {
	switch plan {
	case models.StarterPlan:
		return os.Getenv("STRIPE_STARTER_PRICE_ID"), nil
	case models.ProPlan:
		return os.Getenv("STRIPE_PRO_PRICE_ID"), nil
	default:
		return "", errors.New(ErrInvalidPlanType)
	}
}

func createStripeCheckoutSession(customerID, priceID string, plan models.SubscriptionPlan) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String("https://www.orielfx.com/success"),
		CancelURL:  stripe.String("https://www.orielfx.com/cancel"),
	}
	params.AddMetadata("plan", string(plan))

	s, err := session.New(params)
	if err != nil {
		return "", err
	}

	return s.ID, nil
}

func (h *StripeHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Logger.WithError(err).Error("Error reading webhook request body")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), os.Getenv("STRIPE_WEBHOOK_SECRET"))
	if err != nil {
		logger.Logger.WithError(err).Error("Error verifying webhook signature")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var checkoutSession stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &checkoutSession); err != nil {
			logger.Logger.WithError(err).Error("Error parsing webhook JSON")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.handleCheckoutSessionCompleted(r.Context(), checkoutSession)
	case "customer.subscription.updated", "customer.subscription.deleted":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			logger.Logger.WithError(err).Error("Error parsing webhook JSON")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.handleSubscriptionUpdated(r.Context(), subscription)
	default:
		logger.Logger.WithField("type", event.Type).Info("Unhandled stripe event type")
	}

	w.WriteHeader(http.StatusOK)
}

type BillingInfo struct {
	Invoices        []stripe.Invoice       `json:"invoices"`
	Subscription    *stripe.Subscription   `json:"subscription,omitempty"`
	NextPaymentDate int64                  `json:"next_payment_date,omitempty"`
	History         []*models.Subscription `json:"history"`
}

func (h *StripeHandler) HandleUserBillingInfo(w http.ResponseWriter, r *http.Request) {
	user, ok := services.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	fullUser, err := h.authService.GetUserByID(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Failed to retrieve user", http.StatusBadRequest)
		return
	}

	if fullUser.StripeID == "" {
		http.Error(w, "User does not have a valid Stripe ID", http.StatusBadRequest)
		return
	}

	params := &stripe.InvoiceListParams{
		Customer: &fullUser.StripeID,
	}
	invoices := make([]stripe.Invoice, 0)
	i := invoice.List(params)
	for i.Next() {
		invoices = append(invoices, *i.Invoice())
	}
	if err := i.Err(); err != nil {
		http.Error(w, "Failed to fetch invoices", http.StatusInternalServerError)
		return
	}

	subParams := &stripe.SubscriptionListParams{
		Customer: fullUser.StripeID,
	}
	subs := sub.List(subParams)
	var subscription *stripe.Subscription
	if subs.Next() {
		subscription = subs.Subscription()
	}
	if err := subs.Err(); err != nil {
		http.Error(w, "Failed to fetch subscription", http.StatusInternalServerError)
		return
	}

	var nextPaymentDate int64
	if subscription != nil {
		nextPaymentDate = subscription.CurrentPeriodEnd
	}

	history, err := h.subRepo.GetSubscriptionHistory(r.Context(), user.ID)
	if err != nil {
		http.Error(w, "Failed to fetch subscription history", http.StatusInternalServerError)
		return
	}

	billingInfo := BillingInfo{
		Invoices:        invoices,
		Subscription:    subscription,
		NextPaymentDate: nextPaymentDate,
		History:         history,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(billingInfo); err != nil {
		http.Error(w, "Failed to encode billing info", http.StatusInternalServerError)
		return
	}
}

func (h *StripeHandler) handleCheckoutSessionCompleted(ctx context.Context, checkoutSession stripe.CheckoutSession) {
	user, err := h.authService.GetUserByStripeCustomerID(ctx, checkoutSession.Customer.ID)
	if err != nil {
		logger.Logger.WithError(err).WithField("customer", checkoutSession.Customer.ID).
			Error("Error retrieving user for checkout session")
		return
	}

	plan := purchasedPlan(checkoutSession.Metadata)
	endDate := time.Now().Add(30 * 24 * time.Hour)
	subscription := &models.Subscription{
		UserID:           user.ID,
		StripeCustomerID: checkoutSession.Customer.ID,
		StripePlanID:     checkoutSession.Subscription.ID,
		Status:           "active",
		PlanType:         plan,
		EndDate:          &endDate,
	}

	// Upgrade in place: plan changes recompute the entitlement state on
	// the next check, no counter migration is needed.
	if err := h.subRepo.Update(ctx, subscription); err != nil {
		if !errors.Is(err, repository.ErrSubscriptionNotFound) {
			logger.Logger.WithError(err).WithField("user", user.ID).Error("Error updating subscription")
			return
		}
		if err := h.subRepo.Create(ctx, subscription); err != nil {
			logger.Logger.WithError(err).WithField("user", user.ID).Error("Error creating subscription")
			return
		}
	}

	if err := h.userRepo.GrantAccess(ctx, user.ID); err != nil {
		logger.Logger.WithError(err).WithField("user", user.ID).Error("Error granting service access")
		return
	}

	logger.Logger.WithFields(map[string]interface{}{
		"customer": checkoutSession.Customer.ID,
		"plan":     plan,
	}).Info("Subscription upgraded")
}

func (h *StripeHandler) handleSubscriptionUpdated(ctx context.Context, subscription stripe.Subscription) {
	user, err := h.authService.GetUserByStripeCustomerID(ctx, subscription.Customer.ID)
	if err != nil {
		logger.Logger.WithError(err).WithField("customer", subscription.Customer.ID).
			Error("Error retrieving user for subscription update")
		return
	}

	switch subscription.Status {
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid:
		if active, err := h.subRepo.GetActiveByUserID(ctx, user.ID); err == nil {
			if err := h.subRepo.CancelSubscription(ctx, active.ID); err != nil {
				logger.Logger.WithError(err).WithField("user", user.ID).Error("Error cancelling subscription")
				return
			}
		}
		if err := h.userRepo.RevokeAccess(ctx, user.ID); err != nil {
			logger.Logger.WithError(err).WithField("user", user.ID).Error("Error revoking service access")
		}
	default:
		endDate := time.Unix(subscription.CurrentPeriodEnd, 0)
		updated := &models.Subscription{
			UserID:           user.ID,
			StripeCustomerID: subscription.Customer.ID,
			StripePlanID:     subscription.ID,
			Status:           string(subscription.Status),
			PlanType:         purchasedPlan(subscription.Metadata),
			EndDate:          &endDate,
		}
		if err := h.subRepo.Update(ctx, updated); err != nil {
			logger.Logger.WithError(err).WithField("user", user.ID).Error("Error updating subscription")
			return
		}
		if subscription.Status == stripe.SubscriptionStatusActive {
			if err := h.userRepo.GrantAccess(ctx, user.ID); err != nil {
				logger.Logger.WithError(err).WithField("user", user.ID).Error("Error granting service access")
			}
		}
	}
}

func purchasedPlan(metadata map[string]string) models.SubscriptionPlan {
	switch models.SubscriptionPlan(metadata["plan"]) {
	case models.StarterPlan:
		return models.StarterPlan
	case models.ProPlan:
		return models.ProPlan
	}
	return models.ProPlan
}
