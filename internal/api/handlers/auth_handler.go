package handlers

import (
	"encoding/json"
	"net/http"
	"oriel-api/internal/services"

	"github.com/google/uuid"
)

// AuthHandler handles authentication-related requests
type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// registrationRequest represents the structure of a registration request
type registrationRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type registrationResponse struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	APIKey string `json:"api_key,omitempty"`
	Error  string `json:"error,omitempty"`
}

// loginRequest represents the structure of a login request
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// authResponse represents the structure of an authentication response
type authResponse struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

type anonymousSessionResponse struct {
	DeviceToken string `json:"device_token"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.authService.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := registrationResponse{
		ID:    user.ID.String(),
		Email: user.Email,
	}
	// The key is required on the authenticated routes, hand it back now.
	if apiKey, err := h.authService.GetAPIKey(r.Context(), user.ID); err == nil {
		resp.APIKey = apiKey.Key
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	token, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(authResponse{Token: token})
}

// StartAnonymousSession issues a device token so the browser can download on
// the free tier before registering. The token is the identity key; its usage
// record is created lazily on first check.
func (h *AuthHandler) StartAnonymousSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(anonymousSessionResponse{
		DeviceToken: uuid.NewString(),
	})
}
