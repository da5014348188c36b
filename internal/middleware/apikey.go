package middleware

import (
	"net/http"
	"oriel-api/internal/services"

	"github.com/gorilla/mux"
)

// APIKeyMiddleware validates the API key and that it belongs to the
// authenticated user. Runs after AuthMiddleware on the authenticated routes.
func APIKeyMiddleware(apiKeyService services.APIKeyService) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("x-api-key")
			if apiKey == "" {
				http.Error(w, "API key is required", http.StatusUnauthorized)
				return
			}

			user, _ := services.UserFromContext(r.Context())
			if user == nil {
				http.Error(w, "User not authenticated", http.StatusUnauthorized)
				return
			}

			apiKeyDetails, err := apiKeyService.GetAPIKeyByKey(r.Context(), apiKey)
			if err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			if apiKeyDetails.UserID != user.ID {
				http.Error(w, "API key does not belong to the user", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
