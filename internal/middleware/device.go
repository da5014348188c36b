package middleware

import (
	"net/http"
	"oriel-api/internal/services"

	"github.com/google/uuid"
)

// DeviceTokenMiddleware identifies anonymous callers by the device token
// issued at session start. Anonymous usage is tracked locally against the
// free tier.
func DeviceTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Device-Token")
		if token == "" {
			http.Error(w, "Device token is required", http.StatusUnauthorized)
			return
		}
		if _, err := uuid.Parse(token); err != nil {
			http.Error(w, "Invalid device token", http.StatusUnauthorized)
			return
		}

		ctx := services.WithDeviceContext(r.Context(), token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
