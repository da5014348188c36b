package middleware

import (
	"encoding/json"
	"net/http"
	"oriel-api/internal/services"
	"strconv"
)

const upgradeURL = "https://www.orielfx.com/pricing"

// QuotaGate guards the download routes: it asks the tracker for an
// entitlement decision and annotates responses with the remaining headroom.
// The handler still re-validates on record, so two racing requests cannot
// overshoot the quota.
type QuotaGate struct {
	usageService services.UsageService
}

func NewQuotaGate(usageService services.UsageService) *QuotaGate {
	return &QuotaGate{usageService: usageService}
}

type quotaDeniedResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	UpgradeURL string `json:"upgrade_url"`
}

func (g *QuotaGate) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, plan, ok := services.IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		decision, err := g.usageService.CheckLimit(r.Context(), identity, plan)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		setRemainingHeader(w, "X-Downloads-Remaining-Daily", decision.Remaining.Daily)
		setRemainingHeader(w, "X-Downloads-Remaining-Monthly", decision.Remaining.Monthly)
		setRemainingHeader(w, "X-Downloads-Remaining-Total", decision.Remaining.Total)

		if !decision.Allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(quotaDeniedResponse{
				Error:      "Download limit reached. Upgrade your plan for higher limits.",
				Reason:     string(decision.Reason),
				UpgradeURL: upgradeURL,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRemainingHeader(w http.ResponseWriter, name string, remaining *int) {
	if remaining == nil {
		return
	}
	w.Header().Set(name, strconv.Itoa(*remaining))
}
