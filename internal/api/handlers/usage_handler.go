package handlers

import (
	"encoding/json"
	"net/http"
	"oriel-api/internal/services"
	"time"
)

type UsageHandler struct {
	usageService services.UsageService
}

func NewUsageHandler(usageService services.UsageService) *UsageHandler {
	return &UsageHandler{
		usageService: usageService,
	}
}

// usageRecordResponse is the reconciliation payload clients treat as the
// source of truth for authenticated identities.
type usageRecordResponse struct {
	UserID         string    `json:"user_id"`
	PlanID         string    `json:"plan_id"`
	DailyCount     int       `json:"daily_count"`
	MonthlyCount   int       `json:"monthly_count"`
	TotalCount     int       `json:"total_count"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	MonthlyResetAt time.Time `json:"monthly_reset_at"`
	Stale          bool      `json:"stale"`
}

// GetUsageSummary serves the quota widget: used/limit/remaining plus the
// upgrade nudge.
func (h *UsageHandler) GetUsageSummary(w http.ResponseWriter, r *http.Request) {
	identity, plan, ok := services.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	summary, err := h.usageService.GetUsageSummary(r.Context(), identity, plan)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// GetUsageRecord refreshes from the authoritative store and returns the raw
// counters for client-side reconciliation.
func (h *UsageHandler) GetUsageRecord(w http.ResponseWriter, r *http.Request) {
	identity, plan, ok := services.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	record, err := h.usageService.SyncFromBackend(r.Context(), identity)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(usageRecordResponse{
		UserID:         services.IdentitySubject(record.Identity),
		PlanID:         string(plan),
		DailyCount:     record.DailyCount,
		MonthlyCount:   record.MonthlyCount,
		TotalCount:     record.TotalCount,
		DailyResetAt:   record.DailyResetAt,
		MonthlyResetAt: record.MonthlyResetAt,
		Stale:          record.Stale,
	})
}
