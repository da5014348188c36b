package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"oriel-api/internal/logger"
	"oriel-api/internal/models"
	apperrors "oriel-api/internal/pkg/errors"
	"oriel-api/internal/services"

	"github.com/sirupsen/logrus"
)

type DownloadHandler struct {
	usageService  services.UsageService
	renderService services.RenderService
}

func NewDownloadHandler(usageService services.UsageService, renderService services.RenderService) *DownloadHandler {
	return &DownloadHandler{
		usageService:  usageService,
		renderService: renderService,
	}
}

type downloadRequest struct {
	Format models.DownloadFormat `json:"format"`
}

type downloadDeniedResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason"`
	UpgradeURL string `json:"upgrade_url"`
}

// Download gates a render behind the entitlement check, produces the
// artifact, and only then finalizes the consumption. A failed render logs a
// success=false event and leaves every counter untouched.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	identity, plan, ok := services.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Format.Valid() {
		http.Error(w, "Unsupported download format", http.StatusBadRequest)
		return
	}

	decision, err := h.usageService.CheckLimit(r.Context(), identity, plan)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnknownPlan) {
			logger.Logger.WithFields(logrus.Fields{
				"identity": identity,
				"plan":     plan,
			}).Error("Unknown plan reached the download endpoint")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !decision.Allowed {
		h.writeDenied(w, decision.Reason)
		return
	}

	result, err := h.renderService.Render(r.Context(), req.Format)
	if err != nil {
		if ferr := h.usageService.RecordFailure(r.Context(), identity, req.Format); ferr != nil {
			logger.Logger.WithError(ferr).Warn("Failed to record download failure")
		}
		http.Error(w, "Render failed", http.StatusBadGateway)
		return
	}

	record, err := h.usageService.RecordConsumption(r.Context(), identity, plan, req.Format)
	if err != nil {
		// Lost the race against a concurrent download on the same
		// identity. The artifact is discarded, nothing was consumed.
		if errors.Is(err, apperrors.ErrQuotaExceeded) {
			reason := services.ReasonTotalExceeded
			if d, derr := h.usageService.CheckLimit(r.Context(), identity, plan); derr == nil {
				reason = d.Reason
			}
			h.writeDenied(w, reason)
			return
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("X-Downloads-Total", fmt.Sprintf("%d", record.TotalCount))
	w.Write(result.Data)
}

func (h *DownloadHandler) writeDenied(w http.ResponseWriter, reason services.LimitReason) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(downloadDeniedResponse{
		Error:      "Download limit reached. Upgrade your plan for higher limits.",
		Reason:     string(reason),
		UpgradeURL: "https://www.orielfx.com/pricing",
	})
}
