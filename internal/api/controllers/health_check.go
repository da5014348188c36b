package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"oriel-api/internal/services"
	"time"

	"gorm.io/gorm"
)

type HealthCheckResponse struct {
	Status           string            `json:"status"`
	Database         string            `json:"database"`
	ExternalServices map[string]string `json:"external_services"`
}

// HealthCheckHandler checks API health, database connection, and the cache
func HealthCheckHandler(db *gorm.DB, cache services.CacheService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthCheckResponse{
			ExternalServices: make(map[string]string),
		}

		sqlDB, err := db.DB()
		if err != nil {
			response.Status = "API is running"
			response.Database = "Database connection failed"
			respondWithJSON(w, http.StatusInternalServerError, response)
			return
		}

		if err := sqlDB.Ping(); err != nil {
			response.Status = "API is running"
			response.Database = "Database connection failed"
			respondWithJSON(w, http.StatusInternalServerError, response)
			return
		}

		response.Status = "API is running"
		response.Database = "Database connection is healthy"
		response.ExternalServices["Cache"] = checkCache(r.Context(), cache)

		respondWithJSON(w, http.StatusOK, response)
	}
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func checkCache(ctx context.Context, cache services.CacheService) string {
	if cache == nil {
		return "Disabled"
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := cache.Set(ctx, "health:ping", "ok", 10*time.Second); err != nil {
		return "Unreachable"
	}
	return "Available"
}
