package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gov-dx-sandbox/databridge/v1/database"
	"github.com/gov-dx-sandbox/databridge/v1/ledger"
	"github.com/gov-dx-sandbox/databridge/v1/models"
	"github.com/gov-dx-sandbox/databridge/v1/services"
	"gorm.io/gorm"
)

const healthCheckTimeout = 3 * time.Second

// AdminHandler serves operational endpoints
type AdminHandler struct {
	sweeper   *services.Sweeper
	adminRole string
}

// NewAdminHandler creates a new admin handler; only callers with adminRole may use it
func NewAdminHandler(sweeper *services.Sweeper, adminRole string) *AdminHandler {
	return &AdminHandler{sweeper: sweeper, adminRole: adminRole}
}

// Sweep handles POST /admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if caller.Role != h.adminRole {
		respondWithError(w, http.StatusForbidden, models.ErrForbidden, "Admin role required")
		return
	}
	result, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		respondWithServiceError(w, r, err, "sweep")
		return
	}
	slog.Info("Manual sweep completed", "caller", caller.ID,
		"expiredRequests", len(result.ExpiredRequests), "expiredShares", len(result.ExpiredShares))
	respondWithJSON(w, http.StatusOK, result)
}

// HealthHandler reports database and ledger reachability
type HealthHandler struct {
	db      *gorm.DB
	ledger  ledger.HealthChecker
	service string
}

// NewHealthHandler creates a new health handler; checker may be nil when the ledger has no probe
func NewHealthHandler(db *gorm.DB, checker ledger.HealthChecker, service string) *HealthHandler {
	return &HealthHandler{db: db, ledger: checker, service: service}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"database": "healthy"}
	status := http.StatusOK

	if err := database.Ping(ctx, h.db); err != nil {
		slog.Error("Database health check failed", "error", err)
		checks["database"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if h.ledger != nil {
		checks["ledger"] = "healthy"
		if err := h.ledger.Ping(ctx); err != nil {
			// transitions still commit locally and are reconciled later
			slog.Warn("Ledger health check failed", "error", err)
			checks["ledger"] = "degraded"
		}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	respondWithJSON(w, status, map[string]interface{}{
		"service": h.service,
		"status":  overall,
		"checks":  checks,
	})
}
