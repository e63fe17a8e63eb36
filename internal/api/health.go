package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/aether-labs/internal/store"
	"github.com/go-chi/chi/v5"
)

// Gauge reports a count of live instances for the health payload.
type Gauge interface {
	Len() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	timeout time.Duration
	gauges  map[string]Gauge
}

// NewHealthHandler creates a new health handler. gauges are reported under
// "instances".
func NewHealthHandler(repo store.Repository, timeout time.Duration, gauges map[string]Gauge) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{repo: repo, timeout: timeout, gauges: gauges}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if len(h.gauges) > 0 {
		instances := make(map[string]int, len(h.gauges))
		for name, g := range h.gauges {
			instances[name] = g.Len()
		}
		status["instances"] = instances
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
