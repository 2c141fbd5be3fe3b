package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/speedcast/internal/app"
	"github.com/okian/speedcast/pkg/metrics"
)

// HealthProvider reports service readiness.
type HealthProvider interface {
	Health() app.Health
}

// HealthHandler handles health and metrics requests.
type HealthHandler struct {
	provider HealthProvider
	metrics  http.Handler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(p HealthProvider) *HealthHandler {
	return &HealthHandler{
		provider: p,
		metrics:  promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}),
	}
}

// HandleHealth handles GET /health requests. A degraded service still
// answers 200 so that probes can read the body.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Health())
}

// HandleMetrics serves the Prometheus registry.
func (h *HealthHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}
