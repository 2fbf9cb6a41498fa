package api

import (
	"net/http"
	"strconv"

	"github.com/feedbackloop/insight/internal/health"
	"github.com/feedbackloop/insight/internal/log"
)

// healthHandler serves the liveness and system health endpoints.
type healthHandler struct {
	checker HealthChecker
	logger  log.Logger
}

// liveness handles GET /health for container orchestration probes.
// It only confirms the process serves requests.
func (h *healthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.logger)
}

// system handles GET /api/v1/health. The report is cached; ?detailed=true
// forces fresh probes. Degraded still returns 200 so load balancers keep
// routing; only unhealthy returns 503.
func (h *healthHandler) system(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, h.logger)
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("detailed"))
	report := h.checker.SystemHealth(r.Context(), force)

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report, h.logger)
}
