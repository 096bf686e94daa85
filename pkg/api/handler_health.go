package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /api/health.
// Only the orchestrator's own components are checked (store, fleet).
// Runner subprocesses are excluded so an external CLI outage never
// causes a supervisor to restart the orchestrator.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := s.store.Health(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["store"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["store"] = HealthCheck{Status: healthStatusHealthy}
	}

	resp := &HealthResponse{
		Version: version.GitCommit,
		Checks:  checks,
	}

	if s.fleet != nil {
		fh := s.fleet.Health()
		resp.Fleet = &fh
		if fh.TotalLoops == 0 {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["fleet"] = HealthCheck{Status: healthStatusDegraded, Message: "no agent loops running"}
		} else {
			checks["fleet"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.bus != nil {
		resp.BusSubscribers = s.bus.SubscriberCount()
	}
	if s.hub != nil {
		resp.WSClients = s.hub.ActiveConnections()
	}
	resp.Status = status

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, resp)
}
