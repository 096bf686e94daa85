package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/services"
)

// restartHandler handles POST /api/server/restart.
// It signals the composition root and returns immediately; the root
// stops the fleet, scaler, and server, rebuilds them, and starts over
// without exiting the process.
func (s *Server) restartHandler(c *echo.Context) error {
	if s.restartCh == nil {
		return mapServiceError(services.ErrUnavailable)
	}

	select {
	case s.restartCh <- struct{}{}:
		s.log.Info("restart requested")
	default:
		// A restart is already pending; the duplicate request rides along.
	}
	return c.JSON(http.StatusAccepted, &RestartResponse{Message: "restart scheduled"})
}
