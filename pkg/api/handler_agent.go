package api

import (
	"fmt"
	"net/http"
	"sort"

	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/models"
)

// listAgentsHandler handles GET /api/agents.
// Instances whose heartbeat went stale are reported offline.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	instances, err := s.instances.GetInstances(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	if instances == nil {
		instances = make([]*models.Instance, 0)
	}

	paused := s.instances.PausedRoles()
	sort.Strings(paused)

	return c.JSON(http.StatusOK, &AgentsResponse{
		Instances:   instances,
		PausedRoles: paused,
	})
}

// pauseAgentsHandler handles POST /api/agents/pause.
// Loops notice the flag on their next cycle; in-flight work finishes.
func (s *Server) pauseAgentsHandler(c *echo.Context) error {
	return s.setRolesPaused(c, true)
}

// resumeAgentsHandler handles POST /api/agents/resume.
func (s *Server) resumeAgentsHandler(c *echo.Context) error {
	return s.setRolesPaused(c, false)
}

func (s *Server) setRolesPaused(c *echo.Context, paused bool) error {
	var req RoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var roles []string
	if req.Role != "" {
		if _, err := s.cfg.GetRole(req.Role); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown role '%s'", req.Role))
		}
		roles = []string{req.Role}
	} else {
		roles = s.cfg.Roles.Names()
	}

	for _, role := range roles {
		if paused {
			s.instances.PauseRole(role)
		} else {
			s.instances.ResumeRole(role)
		}
	}

	msg := "roles paused"
	if !paused {
		msg = "roles resumed"
	}
	return c.JSON(http.StatusOK, &PauseResponse{Roles: roles, Message: msg})
}
