package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// listDecisionsHandler handles GET /api/decisions.
// A task_id parameter narrows the log to one task.
func (s *Server) listDecisionsHandler(c *echo.Context) error {
	if s.decisions == nil {
		return mapServiceError(services.ErrUnavailable)
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	decisions, err := s.decisions.List(c.Request().Context(), c.QueryParam("task_id"), limit)
	if err != nil {
		return mapServiceError(err)
	}
	if decisions == nil {
		decisions = make([]*models.Decision, 0)
	}
	return c.JSON(http.StatusOK, decisions)
}

// logDecisionHandler handles POST /api/decisions.
func (s *Server) logDecisionHandler(c *echo.Context) error {
	if s.decisions == nil {
		return mapServiceError(services.ErrUnavailable)
	}

	var req LogDecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	decision, err := s.decisions.Log(c.Request().Context(), services.LogDecisionInput{
		InstanceID: req.InstanceID,
		TaskID:     req.TaskID,
		Decision:   req.Decision,
		Reasoning:  req.Reasoning,
	})
	if err != nil {
		return mapServiceError(err)
	}

	s.emit(events.DecisionLogged, map[string]any{
		"decision_id": decision.ID,
		"instance_id": decision.InstanceID,
		"task_id":     decision.TaskID,
		"decision":    decision.Decision,
	})
	return c.JSON(http.StatusCreated, decision)
}
