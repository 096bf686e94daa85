package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/models"
)

// taskFilters reads the common task filter query parameters.
func taskFilters(c *echo.Context) models.TaskFilters {
	return models.TaskFilters{
		GroupID:    c.QueryParam("group_id"),
		AssignedTo: c.QueryParam("assigned_to"),
		ClaimedBy:  c.QueryParam("claimed_by"),
		TaskType:   c.QueryParam("task_type"),
		Priority:   c.QueryParam("priority"),
	}
}

// boardHandler handles GET /api/board.
// Returns tasks grouped by status, filtered by the query parameters.
func (s *Server) boardHandler(c *echo.Context) error {
	view, err := s.board.GetBoard(c.Request().Context(), taskFilters(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// listGroupsHandler handles GET /api/groups.
func (s *Server) listGroupsHandler(c *echo.Context) error {
	groups, err := s.board.GetGroups(c.Request().Context(), c.QueryParam("status"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, groups)
}

// createGoalHandler handles POST /api/goals.
// A goal becomes a root group plus a root task assigned to the
// configured root role.
func (s *Server) createGoalHandler(c *echo.Context) error {
	var req CreateGoalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.board.SubmitGoal(c.Request().Context(), req.Title, req.Description)
	if err != nil {
		return mapServiceError(err)
	}

	s.emit(events.TaskCreated, map[string]any{
		"task_id":     result.Task.ID,
		"group_id":    result.Group.ID,
		"assigned_to": result.Task.AssignedTo,
		"task_type":   result.Task.TaskType,
		"created_by":  result.Task.CreatedBy,
	})
	return c.JSON(http.StatusCreated, result)
}
