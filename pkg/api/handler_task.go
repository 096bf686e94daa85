package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/board"
	"github.com/taskhive/taskhive/pkg/events"
)

// createTaskHandler handles POST /api/tasks.
func (s *Server) createTaskHandler(c *echo.Context) error {
	var input board.CreateTaskInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	task, err := s.board.CreateTask(c.Request().Context(), input)
	if err != nil {
		return mapServiceError(err)
	}

	s.emit(events.TaskCreated, map[string]any{
		"task_id":     task.ID,
		"group_id":    task.GroupID,
		"assigned_to": task.AssignedTo,
		"task_type":   task.TaskType,
		"created_by":  task.CreatedBy,
	})
	return c.JSON(http.StatusCreated, task)
}

// getTaskHandler handles GET /api/tasks/:id.
// The response carries the dependency edges and, when usage accounting
// is wired, the aggregated run usage.
func (s *Server) getTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	ctx := c.Request().Context()

	task, err := s.board.GetTask(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	deps, err := s.board.GetDependencies(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}

	resp := &TaskDetailResponse{Task: task, Dependencies: deps}
	if s.usage != nil {
		totals, err := s.usage.TotalsForTask(ctx, id)
		if err != nil {
			return mapServiceError(err)
		}
		resp.Usage = totals
	}
	return c.JSON(http.StatusOK, resp)
}

// updateTaskHandler handles PATCH /api/tasks/:id.
// Fields absent from the body are left untouched.
func (s *Server) updateTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	var input board.UpdateTaskInput
	if err := c.Bind(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	task, err := s.board.UpdateTask(c.Request().Context(), id, input)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// deleteTaskHandler handles DELETE /api/tasks/:id.
func (s *Server) deleteTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	if err := s.board.DeleteTask(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// completeTaskHandler handles POST /api/tasks/:id/complete.
// Force-completes from the dashboard, releasing dependents the same way
// an agent completion would.
func (s *Server) completeTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	var req CompleteTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.board.CompleteTask(c.Request().Context(), id, req.Output)
	if err != nil {
		return mapServiceError(err)
	}

	s.emit(events.TaskCompleted, map[string]any{
		"task_id":         result.Task.ID,
		"group_id":        result.Task.GroupID,
		"group_completed": result.GroupCompleted,
	})
	return c.JSON(http.StatusOK, result)
}

// cancelTaskHandler handles POST /api/tasks/:id/cancel.
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}

	var req CancelTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	task, err := s.board.CancelTask(c.Request().Context(), id, req.Reason)
	if err != nil {
		return mapServiceError(err)
	}

	s.emit(events.TaskCancelled, map[string]any{
		"task_id":  task.ID,
		"group_id": task.GroupID,
		"reason":   req.Reason,
	})
	return c.JSON(http.StatusOK, &CancelResponse{
		TaskID:  task.ID,
		Message: "task cancelled",
	})
}

// searchTasksHandler handles GET /api/tasks/search.
func (s *Server) searchTasksHandler(c *echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	result, err := s.board.SearchTasks(c.Request().Context(), c.QueryParam("q"), taskFilters(c), limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}
