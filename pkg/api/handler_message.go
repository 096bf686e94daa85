package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/events"
	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// listMessagesHandler handles GET /api/messages.
// An instance_id parameter narrows the list to messages addressed to
// that instance plus broadcasts.
func (s *Server) listMessagesHandler(c *echo.Context) error {
	if s.messages == nil {
		return mapServiceError(services.ErrUnavailable)
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	msgs, err := s.messages.List(c.Request().Context(), c.QueryParam("instance_id"), limit)
	if err != nil {
		return mapServiceError(err)
	}
	if msgs == nil {
		msgs = make([]*models.AgentMessage, 0)
	}
	return c.JSON(http.StatusOK, msgs)
}

// sendMessageHandler handles POST /api/messages.
func (s *Server) sendMessageHandler(c *echo.Context) error {
	if s.messages == nil {
		return mapServiceError(services.ErrUnavailable)
	}

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	msg, err := s.messages.Send(c.Request().Context(), services.SendMessageInput{
		FromInstance: req.FromInstance,
		ToInstance:   req.ToInstance,
		TaskID:       req.TaskID,
		Content:      req.Content,
	})
	if err != nil {
		return mapServiceError(err)
	}

	payload := map[string]any{
		"message_id":    msg.ID,
		"from_instance": msg.FromInstance,
		"to_instance":   msg.ToInstance,
		"task_id":       msg.TaskID,
		"content":       msg.Content,
	}
	s.emit(events.AgentMessage, payload)
	if msg.ToInstance == "" {
		s.emit(events.CollaborationMessage, payload)
	}
	return c.JSON(http.StatusCreated, msg)
}
