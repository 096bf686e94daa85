package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/services"
)

// listWebhooksHandler handles GET /api/webhooks.
func (s *Server) listWebhooksHandler(c *echo.Context) error {
	if s.webhooks == nil {
		return mapServiceError(services.ErrUnavailable)
	}

	hooks, err := s.webhooks.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	if hooks == nil {
		hooks = make([]*models.Webhook, 0)
	}
	return c.JSON(http.StatusOK, hooks)
}

// createWebhookHandler handles POST /api/webhooks.
func (s *Server) createWebhookHandler(c *echo.Context) error {
	if s.webhooks == nil {
		return mapServiceError(services.ErrUnavailable)
	}

	var req CreateWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	webhook, err := s.webhooks.Create(c.Request().Context(), services.CreateWebhookInput{
		URL:    req.URL,
		Events: req.Events,
		Secret: req.Secret,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, webhook)
}

// deleteWebhookHandler handles DELETE /api/webhooks/:id.
func (s *Server) deleteWebhookHandler(c *echo.Context) error {
	if s.webhooks == nil {
		return mapServiceError(services.ErrUnavailable)
	}
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "webhook id is required")
	}

	if err := s.webhooks.Delete(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
