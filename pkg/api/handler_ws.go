package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/taskhive/taskhive/pkg/services"
)

// wsHandler upgrades GET /ws and hands the connection to the hub.
// HandleConnection blocks until the client goes away.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.hub == nil {
		return mapServiceError(services.ErrUnavailable)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The dashboard may be served from any local port; /ws is an
		// auth skip path, so origin checks stay off too.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.hub.HandleConnection(c.Request().Context(), conn)
	return nil
}
