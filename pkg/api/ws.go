package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// accept upgrades the request to a WebSocket. Origins come from the
// server config; an empty allowlist means local development, where the
// overlay is served from file:// and arbitrary ports.
func (s *Server) accept(c *echo.Context) (*websocket.Conn, error) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}
	return websocket.Accept(c.Response(), c.Request(), opts)
}

// overlayHandler handles GET /ws/overlay/: one browser overlay connection,
// served by the multiplexer until it closes.
func (s *Server) overlayHandler(c *echo.Context) error {
	if s.overlay == nil {
		return echo.NewHTTPError(503, "overlay multiplexer not running")
	}

	conn, err := s.accept(c)
	if err != nil {
		return err
	}
	s.overlay.HandleConnection(c.Request().Context(), conn)
	return nil
}
