package api

import (
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
)

// defaultMusicAgent names frames from an agent that never identified
// itself.
const defaultMusicAgent = "apple"

// musicHandler handles GET /ws/music/: an inbound-only socket for the
// desktop now-playing agent. The first frame may carry an agent_type;
// every frame is re-published on the music channel with source and
// timestamp defaulted.
func (s *Server) musicHandler(c *echo.Context) error {
	conn, err := s.accept(c)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request().Context()
	agent := defaultMusicAgent

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return nil
		}

		var ident struct {
			AgentType string `json:"agent_type"`
		}
		if json.Unmarshal(raw, &ident) == nil && ident.AgentType != "" {
			agent = ident.AgentType
			s.logger.Info("music agent identified", "agent", agent)
			continue
		}

		var env bus.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("dropping malformed music frame", "error", err)
			continue
		}
		if env.EventType == "" {
			env.EventType = "music.update"
		}
		if env.Source == "" {
			env.Source = agent
		}
		if env.Timestamp.IsZero() {
			env.Timestamp = time.Now().UTC()
		}
		if len(env.Payload) == 0 {
			// Bare track dictionaries arrive without an envelope around
			// them; the frame itself becomes the payload.
			env.Payload = raw
		}

		if err := s.bus.Publish(ctx, bus.ChannelMusic, env); err != nil {
			s.logger.Error("failed to publish music frame", "error", err)
		}
	}
}
