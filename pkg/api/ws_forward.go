package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
)

// forwardWriteTimeout bounds one frame write on the broadcast sockets.
const forwardWriteTimeout = 5 * time.Second

// eventsHandler handles GET /ws/events/: a verbatim feed of the platform
// event channel. Client messages are ignored.
func (s *Server) eventsHandler(c *echo.Context) error {
	conn, err := s.accept(c)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.forward(c.Request().Context(), conn, bus.ChannelTwitch, nil)
	return nil
}

// adsSocketHandler handles GET /ws/ads/: forwards ad-break envelopes and
// answers the status command with the current schedule.
func (s *Server) adsSocketHandler(c *echo.Context) error {
	conn, err := s.accept(c)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.forward(c.Request().Context(), conn, bus.ChannelAds, s.adsCommand)
	return nil
}

// adsCommand answers {"command":"status"} on the ads socket. Anything
// else is ignored.
func (s *Server) adsCommand(ctx context.Context, raw []byte) []byte {
	var cmd struct {
		Command string `json:"command"`
	}
	if json.Unmarshal(raw, &cmd) != nil || cmd.Command != "status" {
		return nil
	}

	st, err := s.adsStatus(ctx)
	if err != nil {
		s.logger.Error("failed to read ads status for socket", "error", err)
		return nil
	}
	resp, err := json.Marshal(map[string]any{"type": "ads:status", "payload": st})
	if err != nil {
		return nil
	}
	return resp
}

// forward pumps one bus channel's raw bytes onto the socket until the
// client disconnects. A single goroutine owns the writes; client frames
// only ever produce command responses routed through the same writer.
func (s *Server) forward(parentCtx context.Context, conn *websocket.Conn, channel string, onMessage func(context.Context, []byte) []byte) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sub, err := s.bus.Subscribe(ctx, channel)
	if err != nil {
		s.logger.Error("failed to subscribe for socket forward", "channel", channel, "error", err)
		return
	}
	defer sub.Close()

	responses := make(chan []byte, 4)
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if onMessage == nil {
				continue
			}
			if resp := onMessage(ctx, raw); resp != nil {
				select {
				case responses <- resp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.write(ctx, conn, msg.Raw); err != nil {
				return
			}
		case resp := <-responses:
			if err := s.write(ctx, conn, resp); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, forwardWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
