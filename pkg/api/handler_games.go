package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/bryanveloso/synthform-sub000/pkg/intake"
)

// maxGameEventBytes bounds one posted game event.
const maxGameEventBytes = 64 * 1024

// gameIntakeHandler handles POST /api/games/ffbot/. The only synchronous
// validation is the required type field; everything else happens in the
// intake pool after the 202.
func (s *Server) gameIntakeHandler(c *echo.Context) error {
	if s.intake == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "game intake not running")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxGameEventBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body) > maxGameEventBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "game event too large")
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON object")
	}
	if head.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type field is required")
	}

	if err := s.intake.Enqueue(body); err != nil {
		if errors.Is(err, intake.ErrQueueFull) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "intake queue full")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue event")
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}
