package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
)

// statusUpdate is the event type published when presence changes.
const statusUpdate = "status.update"

// UpdateStatusRequest is the body of PUT /api/status.
type UpdateStatusRequest struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// getStatusHandler handles GET /api/status.
func (s *Server) getStatusHandler(c *echo.Context) error {
	st, err := s.store.Status(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// putStatusHandler handles PUT /api/status: persist, mirror to KV for
// cheap reads, and tell the overlays.
func (s *Server) putStatusHandler(c *echo.Context) error {
	var req UpdateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !store.IsValidStatus(req.Status) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status value")
	}

	ctx := c.Request().Context()
	st, err := s.store.SetStatus(ctx, req.Status, req.Message)
	if err != nil {
		return mapStoreError(err)
	}

	if err := s.kv.SetBroadcasterStatus(ctx, st); err != nil {
		s.logger.Warn("failed to mirror status to kv", "error", err)
	}

	env, err := bus.NewEnvelope("status", statusUpdate, st)
	if err == nil {
		err = s.bus.Publish(ctx, bus.ChannelStatus, env)
	}
	if err != nil {
		s.logger.Error("failed to publish status update", "error", err)
	}

	return c.JSON(http.StatusOK, st)
}
