package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// AdsStatus mirrors the scheduler's KV state for operators and the ads
// socket's status command.
type AdsStatus struct {
	Enabled       bool       `json:"enabled"`
	NextTime      *time.Time `json:"next_time"`
	WarningActive bool       `json:"warning_active"`
}

func (s *Server) adsStatus(ctx context.Context) (*AdsStatus, error) {
	enabled, err := s.kv.AdsEnabled(ctx)
	if err != nil {
		return nil, err
	}
	warning, err := s.kv.AdsWarningActive(ctx)
	if err != nil {
		return nil, err
	}

	st := &AdsStatus{Enabled: enabled, WarningActive: warning}
	next, ok, err := s.kv.NextAdBreak(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		st.NextTime = &next
	}
	return st, nil
}

// adsStatusHandler handles GET /api/ads/status.
func (s *Server) adsStatusHandler(c *echo.Context) error {
	st, err := s.adsStatus(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// adsEnableHandler handles POST /api/ads/enable. The next break is pushed
// one full interval out so enabling never fires a commercial immediately.
func (s *Server) adsEnableHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	if err := s.kv.SetAdsEnabled(ctx, true); err != nil {
		return mapStoreError(err)
	}
	next := time.Now().Add(time.Duration(s.cfg.Ads.IntervalMinutes) * time.Minute)
	if err := s.kv.SetNextAdBreak(ctx, next); err != nil {
		return mapStoreError(err)
	}

	st, err := s.adsStatus(ctx)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// adsDisableHandler handles POST /api/ads/disable.
func (s *Server) adsDisableHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	if err := s.kv.SetAdsEnabled(ctx, false); err != nil {
		return mapStoreError(err)
	}
	if err := s.kv.SetAdsWarningActive(ctx, false); err != nil {
		return mapStoreError(err)
	}

	st, err := s.adsStatus(ctx)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, st)
}
