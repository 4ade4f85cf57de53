// Package api is the HTTP and WebSocket surface of the server process:
// the overlay multiplexer endpoint, the broadcast sockets, the game
// intake, and the small operator REST API.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/campaign"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/intake"
	"github.com/bryanveloso/synthform-sub000/pkg/kv"
	"github.com/bryanveloso/synthform-sub000/pkg/overlay"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
)

// Server wires the echo router to the services behind it.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	kv       *kv.Store
	bus      bus.Bus
	overlay  *overlay.Manager
	campaign *campaign.Aggregator
	intake   *intake.Pool
	logger   *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the router. Optional dependencies (overlay manager,
// aggregator, intake pool) may be nil; their endpoints answer 503.
func NewServer(cfg *config.Config, st *store.Store, kvStore *kv.Store, b bus.Bus,
	ov *overlay.Manager, agg *campaign.Aggregator, pool *intake.Pool) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		kv:       kvStore,
		bus:      b,
		overlay:  ov,
		campaign: agg,
		intake:   pool,
		logger:   slog.Default().With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(s.requestLogger())

	e.GET("/ws/overlay/", s.overlayHandler)
	e.GET("/ws/events/", s.eventsHandler)
	e.GET("/ws/ads/", s.adsSocketHandler)
	e.GET("/ws/music/", s.musicHandler)
	e.GET("/ws/audio/", s.audioHandler)

	e.POST("/api/games/ffbot/", s.gameIntakeHandler)
	e.GET("/api/health", s.healthHandler)
	e.GET("/api/status", s.getStatusHandler)
	e.PUT("/api/status", s.putStatusHandler)
	e.GET("/api/ads/status", s.adsStatusHandler)
	e.POST("/api/ads/enable", s.adsEnableHandler)
	e.POST("/api/ads/disable", s.adsDisableHandler)
	e.GET("/api/campaigns/active", s.activeCampaignHandler)

	s.echo = e
	return s
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves HTTP on addr and blocks until Shutdown or failure.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests. WebSocket connections are closed by
// their own context cancellation, not by the HTTP drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
