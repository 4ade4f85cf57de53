package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// activeCampaignHandler handles GET /api/campaigns/active: the same
// payload the overlay receives on campaign:sync, for debugging and the
// admin UI.
func (s *Server) activeCampaignHandler(c *echo.Context) error {
	if s.campaign == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "campaign aggregator not running")
	}

	snap, err := s.campaign.Snapshot(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	if snap == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active campaign")
	}
	return c.JSON(http.StatusOK, snap)
}
