package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/bryanveloso/synthform-sub000/pkg/database"
	"github.com/bryanveloso/synthform-sub000/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's line in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /api/health. Only the process's own backing
// stores are checked; a flaky external adapter must not make the
// orchestrator restart the whole server.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if dbHealth, err := database.Health(reqCtx, s.store.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d/%d connections in use", dbHealth.InUse, dbHealth.MaxOpenConns),
		}
	}

	if err := s.kv.Ping(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["redis"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["redis"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{Status: status, Version: version.Full(), Checks: checks})
}
