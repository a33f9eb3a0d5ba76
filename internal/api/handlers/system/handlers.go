// Package system provides the status endpoint.
package system

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/medcore/realtime/internal/api/core"
)

// Handler handles system status requests.
type Handler struct {
	deps *core.Deps
}

// New creates a new system handler.
func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps}
}

// RegisterRoutes registers the system routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/system/status", h.Status)
}

// Status reports broker connectivity and the number of local sessions.
func (h *Handler) Status(c echo.Context) error {
	status := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.deps.Version,
		"broker":    "connected",
		"sessions":  h.deps.Gateway.Registry().Count(),
	}

	if !h.deps.Bus.Connected() {
		status["status"] = "unhealthy"
		status["broker"] = "disconnected"
		if h.deps.Bus.Running() {
			status["broker"] = "reconnecting"
		}
		return c.JSON(http.StatusServiceUnavailable, status)
	}

	return c.JSON(http.StatusOK, status)
}
