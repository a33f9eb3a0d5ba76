// Package events provides the HTTP endpoint for emitting system events.
package events

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/medcore/realtime/internal/api/core"
	"github.com/medcore/realtime/internal/api/middleware"
	"github.com/medcore/realtime/internal/bus"
	"github.com/medcore/realtime/internal/gateway"
	"go.uber.org/zap"
)

// Handler handles system event HTTP requests.
type Handler struct {
	deps *core.Deps
}

// New creates a new events handler.
func New(deps *core.Deps) *Handler {
	return &Handler{deps: deps}
}

// RegisterRoutes registers the event routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/events", h.Publish)
}

// PublishRequest is the request body for publishing a system event.
type PublishRequest struct {
	Scope   string          `json:"scope"`
	Target  string          `json:"target"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Publish distributes a system event to every instance.
func (h *Handler) Publish(c echo.Context) error {
	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ev := gateway.SystemEvent{
		Scope:   gateway.Scope(req.Scope),
		Target:  req.Target,
		Type:    req.Type,
		Payload: req.Payload,
	}
	if err := ev.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.deps.Gateway.Publish(c.Request().Context(), ev); err != nil {
		if errors.Is(err, bus.ErrPublishFailed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus unavailable")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to publish event")
	}

	h.deps.Logger.Info("system event published",
		zap.String("user", middleware.GetUsername(c)),
		zap.String("scope", req.Scope),
		zap.String("target", req.Target),
		zap.String("event", req.Type),
	)

	return c.JSON(http.StatusAccepted, map[string]string{"status": "published"})
}
