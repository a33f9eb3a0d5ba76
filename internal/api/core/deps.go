// Package core contains shared types and dependencies for API handlers.
package core

import (
	"github.com/medcore/realtime/internal/auth"
	"github.com/medcore/realtime/internal/bus"
	"github.com/medcore/realtime/internal/gateway"
	"github.com/medcore/realtime/internal/metrics"
	"go.uber.org/zap"
)

// Deps holds all dependencies needed by API handlers.
type Deps struct {
	Gateway     *gateway.Gateway
	Bus         *bus.Bus
	Metrics     *metrics.Metrics
	TokenConfig *auth.TokenConfig
	Logger      *zap.Logger
	Version     string
}
