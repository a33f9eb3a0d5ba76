// Package api serves the HTTP surface of the realtime service: the two realtime
// endpoints, event publishing, status and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/medcore/realtime/internal/api/core"
	"github.com/medcore/realtime/internal/api/handlers/events"
	"github.com/medcore/realtime/internal/api/handlers/system"
	"github.com/medcore/realtime/internal/api/middleware"
	"github.com/medcore/realtime/internal/gateway"
	"go.uber.org/zap"
)

// Server represents the API server
type Server struct {
	echo   *echo.Echo
	deps   *core.Deps
	addr   string
	logger *zap.Logger
}

// Config holds server configuration
type Config struct {
	Addr           string   // e.g., ":3000" or "0.0.0.0:3000"
	AllowedOrigins []string // CORS and websocket origins; "*" allows any
	SendBuffer     int      // frames buffered per plain websocket client
}

// NewServer creates a new API server. node may be nil to serve only the plain websocket endpoint.
func NewServer(deps *core.Deps, node *gateway.Node, cfg Config) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowCredentials: !slices.Contains(cfg.AllowedOrigins, "*"),
	}))

	s := &Server{
		echo:   e,
		deps:   deps,
		addr:   cfg.Addr,
		logger: logger,
	}

	checkOrigin := originChecker(cfg.AllowedOrigins)

	// Realtime endpoints
	realtime := e.Group("/events")
	if node != nil {
		realtime.GET("/connection/websocket", echo.WrapHandler(node.WebSocketHandler(checkOrigin)))
	}
	realtime.GET("/ws", echo.WrapHandler(gateway.NewWebsocketHandler(deps.Gateway, gateway.WebsocketConfig{
		SendBuffer:  cfg.SendBuffer,
		CheckOrigin: checkOrigin,
		Logger:      deps.Logger,
	})))

	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	v1 := e.Group("/api/v1")
	system.New(deps).RegisterRoutes(v1)

	protected := v1.Group("", middleware.JWTAuth(deps.TokenConfig))
	events.New(deps).RegisterRoutes(protected)

	return s
}

// originChecker allows requests without an Origin header and requests from allowed origins
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
