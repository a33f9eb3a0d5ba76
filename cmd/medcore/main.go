// medcore runs the realtime event service: client websocket endpoints backed by a
// Redis channel shared with every other instance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medcore/realtime/internal/api"
	"github.com/medcore/realtime/internal/api/core"
	"github.com/medcore/realtime/internal/auth"
	"github.com/medcore/realtime/internal/bus"
	"github.com/medcore/realtime/internal/config"
	"github.com/medcore/realtime/internal/gateway"
	"github.com/medcore/realtime/internal/logging"
	"github.com/medcore/realtime/internal/metrics"
	"github.com/medcore/realtime/internal/registry"
	"go.uber.org/zap"
)

const version = "0.1.0-dev"

func main() {
	// Define flags
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	addr := flag.String("addr", "", "Server address, overrides host and PORT (e.g., :3000)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("medcore realtime v%s\n", version)
		os.Exit(0)
	}

	fmt.Println("MedCore Realtime - clinical event fan-out")
	fmt.Printf("Version: %s\n", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *addr, logger); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, addr string, logger *zap.Logger) error {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set; every connection will be rejected")
	}
	tokenConfig := &auth.TokenConfig{
		Issuer: cfg.Auth.Issuer,
		Secret: []byte(cfg.Auth.JWTSecret),
	}

	m := metrics.New()

	// The broker must be reachable before anything is served
	broker := bus.NewRedisBroker(cfg.Broker.URL, cfg.Broker.ConnectTimeout, logger)
	b := bus.New(broker, bus.Options{Channel: cfg.Broker.Channel, Logger: logger, Metrics: m})
	startCtx, cancelStart := context.WithTimeout(context.Background(), connectTimeout(cfg))
	err := b.Start(startCtx)
	cancelStart()
	if err != nil {
		return err
	}

	reg := registry.New(logger, m)
	gw := gateway.New(b, reg, gateway.NewJWTValidator(tokenConfig), gateway.Options{Logger: logger, Metrics: m})
	gw.Start()

	node, err := gateway.NewNode(gw, gateway.NodeConfig{
		ClientQueueMaxSize: cfg.Realtime.ClientQueueMaxSize,
		Logger:             logger,
	})
	if err != nil {
		_ = b.Stop()
		return err
	}
	if err := node.Run(); err != nil {
		_ = b.Stop()
		return fmt.Errorf("failed to run realtime node: %w", err)
	}

	if addr == "" {
		addr = cfg.Addr()
	}
	server := api.NewServer(&core.Deps{
		Gateway:     gw,
		Bus:         b,
		Metrics:     m,
		TokenConfig: tokenConfig,
		Logger:      logger,
		Version:     version,
	}, node, api.Config{
		Addr:           addr,
		AllowedOrigins: cfg.AllowedOrigins(),
		SendBuffer:     cfg.Realtime.SendBuffer,
	})

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case serveErr = <-errCh:
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	// HTTP first so no new connections arrive, then client sessions, then the broker
	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := node.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("realtime shutdown: %w", err))
	}
	gw.Stop()
	if err := b.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("bus shutdown: %w", err))
	}

	if serveErr != nil {
		errs = append([]error{serveErr}, errs...)
	}
	if len(errs) == 0 {
		logger.Info("server stopped gracefully")
	}
	return errors.Join(errs...)
}

func connectTimeout(cfg *config.Config) time.Duration {
	if cfg.Broker.ConnectTimeout > 0 {
		return cfg.Broker.ConnectTimeout
	}
	return 5 * time.Second
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
