// Package logging builds the zap loggers used across the service.
package logging

import (
	"fmt"
	"strings"

	"github.com/centrifugal/centrifuge"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// New creates a zap logger for the given configuration
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(strings.ToLower(cfg.Level)); err != nil {
			return nil, fmt.Errorf("unknown log level %q", cfg.Level)
		}
	}

	var zcfg zap.Config
	switch cfg.Format {
	case "", "json":
		zcfg = zap.NewProductionConfig()
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

// CentrifugeLevel maps the zap level of logger onto the closest centrifuge level
func CentrifugeLevel(logger *zap.Logger) centrifuge.LogLevel {
	core := logger.Core()
	switch {
	case core.Enabled(zapcore.DebugLevel):
		return centrifuge.LogLevelDebug
	case core.Enabled(zapcore.InfoLevel):
		return centrifuge.LogLevelInfo
	case core.Enabled(zapcore.WarnLevel):
		return centrifuge.LogLevelWarn
	default:
		return centrifuge.LogLevelError
	}
}

// CentrifugeHandler routes centrifuge node logs into logger
func CentrifugeHandler(logger *zap.Logger) centrifuge.LogHandler {
	return func(e centrifuge.LogEntry) {
		fields := make([]zap.Field, 0, len(e.Fields))
		for k, v := range e.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		switch e.Level {
		case centrifuge.LogLevelTrace, centrifuge.LogLevelDebug:
			logger.Debug(e.Message, fields...)
		case centrifuge.LogLevelInfo:
			logger.Info(e.Message, fields...)
		case centrifuge.LogLevelWarn:
			logger.Warn(e.Message, fields...)
		default:
			logger.Error(e.Message, fields...)
		}
	}
}
