// Package config loads service configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/medcore/realtime/internal/logging"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultRedisURL points at a broker on the local machine
	DefaultRedisURL = "redis://localhost:6379"
	// DefaultChannel is the broker channel carrying all system events
	DefaultChannel = "medcore_system_events"
	// DefaultCORSOrigin is the development front end
	DefaultCORSOrigin = "http://localhost:4200"
)

var ErrCORSRequired = errors.New("CORS_ORIGIN must be set when APP_ENV=production")

// Config is the complete service configuration
type Config struct {
	Env      string         `yaml:"env"`
	Server   ServerConfig   `yaml:"server"`
	Broker   BrokerConfig   `yaml:"broker"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Log      logging.Config `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BrokerConfig struct {
	URL            string        `yaml:"url"`
	Channel        string        `yaml:"channel"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// RealtimeConfig tunes the client-facing transports
type RealtimeConfig struct {
	ClientQueueMaxSize int `yaml:"client_queue_max_size"` // bytes buffered per centrifuge client
	SendBuffer         int `yaml:"send_buffer"`           // frames buffered per plain websocket client
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:            3000,
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Broker: BrokerConfig{
			URL:            DefaultRedisURL,
			Channel:        DefaultChannel,
			ConnectTimeout: 5 * time.Second,
		},
		Realtime: RealtimeConfig{
			ClientQueueMaxSize: 2 * 1024 * 1024,
			SendBuffer:         256,
		},
		Log: logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("APP_ENV"); ok && v != "" {
		c.Env = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Broker.URL = v
	}
	if v, ok := lookup("MEDCORE_EVENTS_CHANNEL"); ok && v != "" {
		c.Broker.Channel = v
	}
	if v, ok := lookup("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("CORS_ORIGIN"); ok && v != "" {
		c.Server.CORSOrigins = splitOrigins(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks cross-field rules
func (c *Config) Validate() error {
	if c.IsProduction() && len(c.Server.CORSOrigins) == 0 {
		return ErrCORSRequired
	}
	if c.Broker.Channel == "" {
		return errors.New("broker channel must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// IsProduction reports whether the service runs with production rules
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AllowedOrigins returns the CORS origins, falling back to the development front end
func (c *Config) AllowedOrigins() []string {
	if len(c.Server.CORSOrigins) > 0 {
		return c.Server.CORSOrigins
	}
	return []string{DefaultCORSOrigin}
}

func splitOrigins(v string) []string {
	var origins []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
