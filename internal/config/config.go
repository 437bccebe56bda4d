// Package config loads and sanitizes the runtime configuration for the chat
// relay from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the server reads at startup.
type Config struct {
	Addr           string   `env:"SERVER_ADDR" envDefault:":8080"`
	DatabaseDSN    string   `env:"DATABASE_DSN" envDefault:"chat.db"`
	RedisAddr      string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`

	// JWTSecret must be overridden in any real deployment.
	JWTSecret string        `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"1h"`

	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"10"`
	RateLimitRefill time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`

	BacklogSize     int           `env:"BACKLOG_SIZE" envDefault:"50"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads the configuration from the environment, applying defaults for
// unset variables and clamping nonsensical values.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return sanitize(cfg), nil
}

func sanitize(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}
	if cfg.RateLimitRefill <= 0 {
		cfg.RateLimitRefill = time.Second
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = 50
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return cfg
}
