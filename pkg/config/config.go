// Package config loads the kernel's environment-driven configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the settings the kernel facade needs to stand up a backend,
// an optional cache, and the stream manager's listener.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	StatementTimeout  time.Duration `env:"STATEMENT_TIMEOUT" envDefault:"30s"`
	MaxTraversalDepth int           `env:"MAX_TRAVERSAL_DEPTH" envDefault:"8"`
	HardMaxLimit      int           `env:"HARD_MAX_LIMIT" envDefault:"1000"`

	CacheAddr string        `env:"CACHE_ADDR"`
	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"60s"`

	ListenerChannel      string        `env:"LISTENER_CHANNEL" envDefault:"autumndb_contract_changes"`
	ListenerMinBackoff   time.Duration `env:"LISTENER_MIN_BACKOFF" envDefault:"1s"`
	ListenerMaxBackoff   time.Duration `env:"LISTENER_MAX_BACKOFF" envDefault:"30s"`
	SubscriptionDebounce time.Duration `env:"SUBSCRIPTION_DEBOUNCE" envDefault:"5ms"`

	AllowDestructiveOps bool `env:"ALLOW_DESTRUCTIVE_OPS" envDefault:"false"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
