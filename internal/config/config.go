package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration, read from the environment.
// Import settings are not here; they live in settings.json under DataDir.
type Config struct {
	DataDir  string `envconfig:"DATA_DIR" default:"./data"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":9090"`

	Logging   LogConfig
	Fetch     FetchConfig
	RateLimit RateLimitConfig

	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"0"`
}

type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

type FetchConfig struct {
	Timeout      time.Duration `envconfig:"FETCH_TIMEOUT" default:"60s"`
	RetryBackoff time.Duration `envconfig:"RETRY_BACKOFF" default:"1s"`
	MaxListBytes int64         `envconfig:"MAX_LIST_BYTES" default:"268435456"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int `envconfig:"RATE_LIMIT_BURST" default:"100"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if c.GRPCAddr == "" {
		return fmt.Errorf("GRPC_ADDR must not be empty")
	}

	if d := c.Fetch.Timeout; d < time.Second {
		return fmt.Errorf("FETCH_TIMEOUT too small (%s), must be >=1s", d)
	} else if d > 10*time.Minute {
		return fmt.Errorf("FETCH_TIMEOUT too large (%s), must be <=10m", d)
	}
	if c.Fetch.RetryBackoff < 0 {
		return fmt.Errorf("RETRY_BACKOFF must not be negative (%s)", c.Fetch.RetryBackoff)
	}
	if c.Fetch.MaxListBytes < 1<<20 {
		return fmt.Errorf("MAX_LIST_BYTES too small (%d), must be >=1MiB", c.Fetch.MaxListBytes)
	}

	if d := c.RefreshInterval; d < 0 {
		return fmt.Errorf("REFRESH_INTERVAL must not be negative (%s)", d)
	} else if d > 0 && d < time.Minute {
		return fmt.Errorf("REFRESH_INTERVAL too small (%s), must be 0 or >=1m", d)
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %d", c.RateLimit.RequestsPerSecond)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >=1, got %d", c.RateLimit.Burst)
	}
	return nil
}
