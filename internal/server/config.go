// Package server provides configuration helpers that define runtime
// defaults, validation, and rate-limiting parameters for the chat service.
package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration, including security controls and the
// history replay window.
type Config struct {
	Port           string
	AllowedOrigins []string
	DataDir        string
	HistoryLimit   int
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	SeedUsers      map[string]string
}

// envSpec mirrors Config as flat environment variables for envconfig.
type envSpec struct {
	Port           string            `envconfig:"SERVER_PORT" default:":8080"`
	AllowedOrigins []string          `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	DataDir        string            `envconfig:"DATA_DIR" default:"data"`
	HistoryLimit   int               `envconfig:"HISTORY_LIMIT" default:"30"`
	MaxMessageSize int64             `envconfig:"MAX_MESSAGE_SIZE" default:"512"`
	RateBurst      int               `envconfig:"RATE_LIMIT_BURST" default:"5"`
	RateRefill     time.Duration     `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"1s"`
	SeedUsers      map[string]string `envconfig:"CHAT_SEED_USERS"`
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port:           ":8080",
		AllowedOrigins: []string{"http://localhost:8080"},
		DataDir:        "data",
		HistoryLimit:   30,
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 30
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:           cfg.Port,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		DataDir:        cfg.DataDir,
		HistoryLimit:   cfg.HistoryLimit,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		SeedUsers:      cfg.SeedUsers,
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for anything unset. CHAT_SEED_USERS takes
// "alice:token1,bob:token2" pairs used to populate the user directory at
// startup.
func NewConfigFromEnv() (*Config, error) {
	var spec envSpec
	if err := envconfig.Process("", &spec); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	return &Config{
		Port:           spec.Port,
		AllowedOrigins: spec.AllowedOrigins,
		DataDir:        spec.DataDir,
		HistoryLimit:   spec.HistoryLimit,
		MaxMessageSize: spec.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          spec.RateBurst,
			RefillInterval: spec.RateRefill,
		},
		SeedUsers: spec.SeedUsers,
	}, nil
}
