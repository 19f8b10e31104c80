// Package config manages fieldsync configuration through a viper singleton.
//
// Precedence (highest wins): environment variables, config file, defaults.
// Environment variables use the FIELDSYNC_ prefix with dots replaced by
// underscores, e.g. FIELDSYNC_REMOTE_URL overrides remote.url.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/tidewater/fieldsync/internal/queue"
	"github.com/tidewater/fieldsync/internal/remote/surreal"
	"github.com/tidewater/fieldsync/internal/resilient"
)

var (
	v  *viper.Viper
	mu sync.Mutex
)

// Initialize sets up the viper singleton with defaults and environment
// binding. Safe to call more than once; later calls rebuild the instance,
// which tests rely on for isolation.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()

	v = viper.New()

	v.SetDefault("db", "fieldsync.db")

	v.SetDefault("remote.url", "ws://localhost:8000/rpc")
	v.SetDefault("remote.namespace", "fieldops")
	v.SetDefault("remote.database", "fieldops")
	v.SetDefault("remote.user", "")
	v.SetDefault("remote.pass", "")

	p := resilient.DefaultPolicy()
	v.SetDefault("retry.max-retries", p.MaxRetries)
	v.SetDefault("retry.base-delay", p.BaseDelay)
	v.SetDefault("retry.multiplier", p.Multiplier)
	v.SetDefault("retry.max-delay", p.MaxDelay)
	v.SetDefault("breaker.failure-threshold", p.FailureThreshold)
	v.SetDefault("breaker.timeout", p.BreakerTimeout)
	v.SetDefault("limiter.max-requests", p.MaxRequests)
	v.SetDefault("limiter.time-window", p.TimeWindow)
	v.SetDefault("batch.size", p.BatchSize)
	v.SetDefault("batch.timeout", p.BatchTimeout)

	dc := queue.DefaultDrainConfig()
	v.SetDefault("drain.batch-limit", dc.BatchLimit)
	v.SetDefault("drain.interval", dc.Interval)
	v.SetDefault("drain.max-attempts", dc.MaxAttempts)
	v.SetDefault("drain.retention", dc.Retention)

	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("fieldsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/fieldsync")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return nil
}

// Config is the typed view of everything fieldsync reads at startup.
type Config struct {
	DBPath   string
	LogLevel string

	Remote surreal.Config
	Policy resilient.Policy
	Drain  queue.DrainConfig
}

// Load returns the current typed configuration. Call Initialize first.
func Load() (Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		return Config{}, fmt.Errorf("config: not initialized")
	}

	cfg := Config{
		DBPath:   v.GetString("db"),
		LogLevel: v.GetString("log.level"),
		Remote: surreal.Config{
			URL:       v.GetString("remote.url"),
			Namespace: v.GetString("remote.namespace"),
			Database:  v.GetString("remote.database"),
			User:      v.GetString("remote.user"),
			Pass:      v.GetString("remote.pass"),
		},
		Policy: resilient.Policy{
			MaxRetries:       v.GetUint64("retry.max-retries"),
			BaseDelay:        v.GetDuration("retry.base-delay"),
			Multiplier:       v.GetFloat64("retry.multiplier"),
			MaxDelay:         v.GetDuration("retry.max-delay"),
			FailureThreshold: v.GetUint32("breaker.failure-threshold"),
			BreakerTimeout:   v.GetDuration("breaker.timeout"),
			MaxRequests:      v.GetInt("limiter.max-requests"),
			TimeWindow:       v.GetDuration("limiter.time-window"),
			BatchSize:        v.GetInt("batch.size"),
			BatchTimeout:     v.GetDuration("batch.timeout"),
		},
		Drain: queue.DrainConfig{
			BatchLimit:  v.GetInt("drain.batch-limit"),
			Interval:    v.GetDuration("drain.interval"),
			MaxAttempts: v.GetInt("drain.max-attempts"),
			Retention:   v.GetDuration("drain.retention"),
		},
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.DBPath == "" {
		return fmt.Errorf("config: db path must not be empty")
	}
	if cfg.Policy.Multiplier < 1 {
		return fmt.Errorf("config: retry.multiplier must be >= 1, got %v", cfg.Policy.Multiplier)
	}
	if cfg.Policy.MaxRequests <= 0 {
		return fmt.Errorf("config: limiter.max-requests must be positive, got %d", cfg.Policy.MaxRequests)
	}
	if cfg.Policy.TimeWindow <= 0 {
		return fmt.Errorf("config: limiter.time-window must be positive, got %v", cfg.Policy.TimeWindow)
	}
	if cfg.Policy.BatchSize <= 0 {
		return fmt.Errorf("config: batch.size must be positive, got %d", cfg.Policy.BatchSize)
	}
	if cfg.Drain.MaxAttempts <= 0 {
		return fmt.Errorf("config: drain.max-attempts must be positive, got %d", cfg.Drain.MaxAttempts)
	}
	return nil
}

// GetString reads a raw key from the singleton. Prefer Load for typed access.
func GetString(key string) string {
	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetDuration reads a raw duration key from the singleton.
func GetDuration(key string) time.Duration {
	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a key in the singleton. Used by CLI flags and tests.
func Set(key string, value any) {
	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		return
	}
	v.Set(key, value)
}
