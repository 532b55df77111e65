package scheduler

import (
	"os"
	"strconv"
	"time"
)

// Config controls periodic evaluation.
type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval" validate:"gt=0"`
	Concurrency int           `mapstructure:"concurrency" validate:"gt=0"`
	// Actor is recorded on every transition the scheduler causes.
	Actor string `mapstructure:"actor" validate:"required"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Interval:    time.Minute,
		Concurrency: 4,
		Actor:       "scheduler",
	}
}

// ConfigFromEnv loads config from environment variables:
// ORCH_SCHEDULER_ENABLED, ORCH_SCHEDULER_INTERVAL_SECONDS,
// ORCH_SCHEDULER_CONCURRENCY, ORCH_SCHEDULER_ACTOR.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("ORCH_SCHEDULER_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("ORCH_SCHEDULER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ORCH_SCHEDULER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("ORCH_SCHEDULER_ACTOR"); v != "" {
		cfg.Actor = v
	}
	return cfg
}
