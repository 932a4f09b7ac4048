package scheduler

import (
	"time"

	"github.com/wolkenlauf/metered/internal/config"
)

// Config controls billing cycle intervals and per-item budgets.
type Config struct {
	RunInterval time.Duration
	// ItemTimeout bounds the work spent on a single instance per cycle.
	ItemTimeout time.Duration
	JobTimeout  time.Duration
	// EnabledJobs limits which jobs run; empty enables all (monolith mode).
	EnabledJobs []string
	// GuardTTL is the lifetime of the distributed run guard lock.
	GuardTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		ItemTimeout: 15 * time.Second,
		JobTimeout:  30 * time.Second,
		GuardTTL:    50 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = defaults.ItemTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.GuardTTL <= 0 {
		c.GuardTTL = defaults.GuardTTL
	}
	return c
}

// ProvideConfig derives scheduler settings from the application config.
func ProvideConfig(cfg config.Config) Config {
	guardTTL := cfg.BillingInterval - 10*time.Second
	return Config{
		RunInterval: cfg.BillingInterval,
		ItemTimeout: cfg.InstanceTimeout,
		GuardTTL:    guardTTL,
	}.withDefaults()
}
