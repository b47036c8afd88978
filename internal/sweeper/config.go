package sweeper

import (
	"time"

	"github.com/smallbiznis/tallybill/internal/config"
)

// Config controls the stale-payment sweep.
type Config struct {
	Enabled   bool
	Schedule  string
	BatchSize int
	LockTTL   time.Duration
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Schedule:  "@every 5m",
		BatchSize: 100,
		LockTTL:   2 * time.Minute,
		Timeout:   time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.Enabled = cfg.SweeperEnabled
	c.Schedule = cfg.SweeperSchedule
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Schedule == "" {
		c.Schedule = defaults.Schedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	return c
}
