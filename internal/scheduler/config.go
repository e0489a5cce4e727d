package scheduler

import (
	"time"
)

// Config controls sweep intervals and per-job timeouts.
type Config struct {
	RunInterval     time.Duration
	JobTimeout      time.Duration
	LockTTL         time.Duration
	ReconcileEvery  int // run the reconcile job once per N ticks
	PruneBatchLimit int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		JobTimeout:      30 * time.Second,
		LockTTL:         2 * time.Minute,
		ReconcileEvery:  60,
		PruneBatchLimit: 500,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = defaults.ReconcileEvery
	}
	if c.PruneBatchLimit <= 0 {
		c.PruneBatchLimit = defaults.PruneBatchLimit
	}
	return c
}
