package scheduler

import (
	"time"

	"github.com/smallbiznis/focusgate/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	RefundInterval    time.Duration
	BatchSize         int
	RefundBatchSize   int
	RederiveBatchSize int
	TickLockTTL       time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		RefundInterval:    time.Hour,
		BatchSize:         100,
		RefundBatchSize:   50,
		RederiveBatchSize: 50,
		TickLockTTL:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RefundInterval <= 0 {
		c.RefundInterval = defaults.RefundInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RefundBatchSize <= 0 {
		c.RefundBatchSize = defaults.RefundBatchSize
	}
	if c.RederiveBatchSize <= 0 {
		c.RederiveBatchSize = defaults.RederiveBatchSize
	}
	if c.TickLockTTL <= 0 {
		c.TickLockTTL = defaults.TickLockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.EvalInterval,
		RefundInterval: cfg.RefundInterval,
	}.withDefaults()
}
