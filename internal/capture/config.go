package capture

import "time"

type LagCfg struct {
	Soft         time.Duration `koanf:"soft"`
	Hard         time.Duration `koanf:"hard"`
	CycleLimit   int           `koanf:"cycle_limit"`   // backlog cycles tolerated above Soft
	SafetyMargin time.Duration `koanf:"safety_margin"` // fast-forward lands at now - SafetyMargin
}

type BackfillCfg struct {
	Grace      time.Duration `koanf:"grace"` // keeps clear of rows Live is still reading
	MaxRuntime time.Duration `koanf:"max_runtime"`
	MaxBatches int           `koanf:"max_batches"`
	MaxDataAge time.Duration `koanf:"max_data_age"`
}

type Config struct {
	PollInterval     time.Duration `koanf:"poll_interval"`
	BatchSize        int           `koanf:"batch_size"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	LiveAutoStart    bool          `koanf:"live_auto_start"`

	Lag      LagCfg      `koanf:"lag"`
	Backfill BackfillCfg `koanf:"backfill"`

	Topic  string `koanf:"topic"`
	NodeID string `koanf:"node_id"`
}

func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.Lag.Soft <= 0 {
		c.Lag.Soft = 5 * time.Minute
	}
	if c.Lag.Hard <= 0 {
		c.Lag.Hard = 2 * time.Hour
	}
	if c.Lag.CycleLimit <= 0 {
		c.Lag.CycleLimit = 10
	}
	if c.Lag.SafetyMargin <= 0 {
		c.Lag.SafetyMargin = 30 * time.Second
	}
	if c.Backfill.Grace <= 0 {
		c.Backfill.Grace = 10 * time.Minute
	}
	if c.Backfill.MaxRuntime <= 0 {
		c.Backfill.MaxRuntime = 6 * time.Hour
	}
	if c.Backfill.MaxBatches <= 0 {
		c.Backfill.MaxBatches = 10_000
	}
	if c.Backfill.MaxDataAge <= 0 {
		c.Backfill.MaxDataAge = 30 * 24 * time.Hour
	}
	if c.Topic == "" {
		c.Topic = "conversation.changes"
	}
}
