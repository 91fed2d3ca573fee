package assembly

import "time"

type Config struct {
	InactivityTimeout time.Duration `koanf:"inactivity_timeout"`
	MinMessages       int           `koanf:"min_messages"`
	MaxBufferAge      time.Duration `koanf:"max_buffer_age"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	MaxOpenBuffers    int           `koanf:"max_open_buffers"`
	// CompletionRoles flush a conversation as soon as every role has spoken.
	// Empty disables early completion.
	CompletionRoles []string `koanf:"completion_roles"`
	Shards          int      `koanf:"shards"`
}

func (c *Config) ApplyDefaults() {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 3 * time.Minute
	}
	if c.MinMessages <= 0 {
		c.MinMessages = 1
	}
	if c.MaxBufferAge <= 0 {
		c.MaxBufferAge = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.MaxOpenBuffers <= 0 {
		c.MaxOpenBuffers = 10_000
	}
	if c.Shards <= 0 {
		c.Shards = 32
	}
}
