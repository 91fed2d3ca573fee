package consumer

import (
	"math"
	"time"
)

// RetryPolicy bounds handler re-invocations. A message is handled at most
// 1+MaxRetries times; retry i (from 0) waits min(BaseDelay*Multiplier^i, CapDelay).
type RetryPolicy struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	Multiplier float64       `koanf:"multiplier"`
	CapDelay   time.Duration `koanf:"cap_delay"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2, CapDelay: 30 * time.Second}
}

// ApplyDefaults fills unset delays. MaxRetries is left alone: zero is a valid
// "never retry".
func (p *RetryPolicy) ApplyDefaults() {
	d := DefaultRetryPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.CapDelay <= 0 {
		p.CapDelay = d.CapDelay
	}
	if p.CapDelay < p.BaseDelay {
		p.CapDelay = p.BaseDelay
	}
}

func (p RetryPolicy) Delay(i int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(i))
	if d >= float64(p.CapDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.CapDelay
	}
	return time.Duration(d)
}
