package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"convoflow/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	DelayMS       int  `yaml:"delay_ms"`      // artificial per-record delay
	PrintCounter  bool `yaml:"print_counter"` // prepend seq#
	PrintValue    bool `yaml:"print_value"`
	ValueMaxBytes int  `yaml:"value_max_bytes"` // 0 = unlimited

	Out io.Writer `yaml:"-"` // defaults to stdout
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config

	mu  sync.Mutex // serializes writes so lines never interleave
	seq atomic.Uint64
}

func New(cfg Config) sink.Adapter {
	d := &driver{}
	_ = d.Configure(cfg)
	return d
}

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	d.cfg = c
	return nil
}

func (d *driver) Publish(ctx context.Context, recs ...sink.Record) error {
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.cfg.DelayMS > 0 {
			time.Sleep(time.Duration(d.cfg.DelayMS) * time.Millisecond)
		}
		d.print(r)
	}
	return nil
}

func (d *driver) print(r sink.Record) {
	line := fmt.Sprintf("[sink] %s key=%s", r.Topic, r.Key)
	if d.cfg.PrintCounter {
		line = fmt.Sprintf("[sink %06d] %s key=%s", d.seq.Add(1), r.Topic, r.Key)
	}
	if d.cfg.PrintValue {
		v := r.Value
		if n := d.cfg.ValueMaxBytes; n > 0 && len(v) > n {
			v = v[:n]
		}
		line += " value=" + string(v)
	}

	d.mu.Lock()
	fmt.Fprintln(d.cfg.Out, line)
	d.mu.Unlock()
}

func (d *driver) Close() error { return nil }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}
