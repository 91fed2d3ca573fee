package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"convoflow/sink"
)

// KeyHeader carries the record key; JetStream has no native message key.
const KeyHeader = "key"

type Config struct {
	URL       string        `yaml:"url"`
	StreamAge time.Duration `yaml:"stream_max_age"`
}

type driver struct {
	cfg Config
	nc  *nats.Conn
	js  jetstream.JetStream

	mu      sync.Mutex
	streams map[string]bool
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("nats-sink: want Config, got %T", raw)
	}
	if c.URL == "" {
		return fmt.Errorf("nats-sink: url is required")
	}
	if c.StreamAge <= 0 {
		c.StreamAge = 24 * time.Hour
	}
	nc, err := nats.Connect(c.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("nats-sink: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats-sink: jetstream: %w", err)
	}
	d.cfg, d.nc, d.js = c, nc, js
	d.streams = make(map[string]bool)
	return nil
}

func (d *driver) Publish(ctx context.Context, recs ...sink.Record) error {
	for _, r := range recs {
		if err := d.ensureStream(ctx, r.Topic); err != nil {
			return err
		}
		if _, err := d.js.PublishMsg(ctx, toMsg(r)); err != nil {
			return fmt.Errorf("nats-sink: publish %s: %w", r.Topic, err)
		}
	}
	return nil
}

func (d *driver) ensureStream(ctx context.Context, subject string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streams[subject] {
		return nil
	}
	name := streamName(subject)
	_, err := d.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    d.cfg.StreamAge,
	})
	if err != nil {
		return fmt.Errorf("nats-sink: stream %s: %w", name, err)
	}
	d.streams[subject] = true
	return nil
}

func toMsg(r sink.Record) *nats.Msg {
	m := &nats.Msg{Subject: r.Topic, Data: r.Value, Header: nats.Header{}}
	m.Header.Set(KeyHeader, string(r.Key))
	for k, v := range r.Headers {
		m.Header.Set(k, string(v))
	}
	return m
}

// stream names may not contain dots
func streamName(subject string) string {
	return strings.ReplaceAll(subject, ".", "_")
}

func (d *driver) Close() error {
	if d.nc != nil {
		d.nc.Close()
		d.nc = nil
	}
	return nil
}

func init() { sink.Register("nats", func() sink.Adapter { return &driver{} }) }
