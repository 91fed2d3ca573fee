package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"convoflow/sink"
	"convoflow/source/kafka"
)

var ErrClosed = errors.New("memory-sink: closed")

type Config struct {
	Broker *kafka.MemoryBroker
}

// driver publishes into an in-process MemoryBroker, which the memory source
// driver then consumes.
type driver struct {
	broker *kafka.MemoryBroker
	closed atomic.Bool
}

func New(b *kafka.MemoryBroker) sink.Adapter { return &driver{broker: b} }

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("memory-sink: want Config, got %T", raw)
	}
	if c.Broker == nil {
		return fmt.Errorf("memory-sink: no broker")
	}
	d.broker = c.Broker
	return nil
}

func (d *driver) Publish(ctx context.Context, recs ...sink.Record) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range recs {
		d.broker.Publish(r.Topic, r.Key, r.Value, r.Headers)
	}
	return nil
}

func (d *driver) Close() error {
	d.closed.Store(true)
	return nil
}

func init() { sink.Register("memory", func() sink.Adapter { return &driver{} }) }
