package kafkago

import (
	"context"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"convoflow/sink"
)

const (
	defaultBatchSize  = 100
	defaultBatchBytes = 1 << 20
)

type Config struct {
	Brokers      []string `yaml:"brokers"`
	BatchSize    int      `yaml:"batch_size"`
	BatchBytes   int64    `yaml:"batch_bytes"`
	BatchTimeout int      `yaml:"batch_timeout_ms"`
	AutoCreate   bool     `yaml:"auto_create_topics"`
}

type driver struct {
	w *kafka.Writer
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("kafkago-sink: want Config, got %T", raw)
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafkago-sink: no brokers")
	}
	d.w = newWriter(c)
	return nil
}

func newWriter(c Config) *kafka.Writer {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchBytes <= 0 {
		c.BatchBytes = defaultBatchBytes
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              c.BatchSize,
		BatchBytes:             c.BatchBytes,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: c.AutoCreate,
	}
	if c.BatchTimeout > 0 {
		w.BatchTimeout = time.Duration(c.BatchTimeout) * time.Millisecond
	}
	return w
}

func (d *driver) Publish(ctx context.Context, recs ...sink.Record) error {
	if len(recs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(recs))
	for _, r := range recs {
		msgs = append(msgs, toMessage(r))
	}
	if err := d.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafkago-sink: %w", err)
	}
	return nil
}

func toMessage(r sink.Record) kafka.Message {
	m := kafka.Message{Topic: r.Topic, Key: r.Key, Value: r.Value}
	for k, v := range r.Headers {
		m.Headers = append(m.Headers, kafka.Header{Key: k, Value: v})
	}
	return m
}

func (d *driver) Close() error {
	if d.w == nil {
		return nil
	}
	err := d.w.Close()
	d.w = nil
	return err
}

func init() { sink.Register("kafkago", func() sink.Adapter { return &driver{} }) }
