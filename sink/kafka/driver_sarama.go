package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"convoflow/sink"
)

type Config struct {
	Brokers     []string `yaml:"brokers"`
	Version     string   `yaml:"version"`
	Acks        *int16   `yaml:"required_acks"` // 0,1,-1; unset means -1
	Idempotent  bool     `yaml:"idempotent"`
	Compression string   `yaml:"compression"` // none|gzip|snappy|lz4|zstd
	TimeoutMS   int      `yaml:"timeout_ms"`
}

type driver struct {
	cfg Config
	p   sarama.SyncProducer
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka-sink: no brokers")
	}
	d.cfg = cfg

	sc, err := producerConfig(cfg)
	if err != nil {
		return err
	}
	d.p, err = sarama.NewSyncProducer(cfg.Brokers, sc)
	return err
}

func producerConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	if cfg.Acks != nil {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(*cfg.Acks)
	}
	// same key → same partition, so per-key order survives the hop
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if cfg.Idempotent {
		sc.Producer.Idempotent = true
		sc.Producer.RequiredAcks = sarama.WaitForAll
		sc.Net.MaxOpenRequests = 1
	}
	if cfg.TimeoutMS > 0 {
		sc.Producer.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	}
	return sc, nil
}

func (d *driver) Publish(ctx context.Context, recs ...sink.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(recs))
	for _, r := range recs {
		msgs = append(msgs, toProducerMessage(r))
	}
	if err := d.p.SendMessages(msgs); err != nil {
		return fmt.Errorf("kafka-sink: %w", err)
	}
	return nil
}

func toProducerMessage(r sink.Record) *sarama.ProducerMessage {
	m := &sarama.ProducerMessage{
		Topic: r.Topic,
		Value: sarama.ByteEncoder(r.Value),
	}
	if len(r.Key) > 0 {
		m.Key = sarama.ByteEncoder(r.Key)
	}
	for k, v := range r.Headers {
		m.Headers = append(m.Headers, sarama.RecordHeader{Key: []byte(k), Value: v})
	}
	return m
}

func (d *driver) Close() error {
	if d.p == nil {
		return nil
	}
	err := d.p.Close()
	d.p = nil
	return err
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
