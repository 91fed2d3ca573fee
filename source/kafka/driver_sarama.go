package kafka

import (
	"context"
	"errors"
	"log/slog"

	"convoflow/internal/logging"

	"github.com/IBM/sarama"
)

type SaramaDriver struct {
	cfg   Config
	cl    sarama.Client
	group sarama.ConsumerGroup
	bp    *Controller
	cp    *Checkpointer
	log   *slog.Logger

	onCommit CommitFunc
}

func (d *SaramaDriver) Configure(config Config) error {
	d.cfg = config
	d.log = logging.For("sarama-driver")
	d.bp = NewController(config.BackPressure.Capacity)
	d.cp = NewCheckpointer(nil, config.Checkpoint.CommitInt)
	d.cp.OnCommit(d.onCommit)

	sc, err := saramaConfig(config)
	if err != nil {
		return err
	}
	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
	return err
}

func saramaConfig(config Config) (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	// offsets are marked by the handler and flushed by the checkpointer
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Group.Session.Timeout = config.SessionTimeout
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	switch config.StartFrom {
	case "newest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return sc, nil
}

func (d *SaramaDriver) Run(ctx context.Context, emit EmitFunc) error {
	handler := &groupHandler{driver: d, emit: emit}

	go func() {
		for err := range d.group.Errors() {
			d.log.Warn("consumer group error", "err", err)
		}
	}()

	for {
		if err := d.group.Consume(ctx, d.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// OnCommit reports offsets after sess.Commit, not when they are marked.
func (d *SaramaDriver) OnCommit(fn CommitFunc) {
	d.onCommit = fn
	if d.cp != nil {
		d.cp.OnCommit(fn)
	}
}

func (d *SaramaDriver) Pause() {
	d.bp.Pause()
	d.group.PauseAll()
}

func (d *SaramaDriver) Resume() {
	d.group.ResumeAll()
	d.bp.Resume()
}

func (d *SaramaDriver) Close() error {
	d.bp.Close()
	_ = d.group.Close()
	_ = d.cl.Close()
	return nil
}

type groupHandler struct {
	driver *SaramaDriver
	emit   EmitFunc
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.driver.cp.Dirty() {
		sess.Commit()
		h.driver.cp.Committed()
	}
	for topic, parts := range sess.Claims() {
		for _, p := range parts {
			h.driver.cp.Forget(topic, p)
		}
	}
	h.driver.log.Info("rebalance: session closed", "generation", sess.GenerationID())
	return nil
}

// ConsumeClaim runs in its own goroutine per partition, so messages of one
// partition reach emit strictly in order.
func (h *groupHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	ctx := sess.Context()
	for {
		if err := h.driver.bp.Acquire(ctx); err != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			h.driver.bp.Release(1)
			return nil

		case msg, ok := <-claim.Messages():
			if !ok {
				h.driver.bp.Release(1)
				return nil
			}

			if err := h.driver.bp.WaitResumed(ctx); err != nil {
				h.driver.bp.Release(1)
				return nil
			}
			err := h.emit(ctx, toMessage(msg))
			h.driver.bp.Release(1)
			if err != nil {
				h.driver.log.Warn("emit failed; partition will be redelivered",
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
				return err
			}

			sess.MarkMessage(msg, "")
			if h.driver.cp.Mark(msg.Topic, msg.Partition, msg.Offset) {
				sess.Commit()
				h.driver.cp.Committed()
			}
		}
	}
}

func toMessage(m *sarama.ConsumerMessage) *Message {
	return &Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   toHeaderMap(m.Headers),
		Timestamp: m.Timestamp,
	}
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
