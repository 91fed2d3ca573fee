// Package consumer runs a user handler over a broker subscription with
// per-partition ordering, bounded retries, dead-letter routing and
// commit-after-success offsets.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"convoflow/internal/alarm"
	"convoflow/internal/event"
	"convoflow/internal/logging"
	"convoflow/internal/telemetry"
	"convoflow/internal/tracing"
	"convoflow/sink"
	"convoflow/source/kafka"
)

var (
	// ErrOverloaded, wrapped by a handler error, pauses fetching for the
	// backpressure interval and re-invokes without spending a retry.
	ErrOverloaded = errors.New("consumer: downstream overloaded")

	ErrRetriesExhausted = errors.New("consumer: retries exhausted")

	errStopped = errors.New("consumer: stopped")
)

// Delivery describes where a message came from and which attempt this is.
type Delivery struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Headers   map[string][]byte
	Attempt   int // 1-based
}

// Decoder turns a raw message into T. Any error rejects the message: it is
// acknowledged and dropped.
type Decoder[T any] func(*kafka.Message) (T, error)

// Handler processes one message. The context is never cancelled by Stop.
type Handler[T any] func(ctx context.Context, v T, d Delivery) error

type Options[T any] struct {
	Name              string
	Decode            Decoder[T]
	Handle            Handler[T]
	Retry             RetryPolicy
	BackpressurePause time.Duration

	DeadLetter      sink.Adapter
	DeadLetterTopic string

	Bus           *alarm.Bus
	Clock         clock.Clock
	LatencyWindow int
}

type Consumer[T any] struct {
	name   string
	src    kafka.Adapter
	decode Decoder[T]
	handle Handler[T]
	retry  RetryPolicy
	hold   time.Duration

	dlq      sink.Adapter
	dlqTopic string

	bus   *alarm.Bus
	clk   clock.Clock
	log   *slog.Logger
	stats *stats

	// sleep waits between attempts; it returns early with ctx's error.
	sleep func(ctx context.Context, d time.Duration) error

	// set when the adapter reports its own commits
	commitReported bool

	mu       sync.Mutex
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup

	pauseMu    sync.Mutex
	userPaused bool
	holds      int
	srcPaused  bool
}

func New[T any](src kafka.Adapter, o Options[T]) (*Consumer[T], error) {
	switch {
	case src == nil:
		return nil, errors.New("consumer: adapter is required")
	case o.Decode == nil || o.Handle == nil:
		return nil, errors.New("consumer: decode and handle are required")
	case o.DeadLetter == nil || o.DeadLetterTopic == "":
		return nil, errors.New("consumer: dead-letter sink and topic are required")
	}
	if o.Name == "" {
		o.Name = "consumer"
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.BackpressurePause <= 0 {
		o.BackpressurePause = 5 * time.Second
	}
	o.Retry.ApplyDefaults()

	c := &Consumer[T]{
		name:     o.Name,
		src:      src,
		decode:   o.Decode,
		handle:   o.Handle,
		retry:    o.Retry,
		hold:     o.BackpressurePause,
		dlq:      o.DeadLetter,
		dlqTopic: o.DeadLetterTopic,
		bus:      o.Bus,
		clk:      o.Clock,
		log:      logging.For("consumer").With("consumer", o.Name),
		stats:    newStats(o.Name, o.LatencyWindow),
	}
	c.sleep = c.wait
	if n, ok := src.(kafka.CommitNotifier); ok {
		n.OnCommit(c.stats.commit)
		c.commitReported = true
	}
	return c, nil
}

func (c *Consumer[T]) Name() string { return c.name }

// Run consumes until Stop is called, ctx ends, or the adapter fails.
func (c *Consumer[T]) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer: already running")
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	c.running, c.cancel, c.done = true, cancel, make(chan struct{})
	done := c.done
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	c.publish(alarm.Started, alarm.Info, "consumer started", nil)
	err := c.src.Run(fetchCtx, c.emit)
	if c.isStopped() || errors.Is(err, context.Canceled) || errors.Is(err, errStopped) {
		return nil
	}
	return err
}

// Stop ends fetching, waits for in-flight handler calls to return and closes
// the adapter. Messages waiting on a retry delay are left uncommitted.
func (c *Consumer[T]) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("consumer %s: drain: %w", c.name, ctx.Err())
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("consumer %s: adapter shutdown: %w", c.name, ctx.Err())
		}
	}
	err := c.src.Close()
	c.publish(alarm.Stopped, alarm.Info, "consumer stopped", err)
	return err
}

func (c *Consumer[T]) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// enter registers an in-flight message unless Stop has begun.
func (c *Consumer[T]) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.inflight.Add(1)
	return true
}

/* ───────────────────────── pause / resume ───────────────────────── */

func (c *Consumer[T]) Pause() {
	c.pauseMu.Lock()
	changed := !c.userPaused
	c.userPaused = true
	c.syncPauseLocked()
	c.pauseMu.Unlock()
	if changed {
		c.publish(alarm.Paused, alarm.Info, "consumer paused", nil)
	}
}

func (c *Consumer[T]) Resume() {
	c.pauseMu.Lock()
	changed := c.userPaused
	c.userPaused = false
	c.syncPauseLocked()
	c.pauseMu.Unlock()
	if changed {
		c.publish(alarm.Resumed, alarm.Info, "consumer resumed", nil)
	}
}

func (c *Consumer[T]) Paused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.srcPaused
}

func (c *Consumer[T]) syncPauseLocked() {
	want := c.userPaused || c.holds > 0
	if want == c.srcPaused {
		return
	}
	if want {
		c.src.Pause()
		telemetry.ConsumerPaused.WithLabelValues(c.name).Set(1)
	} else {
		c.src.Resume()
		telemetry.ConsumerPaused.WithLabelValues(c.name).Set(0)
	}
	c.srcPaused = want
}

// backOff pauses fetching for the backpressure interval. Overlapping calls
// from several partitions share one pause.
func (c *Consumer[T]) backOff(ctx context.Context, cause error) error {
	c.pauseMu.Lock()
	c.holds++
	c.syncPauseLocked()
	c.pauseMu.Unlock()
	c.publish(alarm.Paused, alarm.Warning, "downstream overloaded, fetching paused", cause)

	err := c.sleep(ctx, c.hold)

	c.pauseMu.Lock()
	c.holds--
	c.syncPauseLocked()
	c.pauseMu.Unlock()
	c.publish(alarm.Resumed, alarm.Info, "backpressure pause over", nil)
	return err
}

/* ───────────────────────── per-message path ───────────────────────── */

// emit is called by the adapter, sequentially per partition. Returning nil
// lets the adapter commit the offset.
func (c *Consumer[T]) emit(ctx context.Context, msg *kafka.Message) error {
	if !c.enter() {
		return errStopped
	}
	defer c.inflight.Done()

	v, err := c.decode(msg)
	if err != nil {
		c.log.Warn("rejecting undecodable message", "topic", msg.Topic,
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		c.stats.outcome("rejected")
		c.ack(msg)
		return nil
	}

	d := Delivery{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Headers:   msg.Headers,
	}
	if err := c.process(ctx, msg, v, d); err != nil {
		return err
	}
	c.ack(msg)
	return nil
}

func (c *Consumer[T]) process(ctx context.Context, msg *kafka.Message, v T, d Delivery) error {
	retries := 0
	for {
		d.Attempt++
		err := c.invoke(ctx, v, d)
		if err == nil {
			c.stats.outcome("succeeded")
			return nil
		}
		if errors.Is(err, ErrOverloaded) {
			d.Attempt--
			if werr := c.backOff(ctx, err); werr != nil {
				return werr
			}
			continue
		}

		c.stats.fail(err)
		if retries >= c.retry.MaxRetries {
			return c.deadLetter(ctx, msg, d.Attempt, err)
		}
		delay := c.retry.Delay(retries)
		retries++
		c.stats.retry()
		c.log.Debug("handler failed, retrying", "offset", msg.Offset, "attempt", d.Attempt, "delay", delay, "err", err)
		if werr := c.sleep(ctx, delay); werr != nil {
			return werr
		}
	}
}

func (c *Consumer[T]) invoke(ctx context.Context, v T, d Delivery) error {
	// detached: a running handler is never cancelled by Stop
	hctx, span := tracing.Tracer().Start(context.WithoutCancel(ctx), "consumer.handle",
		trace.WithAttributes(
			attribute.String("consumer", c.name),
			attribute.String("messaging.source", d.Topic),
			attribute.Int("messaging.partition", int(d.Partition)),
			attribute.Int64("messaging.offset", d.Offset),
			attribute.Int("attempt", d.Attempt),
		))
	defer span.End()

	start := c.clk.Now()
	err := c.handle(hctx, v, d)
	c.stats.observe(c.clk.Now().Sub(start))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (c *Consumer[T]) deadLetter(ctx context.Context, msg *kafka.Message, attempts int, cause error) error {
	rec := event.DeadLetterRecord{
		ID:              uuid.NewString(),
		Consumer:        c.name,
		OriginalPayload: msg.Value,
		SourceTopic:     msg.Topic,
		Partition:       msg.Partition,
		Offset:          msg.Offset,
		Key:             msg.Key,
		Headers:         stringHeaders(msg.Headers),
		AttemptCount:    attempts,
		LastError:       fmt.Errorf("%w: %w", ErrRetriesExhausted, cause).Error(),
		FailedAt:        c.clk.Now(),
	}
	b, err := event.EncodeDeadLetter(rec)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	out := sink.Record{Topic: c.dlqTopic, Key: msg.Key, Value: b}

	for i := 0; ; i++ {
		err := c.dlq.Publish(ctx, out)
		if err == nil {
			break
		}
		c.log.Warn("dead-letter publish failed, retrying", "offset", msg.Offset, "err", err)
		if werr := c.sleep(ctx, c.retry.Delay(i)); werr != nil {
			return werr
		}
	}

	c.stats.outcome("dead_lettered")
	c.publish(alarm.DeadLettered, alarm.Warning,
		fmt.Sprintf("%s[%d]@%d dead-lettered after %d attempts", msg.Topic, msg.Partition, msg.Offset, attempts), cause)
	return nil
}

// ack records the offset as committed for adapters that commit on return
// from emit.
func (c *Consumer[T]) ack(msg *kafka.Message) {
	if c.commitReported {
		return
	}
	c.stats.commit(msg.Topic, msg.Partition, msg.Offset)
}

func (c *Consumer[T]) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-c.clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer[T]) Metrics() Metrics {
	m := c.stats.snapshot()
	m.Paused = c.Paused()
	return m
}

func (c *Consumer[T]) publish(kind alarm.Kind, sev alarm.Severity, msg string, err error) {
	c.bus.Publish(alarm.Event{Kind: kind, Severity: sev, Component: "consumer", Subject: c.name, Message: msg, Err: err})
}

func stringHeaders(h map[string][]byte) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = string(v)
	}
	return out
}
