package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"

	"convoflow/internal/alarm"
	"convoflow/internal/assembly"
	"convoflow/internal/capture"
	"convoflow/internal/config"
	"convoflow/internal/consumer"
	"convoflow/internal/cursor"
	"convoflow/internal/event"
	"convoflow/internal/spec"
	"convoflow/internal/store"
	"convoflow/sink"
	"convoflow/sink/memory"
	"convoflow/sink/stdout"
	"convoflow/source/kafka"
)

const (
	defaultUnitTopic  = "conversation.units"
	memoryDriver      = "memory"
	headerFlushReason = "flush-reason"
)

// Options carry process-level collaborators into a compiled pipeline.
type Options struct {
	Bus   *alarm.Bus
	Clock clock.Clock
	// Broker backs the "memory" source driver and sink; one is created when
	// the pipeline names memory and Broker is nil.
	Broker *kafka.MemoryBroker
}

func Compile(ctx context.Context, path string, o Options) (*Runner, error) {
	f, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}
	return Build(ctx, f, o)
}

// Build wires the stages a pipeline file enables. On error every resource
// opened so far is released.
func Build(ctx context.Context, f spec.File, o Options) (r *Runner, err error) {
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	b := &builder{f: f, o: o, r: NewRunner(o.Bus)}
	defer func() {
		if err != nil {
			_ = b.r.Close(ctx)
		}
	}()

	if f.Capture.Enabled {
		if err := b.buildCapture(ctx); err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
	}
	if f.Assembly.Enabled {
		if err := b.buildAssembly(); err != nil {
			return nil, fmt.Errorf("assembly: %w", err)
		}
	}
	return b.r, nil
}

type builder struct {
	f spec.File
	o Options
	r *Runner
}

func (b *builder) broker() *kafka.MemoryBroker {
	if b.o.Broker == nil {
		b.o.Broker = kafka.NewMemoryBroker(4)
	}
	return b.o.Broker
}

func (b *builder) buildCapture(ctx context.Context) error {
	sec := b.f.Capture
	cfg, err := config.LoadCaptureConfig(sec.Config)
	if err != nil {
		return err
	}
	if sec.Topic != "" {
		cfg.Topic = sec.Topic
	}
	if b.f.NodeID != "" {
		cfg.NodeID = b.f.NodeID
	}

	src, err := store.NewSQLRowSource(sec.Source)
	if err != nil {
		return err
	}
	b.r.closers = append(b.r.closers, src)

	cs, err := b.cursorStore(ctx)
	if err != nil {
		return err
	}
	b.r.closers = append(b.r.closers, cs)

	out, err := b.sink(sec.Sink)
	if err != nil {
		return err
	}

	b.r.capture, err = capture.New(cfg, capture.Deps{
		Source: src,
		Store:  cs,
		Sink:   out,
		Bus:    b.r.bus,
		Clock:  b.o.Clock,
	})
	return err
}

func (b *builder) cursorStore(ctx context.Context) (cursor.Store, error) {
	cs := b.f.Capture.CursorStore
	switch cs.Kind {
	case "", "memory":
		return cursor.NewMemoryStore(), nil
	case "sql":
		return store.NewSQLCursorStore(ctx, cs.SQL)
	case "pebble":
		if cs.Path == "" {
			return nil, errors.New("pebble cursor store: path is required")
		}
		return store.NewPebbleCursorStore(cs.Path)
	}
	return nil, fmt.Errorf("unsupported cursor store %q", cs.Kind)
}

func (b *builder) buildAssembly() error {
	sec := b.f.Assembly
	if sec.Source.Kind != "kafka" {
		return fmt.Errorf("unsupported source %q", sec.Source.Kind)
	}
	ac, err := config.LoadAssemblyConfig(sec.Config)
	if err != nil {
		return err
	}
	kc, err := config.LoadKafkaConfig(sec.Source.Config)
	if err != nil {
		return err
	}
	if len(kc.Topics) == 0 {
		kc.Topics = []string{b.changeTopic()}
	}

	var src kafka.Adapter
	if sec.Source.Driver == memoryDriver {
		src = kafka.NewMemoryDriver(b.broker())
	} else if src, err = kafka.NewAdapter(sec.Source.Driver); err != nil {
		return err
	}
	if err := src.Configure(kc); err != nil {
		return err
	}

	out, err := b.sink(sec.Sink)
	if err != nil {
		_ = src.Close()
		return err
	}
	unitTopic := sec.OutputTopic
	if unitTopic == "" {
		unitTopic = defaultUnitTopic
	}
	dlqTopic := sec.DeadLetterTopic
	if dlqTopic == "" {
		dlqTopic = kc.Topics[0] + ".dlq"
	}

	buf := assembly.NewBuffer(ac.Buffer, unitEmitter(out, unitTopic), b.o.Clock, b.r.bus)
	c, err := consumer.New(src, consumer.Options[event.ChangeEvent]{
		Name:              "assembly",
		Decode:            decodeChange,
		Handle:            appendHandler(buf),
		Retry:             ac.Retry,
		BackpressurePause: ac.BackpressurePause,
		DeadLetter:        out,
		DeadLetterTopic:   dlqTopic,
		Bus:               b.r.bus,
		Clock:             b.o.Clock,
	})
	if err != nil {
		_ = src.Close()
		return err
	}
	b.r.buffer, b.r.consumer = buf, c
	return nil
}

func (b *builder) changeTopic() string {
	if b.f.Capture.Topic != "" {
		return b.f.Capture.Topic
	}
	var c capture.Config
	c.ApplyDefaults()
	return c.Topic
}

// sink returns the named sink, configured once and shared between stages.
func (b *builder) sink(name string) (sink.Adapter, error) {
	if name == "" {
		return nil, errors.New("no sink named")
	}
	if s, ok := b.r.sinks[name]; ok {
		return s, nil
	}

	var (
		s   sink.Adapter
		err error
	)
	switch name {
	case memoryDriver:
		s = memory.New(b.broker())
	case "stdout":
		d := b.f.Debug
		s = stdout.New(stdout.Config{
			DelayMS:       d.PerRecordDelayMS,
			PrintCounter:  d.PrintCounter,
			PrintValue:    d.PrintValue,
			ValueMaxBytes: d.ValueMaxBytes,
		})
	default:
		if s, err = sink.NewAdapter(name); err != nil {
			return nil, err
		}
		switch name {
		case "kafka":
			err = s.Configure(b.f.SinkConfigs.Kafka)
		case "kafkago":
			err = s.Configure(b.f.SinkConfigs.KafkaGo)
		case "nats":
			err = s.Configure(b.f.SinkConfigs.NATS)
		default:
			err = fmt.Errorf("no config block for sink %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", name, err)
		}
	}
	b.r.sinks[name] = s
	return s, nil
}

func decodeChange(m *kafka.Message) (event.ChangeEvent, error) {
	return event.DecodeChangeEvent(m.Value)
}

// appendHandler feeds the buffer. A flush that cannot reach the unit topic
// while shedding overflow means downstream is struggling, so the consumer
// backs off instead of spending retries.
func appendHandler(buf *assembly.Buffer) consumer.Handler[event.ChangeEvent] {
	return func(ctx context.Context, ev event.ChangeEvent, _ consumer.Delivery) error {
		err := buf.Append(ctx, ev)
		if err == nil || errors.Is(err, assembly.ErrClosed) {
			return err
		}
		return fmt.Errorf("%w: %w", consumer.ErrOverloaded, err)
	}
}

func unitEmitter(out sink.Adapter, topic string) assembly.EmitFunc {
	return func(ctx context.Context, u event.AssembledUnit) error {
		b, err := event.EncodeUnit(u)
		if err != nil {
			return err
		}
		return out.Publish(ctx, sink.Record{
			Topic:   topic,
			Key:     []byte(u.Key),
			Value:   b,
			Headers: map[string][]byte{headerFlushReason: []byte(u.Metadata.FlushReason)},
		})
	}
}
