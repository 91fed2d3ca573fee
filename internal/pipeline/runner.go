package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"convoflow/internal/alarm"
	"convoflow/internal/assembly"
	"convoflow/internal/capture"
	"convoflow/internal/consumer"
	"convoflow/internal/event"
	"convoflow/internal/logging"
	"convoflow/sink"
)

// Runner owns every stage of a compiled pipeline and shuts them down in
// dependency order: capture, then the consumer, then the buffer, then sinks.
type Runner struct {
	log *slog.Logger
	bus *alarm.Bus

	capture  *capture.Engine
	consumer *consumer.Consumer[event.ChangeEvent]
	buffer   *assembly.Buffer

	sinks   map[string]sink.Adapter
	closers []io.Closer

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(bus *alarm.Bus) *Runner {
	if bus == nil {
		bus = alarm.NewBus()
	}
	return &Runner{
		log:   logging.For("pipeline"),
		bus:   bus,
		sinks: make(map[string]sink.Adapter),
	}
}

func (r *Runner) Bus() *alarm.Bus { return r.bus }

// Capture is nil when the capture stage is disabled.
func (r *Runner) Capture() *capture.Engine { return r.capture }

// Consumer is nil when the assembly stage is disabled.
func (r *Runner) Consumer() *consumer.Consumer[event.ChangeEvent] { return r.consumer }

func (r *Runner) Buffer() *assembly.Buffer { return r.buffer }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return errors.New("runner: closed")
	case r.started:
		return nil
	case r.capture == nil && r.consumer == nil:
		return errors.New("runner: no stage configured")
	}
	ctx, r.cancel = context.WithCancel(ctx)

	if r.capture != nil {
		if err := r.capture.Load(ctx); err != nil {
			r.cancel()
			return fmt.Errorf("capture: %w", err)
		}
		r.capture.Start(ctx)
	}
	if r.buffer != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.buffer.Run(ctx)
		}()
	}
	if r.consumer != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.consumer.Run(ctx); err != nil {
				r.bus.Publish(alarm.Event{
					Kind: alarm.Stopped, Severity: alarm.Critical, Component: "consumer",
					Subject: r.consumer.Name(), Message: "consumer exited", Err: err,
				})
			}
		}()
	}
	r.started = true
	r.log.Info("pipeline started", "capture", r.capture != nil, "assembly", r.consumer != nil)
	return nil
}

// Close stops every stage. Open conversations are flushed before the sinks
// close.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()

	var errs *multierror.Error
	if r.capture != nil {
		r.capture.Stop()
	}
	if r.consumer != nil {
		if err := r.consumer.Stop(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if r.buffer != nil {
		if err := r.buffer.Close(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("flush open conversations: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	for name, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	r.log.Info("pipeline stopped")
	return errs.ErrorOrNil()
}
