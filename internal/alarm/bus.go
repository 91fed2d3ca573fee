// Package alarm is a small typed event bus for lifecycle notifications and
// conditions that need an operator's attention.
package alarm

import (
	"log/slog"
	"sync"
	"time"

	"convoflow/internal/logging"
	"convoflow/internal/telemetry"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "info"
	}
}

type Kind string

const (
	Started        Kind = "started"
	Stopped        Kind = "stopped"
	Paused         Kind = "paused"
	Resumed        Kind = "resumed"
	DeadLettered   Kind = "dead_lettered"
	FastForward    Kind = "fast_forward"
	BreakerTripped Kind = "breaker_tripped"
	BreakerReset   Kind = "breaker_reset"
	BackfillDone   Kind = "backfill_completed"
	BackfillHalted Kind = "backfill_suspended"
	CursorLost     Kind = "cursor_persistence_failed"
	BufferOverflow Kind = "buffer_overflow"
)

type Event struct {
	Kind      Kind
	Severity  Severity
	Component string
	Subject   string // mode, consumer name or buffer key
	Message   string
	Err       error
	At        time.Time
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind loses events, which is counted.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
	log  *slog.Logger
}

func NewBus() *Bus {
	return &Bus{log: logging.For("alarm")}
}

// Subscribe returns a channel receiving every event published after the
// call. The channel is closed by Close.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	telemetry.Alarms.WithLabelValues(string(ev.Kind), ev.Severity.String()).Inc()

	attrs := []any{"kind", ev.Kind, "component", ev.Component, "subject", ev.Subject}
	if ev.Err != nil {
		attrs = append(attrs, "err", ev.Err)
	}
	switch ev.Severity {
	case Critical:
		b.log.Error(ev.Message, attrs...)
	case Warning:
		b.log.Warn(ev.Message, attrs...)
	default:
		b.log.Debug(ev.Message, attrs...)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			telemetry.AlarmsDropped.Inc()
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
