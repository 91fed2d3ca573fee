// Package capture polls a relational source for new rows and publishes them
// as change events, keeping one persisted cursor per mode.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"convoflow/internal/alarm"
	"convoflow/internal/cursor"
	"convoflow/internal/event"
	"convoflow/internal/logging"
	"convoflow/internal/telemetry"
	"convoflow/internal/tracing"
	"convoflow/sink"
)

var ErrBreakerTripped = errors.New("capture: runaway breaker tripped, reset required")

var errUnchanged = errors.New("unchanged")

var modes = []cursor.Mode{cursor.Live, cursor.Backfill}

type outcome string

const (
	outDisabled      outcome = "disabled"
	outEmpty         outcome = "empty"
	outPublished     outcome = "published"
	outSourceError   outcome = "source_error"
	outPublishError  outcome = "publish_error"
	outPersistFailed outcome = "persist_failed"
	outFastForward   outcome = "fast_forward"
	outBreaker       outcome = "breaker_tripped"
	outCompleted     outcome = "completed"
	outSuspended     outcome = "suspended"
	outStale         outcome = "stale"
)

type Deps struct {
	Source RowSource
	Store  cursor.Store
	Sink   sink.Adapter
	Bus    *alarm.Bus   // optional
	Clock  clock.Clock  // defaults to the wall clock
}

type Engine struct {
	cfg   Config
	src   RowSource
	store cursor.Store
	out   sink.Adapter
	bus   *alarm.Bus
	clk   clock.Clock
	log   *slog.Logger

	mu    sync.Mutex
	modes map[cursor.Mode]*modeState

	lifeMu  sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config, d Deps) (*Engine, error) {
	if d.Source == nil || d.Store == nil || d.Sink == nil {
		return nil, errors.New("capture: source, cursor store and sink are required")
	}
	cfg.ApplyDefaults()
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	e := &Engine{
		cfg:   cfg,
		src:   d.Source,
		store: d.Store,
		out:   d.Sink,
		bus:   d.Bus,
		clk:   d.Clock,
		log:   logging.For("capture"),
		modes: make(map[cursor.Mode]*modeState, len(modes)),
	}
	for _, m := range modes {
		e.modes[m] = newModeState(cursor.Cursor{Mode: m})
	}
	return e, nil
}

func (e *Engine) NodeID() string { return e.cfg.NodeID }

// Load restores both cursors from the store. A mode that was never saved
// starts disabled, except Live when LiveAutoStart is set.
func (e *Engine) Load(ctx context.Context) error {
	now := e.clk.Now()
	for _, m := range modes {
		c, ok, err := e.store.Load(ctx, m)
		if err != nil {
			return fmt.Errorf("load %s cursor: %w", m, err)
		}
		if !ok {
			c = cursor.Cursor{Mode: m, Enabled: m == cursor.Live && e.cfg.LiveAutoStart}
		}
		c.Mode = m

		e.mu.Lock()
		ms := e.modes[m]
		ms.gen++
		ms.cur = c
		ms.state = Disabled
		if c.Enabled {
			ms.state = Polling
			ms.enabledAt = now
		}
		e.mu.Unlock()

		e.observeCursor(c)
		e.log.Info("cursor loaded", "mode", m, "enabled", c.Enabled,
			"last_event_time", c.LastEventTime, "total_processed", c.TotalProcessed)
	}
	return nil
}

/* ───────────────────────── scheduling ───────────────────────── */

// Start launches one sequential polling loop per mode.
func (e *Engine) Start(ctx context.Context) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	for _, m := range modes {
		e.wg.Add(1)
		go e.loop(ctx, m, e.stop)
	}
	e.log.Info("capture started", "node", e.cfg.NodeID, "poll_interval", e.cfg.PollInterval)
}

// Stop prevents further cycles and waits for in-flight ones to finish.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	if !e.running {
		e.lifeMu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.lifeMu.Unlock()

	e.wg.Wait()
	e.log.Info("capture stopped")
}

func (e *Engine) loop(ctx context.Context, mode cursor.Mode, stop <-chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}

		if out, err := e.cycle(ctx, mode); err != nil {
			e.log.Debug("cycle ended with error", "mode", mode, "outcome", out, "err", err)
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-e.clk.After(e.cfg.PollInterval):
		}
	}
}

/* ───────────────────────── poll cycle ───────────────────────── */

func (e *Engine) cycle(ctx context.Context, mode cursor.Mode) (outcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "capture.cycle",
		trace.WithAttributes(attribute.String("cdc.mode", string(mode))))
	defer span.End()

	out, err := e.runCycle(ctx, mode)
	telemetry.CaptureCycles.WithLabelValues(string(mode), string(out)).Inc()
	span.SetAttributes(attribute.String("cdc.outcome", string(out)))
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (e *Engine) runCycle(ctx context.Context, mode cursor.Mode) (outcome, error) {
	ms := e.modes[mode]
	now := e.clk.Now()

	e.mu.Lock()
	if !ms.cur.Enabled {
		e.mu.Unlock()
		return outDisabled, nil
	}
	gen, cur := ms.gen, ms.cur
	if mode == cursor.Backfill {
		if reason := e.limitBreached(ms, now); reason != "" {
			e.mu.Unlock()
			return e.suspend(ctx, ms, gen, reason)
		}
	}
	ms.state = Polling
	e.mu.Unlock()

	q := Query{After: cur.LastEventTime, Limit: e.cfg.BatchSize}
	if mode == cursor.Backfill {
		q.Before = now.Add(-e.cfg.Backfill.Grace)
	}
	rows, err := e.src.Rows(ctx, q)
	if err != nil {
		e.log.Warn("source query failed, skipping cycle", "mode", mode, "err", err)
		return outSourceError, &SourceError{Err: err}
	}

	e.mu.Lock()
	if ms.gen != gen {
		e.mu.Unlock()
		return outStale, nil
	}
	if len(rows) == 0 {
		ms.forgetRead()
		e.mu.Unlock()
		if mode == cursor.Backfill {
			return e.complete(ctx, ms, gen)
		}
		return outEmpty, nil
	}
	if ms.observe(rowIDs(rows), cur.LastEventTime) >= e.cfg.BreakerThreshold {
		e.mu.Unlock()
		return e.tripBreaker(ctx, ms, gen, len(rows))
	}
	if mode == cursor.Live {
		if target, ok := e.checkLag(ms, now, rows); ok {
			e.mu.Unlock()
			return e.fastForward(ctx, ms, gen, target, len(rows))
		}
	}
	ms.state = Publishing
	e.mu.Unlock()

	return e.publish(ctx, ms, gen, mode, rows, now)
}

func (e *Engine) publish(ctx context.Context, ms *modeState, gen uint64, mode cursor.Mode, rows []Row, now time.Time) (outcome, error) {
	recs, err := e.records(mode, rows, now)
	if err == nil {
		err = e.out.Publish(ctx, recs...)
	}
	if err != nil {
		e.mu.Lock()
		if ms.gen == gen {
			// only published batches count toward the breaker
			ms.forgetRead()
			ms.state = Polling
		}
		e.mu.Unlock()
		e.log.Warn("publish failed, cursor unchanged", "mode", mode, "rows", len(rows), "err", err)
		return outPublishError, err
	}
	telemetry.CaptureRows.WithLabelValues(string(mode)).Add(float64(len(rows)))

	last := newest(rows)
	applied, err := e.commit(ctx, ms, gen, func(m *modeState) error {
		if last.EventTime.After(m.cur.LastEventTime) {
			m.cur.LastEventTime = last.EventTime
			m.cur.LastRowID = last.RowID
		}
		m.cur.TotalProcessed += int64(len(rows))
		m.batches++
		m.state = Polling
		return nil
	})
	if !applied {
		return outStale, nil
	}
	if err != nil {
		return e.persistFailed(ms, mode, err)
	}
	e.log.Debug("batch published", "mode", mode, "rows", len(rows), "cursor", last.EventTime)
	return outPublished, nil
}

func (e *Engine) records(mode cursor.Mode, rows []Row, now time.Time) ([]sink.Record, error) {
	recs := make([]sink.Record, 0, len(rows))
	for _, r := range rows {
		ev := event.ChangeEvent{
			EntityID:       r.EntityID,
			ChangeType:     r.ChangeType,
			PartitionKey:   r.PartitionKey,
			OwnerRole:      r.OwnerRole,
			PayloadText:    r.PayloadText,
			EventTime:      r.EventTime,
			ObservedAt:     now,
			SourceRowID:    r.RowID,
			CDCMode:        string(mode),
			ProcessingNode: e.cfg.NodeID,
		}
		if ev.ChangeType == "" {
			ev.ChangeType = event.Insert
		}
		b, err := event.EncodeChangeEvent(ev)
		if err != nil {
			return nil, fmt.Errorf("encode row %s: %w", r.RowID, err)
		}
		recs = append(recs, sink.Record{
			Topic:   e.cfg.Topic,
			Key:     []byte(r.PartitionKey),
			Value:   b,
			Headers: map[string][]byte{"cdc-mode": []byte(mode)},
		})
	}
	return recs, nil
}

// checkLag updates the backlog counter and reports whether Live must
// fast-forward, and where to. Caller holds e.mu.
func (e *Engine) checkLag(ms *modeState, now time.Time, rows []Row) (time.Time, bool) {
	lag := now.Sub(oldest(rows).EventTime)
	telemetry.CaptureLag.WithLabelValues(string(cursor.Live)).Set(lag.Seconds())

	if lag > e.cfg.Lag.Soft {
		ms.backlog++
		e.log.Info("live capture behind", "lag", lag, "backlog_cycles", ms.backlog)
	} else {
		ms.backlog = 0
	}
	if lag > e.cfg.Lag.Hard || ms.backlog > e.cfg.Lag.CycleLimit {
		return now.Add(-e.cfg.Lag.SafetyMargin), true
	}
	return time.Time{}, false
}

func (e *Engine) fastForward(ctx context.Context, ms *modeState, gen uint64, target time.Time, discarded int) (outcome, error) {
	var from time.Time
	applied, err := e.commit(ctx, ms, gen, func(m *modeState) error {
		from = m.cur.LastEventTime
		if target.After(m.cur.LastEventTime) {
			m.cur.LastEventTime = target
			m.cur.LastRowID = ""
		}
		m.backlog = 0
		m.fastForwards++
		m.forgetRead()
		m.state = Polling
		return nil
	})
	if !applied {
		return outStale, nil
	}
	telemetry.CaptureFastForwards.WithLabelValues(string(cursor.Live)).Inc()
	e.bus.Publish(alarm.Event{
		Kind:      alarm.FastForward,
		Severity:  alarm.Warning,
		Component: "capture",
		Subject:   string(cursor.Live),
		Message:   fmt.Sprintf("live cursor fast-forwarded from %s to %s, %d fetched rows discarded", from.Format(time.RFC3339), target.Format(time.RFC3339), discarded),
	})
	if err != nil {
		return e.persistFailed(ms, cursor.Live, err)
	}
	return outFastForward, nil
}

func (e *Engine) persistFailed(ms *modeState, mode cursor.Mode, err error) (outcome, error) {
	if mode == cursor.Live {
		e.bus.Publish(alarm.Event{
			Kind: alarm.CursorLost, Severity: alarm.Warning, Component: "capture",
			Subject: string(mode), Message: "live cursor kept in memory only", Err: err,
		})
		return outPersistFailed, err
	}

	e.mu.Lock()
	ms.disable(Disabled)
	c := ms.cur
	e.mu.Unlock()
	e.observeCursor(c)
	e.bus.Publish(alarm.Event{
		Kind: alarm.CursorLost, Severity: alarm.Critical, Component: "capture",
		Subject: string(mode), Message: "backfill disabled, cursor could not be persisted", Err: err,
	})
	return outPersistFailed, err
}

func (e *Engine) complete(ctx context.Context, ms *modeState, gen uint64) (outcome, error) {
	applied, err := e.commit(ctx, ms, gen, func(m *modeState) error {
		m.disable(Completed)
		return nil
	})
	if !applied {
		return outStale, nil
	}
	e.bus.Publish(alarm.Event{
		Kind: alarm.BackfillDone, Severity: alarm.Info, Component: "capture",
		Subject: string(cursor.Backfill), Message: "backfill caught up and disabled itself",
	})
	e.warnIfUnsaved(err)
	return outCompleted, nil
}

func (e *Engine) suspend(ctx context.Context, ms *modeState, gen uint64, reason string) (outcome, error) {
	applied, err := e.commit(ctx, ms, gen, func(m *modeState) error {
		m.disable(Suspended)
		return nil
	})
	if !applied {
		return outStale, nil
	}
	e.bus.Publish(alarm.Event{
		Kind: alarm.BackfillHalted, Severity: alarm.Warning, Component: "capture",
		Subject: string(cursor.Backfill), Message: "backfill suspended: " + reason,
	})
	e.warnIfUnsaved(err)
	return outSuspended, nil
}

func (e *Engine) tripBreaker(ctx context.Context, ms *modeState, gen uint64, rows int) (outcome, error) {
	var mode cursor.Mode
	applied, err := e.commit(ctx, ms, gen, func(m *modeState) error {
		mode = m.cur.Mode
		m.trip()
		return nil
	})
	if !applied {
		return outStale, nil
	}
	telemetry.CaptureBreakerTrips.WithLabelValues(string(mode)).Inc()
	e.bus.Publish(alarm.Event{
		Kind: alarm.BreakerTripped, Severity: alarm.Critical, Component: "capture", Subject: string(mode),
		Message: fmt.Sprintf("same %d rows returned for %d cycles without cursor progress, mode disabled", rows, e.cfg.BreakerThreshold),
		Err:     ErrBreakerTripped,
	})
	e.warnIfUnsaved(err)
	return outBreaker, ErrBreakerTripped
}

// limitBreached checks the backfill safety limits. Caller holds e.mu.
func (e *Engine) limitBreached(ms *modeState, now time.Time) string {
	lim := e.cfg.Backfill
	switch {
	case !ms.enabledAt.IsZero() && now.Sub(ms.enabledAt) > lim.MaxRuntime:
		return fmt.Sprintf("runtime exceeded %s", lim.MaxRuntime)
	case ms.batches >= lim.MaxBatches:
		return fmt.Sprintf("reached %d batches", lim.MaxBatches)
	case ms.cur.LastEventTime.Before(now.Add(-lim.MaxDataAge)):
		return fmt.Sprintf("cursor %s older than %s", ms.cur.LastEventTime.Format(time.RFC3339), lim.MaxDataAge)
	}
	return ""
}

func (e *Engine) warnIfUnsaved(err error) {
	if err == nil {
		return
	}
	var pe *cursor.PersistenceError
	mode := ""
	if errors.As(err, &pe) {
		mode = string(pe.Mode)
	}
	e.bus.Publish(alarm.Event{
		Kind: alarm.CursorLost, Severity: alarm.Warning, Component: "capture",
		Subject: mode, Message: "disabled state not persisted", Err: err,
	})
}

/* ───────────────────────── persistence ───────────────────────── */

// save applies fn to the mode under e.mu and persists the resulting cursor.
// With a non-nil gen the change is dropped when a control operation ran
// after the caller read the mode. applied reports whether fn ran and
// succeeded; err is fn's error or a *cursor.PersistenceError.
func (e *Engine) save(ctx context.Context, ms *modeState, gen *uint64, fn func(*modeState) error) (applied bool, err error) {
	ms.saveMu.Lock()
	defer ms.saveMu.Unlock()

	e.mu.Lock()
	if gen != nil && ms.gen != *gen {
		e.mu.Unlock()
		return false, nil
	}
	if err := fn(ms); err != nil {
		e.mu.Unlock()
		if errors.Is(err, errUnchanged) {
			return false, nil
		}
		return false, err
	}
	ms.cur.UpdatedAt = e.clk.Now()
	c := ms.cur
	e.mu.Unlock()

	e.observeCursor(c)
	if err := e.store.Save(ctx, c); err != nil {
		return true, &cursor.PersistenceError{Mode: c.Mode, Err: err}
	}
	return true, nil
}

func (e *Engine) commit(ctx context.Context, ms *modeState, gen uint64, fn func(*modeState) error) (bool, error) {
	return e.save(ctx, ms, &gen, fn)
}

func (e *Engine) observeCursor(c cursor.Cursor) {
	if !c.LastEventTime.IsZero() {
		telemetry.CaptureCursor.WithLabelValues(string(c.Mode)).Set(float64(c.LastEventTime.Unix()))
	}
	enabled := 0.0
	if c.Enabled {
		enabled = 1
	}
	telemetry.CaptureEnabled.WithLabelValues(string(c.Mode)).Set(enabled)
}

/* ───────────────────────── helpers ───────────────────────── */

func rowIDs(rows []Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.RowID
	}
	slices.Sort(ids)
	return ids
}

func newest(rows []Row) Row {
	n := rows[0]
	for _, r := range rows[1:] {
		if !r.EventTime.Before(n.EventTime) {
			n = r
		}
	}
	return n
}

func oldest(rows []Row) Row {
	o := rows[0]
	for _, r := range rows[1:] {
		if r.EventTime.Before(o.EventTime) {
			o = r
		}
	}
	return o
}
