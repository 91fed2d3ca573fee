// Package assembly groups change events by conversation key and emits each
// conversation once, time-ordered, when a flush policy fires.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"

	"convoflow/internal/alarm"
	"convoflow/internal/event"
	"convoflow/internal/logging"
	"convoflow/internal/telemetry"
)

const (
	ReasonInactivity = "inactivity"
	ReasonMaxAge     = "max_age"
	ReasonCompletion = "completion"
	ReasonOverflow   = "overflow"
	ReasonShutdown   = "shutdown"
)

var ErrClosed = errors.New("assembly: buffer closed")

// EmitFunc hands a finished unit downstream. An error puts the messages back
// into the buffer for the next sweep.
type EmitFunc func(ctx context.Context, u event.AssembledUnit) error

type conversation struct {
	key       string
	msgs      []event.Message
	rows      map[string]struct{}
	firstSeen time.Time
	lastSeen  time.Time
}

func newConversation(key string, now time.Time) *conversation {
	return &conversation{key: key, rows: make(map[string]struct{}), firstSeen: now, lastSeen: now}
}

// insert keeps msgs sorted by EventTime; equal times keep arrival order.
func (c *conversation) insert(m event.Message) {
	i := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].EventTime.After(m.EventTime) })
	c.msgs = append(c.msgs, event.Message{})
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = m
	if m.SourceRowID != "" {
		c.rows[m.SourceRowID] = struct{}{}
	}
}

func (c *conversation) remove(rowID string) {
	c.msgs = slices.DeleteFunc(c.msgs, func(m event.Message) bool { return m.SourceRowID == rowID })
	delete(c.rows, rowID)
}

func (c *conversation) has(rowID string) bool {
	_, ok := c.rows[rowID]
	return ok
}

func (c *conversation) merge(o *conversation) {
	for _, m := range o.msgs {
		if m.SourceRowID != "" && c.has(m.SourceRowID) {
			continue
		}
		c.insert(m)
	}
	if o.firstSeen.Before(c.firstSeen) {
		c.firstSeen = o.firstSeen
	}
	if o.lastSeen.After(c.lastSeen) {
		c.lastSeen = o.lastSeen
	}
}

type shard struct {
	mu    sync.Mutex
	convs map[string]*conversation
}

// Buffer is the set of open conversations, sharded by key hash. Appends to
// different keys only contend when they share a shard.
type Buffer struct {
	cfg    Config
	roles  []string
	shards []*shard
	emit   EmitFunc
	clk    clock.Clock
	bus    *alarm.Bus
	log    *slog.Logger

	open   atomic.Int64
	shedMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

func NewBuffer(cfg Config, emit EmitFunc, clk clock.Clock, bus *alarm.Bus) *Buffer {
	cfg.ApplyDefaults()
	if clk == nil {
		clk = clock.WallClock
	}
	b := &Buffer{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		emit:   emit,
		clk:    clk,
		bus:    bus,
		log:    logging.For("assembly"),
		done:   make(chan struct{}),
	}
	for i := range b.shards {
		b.shards[i] = &shard{convs: make(map[string]*conversation)}
	}
	for _, r := range cfg.CompletionRoles {
		b.roles = append(b.roles, strings.ToLower(r))
	}
	return b
}

func (b *Buffer) shardFor(key string) *shard {
	return b.shards[xxhash.Sum64String(key)%uint64(len(b.shards))]
}

// Open reports how many conversations are buffered.
func (b *Buffer) Open() int { return int(b.open.Load()) }

// Append adds ev to its conversation. Inserts already seen (same source row)
// are dropped, updates replace the earlier message and deletes remove it.
func (b *Buffer) Append(ctx context.Context, ev event.ChangeEvent) error {
	if b.closed.Load() {
		return ErrClosed
	}
	now := b.clk.Now()
	sh := b.shardFor(ev.PartitionKey)

	sh.mu.Lock()
	c := sh.convs[ev.PartitionKey]
	if c == nil {
		if ev.ChangeType == event.Delete {
			sh.mu.Unlock()
			return nil
		}
		c = newConversation(ev.PartitionKey, now)
		sh.convs[ev.PartitionKey] = c
		telemetry.AssemblyOpen.Set(float64(b.open.Add(1)))
	}
	c.lastSeen = now
	switch {
	case ev.ChangeType == event.Delete:
		c.remove(ev.SourceRowID)
	case ev.SourceRowID != "" && c.has(ev.SourceRowID) && ev.ChangeType != event.Update:
		telemetry.AssemblyDuplicates.Inc()
	default:
		if ev.ChangeType == event.Update {
			c.remove(ev.SourceRowID)
		}
		c.insert(event.Message{
			OwnerRole:   ev.OwnerRole,
			PayloadText: ev.PayloadText,
			EventTime:   ev.EventTime,
			SourceRowID: ev.SourceRowID,
		})
	}
	sh.mu.Unlock()

	if b.Open() > b.cfg.MaxOpenBuffers {
		return b.shed(ctx)
	}
	return nil
}

// Sweep flushes every conversation whose flush policy holds at the current
// time.
func (b *Buffer) Sweep(ctx context.Context) error {
	now := b.clk.Now()
	var errs *multierror.Error
	for _, sh := range b.shards {
		type due struct {
			c      *conversation
			reason string
		}
		var ready []due
		sh.mu.Lock()
		for key, c := range sh.convs {
			if reason := b.flushReason(c, now); reason != "" {
				delete(sh.convs, key)
				ready = append(ready, due{c, reason})
			}
		}
		sh.mu.Unlock()
		b.dropped(len(ready))

		for _, d := range ready {
			if err := b.flush(ctx, d.c, d.reason); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

func (b *Buffer) flushReason(c *conversation, now time.Time) string {
	switch {
	case len(c.msgs) == 0:
		// emptied by deletes
		if now.Sub(c.lastSeen) >= b.cfg.InactivityTimeout {
			return ReasonInactivity
		}
		return ""
	case b.complete(c):
		return ReasonCompletion
	case now.Sub(c.lastSeen) >= b.cfg.InactivityTimeout && len(c.msgs) >= b.cfg.MinMessages:
		return ReasonInactivity
	case now.Sub(c.firstSeen) >= b.cfg.MaxBufferAge:
		return ReasonMaxAge
	}
	return ""
}

func (b *Buffer) complete(c *conversation) bool {
	if len(b.roles) == 0 {
		return false
	}
	for _, want := range b.roles {
		found := false
		for _, m := range c.msgs {
			if strings.EqualFold(m.OwnerRole, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// flush emits a conversation that has already been detached from its shard.
func (b *Buffer) flush(ctx context.Context, c *conversation, reason string) error {
	if len(c.msgs) == 0 {
		return nil
	}
	u := event.NewAssembledUnit(c.key, c.msgs, reason)
	if err := b.emit(ctx, u); err != nil {
		telemetry.AssemblyEmitFailures.Inc()
		b.requeue(c)
		b.log.Warn("emit failed, conversation kept for next sweep", "key", c.key, "messages", len(c.msgs), "err", err)
		return fmt.Errorf("emit %s: %w", c.key, err)
	}
	telemetry.AssemblyUnits.WithLabelValues(reason).Inc()
	telemetry.AssemblyUnitSize.Observe(float64(len(c.msgs)))
	b.log.Debug("unit emitted", "key", c.key, "messages", len(c.msgs), "reason", reason)
	return nil
}

func (b *Buffer) requeue(c *conversation) {
	sh := b.shardFor(c.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur := sh.convs[c.key]; cur != nil {
		cur.merge(c)
		return
	}
	sh.convs[c.key] = c
	telemetry.AssemblyOpen.Set(float64(b.open.Add(1)))
}

func (b *Buffer) dropped(n int) {
	if n > 0 {
		telemetry.AssemblyOpen.Set(float64(b.open.Add(-int64(n))))
	}
}

// shed force-flushes the oldest conversations until the open count is back
// within MaxOpenBuffers.
func (b *Buffer) shed(ctx context.Context) error {
	b.shedMu.Lock()
	defer b.shedMu.Unlock()

	shed := 0
	for b.Open() > b.cfg.MaxOpenBuffers {
		c := b.detachOldest()
		if c == nil {
			break
		}
		if err := b.flush(ctx, c, ReasonOverflow); err != nil {
			return err
		}
		shed++
	}
	if shed > 0 {
		b.bus.Publish(alarm.Event{
			Kind: alarm.BufferOverflow, Severity: alarm.Warning, Component: "assembly",
			Message: fmt.Sprintf("%d open conversations exceeded %d, flushed %d oldest", b.Open()+shed, b.cfg.MaxOpenBuffers, shed),
		})
	}
	return nil
}

func (b *Buffer) detachOldest() *conversation {
	var (
		oldest *conversation
		home   *shard
	)
	for _, sh := range b.shards {
		sh.mu.Lock()
		for _, c := range sh.convs {
			if oldest == nil || c.firstSeen.Before(oldest.firstSeen) {
				oldest, home = c, sh
			}
		}
		sh.mu.Unlock()
	}
	if oldest == nil {
		return nil
	}
	home.mu.Lock()
	defer home.mu.Unlock()
	if home.convs[oldest.key] != oldest {
		// flushed by a sweep meanwhile; the caller re-checks the count
		return nil
	}
	delete(home.convs, oldest.key)
	b.dropped(1)
	return oldest
}

// Run sweeps every SweepInterval until ctx ends or Close is called.
func (b *Buffer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-b.clk.After(b.cfg.SweepInterval):
			if err := b.Sweep(ctx); err != nil {
				b.log.Warn("sweep incomplete", "err", err)
			}
		}
	}
}

// Close stops Run and flushes every open conversation with reason shutdown.
// Conversations whose emit fails are lost.
func (b *Buffer) Close(ctx context.Context) error {
	var errs *multierror.Error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
		for _, sh := range b.shards {
			sh.mu.Lock()
			convs := sh.convs
			sh.convs = make(map[string]*conversation)
			sh.mu.Unlock()
			b.dropped(len(convs))

			for _, c := range convs {
				if len(c.msgs) == 0 {
					continue
				}
				u := event.NewAssembledUnit(c.key, c.msgs, ReasonShutdown)
				if err := b.emit(ctx, u); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("emit %s: %w", c.key, err))
					continue
				}
				telemetry.AssemblyUnits.WithLabelValues(ReasonShutdown).Inc()
			}
		}
	})
	return errs.ErrorOrNil()
}
