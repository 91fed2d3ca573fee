package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

/* ───────────────────────── MemoryBroker ───────────────────────── */

// MemoryBroker is an in-process partitioned log with per-group committed
// offsets. It backs the "memory" source driver and sink, for local runs and
// tests.
type MemoryBroker struct {
	partitions int

	mu     sync.Mutex
	cond   *sync.Cond
	topics map[string][][]*Message

	committed *xsync.MapOf[string, int64]
}

func NewMemoryBroker(partitions int) *MemoryBroker {
	if partitions <= 0 {
		partitions = 1
	}
	b := &MemoryBroker{
		partitions: partitions,
		topics:     make(map[string][][]*Message),
		committed:  xsync.NewMapOf[string, int64](),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) Partitions() int { return b.partitions }

// PartitionFor hashes a key the way the kafka sinks' hash partitioners do:
// equal keys always land on the same partition.
func (b *MemoryBroker) PartitionFor(key []byte) int32 {
	if len(key) == 0 {
		return 0
	}
	return int32(xxhash.Sum64(key) % uint64(b.partitions))
}

// Publish appends a record and returns its coordinates.
func (b *MemoryBroker) Publish(topic string, key, value []byte, headers map[string][]byte) (int32, int64) {
	p := b.PartitionFor(key)
	b.mu.Lock()
	parts := b.partitionsOf(topic)
	off := int64(len(parts[p]))
	parts[p] = append(parts[p], &Message{
		Topic:     topic,
		Partition: p,
		Offset:    off,
		Key:       key,
		Value:     value,
		Headers:   headers,
		Timestamp: time.Now(),
	})
	b.mu.Unlock()
	b.cond.Broadcast()
	return p, off
}

// Messages returns a copy of a partition's log.
func (b *MemoryBroker) Messages(topic string, partition int32) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := b.partitionsOf(topic)
	return append([]*Message(nil), parts[partition]...)
}

// All returns every record of a topic, partition by partition.
func (b *MemoryBroker) All(topic string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Message
	for _, p := range b.partitionsOf(topic) {
		out = append(out, p...)
	}
	return out
}

// Committed returns the next offset the group will read.
func (b *MemoryBroker) Committed(group, topic string, partition int32) int64 {
	off, _ := b.committed.Load(offsetKey(group, topic, partition))
	return off
}

func (b *MemoryBroker) commit(group, topic string, partition int32, next int64) {
	b.committed.Compute(offsetKey(group, topic, partition), func(old int64, _ bool) (int64, bool) {
		if next > old {
			return next, false
		}
		return old, false
	})
}

// next blocks until the record at offset exists or ctx is done.
func (b *MemoryBroker) next(ctx context.Context, topic string, partition int32, offset int64) (*Message, bool) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		parts := b.partitionsOf(topic)
		if int64(len(parts[partition])) > offset {
			return parts[partition][offset], true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		b.cond.Wait()
	}
}

// must be called with b.mu held
func (b *MemoryBroker) partitionsOf(topic string) [][]*Message {
	parts, ok := b.topics[topic]
	if !ok {
		parts = make([][]*Message, b.partitions)
		b.topics[topic] = parts
	}
	return parts
}

func offsetKey(group, topic string, partition int32) string {
	return fmt.Sprintf("%s/%s/%d", group, topic, partition)
}

/* ───────────────────────── MemoryDriver ───────────────────────── */

// MemoryDriver consumes a MemoryBroker with one goroutine per partition,
// committing after every acknowledged message.
type MemoryDriver struct {
	broker   *MemoryBroker
	cfg      Config
	bp       *Controller
	onCommit CommitFunc
}

func NewMemoryDriver(b *MemoryBroker) *MemoryDriver {
	return &MemoryDriver{broker: b}
}

func (d *MemoryDriver) Configure(cfg Config) error {
	if d.broker == nil {
		return fmt.Errorf("memory driver: no broker")
	}
	if len(cfg.Topics) == 0 {
		return fmt.Errorf("memory driver: no topics")
	}
	d.cfg = cfg
	d.bp = NewController(cfg.BackPressure.Capacity)
	return nil
}

func (d *MemoryDriver) Run(ctx context.Context, emit EmitFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range d.cfg.Topics {
		for p := 0; p < d.broker.Partitions(); p++ {
			topic, part := topic, int32(p)
			g.Go(func() error { return d.consumePartition(gctx, topic, part, emit) })
		}
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (d *MemoryDriver) consumePartition(ctx context.Context, topic string, part int32, emit EmitFunc) error {
	next := d.broker.Committed(d.cfg.GroupID, topic, part)
	for {
		if err := d.bp.Acquire(ctx); err != nil {
			return nil
		}
		msg, ok := d.broker.next(ctx, topic, part, next)
		if !ok {
			d.bp.Release(1)
			return nil
		}
		if err := d.bp.WaitResumed(ctx); err != nil {
			d.bp.Release(1)
			return nil
		}
		err := emit(ctx, msg)
		d.bp.Release(1)
		if err != nil {
			return err
		}
		next = msg.Offset + 1
		d.broker.commit(d.cfg.GroupID, topic, part, next)
		if d.onCommit != nil {
			d.onCommit(topic, part, msg.Offset)
		}
	}
}

func (d *MemoryDriver) OnCommit(fn CommitFunc) { d.onCommit = fn }

func (d *MemoryDriver) Pause()  { d.bp.Pause() }
func (d *MemoryDriver) Resume() { d.bp.Resume() }

func (d *MemoryDriver) Close() error {
	if d.bp != nil {
		d.bp.Close()
	}
	return nil
}
