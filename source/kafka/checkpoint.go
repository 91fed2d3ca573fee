package kafka

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

/* ───────────────────────── Checkpointer ───────────────────────── */

type topicPartition struct {
	topic     string
	partition int32
}

// Checkpointer remembers the highest acknowledged offset per partition and
// decides *when* a driver should flush its marked offsets.
type Checkpointer struct {
	clock       clock.Clock
	commitEvery time.Duration

	mu         sync.Mutex
	marked     map[topicPartition]int64
	dirty      bool
	lastCommit time.Time
	notify     CommitFunc
}

func NewCheckpointer(clk clock.Clock, commitEvery time.Duration) *Checkpointer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Checkpointer{
		clock:       clk,
		commitEvery: commitEvery,
		marked:      make(map[topicPartition]int64),
		lastCommit:  clk.Now(),
	}
}

// Mark records offset as processed. Offsets lower than one already marked
// are ignored. It reports whether a commit is now due.
func (c *Checkpointer) Mark(topic string, partition int32, offset int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tp := topicPartition{topic, partition}
	if cur, ok := c.marked[tp]; ok && offset <= cur {
		return false
	}
	c.marked[tp] = offset
	c.dirty = true
	return c.commitEvery <= 0 || !c.clock.Now().Before(c.lastCommit.Add(c.commitEvery))
}

// OnCommit installs a callback that Committed invokes once per marked
// partition.
func (c *Checkpointer) OnCommit(fn CommitFunc) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Committed must be called after the driver flushed its offsets.
func (c *Checkpointer) Committed() {
	c.mu.Lock()
	c.dirty = false
	c.lastCommit = c.clock.Now()
	notify := c.notify
	var flushed map[topicPartition]int64
	if notify != nil {
		flushed = make(map[topicPartition]int64, len(c.marked))
		for tp, off := range c.marked {
			flushed[tp] = off
		}
	}
	c.mu.Unlock()

	for tp, off := range flushed {
		notify(tp.topic, tp.partition, off)
	}
}

// Dirty reports whether offsets were marked since the last commit.
func (c *Checkpointer) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Highest returns the highest marked offset for a partition.
func (c *Checkpointer) Highest(topic string, partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.marked[topicPartition{topic, partition}]
	return off, ok
}

// Forget drops partitions that were revoked in a rebalance.
func (c *Checkpointer) Forget(topic string, partition int32) {
	c.mu.Lock()
	delete(c.marked, topicPartition{topic, partition})
	c.mu.Unlock()
}
