package consumer

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"convoflow/internal/telemetry"
)

// Metrics is a snapshot of a consumer's rolling counters.
type Metrics struct {
	Processed    int64 `json:"processed"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"` // failed handler invocations, retries included
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
	Rejected     int64 `json:"rejected"`

	AvgLatency time.Duration `json:"avgLatency"`
	P95Latency time.Duration `json:"p95Latency"`
	LastError  string        `json:"lastError,omitempty"`
	Paused     bool          `json:"paused"`

	// keyed "topic/partition"
	LastCommittedOffset map[string]int64 `json:"lastCommittedOffset"`
}

type stats struct {
	name string

	processed, succeeded, failed, retried, deadLettered, rejected atomic.Int64

	mu        sync.Mutex
	window    []time.Duration
	next      int
	filled    bool
	lastError string

	committed *xsync.MapOf[string, int64]
}

func newStats(name string, window int) *stats {
	if window <= 0 {
		window = 256
	}
	return &stats{
		name:      name,
		window:    make([]time.Duration, window),
		committed: xsync.NewMapOf[string, int64](),
	}
}

func (s *stats) observe(d time.Duration) {
	telemetry.ConsumerHandlerSeconds.WithLabelValues(s.name).Observe(d.Seconds())
	s.mu.Lock()
	s.window[s.next] = d
	s.next = (s.next + 1) % len(s.window)
	if s.next == 0 {
		s.filled = true
	}
	s.mu.Unlock()
}

func (s *stats) fail(err error) {
	s.failed.Add(1)
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *stats) outcome(o string) {
	s.processed.Add(1)
	switch o {
	case "succeeded":
		s.succeeded.Add(1)
	case "rejected":
		s.rejected.Add(1)
	case "dead_lettered":
		s.deadLettered.Add(1)
	}
	telemetry.ConsumerMessages.WithLabelValues(s.name, o).Inc()
}

func (s *stats) retry() {
	s.retried.Add(1)
	telemetry.ConsumerRetries.WithLabelValues(s.name).Inc()
}

func (s *stats) commit(topic string, partition int32, offset int64) {
	s.committed.Store(fmt.Sprintf("%s/%d", topic, partition), offset)
	telemetry.ConsumerCommitted.WithLabelValues(s.name, topic+"/"+strconv.Itoa(int(partition))).Set(float64(offset))
}

func (s *stats) snapshot() Metrics {
	m := Metrics{
		Processed:           s.processed.Load(),
		Succeeded:           s.succeeded.Load(),
		Failed:              s.failed.Load(),
		Retried:             s.retried.Load(),
		DeadLettered:        s.deadLettered.Load(),
		Rejected:            s.rejected.Load(),
		LastCommittedOffset: make(map[string]int64),
	}
	s.committed.Range(func(k string, v int64) bool {
		m.LastCommittedOffset[k] = v
		return true
	})

	s.mu.Lock()
	m.LastError = s.lastError
	n := s.next
	if s.filled {
		n = len(s.window)
	}
	lat := slices.Clone(s.window[:n])
	s.mu.Unlock()

	if len(lat) == 0 {
		return m
	}
	var sum time.Duration
	for _, d := range lat {
		sum += d
	}
	m.AvgLatency = sum / time.Duration(len(lat))
	slices.Sort(lat)
	m.P95Latency = lat[(len(lat)*95+99)/100-1]
	return m
}
