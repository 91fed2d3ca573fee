package assembly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"convoflow/internal/alarm"
	"convoflow/internal/event"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type collector struct {
	mu    sync.Mutex
	units []event.AssembledUnit
	fail  int
}

func (c *collector) emit(_ context.Context, u event.AssembledUnit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return errors.New("unit topic unavailable")
	}
	c.units = append(c.units, u)
	return nil
}

func (c *collector) all() []event.AssembledUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.AssembledUnit(nil), c.units...)
}

func newTestBuffer(t *testing.T, cfg Config, bus *alarm.Bus) (*Buffer, *collector, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(t0)
	out := &collector{}
	return NewBuffer(cfg, out.emit, clk, bus), out, clk
}

func msg(key, row, role string, at time.Time) event.ChangeEvent {
	return event.ChangeEvent{
		EntityID:     row,
		ChangeType:   event.Insert,
		PartitionKey: key,
		OwnerRole:    role,
		PayloadText:  "said " + row,
		EventTime:    at,
		SourceRowID:  row,
	}
}

func rows(u event.AssembledUnit) []string {
	out := make([]string, len(u.Messages))
	for i, m := range u.Messages {
		out[i] = m.SourceRowID
	}
	return out
}

func TestBuffer_ReordersAndFlushesOnInactivity(t *testing.T) {
	ctx := context.Background()
	b, out, clk := newTestBuffer(t, Config{InactivityTimeout: 180 * time.Second, MinMessages: 2}, nil)

	t1 := t0.Add(-time.Minute)
	t2 := t1.Add(20 * time.Second)
	require.NoError(t, b.Append(ctx, msg("K1", "r2", "agent", t2)))
	require.NoError(t, b.Append(ctx, msg("K1", "r1", "customer", t1)))

	clk.Advance(179 * time.Second)
	require.NoError(t, b.Sweep(ctx))
	require.Empty(t, out.all())

	clk.Advance(time.Second)
	require.NoError(t, b.Sweep(ctx))

	units := out.all()
	require.Len(t, units, 1)
	u := units[0]
	require.Equal(t, "K1", u.Key)
	require.Equal(t, []string{"r1", "r2"}, rows(u))
	require.Equal(t, 2, u.Metadata.MessageCount)
	require.Equal(t, ReasonInactivity, u.Metadata.FlushReason)
	require.Equal(t, t1, u.Metadata.StartTime)
	require.Equal(t, t2, u.Metadata.EndTime)
	require.Equal(t, int64(20_000), u.Metadata.DurationMs)
	require.Equal(t, []string{"customer", "agent"}, u.Metadata.ParticipantRoles)
	require.Zero(t, b.Open())
}

func TestBuffer_BelowMinimumWaitsForMaxAge(t *testing.T) {
	ctx := context.Background()
	b, out, clk := newTestBuffer(t, Config{
		InactivityTimeout: time.Minute,
		MinMessages:       2,
		MaxBufferAge:      10 * time.Minute,
	}, nil)

	require.NoError(t, b.Append(ctx, msg("K1", "r1", "customer", t0)))

	clk.Advance(5 * time.Minute)
	require.NoError(t, b.Sweep(ctx))
	require.Empty(t, out.all(), "inactive but below minMessages")

	clk.Advance(5 * time.Minute)
	require.NoError(t, b.Sweep(ctx))
	units := out.all()
	require.Len(t, units, 1)
	require.Equal(t, ReasonMaxAge, units[0].Metadata.FlushReason)
	require.Equal(t, 1, units[0].Metadata.MessageCount)
}

func TestBuffer_MaxAgeIgnoresActivity(t *testing.T) {
	ctx := context.Background()
	b, out, clk := newTestBuffer(t, Config{InactivityTimeout: time.Minute, MaxBufferAge: 3 * time.Minute}, nil)

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Append(ctx, msg("K1", fmt.Sprintf("r%d", i), "customer", t0.Add(time.Duration(i)*time.Second))))
		clk.Advance(30 * time.Second)
		require.NoError(t, b.Sweep(ctx))
	}
	units := out.all()
	require.Len(t, units, 1)
	require.Equal(t, ReasonMaxAge, units[0].Metadata.FlushReason)
	require.Equal(t, 6, units[0].Metadata.MessageCount)
}

func TestBuffer_CompletionRoles(t *testing.T) {
	ctx := context.Background()
	b, out, _ := newTestBuffer(t, Config{CompletionRoles: []string{"customer", "agent"}}, nil)

	require.NoError(t, b.Append(ctx, msg("K1", "r1", "Customer", t0)))
	require.NoError(t, b.Sweep(ctx))
	require.Empty(t, out.all())

	require.NoError(t, b.Append(ctx, msg("K1", "r2", "AGENT", t0.Add(time.Second))))
	require.NoError(t, b.Sweep(ctx))

	units := out.all()
	require.Len(t, units, 1)
	require.Equal(t, ReasonCompletion, units[0].Metadata.FlushReason)
	require.Equal(t, []string{"Customer", "AGENT"}, units[0].Metadata.ParticipantRoles)
}

func TestBuffer_RedeliveryUpdatesAndDeletes(t *testing.T) {
	ctx := context.Background()
	b, out, _ := newTestBuffer(t, Config{}, nil)

	require.NoError(t, b.Append(ctx, msg("K1", "a", "customer", t0)))
	require.NoError(t, b.Append(ctx, msg("K1", "b", "agent", t0.Add(time.Second))))
	require.NoError(t, b.Append(ctx, msg("K1", "a", "customer", t0)))

	edited := msg("K1", "b", "agent", t0.Add(time.Second))
	edited.ChangeType = event.Update
	edited.PayloadText = "edited"
	require.NoError(t, b.Append(ctx, edited))

	require.NoError(t, b.Append(ctx, msg("K1", "c", "agent", t0.Add(2*time.Second))))
	gone := msg("K1", "c", "agent", t0.Add(2*time.Second))
	gone.ChangeType = event.Delete
	require.NoError(t, b.Append(ctx, gone))

	require.NoError(t, b.Close(ctx))

	units := out.all()
	require.Len(t, units, 1)
	require.Equal(t, []string{"a", "b"}, rows(units[0]))
	require.Equal(t, "edited", units[0].Messages[1].PayloadText)
	require.Equal(t, ReasonShutdown, units[0].Metadata.FlushReason)
}

func TestBuffer_EqualTimesKeepArrivalOrder(t *testing.T) {
	ctx := context.Background()
	b, out, _ := newTestBuffer(t, Config{}, nil)

	for _, r := range []string{"x", "y", "z"} {
		require.NoError(t, b.Append(ctx, msg("K1", r, "agent", t0)))
	}
	require.NoError(t, b.Append(ctx, msg("K1", "w", "agent", t0.Add(-time.Second))))
	require.NoError(t, b.Close(ctx))

	require.Equal(t, []string{"w", "x", "y", "z"}, rows(out.all()[0]))
}

func TestBuffer_OverflowFlushesOldest(t *testing.T) {
	ctx := context.Background()
	bus := alarm.NewBus()
	alarms := bus.Subscribe(8)
	b, out, clk := newTestBuffer(t, Config{MaxOpenBuffers: 2}, bus)

	for i, key := range []string{"K1", "K2", "K3"} {
		require.NoError(t, b.Append(ctx, msg(key, fmt.Sprintf("r%d", i), "customer", t0)))
		clk.Advance(time.Second)
	}

	units := out.all()
	require.Len(t, units, 1)
	require.Equal(t, "K1", units[0].Key)
	require.Equal(t, ReasonOverflow, units[0].Metadata.FlushReason)
	require.Equal(t, 2, b.Open())

	ev := <-alarms
	require.Equal(t, alarm.BufferOverflow, ev.Kind)
	require.Equal(t, alarm.Warning, ev.Severity)
}

func TestBuffer_EmitFailureKeepsMessages(t *testing.T) {
	ctx := context.Background()
	b, out, clk := newTestBuffer(t, Config{InactivityTimeout: time.Minute}, nil)
	out.fail = 1

	require.NoError(t, b.Append(ctx, msg("K1", "a", "customer", t0)))
	clk.Advance(time.Minute)
	require.Error(t, b.Sweep(ctx))
	require.Equal(t, 1, b.Open())

	require.NoError(t, b.Append(ctx, msg("K1", "b", "agent", t0.Add(time.Second))))
	require.NoError(t, b.Sweep(ctx))
	require.Empty(t, out.all(), "new activity restarts the inactivity window")

	clk.Advance(time.Minute)
	require.NoError(t, b.Sweep(ctx))
	units := out.all()
	require.Len(t, units, 1)
	require.Equal(t, []string{"a", "b"}, rows(units[0]))
}

func TestBuffer_ConcurrentAppendsEmitEachRowOnce(t *testing.T) {
	ctx := context.Background()
	b, out, clk := newTestBuffer(t, Config{InactivityTimeout: time.Millisecond, Shards: 4}, nil)

	const writers, perWriter, keys = 8, 50, 10

	stop := make(chan struct{})
	sweeper := make(chan struct{})
	go func() {
		defer close(sweeper)
		for {
			select {
			case <-stop:
				return
			default:
			}
			clk.Advance(time.Millisecond)
			_ = b.Sweep(ctx)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("k%d", (w+i)%keys)
				row := fmt.Sprintf("%s/w%d-%d", key, w, i)
				at := t0.Add(time.Duration((i*7+w)%perWriter) * time.Second)
				require.NoError(t, b.Append(ctx, msg(key, row, "agent", at)))
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-sweeper
	require.NoError(t, b.Close(ctx))

	seen := make(map[string]int)
	for _, u := range out.all() {
		for i, m := range u.Messages {
			seen[m.SourceRowID]++
			require.Equal(t, u.Key, m.SourceRowID[:len(u.Key)])
			if i > 0 {
				require.False(t, m.EventTime.Before(u.Messages[i-1].EventTime), "unit %s out of order", u.Key)
			}
		}
	}
	require.Len(t, seen, writers*perWriter)
	for row, n := range seen {
		require.Equal(t, 1, n, "row %s", row)
	}
	require.Zero(t, b.Open())
}

func TestBuffer_RunSweepsOnInterval(t *testing.T) {
	ctx := context.Background()
	b, out, clk := newTestBuffer(t, Config{SweepInterval: 5 * time.Second, InactivityTimeout: 5 * time.Second}, nil)

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	require.NoError(t, b.Append(ctx, msg("K1", "a", "customer", t0)))
	require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return len(out.all()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close(ctx))
	<-done
	require.ErrorIs(t, b.Append(ctx, msg("K1", "b", "agent", t0)), ErrClosed)
}
