package capture

import (
	"context"
	"errors"
	"time"

	"convoflow/internal/alarm"
	"convoflow/internal/cursor"
)

// ModeStatus is a point-in-time view of one capture mode.
type ModeStatus struct {
	Mode                   cursor.Mode `json:"mode"`
	State                  string      `json:"state"`
	Enabled                bool        `json:"enabled"`
	LastProcessedEventTime time.Time   `json:"lastProcessedEventTime"`
	LastProcessedRowID     string      `json:"lastProcessedRowId,omitempty"`
	TotalProcessed         int64       `json:"totalProcessed"`
	BreakerTripped         bool        `json:"breakerTripped"`
	BacklogCycles          int         `json:"backlogCycles"`
	FastForwards           int64       `json:"fastForwards"`
	UpdatedAt              time.Time   `json:"updatedAt"`
}

func (e *Engine) Status() []ModeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ModeStatus, 0, len(modes))
	for _, m := range modes {
		ms := e.modes[m]
		out = append(out, ModeStatus{
			Mode:                   m,
			State:                  ms.state.String(),
			Enabled:                ms.cur.Enabled,
			LastProcessedEventTime: ms.cur.LastEventTime,
			LastProcessedRowID:     ms.cur.LastRowID,
			TotalProcessed:         ms.cur.TotalProcessed,
			BreakerTripped:         ms.tripped,
			BacklogCycles:          ms.backlog,
			FastForwards:           ms.fastForwards,
			UpdatedAt:              ms.cur.UpdatedAt,
		})
	}
	return out
}

func (e *Engine) mode(m cursor.Mode) (*modeState, error) {
	if _, err := cursor.ParseMode(string(m)); err != nil {
		return nil, err
	}
	return e.modes[m], nil
}

// StartCapture enables a mode from its current cursor. It fails with
// ErrBreakerTripped until ResetBreaker has been called.
func (e *Engine) StartCapture(ctx context.Context, m cursor.Mode) error {
	ms, err := e.mode(m)
	if err != nil {
		return err
	}
	return e.enable(ctx, ms, m, nil)
}

func (e *Engine) StopCapture(ctx context.Context, m cursor.Mode) error {
	ms, err := e.mode(m)
	if err != nil {
		return err
	}
	applied, err := e.save(ctx, ms, nil, func(s *modeState) error {
		if !s.cur.Enabled && s.state == Disabled {
			return errUnchanged
		}
		s.disable(Disabled)
		return nil
	})
	if applied {
		e.bus.Publish(alarm.Event{Kind: alarm.Stopped, Component: "capture", Subject: string(m), Message: "capture disabled"})
	}
	return err
}

// EnableBackfill rewinds the backfill cursor to from and enables it.
func (e *Engine) EnableBackfill(ctx context.Context, from time.Time) error {
	if from.IsZero() {
		return errors.New("capture: backfill start time is required")
	}
	return e.enable(ctx, e.modes[cursor.Backfill], cursor.Backfill, func(s *modeState) {
		s.cur.LastEventTime = from
		s.cur.LastRowID = ""
	})
}

func (e *Engine) DisableBackfill(ctx context.Context) error {
	return e.StopCapture(ctx, cursor.Backfill)
}

func (e *Engine) enable(ctx context.Context, ms *modeState, m cursor.Mode, rewind func(*modeState)) error {
	applied, err := e.save(ctx, ms, nil, func(s *modeState) error {
		if s.tripped {
			return ErrBreakerTripped
		}
		if s.cur.Enabled && rewind == nil {
			return errUnchanged
		}
		if rewind != nil {
			rewind(s)
		}
		s.enable(e.clk.Now())
		return nil
	})
	if applied {
		e.bus.Publish(alarm.Event{Kind: alarm.Started, Component: "capture", Subject: string(m), Message: "capture enabled"})
	}
	return err
}

// ResetBreaker clears a tripped breaker. The mode stays disabled until it is
// started again.
func (e *Engine) ResetBreaker(ctx context.Context, m cursor.Mode) error {
	ms, err := e.mode(m)
	if err != nil {
		return err
	}
	applied, err := e.save(ctx, ms, nil, func(s *modeState) error {
		if !s.tripped {
			return errUnchanged
		}
		s.resetBreaker()
		return nil
	})
	if applied {
		e.bus.Publish(alarm.Event{Kind: alarm.BreakerReset, Component: "capture", Subject: string(m), Message: "runaway breaker reset"})
	}
	return err
}
