// Package cursor holds the persisted capture position, one record per mode.
package cursor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Mode string

const (
	Live     Mode = "live"
	Backfill Mode = "backfill"
)

func (m Mode) Valid() bool { return m == Live || m == Backfill }

func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown capture mode %q", s)
	}
	return m, nil
}

// Cursor is the resume point of one capture mode.
type Cursor struct {
	Mode           Mode
	LastEventTime  time.Time
	LastRowID      string
	Enabled        bool
	TotalProcessed int64
	UpdatedAt      time.Time
}

// Store persists cursors. Load reports false when the mode has never been
// saved.
type Store interface {
	Load(ctx context.Context, mode Mode) (Cursor, bool, error)
	Save(ctx context.Context, c Cursor) error
	Close() error
}

// PersistenceError wraps a failed Save.
type PersistenceError struct {
	Mode Mode
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s cursor: %v", e.Mode, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

/* ───────────────────────── MemoryStore ───────────────────────── */

// MemoryStore keeps cursors in process. FailSaves makes Save fail, which
// tests use to simulate an unavailable database.
type MemoryStore struct {
	mu        sync.Mutex
	cursors   map[Mode]Cursor
	saves     int
	failSaves error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[Mode]Cursor)}
}

func (s *MemoryStore) Load(_ context.Context, mode Mode) (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[mode]
	return c, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, c Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves != nil {
		return s.failSaves
	}
	s.cursors[c.Mode] = c
	s.saves++
	return nil
}

func (s *MemoryStore) FailSaves(err error) {
	s.mu.Lock()
	s.failSaves = err
	s.mu.Unlock()
}

func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error { return nil }
