package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"convoflow/internal/cursor"
)

const prefixCursor = "/cursor/" // /cursor/{mode}

type pebbleCursor struct {
	LastEventTime  int64  `msgpack:"t"` // unix micros
	LastRowID      string `msgpack:"r"`
	Enabled        bool   `msgpack:"e"`
	TotalProcessed int64  `msgpack:"n"`
	UpdatedAt      int64  `msgpack:"u"`
}

// PebbleCursorStore keeps cursors in a local pebble database, for single-node
// deployments without a writable SQL store.
type PebbleCursorStore struct {
	db *pebble.DB
}

func NewPebbleCursorStore(path string) (*PebbleCursorStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cursor store at %s: %w", path, err)
	}
	return &PebbleCursorStore{db: db}, nil
}

func cursorKey(m cursor.Mode) []byte { return []byte(prefixCursor + string(m)) }

func (s *PebbleCursorStore) Load(_ context.Context, mode cursor.Mode) (cursor.Cursor, bool, error) {
	val, closer, err := s.db.Get(cursorKey(mode))
	if errors.Is(err, pebble.ErrNotFound) {
		return cursor.Cursor{}, false, nil
	}
	if err != nil {
		return cursor.Cursor{}, false, err
	}
	defer closer.Close()

	var pc pebbleCursor
	if err := msgpack.Unmarshal(val, &pc); err != nil {
		return cursor.Cursor{}, false, fmt.Errorf("corrupt %s cursor: %w", mode, err)
	}
	return cursor.Cursor{
		Mode:           mode,
		LastEventTime:  fromMicros(pc.LastEventTime),
		LastRowID:      pc.LastRowID,
		Enabled:        pc.Enabled,
		TotalProcessed: pc.TotalProcessed,
		UpdatedAt:      fromMicros(pc.UpdatedAt),
	}, true, nil
}

func (s *PebbleCursorStore) Save(_ context.Context, c cursor.Cursor) error {
	val, err := msgpack.Marshal(&pebbleCursor{
		LastEventTime:  toMicros(c.LastEventTime),
		LastRowID:      c.LastRowID,
		Enabled:        c.Enabled,
		TotalProcessed: c.TotalProcessed,
		UpdatedAt:      toMicros(c.UpdatedAt),
	})
	if err != nil {
		return err
	}
	return s.db.Set(cursorKey(c.Mode), val, pebble.Sync)
}

func (s *PebbleCursorStore) Close() error { return s.db.Close() }
