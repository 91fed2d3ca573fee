package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convoflow/internal/capture"
	"convoflow/internal/cursor"
)

var base = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

func memDSN(t *testing.T) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func exerciseCursorStore(t *testing.T, s cursor.Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Load(ctx, cursor.Live)
	require.NoError(t, err)
	require.False(t, ok)

	in := cursor.Cursor{
		Mode:           cursor.Live,
		LastEventTime:  base.Add(5*time.Minute + 123*time.Microsecond),
		LastRowID:      "row-9",
		Enabled:        true,
		TotalProcessed: 42,
		UpdatedAt:      base.Add(6 * time.Minute),
	}
	require.NoError(t, s.Save(ctx, in))

	got, ok, err := s.Load(ctx, cursor.Live)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.LastEventTime.Equal(in.LastEventTime))
	require.Equal(t, "row-9", got.LastRowID)
	require.True(t, got.Enabled)
	require.EqualValues(t, 42, got.TotalProcessed)

	// upsert keeps one row per mode
	in.Enabled = false
	in.TotalProcessed = 43
	require.NoError(t, s.Save(ctx, in))
	got, _, err = s.Load(ctx, cursor.Live)
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.EqualValues(t, 43, got.TotalProcessed)

	_, ok, err = s.Load(ctx, cursor.Backfill)
	require.NoError(t, err)
	require.False(t, ok, "modes are independent")

	require.NoError(t, s.Save(ctx, cursor.Cursor{Mode: cursor.Backfill}))
	got, ok, err = s.Load(ctx, cursor.Backfill)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.LastEventTime.IsZero())
}

func TestSQLCursorStore_SQLite(t *testing.T) {
	s, err := NewSQLCursorStore(context.Background(), SQLConfig{Driver: "sqlite3", DSN: memDSN(t)})
	require.NoError(t, err)
	defer s.Close()
	exerciseCursorStore(t, s)
}

func TestPebbleCursorStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cursors")
	s, err := NewPebbleCursorStore(dir)
	require.NoError(t, err)
	exerciseCursorStore(t, s)
	require.NoError(t, s.Close())

	// survives reopen
	s, err = NewPebbleCursorStore(dir)
	require.NoError(t, err)
	defer s.Close()
	c, ok, err := s.Load(context.Background(), cursor.Live)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 43, c.TotalProcessed)
}

func seedSource(t *testing.T) *SQLRowSource {
	t.Helper()
	src, err := NewSQLRowSource(RowSourceConfig{
		SQLConfig: SQLConfig{Driver: "sqlite3", DSN: memDSN(t), Table: "call_transcriptions"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	_, err = src.raw.Exec(`CREATE TABLE call_transcriptions (
		id INTEGER PRIMARY KEY,
		call_id TEXT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		event_time BIGINT NOT NULL
	)`)
	require.NoError(t, err)

	ins := `INSERT INTO call_transcriptions (id, call_id, speaker, text, event_time) VALUES (?, ?, ?, ?, ?)`
	rows := []struct {
		id     int
		call   string
		role   string
		offset time.Duration
	}{
		{4, "call-2", "agent", 3 * time.Minute},
		{1, "call-1", "customer", 1 * time.Minute},
		{3, "call-1", "agent", 2 * time.Minute},
		{2, "call-1", "customer", 2 * time.Minute},
		{5, "call-2", "customer", 30 * time.Minute},
	}
	for _, r := range rows {
		_, err := src.raw.Exec(ins, r.id, r.call, r.role, "text", toMicros(base.Add(r.offset)))
		require.NoError(t, err)
	}
	return src
}

func TestSQLRowSource_OrderAndBounds(t *testing.T) {
	src := seedSource(t)
	ctx := context.Background()

	got, err := src.Rows(ctx, capture.Query{After: base, Limit: 10})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.RowID
	}
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, ids, "ordered by event time then row id")
	require.Equal(t, "call-1", got[0].PartitionKey)
	require.Equal(t, "customer", got[0].OwnerRole)
	require.True(t, got[0].EventTime.Equal(base.Add(time.Minute)))
	require.Empty(t, string(got[0].ChangeType))

	got, err = src.Rows(ctx, capture.Query{After: base.Add(time.Minute), Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "2", got[0].RowID, "bound is strictly greater than the cursor")

	got, err = src.Rows(ctx, capture.Query{After: base, Before: base.Add(10 * time.Minute), Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 4, "upper bound excludes rows at or after Before")
}

func TestSQLRowSource_RequiresTable(t *testing.T) {
	_, err := NewSQLRowSource(RowSourceConfig{SQLConfig: SQLConfig{Driver: "sqlite3", DSN: memDSN(t)}})
	require.Error(t, err)
}
