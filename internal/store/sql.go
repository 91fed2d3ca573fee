// Package store holds the persistent pieces behind the capture engine: cursor
// stores and the SQL row source.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"convoflow/internal/cursor"
)

// SQLConfig names a database/sql driver and the goqu dialect that matches it.
type SQLConfig struct {
	Driver  string `yaml:"driver"`  // sqlite3 | mysql
	Dialect string `yaml:"dialect"` // defaults to Driver
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

func (c *SQLConfig) applyDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	if c.Dialect == "" {
		c.Dialect = c.Driver
	}
	if c.Table == "" {
		c.Table = "cdc_cursors"
	}
}

// Open opens the database and returns it wrapped in the configured dialect.
func Open(c SQLConfig) (*goqu.Database, *sql.DB, error) {
	c.applyDefaults()
	db, err := sql.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", c.Driver, err)
	}
	if c.Driver == "sqlite3" {
		// one writer; in-memory databases are per connection
		db.SetMaxOpenConns(1)
	}
	return goqu.New(c.Dialect, db), db, nil
}

type cursorRow struct {
	Mode           string `db:"mode"`
	LastEventTime  int64  `db:"last_event_time"` // unix micros
	LastRowID      string `db:"last_row_id"`
	Enabled        bool   `db:"enabled"`
	TotalProcessed int64  `db:"total_processed"`
	UpdatedAt      int64  `db:"updated_at"`
}

// SQLCursorStore keeps one row per mode in a relational table.
type SQLCursorStore struct {
	db    *goqu.Database
	raw   *sql.DB
	table string
}

func NewSQLCursorStore(ctx context.Context, c SQLConfig) (*SQLCursorStore, error) {
	c.applyDefaults()
	db, raw, err := Open(c)
	if err != nil {
		return nil, err
	}
	s := &SQLCursorStore{db: db, raw: raw, table: c.Table}
	if err := s.ensureSchema(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLCursorStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	mode VARCHAR(16) NOT NULL PRIMARY KEY,
	last_event_time BIGINT NOT NULL,
	last_row_id VARCHAR(255) NOT NULL,
	enabled BOOLEAN NOT NULL,
	total_processed BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`, s.table)
	if _, err := s.raw.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLCursorStore) Load(ctx context.Context, mode cursor.Mode) (cursor.Cursor, bool, error) {
	var row cursorRow
	found, err := s.db.From(s.table).
		Where(goqu.C("mode").Eq(string(mode))).
		ScanStructContext(ctx, &row)
	if err != nil || !found {
		return cursor.Cursor{}, false, err
	}
	return cursor.Cursor{
		Mode:           mode,
		LastEventTime:  fromMicros(row.LastEventTime),
		LastRowID:      row.LastRowID,
		Enabled:        row.Enabled,
		TotalProcessed: row.TotalProcessed,
		UpdatedAt:      fromMicros(row.UpdatedAt),
	}, true, nil
}

func (s *SQLCursorStore) Save(ctx context.Context, c cursor.Cursor) error {
	rec := goqu.Record{
		"last_event_time": toMicros(c.LastEventTime),
		"last_row_id":     c.LastRowID,
		"enabled":         c.Enabled,
		"total_processed": c.TotalProcessed,
		"updated_at":      toMicros(c.UpdatedAt),
	}
	ins := goqu.Record{"mode": string(c.Mode)}
	for k, v := range rec {
		ins[k] = v
	}
	_, err := s.db.Insert(s.table).
		Rows(ins).
		OnConflict(goqu.DoUpdate("mode", rec)).
		Executor().
		ExecContext(ctx)
	return err
}

func (s *SQLCursorStore) Close() error { return s.raw.Close() }

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
