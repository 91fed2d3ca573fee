package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"convoflow/internal/capture"
	"convoflow/internal/event"
)

// Columns maps the capture row fields onto source table columns. EventTime
// holds unix microseconds.
type Columns struct {
	RowID        string `yaml:"row_id"`
	EntityID     string `yaml:"entity_id"`
	ChangeType   string `yaml:"change_type"` // optional; empty means every row is an insert
	PartitionKey string `yaml:"partition_key"`
	OwnerRole    string `yaml:"owner_role"`
	PayloadText  string `yaml:"payload_text"`
	EventTime    string `yaml:"event_time"`
}

func (c *Columns) applyDefaults() {
	set := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	set(&c.RowID, "id")
	set(&c.EntityID, "id")
	set(&c.PartitionKey, "call_id")
	set(&c.OwnerRole, "speaker")
	set(&c.PayloadText, "text")
	set(&c.EventTime, "event_time")
}

type RowSourceConfig struct {
	SQLConfig `yaml:",inline"`
	Columns   Columns `yaml:"columns"`
}

// SQLRowSource runs the capture query against a source table.
type SQLRowSource struct {
	db    *goqu.Database
	raw   *sql.DB
	table string
	cols  Columns
}

func NewSQLRowSource(c RowSourceConfig) (*SQLRowSource, error) {
	if c.Table == "" {
		return nil, fmt.Errorf("row source: table is required")
	}
	c.Columns.applyDefaults()
	db, raw, err := Open(c.SQLConfig)
	if err != nil {
		return nil, err
	}
	return &SQLRowSource{db: db, raw: raw, table: c.Table, cols: c.Columns}, nil
}

func (s *SQLRowSource) query(q capture.Query) *goqu.SelectDataset {
	c := s.cols
	changeType := exp.AliasedExpression(goqu.V("").As("change_type"))
	if c.ChangeType != "" {
		changeType = goqu.C(c.ChangeType).As("change_type")
	}
	ds := s.db.From(s.table).
		Select(
			goqu.Cast(goqu.C(c.RowID), "CHAR").As("row_id"),
			goqu.Cast(goqu.C(c.EntityID), "CHAR").As("entity_id"),
			changeType,
			goqu.C(c.PartitionKey).As("partition_key"),
			goqu.C(c.OwnerRole).As("owner_role"),
			goqu.C(c.PayloadText).As("payload_text"),
			goqu.C(c.EventTime).As("event_time"),
		).
		Where(goqu.C(c.EventTime).Gt(toMicros(q.After))).
		Order(goqu.C(c.EventTime).Asc(), goqu.C(c.RowID).Asc())
	if !q.Before.IsZero() {
		ds = ds.Where(goqu.C(c.EventTime).Lt(toMicros(q.Before)))
	}
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	return ds
}

type sourceRow struct {
	RowID        string `db:"row_id"`
	EntityID     string `db:"entity_id"`
	ChangeType   string `db:"change_type"`
	PartitionKey string `db:"partition_key"`
	OwnerRole    string `db:"owner_role"`
	PayloadText  string `db:"payload_text"`
	EventTime    int64  `db:"event_time"`
}

func (s *SQLRowSource) Rows(ctx context.Context, q capture.Query) ([]capture.Row, error) {
	var raw []sourceRow
	if err := s.query(q).ScanStructsContext(ctx, &raw); err != nil {
		return nil, err
	}
	out := make([]capture.Row, len(raw))
	for i, r := range raw {
		out[i] = capture.Row{
			RowID:        r.RowID,
			EntityID:     r.EntityID,
			ChangeType:   event.ChangeType(r.ChangeType),
			PartitionKey: r.PartitionKey,
			OwnerRole:    r.OwnerRole,
			PayloadText:  r.PayloadText,
			EventTime:    fromMicros(r.EventTime),
		}
	}
	return out, nil
}

func (s *SQLRowSource) Close() error { return s.raw.Close() }
