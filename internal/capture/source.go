package capture

import (
	"context"
	"fmt"
	"time"

	"convoflow/internal/event"
)

// Row is one source row as the capture query returns it.
type Row struct {
	RowID        string
	EntityID     string
	ChangeType   event.ChangeType
	PartitionKey string
	OwnerRole    string
	PayloadText  string
	EventTime    time.Time
}

// Query selects rows with EventTime > After, and EventTime < Before when
// Before is set, ordered by (EventTime, RowID), at most Limit rows.
type Query struct {
	After  time.Time
	Before time.Time
	Limit  int
}

type RowSource interface {
	Rows(ctx context.Context, q Query) ([]Row, error)
}

// SourceError marks a failed query. It is always treated as transient.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return fmt.Sprintf("capture source: %v", e.Err) }
func (e *SourceError) Unwrap() error { return e.Err }
