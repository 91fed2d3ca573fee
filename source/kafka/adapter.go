package kafka

import (
	"context"
	"time"
)

// Message is a record read from a partition, with the coordinates needed to
// acknowledge it or route it to a dead-letter topic.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time
}

// EmitFunc is called sequentially per partition. Returning nil marks the
// offset for commit; an error ends the partition's session without marking,
// so the message is delivered again.
type EmitFunc func(context.Context, *Message) error

// CommitFunc receives the last offset of a partition once the adapter has
// committed it to the broker.
type CommitFunc func(topic string, partition int32, offset int64)

// CommitNotifier is implemented by adapters that report their own commits,
// which may lag behind acknowledgement. The callback must be installed
// before Run.
type CommitNotifier interface {
	OnCommit(CommitFunc)
}

type Adapter interface {
	Configure(Config) error
	Run(context.Context, EmitFunc) error
	// Pause stops fetching new messages without leaving the group.
	Pause()
	Resume()
	Close() error
}
