// Package event holds the wire types that move between the capture engine,
// the assembly buffer and the dead-letter topic.
package event

import (
	"time"
)

type ChangeType string

const (
	Insert ChangeType = "insert"
	Update ChangeType = "update"
	Delete ChangeType = "delete"
)

func (t ChangeType) Valid() bool {
	switch t {
	case Insert, Update, Delete:
		return true
	}
	return false
}

// ChangeEvent is a single captured row change. CDCMode and ProcessingNode
// are envelope metadata stamped by the capture engine.
type ChangeEvent struct {
	EntityID     string     `json:"entityId"`
	ChangeType   ChangeType `json:"changeType"`
	PartitionKey string     `json:"partitionKey"`
	OwnerRole    string     `json:"ownerRole"`
	PayloadText  string     `json:"payloadText"`
	EventTime    time.Time  `json:"eventTime"`
	ObservedAt   time.Time  `json:"observedAt"`
	SourceRowID  string     `json:"sourceRowId"`

	CDCMode        string `json:"cdcMode,omitempty"`
	ProcessingNode string `json:"processingNode,omitempty"`
}

// Message is one entry of a conversation.
type Message struct {
	OwnerRole   string    `json:"ownerRole"`
	PayloadText string    `json:"payloadText"`
	EventTime   time.Time `json:"eventTime"`
	SourceRowID string    `json:"sourceRowId,omitempty"`
}

type UnitMetadata struct {
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	DurationMs       int64     `json:"durationMs"`
	ParticipantRoles []string  `json:"participantRoles"`
	MessageCount     int       `json:"messageCount"`
	FlushReason      string    `json:"flushReason,omitempty"`
}

// AssembledUnit is a complete, time-ordered conversation.
type AssembledUnit struct {
	Key      string       `json:"key"`
	Messages []Message    `json:"messages"`
	Metadata UnitMetadata `json:"metadata"`
}

// NewAssembledUnit derives metadata from messages, which must already be
// sorted by EventTime.
func NewAssembledUnit(key string, msgs []Message, reason string) AssembledUnit {
	u := AssembledUnit{Key: key, Messages: msgs}
	u.Metadata.MessageCount = len(msgs)
	u.Metadata.FlushReason = reason
	u.Metadata.ParticipantRoles = []string{}
	if len(msgs) == 0 {
		return u
	}
	u.Metadata.StartTime = msgs[0].EventTime
	u.Metadata.EndTime = msgs[len(msgs)-1].EventTime
	u.Metadata.DurationMs = u.Metadata.EndTime.Sub(u.Metadata.StartTime).Milliseconds()

	seen := make(map[string]struct{}, 2)
	for _, m := range msgs {
		if _, ok := seen[m.OwnerRole]; ok {
			continue
		}
		seen[m.OwnerRole] = struct{}{}
		u.Metadata.ParticipantRoles = append(u.Metadata.ParticipantRoles, m.OwnerRole)
	}
	return u
}

// DeadLetterRecord carries a message that exhausted its retries together with
// the broker coordinates it was read from.
type DeadLetterRecord struct {
	ID              string            `json:"id"`
	Consumer        string            `json:"consumer"`
	OriginalPayload []byte            `json:"originalPayload"`
	SourceTopic     string            `json:"sourceTopic"`
	Partition       int32             `json:"partition"`
	Offset          int64             `json:"offset"`
	Key             []byte            `json:"key,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	AttemptCount    int               `json:"attemptCount"`
	LastError       string            `json:"lastError"`
	FailedAt        time.Time         `json:"failedAt"`
}
