package event

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// ValidationError marks an inbound payload that can never be processed.
// It is not retryable.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid change event: %v", e.Err)
	}
	return fmt.Sprintf("invalid change event: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the fields the assembly stage relies on.
func (e ChangeEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.PartitionKey) == "":
		return &ValidationError{Field: "partitionKey", Reason: "is empty"}
	case e.EventTime.IsZero():
		return &ValidationError{Field: "eventTime", Reason: "is zero"}
	case e.ChangeType != "" && !e.ChangeType.Valid():
		return &ValidationError{Field: "changeType", Reason: fmt.Sprintf("%q is unknown", e.ChangeType)}
	}
	return nil
}

func EncodeChangeEvent(e ChangeEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeChangeEvent parses and validates a change-topic payload. Every
// failure is a *ValidationError.
func DecodeChangeEvent(b []byte) (ChangeEvent, error) {
	var e ChangeEvent
	if len(b) == 0 {
		return e, &ValidationError{Field: "payload", Reason: "is empty"}
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return e, &ValidationError{Err: err}
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	return e, nil
}

func EncodeUnit(u AssembledUnit) ([]byte, error) {
	return json.Marshal(u)
}

func DecodeUnit(b []byte) (AssembledUnit, error) {
	var u AssembledUnit
	err := json.Unmarshal(b, &u)
	return u, err
}

func EncodeDeadLetter(r DeadLetterRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeDeadLetter(b []byte) (DeadLetterRecord, error) {
	var r DeadLetterRecord
	err := json.Unmarshal(b, &r)
	return r, err
}
