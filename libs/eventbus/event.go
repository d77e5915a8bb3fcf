// Package eventbus is the delivery layer every service uses to talk to the
// others: envelopes keyed by event id, at-least-once consumption with a ladder
// of numbered retry topics, and a dead-letter topic once the ladder is spent.
package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMaxRetryExceeded is returned by Topic.RetryTopic when no retry topic
	// exists for the requested attempt. It routes the event to the DLQ.
	ErrMaxRetryExceeded = errors.New("eventbus: max retry exceeded")

	// ErrRetryScheduleFailed wraps a failed retry or DLQ publish. The source
	// offset is left uncommitted when it occurs.
	ErrRetryScheduleFailed = errors.New("eventbus: retry or dlq publish failed")

	ErrPublisherClosed = errors.New("eventbus: publisher closed")

	// ErrMissingID is returned by UnmarshalEvent for an envelope without an id.
	ErrMissingID = errors.New("eventbus: envelope has no id")
)

// Event is the envelope carried as the Kafka message value.
type Event struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Retry     int             `json:"retry"`
	MaxRetry  int             `json:"max_retry"`
	LastError *string         `json:"last_error"`
}

// Handler processes one event. A non-nil error escalates the event.
type Handler func(ctx context.Context, evt Event) error

// ClampMaxRetry maps any value outside [1, n] to n.
func ClampMaxRetry(v, n int) int {
	if v <= 0 || v > n {
		return n
	}
	return v
}

// Normalize enforces 0 <= Retry <= MaxRetry <= n in place.
func (e *Event) Normalize(n int) {
	e.MaxRetry = ClampMaxRetry(e.MaxRetry, n)
	if e.Retry < 0 {
		e.Retry = 0
	}
	if e.Retry > e.MaxRetry {
		e.Retry = e.MaxRetry
	}
}

// Err returns the recorded last error, or "" when none was recorded.
func (e Event) Err() string {
	if e.LastError == nil {
		return ""
	}
	return *e.LastError
}

func (e *Event) setLastError(err error) {
	msg := err.Error()
	e.LastError = &msg
}

var jsonNull = json.RawMessage("null")

func MarshalEvent(e Event) ([]byte, error) {
	if len(bytes.TrimSpace(e.Payload)) == 0 {
		e.Payload = jsonNull
	}
	return json.Marshal(e)
}

// UnmarshalEvent decodes a wire envelope. An envelope whose id is blank is
// rejected with ErrMissingID. It does not normalize; the consumer does that
// against its own ladder.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("eventbus: decode envelope: %w", err)
	}
	if strings.TrimSpace(e.ID) == "" {
		return Event{}, ErrMissingID
	}
	if len(e.Payload) == 0 {
		e.Payload = jsonNull
	}
	return e, nil
}
