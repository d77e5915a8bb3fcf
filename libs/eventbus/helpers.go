package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type eventOptions struct {
	id       string
	maxRetry int
	ladder   Ladder
}

type EventOption func(*eventOptions)

// WithID sets the event id instead of generating one.
func WithID(id string) EventOption {
	return func(o *eventOptions) { o.id = id }
}

// WithMaxRetry caps the number of escalations. Out-of-range values fall back
// to the ladder length.
func WithMaxRetry(n int) EventOption {
	return func(o *eventOptions) { o.maxRetry = n }
}

func WithLadder(l Ladder) EventOption {
	return func(o *eventOptions) { o.ladder = l }
}

// NewEvent wraps payload in a fresh envelope with retry 0. Producers that are
// not reacting to an inbound event use it to start a pipeline.
func NewEvent(payload any, opts ...EventOption) (Event, error) {
	o := eventOptions{ladder: DefaultLadder}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("eventbus: marshal payload: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = jsonNull
	}

	return Event{
		ID:       o.id,
		Payload:  raw,
		Retry:    0,
		MaxRetry: ClampMaxRetry(o.maxRetry, o.ladder.Len()),
	}, nil
}

// DecodePayload unmarshals the event payload into T.
func DecodePayload[T any](evt Event) (T, error) {
	var out T
	if err := json.Unmarshal(evt.Payload, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("eventbus: decode payload of %s: %w", evt.ID, err)
	}
	return out, nil
}

// Subscriber is the consuming half of the bus.
type Subscriber interface {
	Subscribe(ctx context.Context, groupID string, topic Topic, handler Handler) error
}

// SubscribeJSON subscribes with a handler that receives the decoded payload
// alongside the envelope. Payload decode errors escalate like handler errors.
func SubscribeJSON[T any](ctx context.Context, bus Subscriber, groupID string, topic Topic, handler func(ctx context.Context, payload T, meta Event) error) error {
	return bus.Subscribe(ctx, groupID, topic, func(ctx context.Context, evt Event) error {
		v, err := DecodePayload[T](evt)
		if err != nil {
			return err
		}
		return handler(ctx, v, evt)
	})
}
