package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/techletter/platform/libs/kafkax"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher publishes envelopes. *Publisher is the Kafka implementation.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, evt Event) error
}

// NewKafkaWriter builds a writer that routes by message key, so an event and
// all of its retries land on the same partition of each topic.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// Publisher writes envelopes to Kafka. It is safe for concurrent use.
// Close must be called once, after every caller is done publishing.
type Publisher struct {
	writer  MessageWriter
	logger  *slog.Logger
	metrics *Metrics

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewPublisher(writer MessageWriter, logger *slog.Logger, metrics *Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{writer: writer, logger: logger, metrics: metrics}
}

// Publish writes evt to topic keyed by evt.ID. A delivery failure is logged
// and returned; the write is never retried here.
func (p *Publisher) Publish(ctx context.Context, topic string, evt Event) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	value, err := MarshalEvent(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event %s: %w", evt.ID, err)
	}

	headers := []kafka.Header{{Key: kafkax.HeaderEventID, Value: []byte(evt.ID)}}
	headers = kafkax.InjectTraceHeaders(ctx, headers)
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(evt.ID),
		Value:   value,
		Headers: headers,
		Time:    time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("event delivery failed", "topic", topic, "event_id", evt.ID, "retry", evt.Retry, "err", err)
		p.metrics.publishFailed(topic)
		return fmt.Errorf("eventbus: publish %s to %s: %w", evt.ID, topic, err)
	}
	p.metrics.published(topic)
	return nil
}

// Close flushes buffered messages and releases the writer.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.writer.Close()
		if p.closeErr != nil {
			p.logger.Warn("publisher close failed", "err", p.closeErr)
			return
		}
		p.logger.Info("publisher closed")
	})
	return p.closeErr
}
