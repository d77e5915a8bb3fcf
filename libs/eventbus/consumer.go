package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/techletter/platform/libs/kafkax"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPollTimeout = 100 * time.Millisecond
	readErrorDelay     = 500 * time.Millisecond
)

// MessageReader is the subset of *kafka.Reader the consumption loop needs.
// Commits must be synchronous.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ReaderConfig struct {
	GroupID string
	Topic   string
}

type ReaderFactory func(cfg ReaderConfig) MessageReader

// KafkaReaderFactory builds group readers that start from the earliest offset
// and never auto-commit.
func KafkaReaderFactory(brokers []string) ReaderFactory {
	return func(cfg ReaderConfig) MessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        cfg.GroupID,
			Topic:          cfg.Topic,
			StartOffset:    kafka.FirstOffset,
			CommitInterval: 0,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
		})
	}
}

type Config struct {
	// NewReader defaults to KafkaReaderFactory(Brokers).
	Brokers   []string
	NewReader ReaderFactory

	PollTimeout time.Duration
	Metrics     *Metrics

	// NewBackOff paces re-runs of a message whose escalation publish failed,
	// and the reinjector's republish attempts.
	NewBackOff func() backoff.BackOff

	Now func() time.Time
}

// Bus subscribes handlers to topics and drives the retry/DLQ state machine.
// Every subscription runs on its own goroutine; the publisher is shared.
type Bus struct {
	publisher   EventPublisher
	newReader   ReaderFactory
	logger      *slog.Logger
	metrics     *Metrics
	pollTimeout time.Duration
	newBackOff  func() backoff.BackOff
	now         func() time.Time
	tracer      trace.Tracer
}

func NewBus(logger *slog.Logger, publisher EventPublisher, cfg Config) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewReader == nil {
		cfg.NewReader = KafkaReaderFactory(cfg.Brokers)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bus{
		publisher:   publisher,
		newReader:   cfg.NewReader,
		logger:      logger,
		metrics:     cfg.Metrics,
		pollTimeout: cfg.PollTimeout,
		newBackOff:  cfg.NewBackOff,
		now:         cfg.Now,
		tracer:      otel.Tracer("github.com/techletter/platform/libs/eventbus"),
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

// Publish forwards to the bus publisher.
func (b *Bus) Publish(ctx context.Context, topic string, evt Event) error {
	return b.publisher.Publish(ctx, topic, evt)
}

// Subscribe consumes topic.Base() under groupID until ctx is cancelled.
// Messages are handled one at a time in fetch order. An offset is committed
// only once the message is handled, escalated to a retry topic, or
// dead-lettered. Cancellation is checked between messages; a running handler
// always completes.
func (b *Bus) Subscribe(ctx context.Context, groupID string, topic Topic, handler Handler) error {
	if handler == nil {
		return errors.New("eventbus: nil handler")
	}
	logger := b.logger.With("group", groupID, "topic", topic.Base())
	reader := b.newReader(ReaderConfig{GroupID: groupID, Topic: topic.Base()})
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("consumer close failed", "err", err)
		}
	}()

	logger.Info("consumer started")
	stall := b.newBackOff()
	var pending *kafka.Message

	for {
		if ctx.Err() != nil {
			logger.Info("consumer stopping")
			return nil
		}

		msg := pending
		if msg == nil {
			m, ok := b.poll(ctx, reader, logger)
			if !ok {
				continue
			}
			msg = &m
		}

		if b.process(ctx, reader, topic, handler, *msg, logger) {
			pending = nil
			stall.Reset()
			continue
		}

		// Escalation publish failed: keep the offset and re-run the whole
		// step from the original bytes.
		pending = msg
		sleepCtx(ctx, nextDelay(stall))
	}
}

// poll fetches one message with a bounded wait. ok is false for an empty
// poll, a cancelled context, or a read error.
func (b *Bus) poll(ctx context.Context, reader MessageReader, logger *slog.Logger) (kafka.Message, bool) {
	pollCtx, cancel := context.WithTimeout(ctx, b.pollTimeout)
	msg, err := reader.FetchMessage(pollCtx)
	cancel()
	if err == nil {
		return msg, true
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return kafka.Message{}, false
	}
	logger.Error("kafka fetch failed", "err", err)
	sleepCtx(ctx, readErrorDelay)
	return kafka.Message{}, false
}

// process runs one message through decode, handle and escalate. It reports
// whether the message was disposed of and committed.
func (b *Bus) process(ctx context.Context, reader MessageReader, topic Topic, handler Handler, msg kafka.Message, logger *slog.Logger) bool {
	stepCtx := context.WithoutCancel(ctx)
	logger = logger.With("partition", msg.Partition, "offset", msg.Offset)

	evt, err := UnmarshalEvent(msg.Value)
	if err != nil {
		logger.Error("undecodable event, committing and skipping", "err", err)
		b.metrics.handled(topic.Base(), OutcomeUndecodable)
		b.commit(stepCtx, reader, topic.Base(), msg, logger)
		return true
	}
	evt.Normalize(topic.Ladder().Len())
	logger = logger.With("event_id", evt.ID)

	outcome, err := b.handle(stepCtx, topic, handler, evt, msg, logger)
	if err != nil {
		logger.Error("escalation failed, offset not committed", "err", err)
		b.metrics.handled(topic.Base(), OutcomeStalled)
		return false
	}
	b.metrics.handled(topic.Base(), outcome)
	b.commit(stepCtx, reader, topic.Base(), msg, logger)
	return true
}

func (b *Bus) handle(ctx context.Context, topic Topic, handler Handler, evt Event, msg kafka.Message, logger *slog.Logger) (string, error) {
	ctx = kafkax.ExtractTraceContext(ctx, msg)
	ctx, span := b.tracer.Start(ctx, "eventbus.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic.Base()),
			attribute.String("messaging.message.id", evt.ID),
			attribute.Int("eventbus.retry", evt.Retry),
		),
	)
	defer span.End()

	if evt.Retry > 0 {
		logger.Info("handling event", "retry", evt.Retry, "max_retry", evt.MaxRetry)
	} else {
		logger.Debug("handling event")
	}

	herr := callHandler(ctx, handler, evt)
	if herr == nil {
		return OutcomeSuccess, nil
	}
	span.RecordError(herr)
	span.SetStatus(codes.Error, herr.Error())

	outcome, err := b.escalate(ctx, topic, evt, herr, logger)
	if err != nil {
		span.RecordError(err)
	}
	return outcome, err
}

// escalate routes a failed event to its next retry topic, or to the DLQ once
// max_retry is spent. Retry is left unchanged on the DLQ copy.
func (b *Bus) escalate(ctx context.Context, topic Topic, evt Event, cause error, logger *slog.Logger) (string, error) {
	evt.setLastError(cause)
	next := evt.Retry + 1

	if next <= evt.MaxRetry {
		retryTopic, err := topic.RetryTopic(next)
		switch {
		case err == nil:
			evt.Retry = next
			logger.Warn("event failed, scheduling retry",
				"retry", evt.Retry, "max_retry", evt.MaxRetry, "retry_topic", retryTopic, "err", cause)
			if err := b.publisher.Publish(ctx, retryTopic, evt); err != nil {
				return "", fmt.Errorf("%w: %s: %w", ErrRetryScheduleFailed, retryTopic, err)
			}
			return OutcomeRetry, nil
		case !errors.Is(err, ErrMaxRetryExceeded):
			return "", err
		}
	}

	logger.Error("event exceeded max retry, sending to dlq",
		"retry", evt.Retry, "max_retry", evt.MaxRetry, "dlq_topic", topic.DLQ(), "err", cause)
	if err := b.publisher.Publish(ctx, topic.DLQ(), evt); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrRetryScheduleFailed, topic.DLQ(), err)
	}
	return OutcomeDLQ, nil
}

func (b *Bus) commit(ctx context.Context, reader MessageReader, topic string, msg kafka.Message, logger *slog.Logger) {
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logger.Error("offset commit failed", "err", err)
		b.metrics.commitFailed(topic)
	}
}

// callHandler turns a handler panic into an ordinary failure.
func callHandler(ctx context.Context, handler Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

func nextDelay(b backoff.BackOff) time.Duration {
	d := b.NextBackOff()
	if d < 0 {
		return 10 * time.Second
	}
	return d
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
