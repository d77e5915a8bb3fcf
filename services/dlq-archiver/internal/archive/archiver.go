package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"github.com/techletter/platform/libs/eventbus"
	"github.com/techletter/platform/libs/inbox"
	"github.com/techletter/platform/libs/kafkax"
	otelx "github.com/techletter/platform/libs/otel"
	"golang.org/x/sync/errgroup"
)

// Sink persists dead letters.
type Sink interface {
	Insert(ctx context.Context, d DeadLetter) error
}

type Metrics struct {
	Archived *prometheus.CounterVec
	Failures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Archived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dlq_archived_total",
			Help: "Dead letters written to the archive",
		}, []string{"topic", "kind"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dlq_archive_failures_total",
			Help: "Archive writes that failed and will be retried",
		}, []string{"topic"}),
	}
}

type Config struct {
	NewReader   eventbus.ReaderFactory
	Inbox       inbox.Store // optional
	Metrics     *Metrics
	PollTimeout time.Duration
	NewBackOff  func() backoff.BackOff
}

const consumerName = "dlq-archiver"

// Archiver copies every record from the DLQ topics into a Sink. An offset is
// committed only after the record is stored.
type Archiver struct {
	sink        Sink
	logger      *slog.Logger
	cfg         Config
	pollTimeout time.Duration
}

func New(logger *slog.Logger, sink Sink, cfg Config) *Archiver {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = eventbus.DefaultPollTimeout
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	return &Archiver{sink: sink, logger: logger, cfg: cfg, pollTimeout: cfg.PollTimeout}
}

// Run archives the DLQ of every topic until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context, groupID string, topics []eventbus.Topic) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range topics {
		g.Go(func() error {
			a.runTopic(gctx, groupID, t)
			return nil
		})
	}
	return g.Wait()
}

func (a *Archiver) runTopic(ctx context.Context, groupID string, topic eventbus.Topic) {
	logger := a.logger.With("group", groupID, "topic", topic.DLQ())
	reader := a.cfg.NewReader(eventbus.ReaderConfig{GroupID: groupID, Topic: topic.DLQ()})
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("archiver close failed", "err", err)
		}
	}()
	logger.Info("archiver started")

	retry := a.cfg.NewBackOff()
	var pending *kafka.Message
	for {
		if ctx.Err() != nil {
			logger.Info("archiver stopping")
			return
		}

		msg := pending
		if msg == nil {
			pollCtx, cancel := context.WithTimeout(ctx, a.pollTimeout)
			m, err := reader.FetchMessage(pollCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
					logger.Error("kafka fetch failed", "err", err)
					sleep(ctx, time.Second)
				}
				continue
			}
			msg = &m
		}

		stepCtx := context.WithoutCancel(ctx)
		if err := a.archive(stepCtx, topic, *msg); err != nil {
			logger.Error("archive failed, offset not committed",
				"partition", msg.Partition, "offset", msg.Offset, "err", err)
			a.failed(topic.DLQ())
			pending = msg
			d := retry.NextBackOff()
			if d < 0 {
				d = 30 * time.Second
			}
			sleep(ctx, d)
			continue
		}
		pending = nil
		retry.Reset()

		if err := reader.CommitMessages(stepCtx, *msg); err != nil {
			logger.Error("offset commit failed", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
	}
}

func (a *Archiver) archive(ctx context.Context, topic eventbus.Topic, msg kafka.Message) error {
	d := FromMessage(topic, msg)
	if d.DecodeError != "" {
		a.logger.Warn("archiving undecodable dead letter",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", d.DecodeError)
		if err := a.sink.Insert(ctx, d); err != nil {
			return err
		}
		a.archived(msg.Topic, "malformed")
		return nil
	}

	store := func(ctx context.Context, _ eventbus.Event) error {
		return a.sink.Insert(ctx, d)
	}
	if a.cfg.Inbox != nil {
		store = inbox.Dedup(a.cfg.Inbox, consumerName, a.logger, store)
	}
	// A replayed event keeps its id, so a second dead-lettering of it is a new
	// record. Only a redelivered offset is a duplicate.
	if err := store(ctx, eventbus.Event{ID: offsetKey(msg)}); err != nil {
		return err
	}
	a.archived(msg.Topic, "event")
	return nil
}

// FromMessage builds the archive row for a DLQ message.
func FromMessage(topic eventbus.Topic, msg kafka.Message) DeadLetter {
	traceParent, _ := otelx.TraceContextStrings(kafkax.ExtractTraceContext(context.Background(), msg))
	d := DeadLetter{
		ID:          uuid.New(),
		Topic:       topic.Base(),
		DLQTopic:    msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		TraceParent: traceParent,
		FailedAt:    msg.Time.UTC(),
	}
	if d.FailedAt.IsZero() {
		d.FailedAt = time.Now().UTC()
	}

	evt, err := eventbus.UnmarshalEvent(msg.Value)
	if err != nil {
		d.EventID = kafkax.ExtractMeta(msg).EventID
		if d.EventID == "" {
			d.EventID = offsetKey(msg)
		}
		d.Raw = msg.Value
		d.DecodeError = err.Error()
		return d
	}

	d.EventID = evt.ID
	d.Payload = evt.Payload
	d.Retry = evt.Retry
	d.MaxRetry = evt.MaxRetry
	d.LastError = evt.LastError
	return d
}

// offsetKey identifies a DLQ record by its position in the log.
func offsetKey(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func (a *Archiver) archived(topic, kind string) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.Archived.WithLabelValues(topic, kind).Inc()
	}
}

func (a *Archiver) failed(topic string) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.Failures.WithLabelValues(topic).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
