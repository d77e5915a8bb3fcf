package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/techletter/platform/libs/db"
	"github.com/techletter/platform/libs/eventbus"
	otelx "github.com/techletter/platform/libs/otel"
)

// Relay drains the outbox table through an eventbus publisher.
type Relay struct {
	pool      *db.Pool
	repo      *Repository
	publisher eventbus.EventPublisher
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type RelayConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewRelay(pool *db.Pool, repo *Repository, publisher eventbus.EventPublisher, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Relay{
		pool:      pool,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishBatch(ctx); err != nil {
				r.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

// publishBatch publishes in id order and marks what went out, even when a
// later record fails.
func (r *Relay) publishBatch(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := r.repo.FetchUnpublished(ctx, tx, r.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	ids, pubErr := publishRecords(ctx, r.publisher, records)
	if err := r.repo.MarkPublished(ctx, tx, ids); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return pubErr
}

func publishRecords(ctx context.Context, publisher eventbus.EventPublisher, records []Record) ([]int64, error) {
	ids := make([]int64, 0, len(records))
	for _, rcd := range records {
		msgCtx := otelx.ContextWithTraceContext(ctx, rcd.Traceparent, rcd.Tracestate)
		if err := publisher.Publish(msgCtx, rcd.Topic, rcd.Event()); err != nil {
			return ids, err
		}
		ids = append(ids, rcd.ID)
	}
	return ids, nil
}
