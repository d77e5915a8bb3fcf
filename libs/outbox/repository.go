// Package outbox stages events in Postgres inside the caller's transaction
// and relays them to Kafka afterwards, so a state change and the event that
// announces it commit together.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/techletter/platform/libs/db"
	"github.com/techletter/platform/libs/eventbus"
	otelx "github.com/techletter/platform/libs/otel"
)

const schema = `
CREATE TABLE IF NOT EXISTS eventbus_outbox (
	id           BIGSERIAL PRIMARY KEY,
	event_id     TEXT        NOT NULL,
	topic        TEXT        NOT NULL,
	payload      JSONB       NOT NULL,
	max_retry    INT         NOT NULL DEFAULT 0,
	last_error   TEXT,
	traceparent  TEXT        NOT NULL DEFAULT '',
	tracestate   TEXT        NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS eventbus_outbox_unpublished
	ON eventbus_outbox (id) WHERE published_at IS NULL`

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Insert stages evt for topic in tx. The trace context of ctx travels with
// the row and is restored when the relay publishes it.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, topic string, evt eventbus.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	payload := []byte(evt.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO eventbus_outbox (event_id, topic, payload, max_retry, last_error, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, evt.ID, topic, payload, evt.MaxRetry, evt.LastError, traceparent, tracestate)
	return err
}

type Record struct {
	ID          int64
	EventID     string
	Topic       string
	Payload     []byte
	MaxRetry    int
	LastError   *string
	Traceparent string
	Tracestate  string
	CreatedAt   time.Time
}

// Event rebuilds the envelope. Staged events always start at retry 0.
func (r Record) Event() eventbus.Event {
	return eventbus.Event{
		ID:        r.EventID,
		Payload:   json.RawMessage(r.Payload),
		MaxRetry:  r.MaxRetry,
		LastError: r.LastError,
	}
}

func (r *Repository) FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, topic, payload, max_retry, last_error, traceparent, tracestate, created_at
		FROM eventbus_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rcd Record
		if err := rows.Scan(&rcd.ID, &rcd.EventID, &rcd.Topic, &rcd.Payload, &rcd.MaxRetry, &rcd.LastError,
			&rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE eventbus_outbox
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}
