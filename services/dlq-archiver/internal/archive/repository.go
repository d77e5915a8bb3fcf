package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/techletter/platform/libs/db"
	"github.com/techletter/platform/libs/eventbus"
	"github.com/techletter/platform/libs/outbox"
)

var (
	ErrNotFound      = errors.New("dead letter not found")
	ErrNotReplayable = errors.New("dead letter is not a valid envelope")
)

// DeadLetter is one archived record from a DLQ topic. Payload is empty and
// Raw/DecodeError are set when the message could not be decoded.
type DeadLetter struct {
	ID          uuid.UUID
	EventID     string
	Topic       string
	DLQTopic    string
	Payload     json.RawMessage
	Raw         []byte
	DecodeError string
	Retry       int
	MaxRetry    int
	LastError   *string
	Partition   int
	Offset      int64
	TraceParent string
	FailedAt    time.Time
	ArchivedAt  time.Time
	ReplayedAt  *time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS eventbus_dead_letters (
	id              UUID PRIMARY KEY,
	event_id        TEXT        NOT NULL,
	topic           TEXT        NOT NULL,
	dlq_topic       TEXT        NOT NULL,
	payload         JSONB,
	raw             BYTEA,
	decode_error    TEXT        NOT NULL DEFAULT '',
	retry           INT         NOT NULL DEFAULT 0,
	max_retry       INT         NOT NULL DEFAULT 0,
	last_error      TEXT,
	kafka_partition INT         NOT NULL,
	kafka_offset    BIGINT      NOT NULL,
	trace_parent    TEXT        NOT NULL DEFAULT '',
	failed_at       TIMESTAMPTZ NOT NULL,
	archived_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	replayed_at     TIMESTAMPTZ,
	UNIQUE (dlq_topic, kafka_partition, kafka_offset)
);
CREATE INDEX IF NOT EXISTS eventbus_dead_letters_topic_failed_at
	ON eventbus_dead_letters (topic, failed_at DESC)`

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, staged *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: staged}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Insert stores d. A record already archived from the same DLQ position is
// left untouched.
func (r *Repository) Insert(ctx context.Context, d DeadLetter) error {
	var payload any
	if len(d.Payload) > 0 {
		payload = []byte(d.Payload)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO eventbus_dead_letters
			(id, event_id, topic, dlq_topic, payload, raw, decode_error, retry, max_retry,
			 last_error, kafka_partition, kafka_offset, trace_parent, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (dlq_topic, kafka_partition, kafka_offset) DO NOTHING
	`, d.ID, d.EventID, d.Topic, d.DLQTopic, payload, d.Raw, d.DecodeError, d.Retry, d.MaxRetry,
		d.LastError, d.Partition, d.Offset, d.TraceParent, d.FailedAt)
	return err
}

type ListFilter struct {
	Topic string
	Limit int
}

const selectColumns = `
	SELECT id, event_id, topic, dlq_topic, payload, raw, decode_error, retry, max_retry,
	       last_error, kafka_partition, kafka_offset, trace_parent, failed_at, archived_at, replayed_at
	FROM eventbus_dead_letters`

func (r *Repository) List(ctx context.Context, f ListFilter) ([]DeadLetter, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	rows, err := r.pool.Query(ctx, selectColumns+`
		WHERE ($1 = '' OR topic = $1)
		ORDER BY failed_at DESC
		LIMIT $2
	`, f.Topic, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// QueueReplay stages the archived event on the outbox with a fresh retry
// budget and marks the row replayed, in one transaction.
func (r *Repository) QueueReplay(ctx context.Context, id uuid.UUID, at time.Time) (DeadLetter, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return DeadLetter{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := scanDeadLetter(tx.QueryRow(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return DeadLetter{}, err
	}
	if d.DecodeError != "" {
		return DeadLetter{}, ErrNotReplayable
	}

	if err := r.outbox.Insert(ctx, tx, d.Topic, d.ReplayEvent()); err != nil {
		return DeadLetter{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE eventbus_dead_letters SET replayed_at = $2 WHERE id = $1
	`, id, at); err != nil {
		return DeadLetter{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return DeadLetter{}, err
	}
	d.ReplayedAt = &at
	return d, nil
}

// ReplayEvent is the envelope a replay republishes: same id, payload and
// budget, retry reset to 0.
func (d DeadLetter) ReplayEvent() eventbus.Event {
	return eventbus.Event{
		ID:        d.EventID,
		Payload:   d.Payload,
		Retry:     0,
		MaxRetry:  d.MaxRetry,
		LastError: d.LastError,
	}
}

func scanDeadLetter(row pgx.Row) (DeadLetter, error) {
	var d DeadLetter
	var payload []byte
	err := row.Scan(&d.ID, &d.EventID, &d.Topic, &d.DLQTopic, &payload, &d.Raw, &d.DecodeError,
		&d.Retry, &d.MaxRetry, &d.LastError, &d.Partition, &d.Offset, &d.TraceParent,
		&d.FailedAt, &d.ArchivedAt, &d.ReplayedAt)
	if err != nil {
		return DeadLetter{}, err
	}
	d.Payload = payload
	return d, nil
}
