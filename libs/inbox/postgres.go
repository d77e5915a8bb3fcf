package inbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/techletter/platform/libs/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS eventbus_inbox (
	event_id     TEXT        NOT NULL,
	consumer     TEXT        NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (event_id, consumer)
)`

type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, eventID, consumer string) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO eventbus_inbox (event_id, consumer)
		VALUES ($1, $2)
	`, eventID, consumer)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

func (s *PostgresStore) Forget(ctx context.Context, eventID, consumer string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM eventbus_inbox WHERE event_id = $1 AND consumer = $2
	`, eventID, consumer)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
