// Package inbox records which events a consumer has already handled so that
// at-least-once redelivery does not repeat side effects.
package inbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/techletter/platform/libs/eventbus"
)

// Store remembers processed (event id, consumer) pairs.
type Store interface {
	// Record marks eventID as processed by consumer. It returns false when
	// the pair was already recorded.
	Record(ctx context.Context, eventID, consumer string) (bool, error)
	// Forget removes the pair so a later delivery is handled again.
	Forget(ctx context.Context, eventID, consumer string) error
}

// Dedup wraps handler so each event id runs at most once per consumer.
// A failed handler run is forgotten, so the retry ladder still reaches it.
func Dedup(store Store, consumer string, logger *slog.Logger, handler eventbus.Handler) eventbus.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, evt eventbus.Event) error {
		fresh, err := store.Record(ctx, evt.ID, consumer)
		if err != nil {
			return fmt.Errorf("inbox record %s: %w", evt.ID, err)
		}
		if !fresh {
			logger.Info("duplicate event ignored", "event_id", evt.ID, "consumer", consumer)
			return nil
		}

		if err := handler(ctx, evt); err != nil {
			if ferr := store.Forget(ctx, evt.ID, consumer); ferr != nil {
				logger.Warn("inbox forget failed", "event_id", evt.ID, "consumer", consumer, "err", ferr)
			}
			return err
		}
		return nil
	}
}
