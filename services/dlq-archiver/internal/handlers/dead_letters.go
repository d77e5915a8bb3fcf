package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/techletter/platform/services/dlq-archiver/internal/archive"
)

type Store interface {
	List(ctx context.Context, f archive.ListFilter) ([]archive.DeadLetter, error)
	QueueReplay(ctx context.Context, id uuid.UUID, at time.Time) (archive.DeadLetter, error)
}

type Handler struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/dead-letters", h.List)
	mux.HandleFunc("/dead-letters/replay", h.Replay)
}

type deadLetterJSON struct {
	ID          string          `json:"id"`
	EventID     string          `json:"event_id"`
	Topic       string          `json:"topic"`
	DLQTopic    string          `json:"dlq_topic"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DecodeError string          `json:"decode_error,omitempty"`
	Retry       int             `json:"retry"`
	MaxRetry    int             `json:"max_retry"`
	LastError   *string         `json:"last_error"`
	Partition   int             `json:"partition"`
	Offset      int64           `json:"offset"`
	FailedAt    string          `json:"failed_at"`
	ReplayedAt  *string         `json:"replayed_at,omitempty"`
}

func toJSON(d archive.DeadLetter) deadLetterJSON {
	out := deadLetterJSON{
		ID:          d.ID.String(),
		EventID:     d.EventID,
		Topic:       d.Topic,
		DLQTopic:    d.DLQTopic,
		Payload:     d.Payload,
		DecodeError: d.DecodeError,
		Retry:       d.Retry,
		MaxRetry:    d.MaxRetry,
		LastError:   d.LastError,
		Partition:   d.Partition,
		Offset:      d.Offset,
		FailedAt:    d.FailedAt.UTC().Format(time.RFC3339),
	}
	if d.ReplayedAt != nil {
		s := d.ReplayedAt.UTC().Format(time.RFC3339)
		out.ReplayedAt = &s
	}
	return out
}

// List returns recent dead letters, newest first.
// Query: topic (base topic name), limit.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := h.store.List(r.Context(), archive.ListFilter{
		Topic: strings.TrimSpace(r.URL.Query().Get("topic")),
		Limit: limit,
	})
	if err != nil {
		h.logger.Error("list dead letters failed", "err", err)
		http.Error(w, "failed to list dead letters", http.StatusInternalServerError)
		return
	}

	out := make([]deadLetterJSON, 0, len(items))
	for _, d := range items {
		out = append(out, toJSON(d))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": out})
}

// Replay queues an archived event for republishing to its base topic with a
// fresh retry budget. Query: id.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("id")))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	d, err := h.store.QueueReplay(r.Context(), id, time.Now().UTC())
	switch {
	case errors.Is(err, archive.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, archive.ErrNotReplayable):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		h.logger.Error("queue replay failed", "id", id, "err", err)
		http.Error(w, "failed to queue replay", http.StatusInternalServerError)
		return
	}
	h.logger.Info("dead letter replay queued", "id", id, "event_id", d.EventID, "topic", d.Topic)
	w.WriteHeader(http.StatusAccepted)
}
