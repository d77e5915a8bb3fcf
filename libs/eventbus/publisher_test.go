package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techletter/platform/libs/kafkax"
)

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	err     error
	closes  int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closes++
	return nil
}

func TestPublisherPublish(t *testing.T) {
	w := &fakeWriter{}
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewPublisher(w, nil, metrics)

	msg := "boom"
	err := p.Publish(context.Background(), "posts.retry.1", Event{ID: "e1", Payload: []byte(`{"a":1}`), Retry: 1, MaxRetry: 5, LastError: &msg})
	require.NoError(t, err)

	require.Len(t, w.written, 1)
	got := w.written[0]
	assert.Equal(t, "posts.retry.1", got.Topic)
	assert.Equal(t, "e1", string(got.Key))
	assert.Equal(t, "e1", kafkax.HeaderValue(got.Headers, kafkax.HeaderEventID))
	assert.False(t, got.Time.IsZero())
	assert.JSONEq(t, `{"id":"e1","payload":{"a":1},"retry":1,"max_retry":5,"last_error":"boom"}`, string(got.Value))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Published.WithLabelValues("posts.retry.1")))
}

func TestPublisherPublishFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	logs := &recordingHandler{}
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewPublisher(w, slog.New(logs), metrics)

	err := p.Publish(context.Background(), "posts", Event{ID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
	assert.Equal(t, 1, logs.count(slog.LevelError))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PublishFailures.WithLabelValues("posts")))
}

func TestPublisherClose(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, nil, nil)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, w.closes)

	err := p.Publish(context.Background(), "posts", Event{ID: "late"})
	assert.ErrorIs(t, err, ErrPublisherClosed)
	assert.Empty(t, w.written)
}
