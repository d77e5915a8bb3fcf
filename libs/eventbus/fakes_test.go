package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	fetched   int
	commits   []kafka.Message
	commitErr error
	closed    atomic.Bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs)+8)}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		r.mu.Lock()
		r.fetched++
		r.mu.Unlock()
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return r.commitErr
}

func (r *fakeReader) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *fakeReader) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

func (r *fakeReader) fetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetched
}

type publishCall struct {
	topic string
	evt   Event
	at    time.Time
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	sent  []publishCall
	fail  func(topic string, attempt int) error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := publishCall{topic: topic, evt: evt, at: time.Now()}
	attempt := len(p.calls)
	p.calls = append(p.calls, call)
	if p.fail != nil {
		if err := p.fail(topic, attempt); err != nil {
			return err
		}
	}
	p.sent = append(p.sent, call)
	return nil
}

func (p *fakePublisher) snapshot() (calls, sent []publishCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...), append([]publishCall(nil), p.sent...)
}

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

type harness struct {
	bus     *Bus
	pub     *fakePublisher
	logs    *recordingHandler
	metrics *Metrics
}

func newHarness(t *testing.T, factory ReaderFactory, pub *fakePublisher) *harness {
	t.Helper()
	logs := &recordingHandler{}
	metrics := NewMetrics(prometheus.NewRegistry())
	bus := NewBus(slog.New(logs), pub, Config{
		NewReader:   factory,
		PollTimeout: 5 * time.Millisecond,
		Metrics:     metrics,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	})
	return &harness{bus: bus, pub: pub, logs: logs, metrics: metrics}
}

func singleReader(r *fakeReader) ReaderFactory {
	return func(ReaderConfig) MessageReader { return r }
}

// start runs fn in a goroutine and returns a stop func that cancels it and
// waits for it to return.
func start(t *testing.T, fn func(ctx context.Context) error) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("loop did not stop after cancellation")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func envelope(t *testing.T, topic string, offset int64, evt Event) kafka.Message {
	t.Helper()
	value, err := MarshalEvent(evt)
	require.NoError(t, err)
	return kafka.Message{
		Topic:  topic,
		Offset: offset,
		Key:    []byte(evt.ID),
		Value:  value,
		Time:   time.Now(),
	}
}
