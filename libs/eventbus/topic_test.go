package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicNames(t *testing.T) {
	topic := NewTopic("tech-letter.post.events")

	assert.Equal(t, "tech-letter.post.events", topic.Base())
	assert.Equal(t, "tech-letter.post.events.dlq", topic.DLQ())
	assert.Equal(t, []string{
		"tech-letter.post.events.retry.1",
		"tech-letter.post.events.retry.2",
		"tech-letter.post.events.retry.3",
		"tech-letter.post.events.retry.4",
		"tech-letter.post.events.retry.5",
	}, topic.RetryTopics())
}

func TestTopicRetryTopicDomain(t *testing.T) {
	topic := NewTopic("orders")
	for k := 1; k <= 5; k++ {
		name, err := topic.RetryTopic(k)
		require.NoError(t, err)
		assert.Equal(t, topic.RetryTopics()[k-1], name)
	}
	for _, k := range []int{-1, 0, 6, 100} {
		_, err := topic.RetryTopic(k)
		assert.ErrorIs(t, err, ErrMaxRetryExceeded, "k=%d", k)
	}
}

func TestTopicWithShortLadder(t *testing.T) {
	ladder, err := NewLadder(time.Second, 2*time.Second)
	require.NoError(t, err)
	topic := NewTopicWithLadder("orders", ladder)

	assert.Len(t, topic.RetryTopics(), 2)
	_, err = topic.RetryTopic(3)
	assert.ErrorIs(t, err, ErrMaxRetryExceeded)
}

func TestParseRetryTopic(t *testing.T) {
	tests := []struct {
		name string
		base string
		k    int
		ok   bool
	}{
		{"tech-letter.post.events.retry.3", "tech-letter.post.events", 3, true},
		{"a.retry.12", "a", 12, true},
		{"a.retry.retry.1", "a.retry", 1, true},
		{"a.retry.0", "", 0, false},
		{"a.retry.x", "", 0, false},
		{"a.retry.", "", 0, false},
		{".retry.1", "", 0, false},
		{"a.dlq", "", 0, false},
		{"a", "", 0, false},
	}
	for _, tt := range tests {
		base, k, ok := ParseRetryTopic(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.base, base, tt.name)
		assert.Equal(t, tt.k, k, tt.name)
	}
}

func TestLadder(t *testing.T) {
	assert.Equal(t, 5, DefaultLadder.Len())
	assert.Equal(t, []time.Duration{
		time.Minute, 5 * time.Minute, 10 * time.Minute, 30 * time.Minute, time.Hour,
	}, DefaultLadder.Delays())

	d, ok := DefaultLadder.Delay(2)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Minute, d)
	_, ok = DefaultLadder.Delay(0)
	assert.False(t, ok)
	_, ok = DefaultLadder.Delay(6)
	assert.False(t, ok)

	d, ok = DefaultLadder.DelayForTopic("x.retry.4")
	assert.True(t, ok)
	assert.Equal(t, 30*time.Minute, d)
	_, ok = DefaultLadder.DelayForTopic("x.dlq")
	assert.False(t, ok)

	var zero Ladder
	assert.Equal(t, DefaultLadder.Delays(), zero.Delays())
}

func TestLadderIsImmutable(t *testing.T) {
	delays := []time.Duration{time.Second, time.Minute}
	l, err := NewLadder(delays...)
	require.NoError(t, err)

	delays[0] = time.Hour
	out := l.Delays()
	out[1] = time.Hour

	assert.Equal(t, []time.Duration{time.Second, time.Minute}, l.Delays())
}

func TestNewLadderRejectsInvalid(t *testing.T) {
	_, err := NewLadder()
	assert.Error(t, err)
	_, err = NewLadder(time.Second, 0)
	assert.Error(t, err)
	_, err = NewLadder(-time.Second)
	assert.Error(t, err)
}

func TestTopics(t *testing.T) {
	ladder, err := NewLadder(time.Second)
	require.NoError(t, err)
	topics := Topics(ladder, "a", "b")
	require.Len(t, topics, 2)
	assert.Equal(t, "b", topics[1].Base())
	assert.Equal(t, []string{"b.retry.1"}, topics[1].RetryTopics())
}
