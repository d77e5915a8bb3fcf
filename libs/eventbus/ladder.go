package eventbus

import (
	"errors"
	"fmt"
	"time"
)

// Ladder is the ordered list of retry delays. Its length is the maximum number
// of escalations an event can go through before it is dead-lettered.
// A Ladder is immutable once built.
type Ladder struct {
	delays []time.Duration
}

// DefaultLadder is used when no ladder is configured at startup.
var DefaultLadder = mustLadder(
	1*time.Minute,
	5*time.Minute,
	10*time.Minute,
	30*time.Minute,
	1*time.Hour,
)

func NewLadder(delays ...time.Duration) (Ladder, error) {
	if len(delays) == 0 {
		return Ladder{}, errors.New("eventbus: retry ladder needs at least one delay")
	}
	out := make([]time.Duration, len(delays))
	for i, d := range delays {
		if d <= 0 {
			return Ladder{}, fmt.Errorf("eventbus: retry delay %d must be positive (got %s)", i+1, d)
		}
		out[i] = d
	}
	return Ladder{delays: out}, nil
}

func mustLadder(delays ...time.Duration) Ladder {
	l, err := NewLadder(delays...)
	if err != nil {
		panic(err)
	}
	return l
}

// Len returns N, the number of retry steps.
func (l Ladder) Len() int {
	if len(l.delays) == 0 {
		return DefaultLadder.Len()
	}
	return len(l.delays)
}

// Delay returns the intended delay before an event on retry topic k is
// reprocessed. k is 1-based.
func (l Ladder) Delay(k int) (time.Duration, bool) {
	delays := l.resolved()
	if k <= 0 || k > len(delays) {
		return 0, false
	}
	return delays[k-1], true
}

func (l Ladder) Delays() []time.Duration {
	delays := l.resolved()
	out := make([]time.Duration, len(delays))
	copy(out, delays)
	return out
}

// DelayForTopic resolves the delay of a numbered retry topic name such as
// "tech-letter.post.events.retry.2".
func (l Ladder) DelayForTopic(name string) (time.Duration, bool) {
	_, k, ok := ParseRetryTopic(name)
	if !ok {
		return 0, false
	}
	return l.Delay(k)
}

// resolved lets the zero Ladder behave like DefaultLadder.
func (l Ladder) resolved() []time.Duration {
	if len(l.delays) == 0 {
		return DefaultLadder.delays
	}
	return l.delays
}
