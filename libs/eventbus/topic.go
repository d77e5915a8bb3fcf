package eventbus

import (
	"strconv"
	"strings"
)

const (
	retryInfix = ".retry."
	dlqSuffix  = ".dlq"
)

// Topic is a base topic name plus the names derived from it:
// base.retry.1 .. base.retry.N and base.dlq.
type Topic struct {
	base   string
	ladder Ladder
}

func NewTopic(base string) Topic {
	return Topic{base: base, ladder: DefaultLadder}
}

func NewTopicWithLadder(base string, ladder Ladder) Topic {
	return Topic{base: base, ladder: ladder}
}

func (t Topic) Base() string {
	return t.base
}

func (t Topic) Ladder() Ladder {
	return t.ladder
}

// DLQ returns the dead-letter topic name, e.g. my.topic.dlq.
func (t Topic) DLQ() string {
	return t.base + dlqSuffix
}

// RetryTopics returns every retry topic name in ladder order.
func (t Topic) RetryTopics() []string {
	n := t.ladder.Len()
	topics := make([]string, n)
	for k := 1; k <= n; k++ {
		topics[k-1] = t.retryName(k)
	}
	return topics
}

// RetryTopic returns the retry topic for the k-th escalation (1-based).
// It fails with ErrMaxRetryExceeded outside [1, N].
func (t Topic) RetryTopic(k int) (string, error) {
	if k <= 0 || k > t.ladder.Len() {
		return "", ErrMaxRetryExceeded
	}
	return t.retryName(k), nil
}

func (t Topic) retryName(k int) string {
	return t.base + retryInfix + strconv.Itoa(k)
}

// ParseRetryTopic splits "<base>.retry.<k>" into its base and k.
func ParseRetryTopic(name string) (base string, k int, ok bool) {
	idx := strings.LastIndex(name, retryInfix)
	if idx <= 0 || idx+len(retryInfix) >= len(name) {
		return "", 0, false
	}
	k, err := strconv.Atoi(name[idx+len(retryInfix):])
	if err != nil || k <= 0 {
		return "", 0, false
	}
	return name[:idx], k, true
}
