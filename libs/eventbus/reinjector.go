package eventbus

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/techletter/platform/libs/kafkax"
	"golang.org/x/sync/errgroup"
)

// Reinject moves events from every retry topic of topic back to its base
// topic once the ladder delay for that retry topic has passed, measured from
// the message timestamp. It blocks until ctx is cancelled.
//
// Each retry topic gets its own reader in its own consumer group (see
// RetryGroup). Messages in one retry topic share a delay, so waiting on the
// head message never holds back an earlier-ready message behind it; separate
// readers keep a long delay from stalling the short ones.
func (b *Bus) Reinject(ctx context.Context, groupID string, topic Topic) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range topic.RetryTopics() {
		group := RetryGroup(groupID, i+1)
		g.Go(func() error {
			b.reinjectTopic(gctx, group, topic, name)
			return nil
		})
	}
	return g.Wait()
}

// RetryGroup names the consumer group that drains retry topic k. Readers of
// different retry topics never share a group, so one joining or leaving does
// not rebalance the others.
func RetryGroup(groupID string, k int) string {
	return groupID + "-retry-" + strconv.Itoa(k)
}

func (b *Bus) reinjectTopic(ctx context.Context, groupID string, topic Topic, retryTopic string) {
	logger := b.logger.With("group", groupID, "topic", retryTopic, "target", topic.Base())
	reader := b.newReader(ReaderConfig{GroupID: groupID, Topic: retryTopic})
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("reinjector close failed", "err", err)
		}
	}()

	logger.Info("reinjector started")
	stall := b.newBackOff()
	var pending *kafka.Message

	for {
		if ctx.Err() != nil {
			logger.Info("reinjector stopping")
			return
		}

		msg := pending
		if msg == nil {
			m, ok := b.poll(ctx, reader, logger)
			if !ok {
				continue
			}
			msg = &m
		}

		if b.reinjectOne(ctx, reader, topic, *msg, logger) {
			pending = nil
			stall.Reset()
			continue
		}
		pending = msg
		if ctx.Err() == nil {
			sleepCtx(ctx, nextDelay(stall))
		}
	}
}

// reinjectOne reports whether msg was disposed of and committed.
func (b *Bus) reinjectOne(ctx context.Context, reader MessageReader, topic Topic, msg kafka.Message, logger *slog.Logger) bool {
	stepCtx := context.WithoutCancel(ctx)
	logger = logger.With("partition", msg.Partition, "offset", msg.Offset)

	delay, ok := topic.Ladder().DelayForTopic(msg.Topic)
	if !ok {
		logger.Error("cannot parse retry delay from topic, committing and skipping", "message_topic", msg.Topic)
		b.commit(stepCtx, reader, msg.Topic, msg, logger)
		return true
	}

	if wait := msg.Time.Add(delay).Sub(b.now()); wait > 0 {
		logger.Debug("waiting for retry delay", "wait", wait.Round(time.Millisecond))
		if !sleepCtx(ctx, wait) {
			return false
		}
	}

	evt, err := UnmarshalEvent(msg.Value)
	if err != nil {
		logger.Error("undecodable event on retry topic, committing and skipping", "err", err)
		b.metrics.handled(msg.Topic, OutcomeUndecodable)
		b.commit(stepCtx, reader, msg.Topic, msg, logger)
		return true
	}
	evt.Normalize(topic.Ladder().Len())

	logger.Info("reinjecting event", "event_id", evt.ID, "retry", evt.Retry)
	pubCtx := kafkax.ExtractTraceContext(stepCtx, msg)
	if err := b.publisher.Publish(pubCtx, topic.Base(), evt); err != nil {
		logger.Error("reinject failed, offset not committed", "event_id", evt.ID, "err", err)
		return false
	}
	b.metrics.reinjected(topic.Base())
	b.commit(stepCtx, reader, msg.Topic, msg, logger)
	return true
}
