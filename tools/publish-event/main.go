package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/techletter/platform/libs/config"
	"github.com/techletter/platform/libs/eventbus"
	"github.com/techletter/platform/libs/kafkax"
	otelx "github.com/techletter/platform/libs/otel"
)

func main() {
	_ = config.LoadDotEnv()
	var (
		brokers     = flag.String("brokers", config.String("KAFKA_BOOTSTRAP_SERVERS", config.String("KAFKA_BROKERS", "localhost:9092")), "comma separated kafka brokers")
		topic       = flag.String("topic", eventbus.TopicPostEvents.Base(), "base topic to publish to")
		payload     = flag.String("payload", `{}`, "JSON payload")
		payloadFile = flag.String("payload-file", "", "read the JSON payload from a file instead")
		id          = flag.String("id", "", "event id (generated when empty)")
		maxRetry    = flag.Int("max-retry", 0, "max retry (0 means the full ladder)")
		count       = flag.Int("count", 1, "number of events to publish")
		traceparent = flag.String("traceparent", "", "W3C traceparent to continue")
	)
	flag.Parse()

	raw := []byte(*payload)
	if *payloadFile != "" {
		b, err := os.ReadFile(*payloadFile)
		if err != nil {
			fatal(err.Error())
		}
		raw = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctx = otelx.ContextWithTraceContext(ctx, *traceparent, "")

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	publisher := eventbus.NewPublisher(eventbus.NewKafkaWriter(kafkax.SplitBrokers(*brokers)), logger, nil)
	defer func() { _ = publisher.Close() }()

	for i := 0; i < *count; i++ {
		eventID := *id
		if eventID != "" && *count > 1 {
			eventID = fmt.Sprintf("%s-%d", eventID, i)
		}
		evt, err := buildEvent(raw, eventID, *maxRetry)
		if err != nil {
			fatal(err.Error())
		}
		if err := publisher.Publish(ctx, strings.TrimSpace(*topic), evt); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("published id=%s topic=%s max_retry=%d\n", evt.ID, *topic, evt.MaxRetry)
	}
}

func buildEvent(raw []byte, id string, maxRetry int) (eventbus.Event, error) {
	if !json.Valid(raw) {
		return eventbus.Event{}, errors.New("payload is not valid JSON")
	}
	opts := []eventbus.EventOption{eventbus.WithMaxRetry(maxRetry)}
	if id != "" {
		opts = append(opts, eventbus.WithID(id))
	}
	return eventbus.NewEvent(json.RawMessage(raw), opts...)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
