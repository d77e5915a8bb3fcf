package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// Header keys written next to every envelope.
const (
	HeaderEventID = "event_id"
	HeaderSource  = "source_topic"
)

// MessageMeta is the broker-side position and identity of a consumed message.
type MessageMeta struct {
	EventID   string
	Topic     string
	Partition int
	Offset    int64
}

// ExtractMeta reads the event id from headers, falling back to the message key.
func ExtractMeta(msg kafka.Message) MessageMeta {
	eventID := HeaderValue(msg.Headers, HeaderEventID)
	if eventID == "" {
		eventID = string(msg.Key)
	}
	return MessageMeta{
		EventID:   eventID,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SetHeader replaces key in headers or appends it.
func SetHeader(headers []kafka.Header, key, value string) []kafka.Header {
	for i := range headers {
		if headers[i].Key == key {
			headers[i].Value = []byte(value)
			return headers
		}
	}
	return append(headers, kafka.Header{Key: key, Value: []byte(value)})
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
