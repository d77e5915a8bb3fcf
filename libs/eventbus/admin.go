package eventbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// TopicConfigs lists the base, DLQ and retry topics for topic. The DLQ gets a
// single partition; the others get partitions.
func TopicConfigs(topic Topic, partitions int) []kafka.TopicConfig {
	if partitions <= 0 {
		partitions = 1
	}
	configs := make([]kafka.TopicConfig, 0, 2+topic.Ladder().Len())
	configs = append(configs,
		kafka.TopicConfig{Topic: topic.Base(), NumPartitions: partitions, ReplicationFactor: 1},
		kafka.TopicConfig{Topic: topic.DLQ(), NumPartitions: 1, ReplicationFactor: 1},
	)
	for _, name := range topic.RetryTopics() {
		configs = append(configs, kafka.TopicConfig{Topic: name, NumPartitions: partitions, ReplicationFactor: 1})
	}
	return configs
}

// EnsureTopics creates every topic derived from topic on the cluster
// controller. Topics that already exist are left alone.
func EnsureTopics(ctx context.Context, brokers []string, topic Topic, partitions int) error {
	if len(brokers) == 0 {
		return errors.New("eventbus: no brokers to create topics on")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("eventbus: dial %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("eventbus: find controller: %w", err)
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrl, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbus: dial controller %s: %w", addr, err)
	}
	defer ctrl.Close()

	for _, cfg := range TopicConfigs(topic, partitions) {
		if err := ctrl.CreateTopics(cfg); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
			return fmt.Errorf("eventbus: create topic %s: %w", cfg.Topic, err)
		}
	}
	return nil
}
