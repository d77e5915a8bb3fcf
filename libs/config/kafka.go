package config

import (
	"errors"
	"fmt"

	"github.com/techletter/platform/libs/kafkax"
)

// Kafka is the broker connection every service shares.
type Kafka struct {
	Brokers []string
	GroupID string
}

// KafkaFromEnv reads KAFKA_BOOTSTRAP_SERVERS (or KAFKA_BROKERS) and
// KAFKA_GROUP_ID. Both are required.
func KafkaFromEnv() (Kafka, error) {
	raw := String("KAFKA_BOOTSTRAP_SERVERS", String("KAFKA_BROKERS", ""))
	brokers := kafkax.SplitBrokers(raw)
	if len(brokers) == 0 {
		return Kafka{}, errors.New("KAFKA_BOOTSTRAP_SERVERS is required")
	}
	groupID, err := RequiredString("KAFKA_GROUP_ID")
	if err != nil {
		return Kafka{}, err
	}
	return Kafka{Brokers: brokers, GroupID: groupID}, nil
}

func (k Kafka) String() string {
	return fmt.Sprintf("brokers=%v group=%s", k.Brokers, k.GroupID)
}
