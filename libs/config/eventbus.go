package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/techletter/platform/libs/eventbus"
	"gopkg.in/yaml.v3"
)

// EventBusFile is the optional YAML description of the topics a deployment
// runs, e.g.
//
//	topics: [tech-letter.post.events]
//	partitions: 3
//	retry_delays: [1m, 5m, 10m, 30m, 1h]
type EventBusFile struct {
	Topics      []string `yaml:"topics"`
	Partitions  int      `yaml:"partitions"`
	RetryDelays []string `yaml:"retry_delays"`
}

// EventBus is the resolved topic layout.
type EventBus struct {
	Ladder     eventbus.Ladder
	Topics     []eventbus.Topic
	Partitions int
}

// LoadEventBusFile reads path when it is set and exists, then fills anything
// unspecified from the defaults: every topic in eventbus.AllTopics, the
// default ladder and one partition.
func LoadEventBusFile(path string) (EventBus, error) {
	var file EventBusFile
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return EventBus{}, fmt.Errorf("read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &file); err != nil {
				return EventBus{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	return file.Resolve()
}

func (f EventBusFile) Resolve() (EventBus, error) {
	ladder := eventbus.DefaultLadder
	if len(f.RetryDelays) > 0 {
		delays := make([]time.Duration, 0, len(f.RetryDelays))
		for _, raw := range f.RetryDelays {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return EventBus{}, fmt.Errorf("retry_delays: %q: %w", raw, err)
			}
			delays = append(delays, d)
		}
		l, err := eventbus.NewLadder(delays...)
		if err != nil {
			return EventBus{}, err
		}
		ladder = l
	}

	var topics []eventbus.Topic
	if len(f.Topics) > 0 {
		topics = eventbus.Topics(ladder, f.Topics...)
	} else {
		for _, t := range eventbus.AllTopics {
			topics = append(topics, eventbus.NewTopicWithLadder(t.Base(), ladder))
		}
	}

	partitions := f.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	return EventBus{Ladder: ladder, Topics: topics, Partitions: partitions}, nil
}
