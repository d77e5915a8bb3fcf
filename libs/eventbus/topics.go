package eventbus

// Base topics shared by the fleet. Services subscribe to these; the retry
// worker and the DLQ archiver walk AllTopics unless configured otherwise.
var (
	TopicPostEvents = NewTopic("tech-letter.post.events")
)

var AllTopics = []Topic{
	TopicPostEvents,
}

// Topics rebuilds the given base names on a specific ladder.
func Topics(ladder Ladder, bases ...string) []Topic {
	out := make([]Topic, 0, len(bases))
	for _, b := range bases {
		out = append(out, NewTopicWithLadder(b, ladder))
	}
	return out
}
