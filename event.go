package cepstream

import (
	"fmt"
	"strings"

	"github.com/rbaliyan/cepstream/transport/message"
)

// Event is a timestamped measurement. See message.Event.
type Event = message.Event

// Reserved partitions
const (
	// PartitionObserved carries raw measurements
	PartitionObserved = "observed"
	// PartitionImputed carries cleaned measurements; the engine's input
	PartitionImputed = "imputed"
	// PartitionMatched carries pattern matches; the engine's output
	PartitionMatched = "matched"
)

// Wildcard subscribes to every stream of a partition.
const Wildcard = "*"

// TopicSeparator joins partition and stream id.
const TopicSeparator = "."

// Topic builds the routing topic for a partition and stream id.
func Topic(partition, streamID string) string {
	return partition + TopicSeparator + streamID
}

// ParseTopic splits a topic on its first separator. The stream id may itself
// contain separators.
func ParseTopic(topic string) (partition, streamID string, err error) {
	partition, streamID, ok := strings.Cut(topic, TopicSeparator)
	if !ok {
		return "", "", fmt.Errorf("%w: missing separator %q in %q", ErrInvalidTopic, TopicSeparator, topic)
	}
	return partition, streamID, nil
}

func validatePartition(partition string) error {
	if partition == "" {
		return fmt.Errorf("%w: empty partition", ErrInvalidTopic)
	}
	if strings.Contains(partition, TopicSeparator) {
		return fmt.Errorf("%w: partition %q contains %q", ErrInvalidTopic, partition, TopicSeparator)
	}
	return nil
}
