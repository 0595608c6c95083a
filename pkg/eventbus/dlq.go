package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
)

// sendDLQ writes a dead-letter envelope to the dlq topic, keyed by the
// original record's key so related failures stay together.
func sendDLQ(ctx context.Context, producer Producer, envelope DLQEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("eventbus: dlq envelope serialization failed: %w", err)
	}
	headers := map[string]string{
		"original_topic": envelope.OriginalTopic,
		"consumer_group": envelope.ConsumerGroup,
	}
	if err := producer.Send(ctx, TopicDLQ, envelope.Key, payload, headers); err != nil {
		return fmt.Errorf("eventbus: dlq publish failed: %w", err)
	}
	return nil
}

// DecodeDLQ parses a record read back off the dlq topic.
func DecodeDLQ(value []byte) (*DLQEnvelope, error) {
	var env DLQEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("eventbus: malformed dlq envelope: %w", err)
	}
	return &env, nil
}
