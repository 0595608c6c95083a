// Package eventbus implements the partitioned, ordered log bus carrying
// authority and metering events between components. Two backends share one
// contract: a Redis Streams implementation for deployment and an in-memory
// single-process bus for tests and dry-run mode. Producers key messages by
// principal_id (or mandate_id where that gives better locality) so each
// principal's events stay strictly ordered within a partition; consumers
// commit offsets only after their effects are durable, giving exactly-once
// semantics at the effect boundary.
package eventbus

import (
	"context"
	"math/rand"
	"time"
)

// Topic names. These are wire-visible and shared with every consumer group.
const (
	TopicAuthority      = "authority.events"
	TopicMetering       = "metering.events"
	TopicPolicyChanges  = "policy.changes"
	TopicAgentLifecycle = "agent.lifecycle"
	TopicDLQ            = "dlq"
)

// Message is one delivered record. Value is canonical JSON; Headers carry
// the correlation id and schema hints, never payload data.
type Message struct {
	Topic     string
	Partition int
	Offset    string
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes records. Implementations retry transient failures
// internally, bounded by their retry policy and the context deadline; a
// returned error means the record was not durably accepted.
type Producer interface {
	Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Handler processes one message. Returning nil commits the message's
// offset; returning an error triggers the consumer's retry policy and, on
// exhaustion, dead-letters the message.
type Handler func(ctx context.Context, msg Message) error

// Consumer runs a consumer-group subscription. Run blocks until ctx is
// cancelled; messages within a partition are delivered in order, one at a
// time.
type Consumer interface {
	Run(ctx context.Context, handler Handler) error
}

// DLQEnvelope is the wire form written to the dlq topic when a message
// exhausts its retries.
type DLQEnvelope struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int       `json:"partition"`
	Offset        string    `json:"offset"`
	Key           string    `json:"key"`
	ValueBytes    []byte    `json:"value_bytes"`
	ErrorType     string    `json:"error_type"`
	ErrorMessage  string    `json:"error_message"`
	RetryCount    int       `json:"retry_count"`
	FailedAt      time.Time `json:"failed_at"`
	ConsumerGroup string    `json:"consumer_group"`
}

// RetryPolicy is the per-message retry schedule applied by consumers before
// dead-lettering: exponential backoff with jitter, capped.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the bus contract defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Backoff returns the delay before attempt (1-based), with up to 25%
// jitter so synchronized consumers don't retry in lockstep.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
