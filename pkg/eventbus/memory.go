package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
)

// MemoryBus is a single-process implementation of the bus contract:
// partitioned topics, consumer groups with committed offsets, per-key
// ordering, retry + DLQ. It backs unit tests and caracal-admin's dry-run
// mode.
type MemoryBus struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][][]Message          // topic -> partition -> records
	offsets    map[string]map[string][]int     // group -> topic -> partition -> next index
	waiters    []chan struct{}
}

func NewMemoryBus(partitions int) *MemoryBus {
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryBus{
		partitions: partitions,
		topics:     make(map[string][][]Message),
		offsets:    make(map[string]map[string][]int),
	}
}

func partitionFor(key string, partitions int) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % partitions
}

// Send appends the record to its key's partition. It never fails: the
// in-memory bus models the post-ack state of a durable log.
func (b *MemoryBus) Send(_ context.Context, topic, key string, value []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make([][]Message, b.partitions)
	}
	p := partitionFor(key, b.partitions)
	msg := Message{
		Topic:     topic,
		Partition: p,
		Offset:    strconv.Itoa(len(b.topics[topic][p])),
		Key:       key,
		Value:     append([]byte(nil), value...),
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}
	b.topics[topic][p] = append(b.topics[topic][p], msg)

	for _, w := range b.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) groupOffsets(group, topic string) []int {
	if b.offsets[group] == nil {
		b.offsets[group] = make(map[string][]int)
	}
	if b.offsets[group][topic] == nil {
		b.offsets[group][topic] = make([]int, b.partitions)
	}
	return b.offsets[group][topic]
}

// next pops the earliest uncommitted message across the subscribed topics,
// or returns false when the group is fully caught up.
func (b *MemoryBus) next(group string, topics []string) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		parts := b.topics[topic]
		offs := b.groupOffsets(group, topic)
		for p := range parts {
			if offs[p] < len(parts[p]) {
				return parts[p][offs[p]], true
			}
		}
	}
	return Message{}, false
}

func (b *MemoryBus) commit(group string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offs := b.groupOffsets(group, msg.Topic)
	idx, _ := strconv.Atoi(msg.Offset)
	if offs[msg.Partition] == idx {
		offs[msg.Partition] = idx + 1
	}
}

// ResetToTimestamp rewinds a group's offsets on the given topics so the
// next Run re-delivers every record with Timestamp >= t. Used by replay.
func (b *MemoryBus) ResetToTimestamp(group string, topics []string, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		parts := b.topics[topic]
		offs := b.groupOffsets(group, topic)
		for p := range parts {
			idx := len(parts[p])
			for i, msg := range parts[p] {
				if !msg.Timestamp.Before(t) {
					idx = i
					break
				}
			}
			offs[p] = idx
		}
	}
}

// Lag returns the number of uncommitted records for group across topics.
func (b *MemoryBus) Lag(group string, topics []string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, topic := range topics {
		parts := b.topics[topic]
		offs := b.groupOffsets(group, topic)
		for p := range parts {
			total += len(parts[p]) - offs[p]
		}
	}
	return total
}

// MemoryConsumer drains a MemoryBus for one consumer group.
type MemoryConsumer struct {
	bus    *MemoryBus
	group  string
	topics []string
	retry  RetryPolicy
	// sleep is swapped out in tests so retries don't wall-block.
	sleep func(time.Duration)
}

func NewMemoryConsumer(bus *MemoryBus, group string, topics []string) *MemoryConsumer {
	return &MemoryConsumer{
		bus:    bus,
		group:  group,
		topics: topics,
		retry:  DefaultRetryPolicy(),
		sleep:  time.Sleep,
	}
}

// WithRetryPolicy overrides the default retry schedule.
func (c *MemoryConsumer) WithRetryPolicy(p RetryPolicy) *MemoryConsumer {
	c.retry = p
	return c
}

// Run processes messages until ctx is cancelled. A message's offset is
// committed only after handler returns nil; on final failure the message is
// dead-lettered and progress committed, matching the durable backends.
func (c *MemoryConsumer) Run(ctx context.Context, handler Handler) error {
	wake := make(chan struct{}, 1)
	c.bus.mu.Lock()
	c.bus.waiters = append(c.bus.waiters, wake)
	c.bus.mu.Unlock()

	for {
		msg, ok := c.bus.next(c.group, c.topics)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
				continue
			}
		}

		if _, err := c.process(ctx, msg, handler); err != nil {
			return err
		}
	}
}

// Drain processes every already-published message and returns the number
// the handler accepted (dead-lettered messages are not counted), for tests
// and replay runs that want a bounded pass instead of a long-lived loop.
func (c *MemoryConsumer) Drain(ctx context.Context, handler Handler) (int, error) {
	n := 0
	for {
		msg, ok := c.bus.next(c.group, c.topics)
		if !ok {
			return n, nil
		}
		handled, err := c.process(ctx, msg, handler)
		if err != nil {
			return n, err
		}
		if handled {
			n++
		}
	}
}

// process reports whether the handler accepted msg; false with a nil error
// means the message was dead-lettered.
func (c *MemoryConsumer) process(ctx context.Context, msg Message, handler Handler) (bool, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		attempts = attempt
		if lastErr = handler(ctx, msg); lastErr == nil {
			c.bus.commit(c.group, msg)
			return true, nil
		}
		if caracalerr.KindOf(lastErr) == caracalerr.KindValidation {
			// Malformed payloads never become valid; skip the retries.
			break
		}
		if attempt < c.retry.MaxAttempts {
			c.sleep(c.retry.Backoff(attempt))
		}
	}

	envelope := DLQEnvelope{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           msg.Key,
		ValueBytes:    msg.Value,
		ErrorType:     fmt.Sprintf("%T", lastErr),
		ErrorMessage:  lastErr.Error(),
		RetryCount:    attempts,
		FailedAt:      time.Now().UTC(),
		ConsumerGroup: c.group,
	}
	if err := sendDLQ(ctx, c.bus, envelope); err != nil {
		return false, err
	}
	c.bus.commit(c.group, msg)
	return false, nil
}
