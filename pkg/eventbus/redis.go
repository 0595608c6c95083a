package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
)

// RedisBus implements the bus contract on Redis Streams. Each topic is
// sharded into N streams named "<topic>.<partition>"; the producer hashes
// the record key to pick the stream, which preserves per-principal FIFO
// order. Consumer groups are native stream groups, so committed offsets,
// pending-entry recovery, and replay-by-ID all come from Redis itself.
type RedisBus struct {
	client     *redis.Client
	partitions int
}

// NewRedisBus connects to addr. partitions fixes the stream count per
// topic; changing it on a live deployment re-keys partition assignment, so
// it is set once at install time.
func NewRedisBus(addr, password string, db, partitions int) *RedisBus {
	if partitions <= 0 {
		partitions = 1
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisBus{client: client, partitions: partitions}
}

// NewRedisBusFromClient wraps an existing client, for tests against
// miniredis or a shared pool.
func NewRedisBusFromClient(client *redis.Client, partitions int) *RedisBus {
	if partitions <= 0 {
		partitions = 1
	}
	return &RedisBus{client: client, partitions: partitions}
}

func (b *RedisBus) stream(topic string, partition int) string {
	return fmt.Sprintf("%s.%d", topic, partition)
}

func (b *RedisBus) streams(topic string) []string {
	out := make([]string, b.partitions)
	for p := 0; p < b.partitions; p++ {
		out[p] = b.stream(topic, p)
	}
	return out
}

// Send appends the record to its partition stream. Failures are retried
// with backoff up to DefaultRetryPolicy().MaxAttempts times; a context that
// ends first yields a Transient error, and exhausting the attempts yields
// DependencyUnavailable for the caller layer.
func (b *RedisBus) Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return caracalerr.Validation("headers", fmt.Sprintf("not serializable: %v", err))
	}

	stream := b.stream(topic, partitionFor(key, b.partitions))
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"key": key, "value": string(value), "headers": string(headerJSON)},
	}

	policy := DefaultRetryPolicy()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return caracalerr.Transient("eventbus: publish deadline exceeded", err)
		}
		if _, lastErr = b.client.XAdd(ctx, args).Result(); lastErr == nil {
			return nil
		}
		if attempt < policy.MaxAttempts {
			select {
			case <-ctx.Done():
				return caracalerr.Transient("eventbus: publish deadline exceeded", ctx.Err())
			case <-time.After(policy.Backoff(attempt)):
			}
		}
	}
	return caracalerr.DependencyUnavailable("eventbus: redis publish failed", lastErr)
}

// Lag sums each group's lag over the topic's partition streams.
func (b *RedisBus) Lag(ctx context.Context, group, topic string) (int64, error) {
	var total int64
	for _, stream := range b.streams(topic) {
		groups, err := b.client.XInfoGroups(ctx, stream).Result()
		if err != nil {
			if err == redis.Nil || isNoSuchStream(err) {
				continue
			}
			return 0, caracalerr.DependencyUnavailable("eventbus: lag query failed", err)
		}
		for _, g := range groups {
			if g.Name == group {
				total += g.Lag
			}
		}
	}
	return total, nil
}

func isNoSuchStream(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such key") || strings.HasPrefix(msg, "NOGROUP")
}

// ResetToTimestamp moves a group's last-delivered ID on every partition
// stream of the topics to the stream ID corresponding to t, so the next
// read re-delivers everything at or after that instant.
func (b *RedisBus) ResetToTimestamp(ctx context.Context, group string, topics []string, t time.Time) error {
	id := strconv.FormatInt(t.UnixMilli(), 10) + "-0"
	for _, topic := range topics {
		for _, stream := range b.streams(topic) {
			if err := b.client.XGroupSetID(ctx, stream, group, id).Err(); err != nil && !isNoSuchStream(err) {
				return caracalerr.DependencyUnavailable("eventbus: offset reset failed", err)
			}
		}
	}
	return nil
}

// RedisConsumer runs a consumer-group subscription over every partition
// stream of its topics.
type RedisConsumer struct {
	bus          *RedisBus
	group        string
	consumerName string
	topics       []string
	retry        RetryPolicy
	// maxPoll bounds in-flight parallelism; a slow downstream naturally
	// stops the poll loop (backpressure).
	maxPoll   int64
	blockTime time.Duration
	// minIdle before a pending entry abandoned by a dead consumer is
	// claimed by this one.
	claimMinIdle time.Duration
}

func NewRedisConsumer(bus *RedisBus, group, consumerName string, topics []string) *RedisConsumer {
	return &RedisConsumer{
		bus:          bus,
		group:        group,
		consumerName: consumerName,
		topics:       topics,
		retry:        DefaultRetryPolicy(),
		maxPoll:      64,
		blockTime:    time.Second,
		claimMinIdle: time.Minute,
	}
}

// WithRetryPolicy overrides the default retry schedule.
func (c *RedisConsumer) WithRetryPolicy(p RetryPolicy) *RedisConsumer {
	c.retry = p
	return c
}

func (c *RedisConsumer) ensureGroups(ctx context.Context) error {
	for _, topic := range c.topics {
		for _, stream := range c.bus.streams(topic) {
			err := c.bus.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
			if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
				return caracalerr.DependencyUnavailable("eventbus: group create failed", err)
			}
		}
	}
	return nil
}

// Run polls until ctx is cancelled. Offsets (stream acks) are committed
// only after the handler's effects are durable; a message that exhausts its
// retries is dead-lettered and then acked so the group makes progress.
func (c *RedisConsumer) Run(ctx context.Context, handler Handler) error {
	if err := c.ensureGroups(ctx); err != nil {
		return err
	}

	var streams []string
	for _, topic := range c.topics {
		streams = append(streams, c.bus.streams(topic)...)
	}
	// XReadGroup wants streams followed by one ">" per stream.
	readArgs := make([]string, 0, 2*len(streams))
	readArgs = append(readArgs, streams...)
	for range streams {
		readArgs = append(readArgs, ">")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.claimStalled(ctx, streams, handler); err != nil {
			return err
		}

		res, err := c.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumerName,
			Streams:  readArgs,
			Count:    c.maxPoll,
			Block:    c.blockTime,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retry.Backoff(1)):
			}
			continue
		}

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				msg, err := c.decode(streamRes.Stream, entry)
				if err != nil {
					// Undecodable entries go straight to the DLQ.
					c.deadLetter(ctx, msg, err)
					_ = c.bus.client.XAck(ctx, streamRes.Stream, c.group, entry.ID).Err()
					continue
				}
				if err := c.handleWithRetry(ctx, streamRes.Stream, entry.ID, msg, handler); err != nil {
					return err
				}
			}
		}
	}
}

// claimStalled adopts pending entries whose owning consumer died, so a
// partition never wedges behind a crashed process.
func (c *RedisConsumer) claimStalled(ctx context.Context, streams []string, handler Handler) error {
	for _, stream := range streams {
		claimed, _, err := c.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.group,
			Consumer: c.consumerName,
			MinIdle:  c.claimMinIdle,
			Start:    "0-0",
			Count:    c.maxPoll,
		}).Result()
		if err != nil && err != redis.Nil && !isNoSuchStream(err) {
			return caracalerr.DependencyUnavailable("eventbus: autoclaim failed", err)
		}
		for _, entry := range claimed {
			msg, decErr := c.decode(stream, entry)
			if decErr != nil {
				c.deadLetter(ctx, msg, decErr)
				_ = c.bus.client.XAck(ctx, stream, c.group, entry.ID).Err()
				continue
			}
			if err := c.handleWithRetry(ctx, stream, entry.ID, msg, handler); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *RedisConsumer) handleWithRetry(ctx context.Context, stream, entryID string, msg Message, handler Handler) error {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			// In-flight message stays pending; it will be re-delivered or
			// auto-claimed on restart.
			return err
		}
		if lastErr = handler(ctx, msg); lastErr == nil {
			return c.ack(ctx, stream, entryID)
		}
		if caracalerr.KindOf(lastErr) == caracalerr.KindValidation {
			// Malformed payloads never become valid; skip the retries.
			break
		}
		if attempt < c.retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retry.Backoff(attempt)):
			}
		}
	}

	c.deadLetter(ctx, msg, lastErr)
	return c.ack(ctx, stream, entryID)
}

func (c *RedisConsumer) ack(ctx context.Context, stream, entryID string) error {
	if err := c.bus.client.XAck(ctx, stream, c.group, entryID).Err(); err != nil {
		return caracalerr.DependencyUnavailable("eventbus: ack failed", err)
	}
	return nil
}

func (c *RedisConsumer) deadLetter(ctx context.Context, msg Message, cause error) {
	envelope := DLQEnvelope{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           msg.Key,
		ValueBytes:    msg.Value,
		ErrorType:     fmt.Sprintf("%T", cause),
		ErrorMessage:  cause.Error(),
		RetryCount:    c.retry.MaxAttempts,
		FailedAt:      time.Now().UTC(),
		ConsumerGroup: c.group,
	}
	// Best effort: a DLQ publish failure must not wedge the partition; the
	// entry stays visible through XPENDING for operator recovery.
	_ = sendDLQ(ctx, c.bus, envelope)
}

func (c *RedisConsumer) decode(stream string, entry redis.XMessage) (Message, error) {
	topic, partition := splitStream(stream)
	msg := Message{
		Topic:     topic,
		Partition: partition,
		Offset:    entry.ID,
		Timestamp: timestampFromID(entry.ID),
	}
	key, _ := entry.Values["key"].(string)
	msg.Key = key

	value, ok := entry.Values["value"].(string)
	if !ok {
		return msg, fmt.Errorf("eventbus: stream entry %s/%s has no value field", stream, entry.ID)
	}
	msg.Value = []byte(value)

	if raw, ok := entry.Values["headers"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
			return msg, fmt.Errorf("eventbus: stream entry %s/%s has malformed headers: %w", stream, entry.ID, err)
		}
	}
	return msg, nil
}

func splitStream(stream string) (topic string, partition int) {
	for i := len(stream) - 1; i >= 0; i-- {
		if stream[i] == '.' {
			p, err := strconv.Atoi(stream[i+1:])
			if err != nil {
				return stream, 0
			}
			return stream[:i], p
		}
	}
	return stream, 0
}

func timestampFromID(id string) time.Time {
	for i := range id {
		if id[i] == '-' {
			ms, err := strconv.ParseInt(id[:i], 10, 64)
			if err != nil {
				return time.Time{}
			}
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}
