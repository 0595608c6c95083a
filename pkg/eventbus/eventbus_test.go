package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}
}

func TestPerKeyOrdering(t *testing.T) {
	bus := NewMemoryBus(4)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, bus.Send(ctx, TopicAuthority, "p1", payload, nil))
	}

	consumer := NewMemoryConsumer(bus, "test-group", []string{TopicAuthority}).WithRetryPolicy(fastRetry())
	consumer.sleep = func(time.Duration) {}

	var got []int
	_, err := consumer.Drain(ctx, func(_ context.Context, msg Message) error {
		var v map[string]int
		require.NoError(t, json.Unmarshal(msg.Value, &v))
		got = append(got, v["seq"])
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 20)
	for i, seq := range got {
		assert.Equal(t, i, seq, "same-key messages arrive in send order")
	}
}

func TestOffsetCommittedOnlyOnSuccess(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()
	require.NoError(t, bus.Send(ctx, TopicAuthority, "p1", []byte(`{"n":1}`), nil))

	consumer := NewMemoryConsumer(bus, "g", []string{TopicAuthority}).WithRetryPolicy(fastRetry())
	consumer.sleep = func(time.Duration) {}

	attempts := 0
	_, err := consumer.Drain(ctx, func(_ context.Context, _ Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient db failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "message redelivered until the handler succeeds")
	assert.Equal(t, 0, bus.Lag("g", []string{TopicAuthority}))
}

func TestDeadLetterAfterExhaustedRetries(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()
	require.NoError(t, bus.Send(ctx, TopicAuthority, "p1", []byte(`{"n":1}`), nil))

	consumer := NewMemoryConsumer(bus, "g", []string{TopicAuthority}).WithRetryPolicy(fastRetry())
	consumer.sleep = func(time.Duration) {}

	handled, err := consumer.Drain(ctx, func(_ context.Context, _ Message) error {
		return errors.New("poison message")
	})
	require.NoError(t, err)
	assert.Equal(t, 0, handled)
	assert.Equal(t, 0, bus.Lag("g", []string{TopicAuthority}), "progress committed past the poison message")

	dlqConsumer := NewMemoryConsumer(bus, "dlq-reader", []string{TopicDLQ}).WithRetryPolicy(fastRetry())
	var envelopes []*DLQEnvelope
	_, err = dlqConsumer.Drain(ctx, func(_ context.Context, msg Message) error {
		env, err := DecodeDLQ(msg.Value)
		require.NoError(t, err)
		envelopes = append(envelopes, env)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, envelopes, 1)
	assert.Equal(t, TopicAuthority, envelopes[0].OriginalTopic)
	assert.Equal(t, "p1", envelopes[0].Key)
	assert.Equal(t, "poison message", envelopes[0].ErrorMessage)
	assert.Equal(t, 3, envelopes[0].RetryCount)
	assert.Equal(t, "g", envelopes[0].ConsumerGroup)
}

func TestConsumerGroupsAreIndependent(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()
	require.NoError(t, bus.Send(ctx, TopicAuthority, "p1", []byte(`{}`), nil))

	for _, group := range []string{"ledger", "cache"} {
		consumer := NewMemoryConsumer(bus, group, []string{TopicAuthority}).WithRetryPolicy(fastRetry())
		n, err := consumer.Drain(ctx, func(_ context.Context, _ Message) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 1, n, "group %s sees the message", group)
	}
}

func TestReplayResetToTimestamp(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()

	require.NoError(t, bus.Send(ctx, TopicAuthority, "p1", []byte(`{"n":1}`), nil))
	cut := time.Now().UTC()
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, bus.Send(ctx, TopicAuthority, "p1", []byte(`{"n":2}`), nil))

	consumer := NewMemoryConsumer(bus, "g", []string{TopicAuthority}).WithRetryPolicy(fastRetry())
	n, err := consumer.Drain(ctx, func(_ context.Context, _ Message) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 2, n)

	mgr := NewReplayManager(MemoryResetter{Bus: bus}, NewMemoryReplayStore())
	run, err := mgr.Start(ctx, "g", []string{TopicAuthority}, cut)
	require.NoError(t, err)
	assert.Equal(t, ReplayRunning, run.Status)

	var replayed []json.RawMessage
	n, err = consumer.Drain(ctx, func(_ context.Context, msg Message) error {
		replayed = append(replayed, msg.Value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the record at or after the cut is redelivered")
	assert.JSONEq(t, `{"n":2}`, string(replayed[0]))

	require.NoError(t, mgr.Progress(ctx, run.ReplayID, int64(n)))
	require.NoError(t, mgr.Finish(ctx, run.ReplayID, ReplayCompleted, ""))

	final, err := mgr.store.Get(ctx, run.ReplayID)
	require.NoError(t, err)
	assert.Equal(t, ReplayCompleted, final.Status)
	assert.Equal(t, int64(1), final.EventsProcessed)
	assert.NotNil(t, final.EndTime)
}

func TestRunWakesOnNewMessage(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := NewMemoryConsumer(bus, "g", []string{TopicAuthority}).WithRetryPolicy(fastRetry())

	var mu sync.Mutex
	var got int
	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx, func(_ context.Context, _ Message) error {
			mu.Lock()
			got++
			if got == 2 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	require.NoError(t, bus.Send(ctx, TopicAuthority, "a", []byte(`{}`), nil))
	require.NoError(t, bus.Send(ctx, TopicAuthority, "b", []byte(`{}`), nil))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not wake on new messages")
	}
}

func TestBackoffIsBoundedAndGrows(t *testing.T) {
	p := DefaultRetryPolicy()
	prev := time.Duration(0)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, p.BaseDelay)
		assert.LessOrEqual(t, d, p.MaxDelay+p.MaxDelay/4)
		if attempt > 1 {
			assert.GreaterOrEqual(t, d, prev/4, "backoff never collapses")
		}
		prev = d
	}
}

func TestPublisherEmitsCanonicalAuthorityEvent(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()
	pub := NewPublisher(bus)

	require.NoError(t, pub.PublishDecision(ctx, AuthorityEvent{
		PrincipalID:       "p1",
		MandateID:         "m1",
		Decision:          "allowed",
		RequestedAction:   "api_call",
		RequestedResource: "api:openai:completions",
		CorrelationID:     "corr-1",
	}))

	consumer := NewMemoryConsumer(bus, "g", []string{TopicAuthority}).WithRetryPolicy(fastRetry())
	var events []AuthorityEvent
	_, err := consumer.Drain(ctx, func(_ context.Context, msg Message) error {
		assert.Equal(t, "m1", msg.Key, "decision events are keyed by mandate_id")
		assert.Equal(t, "corr-1", msg.Headers["correlation_id"])
		var ev AuthorityEvent
		require.NoError(t, json.Unmarshal(msg.Value, &ev))
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, KindAuthorityDecision, events[0].Kind)
	assert.NotEmpty(t, events[0].EventID)
	assert.Equal(t, "allowed", events[0].Decision)
}
