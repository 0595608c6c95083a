package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
	"github.com/caracal-sh/caracal/pkg/eventbus"
	"github.com/caracal-sh/caracal/pkg/policy"
)

func testPolicy(principalID string, version int) *policy.Policy {
	return &policy.Policy{
		PolicyID:                "pol-" + principalID,
		PrincipalID:             principalID,
		AllowedResourcePatterns: []string{"api:openai:*"},
		AllowedActions:          []string{"api_call"},
		MaxValiditySeconds:      3600,
		Active:                  true,
		VersionNumber:           version,
	}
}

func TestGetPutAndStats(t *testing.T) {
	c := New(time.Minute, 10)

	_, ok := c.Get("p1")
	assert.False(t, ok)

	c.Put("p1", testPolicy("p1", 1))
	entry, ok := c.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 1, entry.Policy.VersionNumber)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)
}

func TestTTLExpiry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	c := New(60*time.Second, 10).WithClock(func() time.Time { return current })

	c.Put("p1", testPolicy("p1", 1))

	current = base.Add(59 * time.Second)
	_, ok := c.Get("p1")
	assert.True(t, ok)

	current = base.Add(61 * time.Second)
	_, ok = c.Get("p1")
	assert.False(t, ok, "entries past the TTL are misses")
	assert.Equal(t, 0, c.Stats().Size, "expired entry was dropped")
}

func TestLRUEviction(t *testing.T) {
	c := New(time.Minute, 2)

	c.Put("p1", testPolicy("p1", 1))
	c.Put("p2", testPolicy("p2", 1))
	_, _ = c.Get("p1") // p1 becomes most recent
	c.Put("p3", testPolicy("p3", 1))

	_, ok := c.Get("p2")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get("p1")
	assert.True(t, ok)
	_, ok = c.Get("p3")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestInvalidate(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("p1", testPolicy("p1", 1))

	c.Invalidate("p1")
	_, ok := c.Get("p1")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Invalidations)

	c.Invalidate("p1") // absent: not counted
	assert.Equal(t, int64(1), c.Stats().Invalidations)
}

func TestInvalidatePattern(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("team-a-1", testPolicy("team-a-1", 1))
	c.Put("team-a-2", testPolicy("team-a-2", 1))
	c.Put("team-b-1", testPolicy("team-b-1", 1))

	n := c.InvalidatePattern("team-a-*")
	assert.Equal(t, 2, n)
	_, ok := c.Get("team-b-1")
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("p1", testPolicy("p1", 1))
	c.RecordSpend("p1", 100)

	c.Clear()
	_, ok := c.Get("p1")
	assert.False(t, ok)
	assert.Zero(t, c.Spending("p1").TotalCost)
}

func TestSpendingSketch(t *testing.T) {
	c := New(time.Minute, 10)
	c.RecordSpend("p1", 120)
	c.RecordSpend("p1", 30)

	sketch := c.Spending("p1")
	assert.Equal(t, int64(150), sketch.TotalCost)
	assert.Equal(t, int64(2), sketch.EventCount)
}

func TestInvalidatorConsistency(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("p1", testPolicy("p1", 1))

	inv := NewInvalidator(c)

	newPolicy := testPolicy("p1", 2)
	payload, err := canonicalize.JCS(eventbus.PolicyChangeEvent{
		EventID:       "ev-1",
		Timestamp:     time.Now().UTC(),
		PolicyID:      newPolicy.PolicyID,
		PrincipalID:   "p1",
		ChangeType:    policy.ChangeModified,
		VersionNumber: 2,
		After:         newPolicy,
	})
	require.NoError(t, err)

	require.NoError(t, inv.Handle(context.Background(), eventbus.Message{
		Topic: eventbus.TopicPolicyChanges, Key: "p1", Value: payload,
	}))

	// After the change event is consumed, Get returns either a miss or the
	// new version, never the stale one.
	entry, ok := c.Get("p1")
	if ok {
		assert.Equal(t, 2, entry.Policy.VersionNumber)
	}
}

func TestInvalidatorDeactivationLeavesMiss(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("p1", testPolicy("p1", 1))

	inv := NewInvalidator(c)
	payload, err := canonicalize.JCS(eventbus.PolicyChangeEvent{
		EventID:     "ev-2",
		Timestamp:   time.Now().UTC(),
		PrincipalID: "p1",
		ChangeType:  policy.ChangeDeactivated,
	})
	require.NoError(t, err)

	require.NoError(t, inv.Handle(context.Background(), eventbus.Message{
		Topic: eventbus.TopicPolicyChanges, Key: "p1", Value: payload,
	}))

	_, ok := c.Get("p1")
	assert.False(t, ok, "deactivation leaves no cached policy behind")
}
