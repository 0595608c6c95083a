package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/eventbus"
)

// Invalidator is the policy.changes consumer side of the cache: each
// change event drops the affected principal's entry, so a later Get is a
// miss (or, if the event carries the new policy, a warm hit on fresh data).
type Invalidator struct {
	cache *PolicyCache
}

func NewInvalidator(cache *PolicyCache) *Invalidator {
	return &Invalidator{cache: cache}
}

// Handle implements the bus Handler contract for the policy.changes topic.
func (i *Invalidator) Handle(_ context.Context, msg eventbus.Message) error {
	var change eventbus.PolicyChangeEvent
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		return caracalerr.Validation("payload", fmt.Sprintf("malformed policy change: %v", err))
	}
	if change.PrincipalID == "" {
		return caracalerr.Validation("principal_id", "policy change without principal")
	}

	i.cache.Invalidate(change.PrincipalID)
	// Re-warm immediately when the event carries the new active policy, so
	// degraded mode has the freshest possible fallback.
	if change.After != nil && change.After.Active {
		i.cache.Put(change.PrincipalID, change.After)
	}
	return nil
}
