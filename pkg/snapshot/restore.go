package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/eventbus"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/principal"
)

// Restore verifies a snapshot and loads its rows into fresh stores, then
// rewinds the given consumer groups to the snapshot boundary so the bus
// redelivers everything the snapshot does not include. Consumers dedupe on
// source event ids, so overlap at the boundary is harmless.
func Restore(ctx context.Context, signed *Signed, keys crypto.PublicKeySource,
	principals principal.Store, policies policy.Store, mandates mandate.Store,
	replays *eventbus.ReplayManager, groups []string) (*eventbus.ReplayRun, error) {

	if err := Verify(signed, keys); err != nil {
		return nil, err
	}
	snap := signed.Snapshot

	for _, p := range snap.Principals {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := principals.Register(ctx, p); err != nil {
			return nil, fmt.Errorf("snapshot: principal restore failed for %s: %w", p.PrincipalID, err)
		}
	}
	for _, pol := range snap.ActivePolicies {
		if _, err := policies.InsertVersion(ctx, pol); err != nil {
			return nil, fmt.Errorf("snapshot: policy restore failed for %s: %w", pol.PolicyID, err)
		}
	}
	for _, m := range snap.LiveMandates {
		if err := mandates.Insert(ctx, m); err != nil {
			return nil, fmt.Errorf("snapshot: mandate restore failed for %s: %w", m.MandateID, err)
		}
	}

	if replays == nil || len(groups) == 0 {
		return nil, nil
	}

	// Rewind each group to the snapshot's creation instant; one tracked
	// replay run per restore, covering the primary group.
	var run *eventbus.ReplayRun
	topics := []string{eventbus.TopicAuthority, eventbus.TopicMetering}
	for i, group := range groups {
		r, err := replays.Start(ctx, group, topics, snap.CreatedAt.Add(-time.Second))
		if err != nil {
			return run, err
		}
		if i == 0 {
			run = r
		}
	}
	return run, nil
}
