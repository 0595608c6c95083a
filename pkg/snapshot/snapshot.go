// Package snapshot produces signed, consistent dumps of the in-memory
// authority state (principals, active policies, live mandates) together
// with the last ledger event id they include, bounding how far an event
// replay has to rewind after a restart or recovery.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/ledgerwriter"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/principal"
)

// FormatVersion stamps every snapshot. Verify refuses snapshots from a
// different major version; minor bumps stay readable.
const FormatVersion = "1.1.0"

// Snapshot is the canonical-JSON dump written to disk (or object storage)
// with a detached signature.
type Snapshot struct {
	SnapshotID          string                `json:"snapshot_id"`
	FormatVersion       string                `json:"format_version"`
	CreatedAt           time.Time             `json:"created_at"`
	LastIncludedEventID int64                 `json:"last_included_event_id"`
	Principals          []principal.Principal `json:"principals"`
	ActivePolicies      []policy.Policy       `json:"active_policies"`
	LiveMandates        []mandate.Mandate     `json:"live_mandates"`
}

// Signed couples a snapshot with its detached signature.
type Signed struct {
	Snapshot    Snapshot `json:"snapshot"`
	Signature   string   `json:"signature"`
	SignerKeyID string   `json:"signer_key_id"`
}

// Snapshotter reads a consistent view across the stores and signs it.
type Snapshotter struct {
	principals principal.Store
	policies   policy.Store
	mandates   mandate.Store
	ledger     ledgerwriter.Store
	keys       *crypto.KeyRing
	now        func() time.Time
}

func NewSnapshotter(principals principal.Store, policies policy.Store, mandates mandate.Store, ledger ledgerwriter.Store, keys *crypto.KeyRing) *Snapshotter {
	return &Snapshotter{
		principals: principals,
		policies:   policies,
		mandates:   mandates,
		ledger:     ledger,
		keys:       keys,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Snapshotter) WithClock(now func() time.Time) *Snapshotter {
	s.now = now
	return s
}

// Take captures and signs a snapshot. The ledger head is read first: a row
// appended while the stores are being read is simply not claimed by this
// snapshot and will be replayed, which is safe; claiming a row the state
// does not yet reflect would not be.
func (s *Snapshotter) Take(ctx context.Context) (*Signed, error) {
	lastEventID, err := s.ledger.LastEventID(ctx)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("snapshot: ledger head read failed", err)
	}

	principals, err := s.principals.List(ctx)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("snapshot: principal list failed", err)
	}

	now := s.now().UTC()
	var policies []policy.Policy
	for _, p := range principals {
		if err := ctx.Err(); err != nil {
			// Snapshot taking is cancellable at each checkpoint.
			return nil, err
		}
		pol, err := s.policies.ActivePolicy(ctx, p.PrincipalID)
		if err != nil {
			return nil, caracalerr.DependencyUnavailable("snapshot: policy read failed", err)
		}
		if pol != nil {
			policies = append(policies, *pol)
		}
	}

	mandates, err := s.mandates.Live(ctx, now)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("snapshot: mandate list failed", err)
	}

	snap := Snapshot{
		SnapshotID:          uuid.New().String(),
		FormatVersion:       FormatVersion,
		CreatedAt:           now,
		LastIncludedEventID: lastEventID,
		Principals:          principals,
		ActivePolicies:      policies,
		LiveMandates:        mandates,
	}

	payload, err := canonicalize.JCS(snap)
	if err != nil {
		return nil, fmt.Errorf("snapshot: canonicalization failed: %w", err)
	}
	sig, keyID, err := s.keys.Sign(payload)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("snapshot: signing failed", err)
	}

	return &Signed{Snapshot: snap, Signature: sig, SignerKeyID: keyID}, nil
}

// Verify checks the snapshot signature and the format version. Both
// failures are fatal to a restore: recovering from an unverifiable
// snapshot would silently trust unaudited state.
func Verify(signed *Signed, keys crypto.PublicKeySource) error {
	if err := checkFormat(signed.Snapshot.FormatVersion); err != nil {
		return err
	}

	payload, err := canonicalize.JCS(signed.Snapshot)
	if err != nil {
		return fmt.Errorf("snapshot: canonicalization failed: %w", err)
	}
	ok, err := crypto.VerifyWithSource(context.Background(), keys, signed.SignerKeyID, payload, signed.Signature)
	if err != nil {
		return caracalerr.Fatal("snapshot: signature check failed", err)
	}
	if !ok {
		return caracalerr.Fatal("snapshot: signature does not verify", nil)
	}
	return nil
}

func checkFormat(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return caracalerr.Validation("format_version", fmt.Sprintf("not a semver: %q", version))
	}
	supported := semver.MustParse(FormatVersion)
	if v.Major() != supported.Major() {
		return caracalerr.Fatal(
			fmt.Sprintf("snapshot: format version %s is incompatible with supported %s", version, FormatVersion), nil)
	}
	return nil
}
