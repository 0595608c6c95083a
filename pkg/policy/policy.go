// Package policy implements authority policies and their version
// history. A policy bounds what a principal's mandates are allowed to say;
// at most one version is active per principal at a time, and every version
// is kept as a row for audit and point-in-time queries; only its active
// flag changes after insertion.
package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
)

// Policy is one version of a principal's authority bounds.
type Policy struct {
	PolicyID               string    `json:"policy_id"`
	PrincipalID            string    `json:"principal_id"`
	AllowedResourcePatterns []string `json:"allowed_resource_patterns"`
	AllowedActions         []string  `json:"allowed_actions"`
	MaxValiditySeconds     int64     `json:"max_validity_seconds"`
	AllowDelegation        bool      `json:"allow_delegation"`
	MaxDelegationDepth     int       `json:"max_delegation_depth"`
	Active                 bool      `json:"active"`
	CreatedAt              time.Time `json:"created_at"`
	CreatedBy              string    `json:"created_by"`
	VersionNumber          int       `json:"version_number"`
}

type ChangeType string

const (
	ChangeCreated     ChangeType = "created"
	ChangeModified    ChangeType = "modified"
	ChangeDeactivated ChangeType = "deactivated"
)

// Change is the policy.changes event payload.
type Change struct {
	PolicyID      string     `json:"policy_id"`
	PrincipalID   string     `json:"principal_id"`
	ChangeType    ChangeType `json:"change_type"`
	ChangedBy     string     `json:"changed_by"`
	ChangeReason  string     `json:"change_reason"`
	VersionNumber int        `json:"version_number"`
	Before        *Policy    `json:"before,omitempty"`
	After         *Policy    `json:"after,omitempty"`
}

// ChangePublisher emits policy.changes events; invalidating the policy
// cache is one of its consumers.
type ChangePublisher interface {
	PublishPolicyChange(ctx context.Context, change Change) error
}

// Store persists policy version rows. Writes are atomic at the row level:
// a "create" or "modify" call inserts one new immutable version and, within
// the same store call, deactivates the prior active version for that
// principal (if any) so at most one remains active.
type Store interface {
	ActivePolicy(ctx context.Context, principalID string) (*Policy, error)
	InsertVersion(ctx context.Context, p Policy) (*Policy, error)
	DeactivateActive(ctx context.Context, principalID string) (*Policy, error)
	History(ctx context.Context, principalID string) ([]Policy, error)
	AtTime(ctx context.Context, principalID string, at time.Time) (*Policy, error)
}

// Manager wires a Store to a ChangePublisher. Durable commit happens first;
// publishing the change event is best-effort after (a lost event means the
// cache serves a stale policy until its TTL expires, not that the policy
// itself is lost — the store row is the durable fact).
type Manager struct {
	store     Store
	publisher ChangePublisher
}

func NewManager(store Store, publisher ChangePublisher) *Manager {
	return &Manager{store: store, publisher: publisher}
}

// Create installs the first (or a replacement) active policy for a
// principal, bumping the version number from whatever was last active.
func (m *Manager) Create(ctx context.Context, p Policy, changedBy, reason string) (*Policy, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	prev, err := m.store.ActivePolicy(ctx, p.PrincipalID)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("policy: failed to load current active policy", err)
	}

	p.PolicyID = uuid.New().String()
	p.Active = true
	p.CreatedAt = time.Now().UTC()
	p.CreatedBy = changedBy
	p.VersionNumber = 1
	if prev != nil {
		p.VersionNumber = prev.VersionNumber + 1
	}

	inserted, err := m.store.InsertVersion(ctx, p)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("policy: failed to insert version", err)
	}

	changeType := ChangeCreated
	if prev != nil {
		changeType = ChangeModified
	}
	m.publishBestEffort(ctx, Change{
		PolicyID: inserted.PolicyID, PrincipalID: inserted.PrincipalID,
		ChangeType: changeType, ChangedBy: changedBy, ChangeReason: reason,
		VersionNumber: inserted.VersionNumber, Before: prev, After: inserted,
	})

	return inserted, nil
}

// Deactivate clears the active policy for a principal without installing a
// replacement: the principal then has no authority bounds, so any mandate
// issuance for it fails with a NotFound error.
func (m *Manager) Deactivate(ctx context.Context, principalID, changedBy, reason string) error {
	prev, err := m.store.DeactivateActive(ctx, principalID)
	if err != nil {
		return caracalerr.DependencyUnavailable("policy: failed to deactivate", err)
	}
	if prev == nil {
		return nil // nothing was active; idempotent
	}

	m.publishBestEffort(ctx, Change{
		PolicyID: prev.PolicyID, PrincipalID: principalID,
		ChangeType: ChangeDeactivated, ChangedBy: changedBy, ChangeReason: reason,
		VersionNumber: prev.VersionNumber, Before: prev,
	})
	return nil
}

func (m *Manager) publishBestEffort(ctx context.Context, change Change) {
	if m.publisher == nil {
		return
	}
	_ = m.publisher.PublishPolicyChange(ctx, change)
}

func validate(p Policy) error {
	if p.PrincipalID == "" {
		return caracalerr.Validation("principal_id", "required")
	}
	if len(p.AllowedResourcePatterns) == 0 {
		return caracalerr.Validation("allowed_resource_patterns", "at least one pattern is required")
	}
	if len(p.AllowedActions) == 0 {
		return caracalerr.Validation("allowed_actions", "at least one action is required")
	}
	if p.MaxValiditySeconds <= 0 {
		return caracalerr.Validation("max_validity_seconds", "must be positive")
	}
	if p.AllowDelegation && p.MaxDelegationDepth < 1 {
		return caracalerr.Validation("max_delegation_depth", "must be at least 1 when delegation is allowed")
	}
	return nil
}

// Diff summarizes the field-level differences between two versions, used
// by caracal-admin's `policy diff` command.
func Diff(before, after *Policy) map[string]any {
	diff := map[string]any{}
	if before == nil {
		diff["created"] = after
		return diff
	}
	if after == nil {
		diff["deactivated"] = before
		return diff
	}
	if !stringSlicesEqual(before.AllowedResourcePatterns, after.AllowedResourcePatterns) {
		diff["allowed_resource_patterns"] = [2]any{before.AllowedResourcePatterns, after.AllowedResourcePatterns}
	}
	if !stringSlicesEqual(before.AllowedActions, after.AllowedActions) {
		diff["allowed_actions"] = [2]any{before.AllowedActions, after.AllowedActions}
	}
	if before.MaxValiditySeconds != after.MaxValiditySeconds {
		diff["max_validity_seconds"] = [2]any{before.MaxValiditySeconds, after.MaxValiditySeconds}
	}
	if before.AllowDelegation != after.AllowDelegation {
		diff["allow_delegation"] = [2]any{before.AllowDelegation, after.AllowDelegation}
	}
	if before.MaxDelegationDepth != after.MaxDelegationDepth {
		diff["max_delegation_depth"] = [2]any{before.MaxDelegationDepth, after.MaxDelegationDepth}
	}
	return diff
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
