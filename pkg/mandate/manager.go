package mandate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/scope"
)

// LifecycleKind names the three mandate lifecycle events.
type LifecycleKind string

const (
	KindIssued    LifecycleKind = "mandate_issued"
	KindDelegated LifecycleKind = "mandate_delegated"
	KindRevoked   LifecycleKind = "mandate_revoked"
)

// LifecycleEvent is handed to the EventSink for every lifecycle transition.
type LifecycleEvent struct {
	Kind          LifecycleKind
	Mandate       Mandate
	CorrelationID string
}

// EventSink receives mandate lifecycle events. The bus-backed sink lives in
// pkg/eventbus; tests inject a recording fake.
type EventSink interface {
	RecordMandateEvent(ctx context.Context, ev LifecycleEvent) error
}

// SignerSource resolves the signing capability for a principal.
// crypto.SoftHSM satisfies this directly; a remote HSM deployment swaps in
// its own source without touching the manager.
type SignerSource interface {
	GetSigner(keyLabel string) (crypto.Signer, error)
}

// Manager owns the mandate lifecycle. Integrity violations surface as
// caracalerr.KindMandateIntegrity and abort the operation with no row
// written and no event emitted; transient storage errors are wrapped as
// KindDependencyUnavailable for the caller layer to retry.
type Manager struct {
	mandates Store
	policies policy.Store
	signers  SignerSource
	sink     EventSink
	now      func() time.Time
}

func NewManager(mandates Store, policies policy.Store, signers SignerSource, sink EventSink) *Manager {
	return &Manager{
		mandates: mandates,
		policies: policies,
		signers:  signers,
		sink:     sink,
		now:      time.Now,
	}
}

// WithClock overrides the manager's time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// IssueRequest carries the caller-supplied half of a new root mandate.
type IssueRequest struct {
	IssuerID      string
	SubjectID     string
	ResourceScope []string
	ActionScope   []string
	Validity      time.Duration
	Intent        Intent
	CorrelationID string
}

// Issue creates, signs, and persists a root mandate after checking the
// issuer's active authority policy.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*Mandate, error) {
	if err := validateScopes(req.ResourceScope, req.ActionScope); err != nil {
		return nil, err
	}
	if req.Validity <= 0 {
		return nil, caracalerr.Validation("validity", "must be positive")
	}

	pol, err := m.policies.ActivePolicy(ctx, req.IssuerID)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("mandate: policy lookup failed", err)
	}
	if pol == nil {
		return nil, caracalerr.NotFound(fmt.Sprintf("no active policy for principal %s", req.IssuerID))
	}

	if !scope.SubsetOf(req.ResourceScope, pol.AllowedResourcePatterns) {
		return nil, caracalerr.MandateIntegrity(
			fmt.Sprintf("SCOPE_ESCALATION: resource scope %v exceeds policy patterns %v",
				req.ResourceScope, pol.AllowedResourcePatterns))
	}
	if !scope.SubsetOf(req.ActionScope, pol.AllowedActions) {
		return nil, caracalerr.MandateIntegrity(
			fmt.Sprintf("SCOPE_ESCALATION: action scope %v exceeds policy actions %v",
				req.ActionScope, pol.AllowedActions))
	}
	if int64(req.Validity/time.Second) > pol.MaxValiditySeconds {
		return nil, caracalerr.MandateIntegrity(
			fmt.Sprintf("validity %s exceeds policy max of %ds", req.Validity, pol.MaxValiditySeconds))
	}

	now := m.now().UTC()
	mandate := Mandate{
		MandateID:     uuid.New().String(),
		IssuerID:      req.IssuerID,
		SubjectID:     req.SubjectID,
		ResourceScope: req.ResourceScope,
		ActionScope:   req.ActionScope,
		ValidFrom:     now,
		ValidUntil:    now.Add(req.Validity),
		Intent:        req.Intent,
	}

	if err := m.signAndInsert(ctx, &mandate, req.IssuerID); err != nil {
		return nil, err
	}
	m.emit(ctx, LifecycleEvent{Kind: KindIssued, Mandate: mandate, CorrelationID: req.CorrelationID})
	return &mandate, nil
}

// DelegateRequest carries the caller-supplied half of a child mandate.
type DelegateRequest struct {
	ParentMandateID string
	SubjectID       string
	ResourceScope   []string
	ActionScope     []string
	Validity        time.Duration
	Intent          Intent
	CorrelationID   string
}

// Delegate creates a child mandate under a live parent. Subset checks run
// against the parent's scopes, not the policy; the policy contributes only
// the delegation allowance and depth ceiling.
func (m *Manager) Delegate(ctx context.Context, req DelegateRequest) (*Mandate, error) {
	if err := validateScopes(req.ResourceScope, req.ActionScope); err != nil {
		return nil, err
	}
	if req.Validity <= 0 {
		return nil, caracalerr.Validation("validity", "must be positive")
	}

	parent, err := m.mandates.Get(ctx, req.ParentMandateID)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("mandate: parent lookup failed", err)
	}
	if parent == nil {
		return nil, caracalerr.NotFound(fmt.Sprintf("parent mandate %s not found", req.ParentMandateID))
	}

	now := m.now().UTC()
	if parent.Revoked {
		return nil, caracalerr.MandateIntegrity(fmt.Sprintf("parent mandate %s is revoked", parent.MandateID))
	}
	if parent.Expired(now) {
		return nil, caracalerr.MandateIntegrity(fmt.Sprintf("parent mandate %s expired at %s", parent.MandateID, parent.ValidUntil.Format(time.RFC3339)))
	}

	// The delegator is the parent's subject: it holds the authority being
	// subdivided, so its policy governs whether and how deep delegation
	// may go.
	pol, err := m.policies.ActivePolicy(ctx, parent.SubjectID)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("mandate: policy lookup failed", err)
	}
	if pol == nil {
		return nil, caracalerr.NotFound(fmt.Sprintf("no active policy for delegator %s", parent.SubjectID))
	}
	if !pol.AllowDelegation {
		return nil, caracalerr.MandateIntegrity(fmt.Sprintf("policy for %s does not allow delegation", parent.SubjectID))
	}
	if parent.DelegationDepth+1 > pol.MaxDelegationDepth {
		return nil, caracalerr.MandateIntegrity(
			fmt.Sprintf("delegation depth %d exceeds policy max of %d", parent.DelegationDepth+1, pol.MaxDelegationDepth))
	}

	if !scope.SubsetOf(req.ResourceScope, parent.ResourceScope) {
		return nil, caracalerr.MandateIntegrity(
			fmt.Sprintf("SCOPE_ESCALATION: resource scope %v exceeds parent scope %v", req.ResourceScope, parent.ResourceScope))
	}
	if !scope.SubsetOf(req.ActionScope, parent.ActionScope) {
		return nil, caracalerr.MandateIntegrity(
			fmt.Sprintf("SCOPE_ESCALATION: action scope %v exceeds parent scope %v", req.ActionScope, parent.ActionScope))
	}

	validUntil := now.Add(req.Validity)
	if validUntil.After(parent.ValidUntil) {
		return nil, caracalerr.MandateIntegrity(
			fmt.Sprintf("SCOPE_ESCALATION: child valid_until %s would outlive parent %s",
				validUntil.Format(time.RFC3339), parent.ValidUntil.Format(time.RFC3339)))
	}

	child := Mandate{
		MandateID:       uuid.New().String(),
		IssuerID:        parent.SubjectID,
		SubjectID:       req.SubjectID,
		ResourceScope:   req.ResourceScope,
		ActionScope:     req.ActionScope,
		ValidFrom:       now,
		ValidUntil:      validUntil,
		ParentMandateID: parent.MandateID,
		DelegationDepth: parent.DelegationDepth + 1,
		Intent:          req.Intent,
	}

	if err := m.signAndInsert(ctx, &child, parent.SubjectID); err != nil {
		return nil, err
	}
	m.emit(ctx, LifecycleEvent{Kind: KindDelegated, Mandate: child, CorrelationID: req.CorrelationID})
	return &child, nil
}

// Revoke marks a mandate revoked and, when cascade is set, walks the
// delegation tree below it and revokes every descendant with the cascade
// source recorded in the reason. Revoking an already-revoked mandate is a
// no-op; one mandate_revoked event is emitted per mandate actually flipped.
func (m *Manager) Revoke(ctx context.Context, mandateID, revoker, reason string, cascade bool) ([]string, error) {
	root, err := m.mandates.Get(ctx, mandateID)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("mandate: revoke lookup failed", err)
	}
	if root == nil {
		return nil, caracalerr.NotFound(fmt.Sprintf("mandate %s not found", mandateID))
	}

	now := m.now().UTC()
	var revoked []string

	flipped, err := m.mandates.MarkRevoked(ctx, mandateID, revoker, reason, now)
	if err != nil {
		return nil, caracalerr.DependencyUnavailable("mandate: revoke failed", err)
	}
	if flipped {
		revoked = append(revoked, mandateID)
		if updated, _ := m.mandates.Get(ctx, mandateID); updated != nil {
			m.emit(ctx, LifecycleEvent{Kind: KindRevoked, Mandate: *updated})
		}
	}
	if !cascade {
		return revoked, nil
	}

	// Breadth-first over parent_mandate_id edges. The tree is acyclic by
	// construction (children are created strictly after their parent), but
	// the visited set guards a corrupted store from looping us forever.
	queue := []string{mandateID}
	visited := map[string]bool{mandateID: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := m.mandates.Children(ctx, current)
		if err != nil {
			return revoked, caracalerr.DependencyUnavailable("mandate: cascade children lookup failed", err)
		}
		for _, child := range children {
			if visited[child.MandateID] {
				continue
			}
			visited[child.MandateID] = true
			queue = append(queue, child.MandateID)

			cascadeReason := fmt.Sprintf("%s; cascade from %s", reason, mandateID)
			flipped, err := m.mandates.MarkRevoked(ctx, child.MandateID, revoker, cascadeReason, now)
			if err != nil {
				return revoked, caracalerr.DependencyUnavailable("mandate: cascade revoke failed", err)
			}
			if flipped {
				revoked = append(revoked, child.MandateID)
				if updated, _ := m.mandates.Get(ctx, child.MandateID); updated != nil {
					m.emit(ctx, LifecycleEvent{Kind: KindRevoked, Mandate: *updated})
				}
			}
		}
	}

	return revoked, nil
}

func (m *Manager) signAndInsert(ctx context.Context, mandate *Mandate, signerPrincipal string) error {
	signer, err := m.signers.GetSigner(signerPrincipal)
	if err != nil {
		return caracalerr.DependencyUnavailable("mandate: signer unavailable", err)
	}
	mandate.SignerKeyID = signer.KeyID()

	payload, err := mandate.SigningBytes()
	if err != nil {
		return caracalerr.MandateIntegrity(err.Error())
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return caracalerr.DependencyUnavailable("mandate: signing failed", err)
	}
	mandate.Signature = sig

	if err := m.mandates.Insert(ctx, *mandate); err != nil {
		return caracalerr.DependencyUnavailable("mandate: insert failed", err)
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, ev LifecycleEvent) {
	if m.sink == nil {
		return
	}
	// Durable commit already happened; event publish is best-effort with
	// retry owned by the sink.
	_ = m.sink.RecordMandateEvent(ctx, ev)
}

func validateScopes(resources, actions []string) error {
	if len(resources) == 0 {
		return caracalerr.Validation("resource_scope", "must not be empty")
	}
	if len(actions) == 0 {
		return caracalerr.Validation("action_scope", "must not be empty")
	}
	for _, r := range resources {
		if _, err := scope.Compile(r); err != nil {
			return caracalerr.Validation("resource_scope", fmt.Sprintf("bad pattern %q: %v", r, err))
		}
	}
	return nil
}
