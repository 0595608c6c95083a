package mandate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/policy"
)

type recordingSink struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (s *recordingSink) RecordMandateEvent(_ context.Context, ev LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []LifecycleKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LifecycleKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

type testSigners struct {
	mu      sync.Mutex
	signers map[string]crypto.Signer
}

func newTestSigners() *testSigners {
	return &testSigners{signers: make(map[string]crypto.Signer)}
}

func (t *testSigners) GetSigner(keyLabel string) (crypto.Signer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.signers[keyLabel]; ok {
		return s, nil
	}
	s, err := crypto.NewECDSASigner(keyLabel)
	if err != nil {
		return nil, err
	}
	t.signers[keyLabel] = s
	return s, nil
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *policy.MemoryStore, *recordingSink) {
	t.Helper()
	mandates := NewMemoryStore()
	policies := policy.NewMemoryStore()
	sink := &recordingSink{}
	mgr := NewManager(mandates, policies, newTestSigners(), sink)
	return mgr, mandates, policies, sink
}

func installPolicy(t *testing.T, policies *policy.MemoryStore, principalID string) {
	t.Helper()
	_, err := policies.InsertVersion(context.Background(), policy.Policy{
		PolicyID:                "pol-" + principalID,
		PrincipalID:             principalID,
		AllowedResourcePatterns: []string{"api:openai:*"},
		AllowedActions:          []string{"api_call"},
		MaxValiditySeconds:      3600,
		AllowDelegation:         true,
		MaxDelegationDepth:      3,
		Active:                  true,
		CreatedAt:               time.Now().UTC(),
		VersionNumber:           1,
	})
	require.NoError(t, err)
}

func TestIssueHappyPath(t *testing.T) {
	mgr, mandates, policies, sink := newTestManager(t)
	installPolicy(t, policies, "p1")

	m, err := mgr.Issue(context.Background(), IssueRequest{
		IssuerID:      "p1",
		SubjectID:     "agent-1",
		ResourceScope: []string{"api:openai:completions"},
		ActionScope:   []string{"api_call"},
		Validity:      30 * time.Minute,
		Intent:        Intent{"goal": "summarize sales reports"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.MandateID)
	assert.Equal(t, 0, m.DelegationDepth)
	assert.NotEmpty(t, m.Signature)
	assert.Equal(t, []LifecycleKind{KindIssued}, sink.kinds())

	stored, err := mandates.Get(context.Background(), m.MandateID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, m.Signature, stored.Signature)
}

func TestIssueSignatureVerifies(t *testing.T) {
	mgr, _, policies, _ := newTestManager(t)
	installPolicy(t, policies, "p1")

	m, err := mgr.Issue(context.Background(), IssueRequest{
		IssuerID:      "p1",
		SubjectID:     "agent-1",
		ResourceScope: []string{"api:openai:*"},
		ActionScope:   []string{"api_call"},
		Validity:      time.Hour,
	})
	require.NoError(t, err)

	signer, err := mgr.signers.GetSigner("p1")
	require.NoError(t, err)

	payload, err := m.SigningBytes()
	require.NoError(t, err)
	ok, err := crypto.VerifyBytes(signer.PublicKeyBytes(), m.Signature, payload)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIssueWithoutPolicyFails(t *testing.T) {
	mgr, _, _, sink := newTestManager(t)

	_, err := mgr.Issue(context.Background(), IssueRequest{
		IssuerID:      "nobody",
		SubjectID:     "agent-1",
		ResourceScope: []string{"api:openai:*"},
		ActionScope:   []string{"api_call"},
		Validity:      time.Hour,
	})
	require.Error(t, err)
	assert.Equal(t, caracalerr.KindNotFound, caracalerr.KindOf(err))
	assert.Empty(t, sink.kinds(), "no event on failed issuance")
}

func TestIssueScopeEscalationRejected(t *testing.T) {
	mgr, _, policies, sink := newTestManager(t)
	installPolicy(t, policies, "p1")

	_, err := mgr.Issue(context.Background(), IssueRequest{
		IssuerID:      "p1",
		SubjectID:     "agent-1",
		ResourceScope: []string{"api:*"},
		ActionScope:   []string{"api_call"},
		Validity:      time.Hour,
	})
	require.Error(t, err)
	assert.Equal(t, caracalerr.KindMandateIntegrity, caracalerr.KindOf(err))
	assert.Empty(t, sink.kinds())
}

func TestIssueValidityExceedsPolicy(t *testing.T) {
	mgr, _, policies, _ := newTestManager(t)
	installPolicy(t, policies, "p1")

	_, err := mgr.Issue(context.Background(), IssueRequest{
		IssuerID:      "p1",
		SubjectID:     "agent-1",
		ResourceScope: []string{"api:openai:*"},
		ActionScope:   []string{"api_call"},
		Validity:      2 * time.Hour,
	})
	require.Error(t, err)
	assert.Equal(t, caracalerr.KindMandateIntegrity, caracalerr.KindOf(err))
}

func issueRoot(t *testing.T, mgr *Manager) *Mandate {
	t.Helper()
	m, err := mgr.Issue(context.Background(), IssueRequest{
		IssuerID:      "p1",
		SubjectID:     "p1",
		ResourceScope: []string{"api:openai:*"},
		ActionScope:   []string{"api_call"},
		Validity:      time.Hour,
	})
	require.NoError(t, err)
	return m
}

func TestDelegateSubsetAllowed(t *testing.T) {
	mgr, _, policies, sink := newTestManager(t)
	installPolicy(t, policies, "p1")
	root := issueRoot(t, mgr)

	child, err := mgr.Delegate(context.Background(), DelegateRequest{
		ParentMandateID: root.MandateID,
		SubjectID:       "p2",
		ResourceScope:   []string{"api:openai:completions"},
		ActionScope:     []string{"api_call"},
		Validity:        30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, child.DelegationDepth)
	assert.Equal(t, root.MandateID, child.ParentMandateID)
	assert.Equal(t, "p1", child.IssuerID, "delegator is the parent's subject")
	assert.Equal(t, []LifecycleKind{KindIssued, KindDelegated}, sink.kinds())
}

func TestDelegateScopeViolationRejected(t *testing.T) {
	mgr, mandates, policies, sink := newTestManager(t)
	installPolicy(t, policies, "p1")
	root := issueRoot(t, mgr)

	_, err := mgr.Delegate(context.Background(), DelegateRequest{
		ParentMandateID: root.MandateID,
		SubjectID:       "p2",
		ResourceScope:   []string{"api:*"},
		ActionScope:     []string{"api_call"},
		Validity:        30 * time.Minute,
	})
	require.Error(t, err)
	assert.Equal(t, caracalerr.KindMandateIntegrity, caracalerr.KindOf(err))

	children, err := mandates.Children(context.Background(), root.MandateID)
	require.NoError(t, err)
	assert.Empty(t, children, "no mandate row created")
	assert.Equal(t, []LifecycleKind{KindIssued}, sink.kinds(), "no event written")
}

func TestDelegateCannotOutliveParent(t *testing.T) {
	mgr, _, policies, _ := newTestManager(t)
	installPolicy(t, policies, "p1")
	root := issueRoot(t, mgr)

	_, err := mgr.Delegate(context.Background(), DelegateRequest{
		ParentMandateID: root.MandateID,
		SubjectID:       "p2",
		ResourceScope:   []string{"api:openai:completions"},
		ActionScope:     []string{"api_call"},
		Validity:        2 * time.Hour,
	})
	require.Error(t, err)
	assert.Equal(t, caracalerr.KindMandateIntegrity, caracalerr.KindOf(err))
}

func TestDelegateDepthLimit(t *testing.T) {
	mgr, _, policies, _ := newTestManager(t)
	installPolicy(t, policies, "p1")
	// Depth ceiling of 1: the first delegation is allowed, the second is not.
	_, err := policies.InsertVersion(context.Background(), policy.Policy{
		PolicyID: "pol-p1-v2", PrincipalID: "p1",
		AllowedResourcePatterns: []string{"api:openai:*"},
		AllowedActions:          []string{"api_call"},
		MaxValiditySeconds:      3600, AllowDelegation: true, MaxDelegationDepth: 1,
		Active: true, CreatedAt: time.Now().UTC(), VersionNumber: 2,
	})
	require.NoError(t, err)

	root := issueRoot(t, mgr)
	child, err := mgr.Delegate(context.Background(), DelegateRequest{
		ParentMandateID: root.MandateID, SubjectID: "p1",
		ResourceScope: []string{"api:openai:completions"}, ActionScope: []string{"api_call"},
		Validity: 10 * time.Minute,
	})
	require.NoError(t, err)

	_, err = mgr.Delegate(context.Background(), DelegateRequest{
		ParentMandateID: child.MandateID, SubjectID: "p1",
		ResourceScope: []string{"api:openai:completions"}, ActionScope: []string{"api_call"},
		Validity: 5 * time.Minute,
	})
	require.Error(t, err)
	assert.Equal(t, caracalerr.KindMandateIntegrity, caracalerr.KindOf(err))
}

func TestDelegateFromRevokedParentRejected(t *testing.T) {
	mgr, _, policies, _ := newTestManager(t)
	installPolicy(t, policies, "p1")
	root := issueRoot(t, mgr)

	_, err := mgr.Revoke(context.Background(), root.MandateID, "operator", "compromised", false)
	require.NoError(t, err)

	_, err = mgr.Delegate(context.Background(), DelegateRequest{
		ParentMandateID: root.MandateID, SubjectID: "p2",
		ResourceScope: []string{"api:openai:completions"}, ActionScope: []string{"api_call"},
		Validity: 5 * time.Minute,
	})
	require.Error(t, err)
	assert.Equal(t, caracalerr.KindMandateIntegrity, caracalerr.KindOf(err))
}

func TestRevokeCascade(t *testing.T) {
	mgr, mandates, policies, sink := newTestManager(t)
	installPolicy(t, policies, "p1")

	m1 := issueRoot(t, mgr)
	m2, err := mgr.Delegate(context.Background(), DelegateRequest{
		ParentMandateID: m1.MandateID, SubjectID: "p1",
		ResourceScope: []string{"api:openai:completions"}, ActionScope: []string{"api_call"},
		Validity: 30 * time.Minute,
	})
	require.NoError(t, err)
	m3, err := mgr.Delegate(context.Background(), DelegateRequest{
		ParentMandateID: m2.MandateID, SubjectID: "p1",
		ResourceScope: []string{"api:openai:completions"}, ActionScope: []string{"api_call"},
		Validity: 10 * time.Minute,
	})
	require.NoError(t, err)

	revoked, err := mgr.Revoke(context.Background(), m1.MandateID, "operator", "compromised", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{m1.MandateID, m2.MandateID, m3.MandateID}, revoked)

	for _, id := range []string{m2.MandateID, m3.MandateID} {
		m, err := mandates.Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, m.Revoked)
		assert.Contains(t, m.RevocationReason, "cascade from "+m1.MandateID)
	}

	var revokedEvents int
	for _, k := range sink.kinds() {
		if k == KindRevoked {
			revokedEvents++
		}
	}
	assert.Equal(t, 3, revokedEvents, "one mandate_revoked event per revoked mandate")
}

func TestRevokeIdempotent(t *testing.T) {
	mgr, _, policies, _ := newTestManager(t)
	installPolicy(t, policies, "p1")
	root := issueRoot(t, mgr)

	first, err := mgr.Revoke(context.Background(), root.MandateID, "operator", "cleanup", true)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := mgr.Revoke(context.Background(), root.MandateID, "operator", "cleanup", true)
	require.NoError(t, err)
	assert.Empty(t, second, "revoking an already-revoked mandate is a no-op")
}
