// Package mandate implements execution mandates: signed, scoped,
// time-bounded capabilities that a subject presents at enforcement time.
// The Manager in this package owns the full lifecycle (issuance,
// delegation, cascading revocation); the evaluator in pkg/evaluator only
// ever reads mandates as immutable data.
package mandate

import (
	"context"
	"fmt"
	"time"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
)

// Intent is the structured "why" attached to a mandate at issuance. It is
// carried as-is into audit events and never interpreted by the evaluator.
type Intent map[string]any

// Mandate is one execution mandate row. Everything except the revocation
// metadata is immutable after issuance and covered by Signature.
type Mandate struct {
	MandateID       string     `json:"mandate_id"`
	IssuerID        string     `json:"issuer_id"`
	SubjectID       string     `json:"subject_id"`
	ResourceScope   []string   `json:"resource_scope"`
	ActionScope     []string   `json:"action_scope"`
	ValidFrom       time.Time  `json:"valid_from"`
	ValidUntil      time.Time  `json:"valid_until"`
	ParentMandateID string     `json:"parent_mandate_id,omitempty"`
	DelegationDepth int        `json:"delegation_depth"`
	Intent          Intent     `json:"intent,omitempty"`
	SignerKeyID     string     `json:"signer_key_id"`
	Signature       string     `json:"signature,omitempty"`

	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// signingPayload is the subset of mandate fields covered by the signature:
// everything except Signature itself and the revocation metadata, so that
// revoking a mandate later does not invalidate its signature. Timestamps
// are rendered as RFC3339 UTC and the whole struct goes through JCS, giving
// a byte-stable form independent of field declaration order.
type signingPayload struct {
	MandateID       string   `json:"mandate_id"`
	IssuerID        string   `json:"issuer_id"`
	SubjectID       string   `json:"subject_id"`
	ResourceScope   []string `json:"resource_scope"`
	ActionScope     []string `json:"action_scope"`
	ValidFrom       string   `json:"valid_from"`
	ValidUntil      string   `json:"valid_until"`
	ParentMandateID string   `json:"parent_mandate_id,omitempty"`
	DelegationDepth string   `json:"delegation_depth"`
	Intent          Intent   `json:"intent,omitempty"`
	SignerKeyID     string   `json:"signer_key_id"`
}

// SigningBytes returns the canonical byte form the mandate signature is
// computed over.
func (m *Mandate) SigningBytes() ([]byte, error) {
	p := signingPayload{
		MandateID:       m.MandateID,
		IssuerID:        m.IssuerID,
		SubjectID:       m.SubjectID,
		ResourceScope:   m.ResourceScope,
		ActionScope:     m.ActionScope,
		ValidFrom:       m.ValidFrom.UTC().Format(time.RFC3339),
		ValidUntil:      m.ValidUntil.UTC().Format(time.RFC3339),
		ParentMandateID: m.ParentMandateID,
		DelegationDepth: fmt.Sprintf("%d", m.DelegationDepth),
		Intent:          m.Intent,
		SignerKeyID:     m.SignerKeyID,
	}
	b, err := canonicalize.JCS(p)
	if err != nil {
		return nil, fmt.Errorf("mandate: canonical serialization failed: %w", err)
	}
	return b, nil
}

// Expired reports whether the mandate's validity window has passed at now.
func (m *Mandate) Expired(now time.Time) bool { return now.After(m.ValidUntil) }

// Live reports whether the mandate is usable at now: not revoked and
// inside its validity window.
func (m *Mandate) Live(now time.Time) bool {
	return !m.Revoked && !now.Before(m.ValidFrom) && !now.After(m.ValidUntil)
}

// Store persists mandate rows. The row for a given mandate is the
// serialization point between revocation and decision reads: MarkRevoked
// must be atomic per row, and Get returns a point-in-time snapshot.
type Store interface {
	Insert(ctx context.Context, m Mandate) error
	Get(ctx context.Context, mandateID string) (*Mandate, error)
	// Children returns the direct children of parentID (one delegation
	// hop), for materializing the cascade set on revocation.
	Children(ctx context.Context, parentID string) ([]Mandate, error)
	ListBySubject(ctx context.Context, subjectID string) ([]Mandate, error)
	// Live returns all non-revoked, non-expired mandates, used by the
	// snapshotter.
	Live(ctx context.Context, now time.Time) ([]Mandate, error)
	MarkRevoked(ctx context.Context, mandateID, revokedBy, reason string, at time.Time) (bool, error)
}
