// Package evaluator implements the authority decision core: a pure
// function from (mandate, requested action, requested resource, now) to an
// allow/deny Decision. It holds no mutable state, performs no I/O, and
// never returns an error: anything that goes wrong inside a decision comes
// back as a deny with a descriptive reason.
package evaluator

import (
	"fmt"
	"time"

	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/scope"
)

// DenialKind is the machine-readable reason a request was denied. The
// check order in Decide is part of the contract: the kind reported is
// always the first rule that failed.
type DenialKind string

const (
	DenyExpired            DenialKind = "EXPIRED"
	DenyNotYetValid        DenialKind = "NOT_YET_VALID"
	DenyRevoked            DenialKind = "REVOKED"
	DenyActionOutOfScope   DenialKind = "ACTION_OUT_OF_SCOPE"
	DenyResourceOutOfScope DenialKind = "RESOURCE_OUT_OF_SCOPE"
	DenyInvalidSignature   DenialKind = "INVALID_SIGNATURE"
	DenyPolicyNotFound     DenialKind = "POLICY_NOT_FOUND"
	DenyScopeEscalation    DenialKind = "SCOPE_ESCALATION"
)

// Decision is the evaluator's only output.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason"`
	DenialKind DenialKind `json:"denial_kind,omitempty"`
}

func deny(kind DenialKind, reason string) Decision {
	return Decision{Allowed: false, Reason: reason, DenialKind: kind}
}

// Input is everything a decision needs, preloaded by the caller. The
// evaluator never fetches: the gateway (or a test) loads the mandate, its
// ancestor chain, and the issuer public keys as a point-in-time snapshot
// and hands them over as plain data.
type Input struct {
	Mandate *mandate.Mandate

	// Ancestors maps mandate_id to the already-loaded mandates above
	// Mandate in the delegation chain. A missing ancestor is treated as
	// a scope escalation (the chain cannot be proven intact).
	Ancestors map[string]*mandate.Mandate

	// IssuerKeys maps signer_key_id to the public key bytes used to check
	// each mandate's signature.
	IssuerKeys map[string][]byte

	Action   string
	Resource string
	Now      time.Time
}

// Decide evaluates the request. The rule order below is observable via
// DenialKind and must not be rearranged.
func Decide(in Input) (out Decision) {
	// Fail closed on anything unexpected: a panic inside a decision is a
	// deny, never a crash or an allow.
	defer func() {
		if r := recover(); r != nil {
			out = deny(DenyScopeEscalation, fmt.Sprintf("internal evaluation failure: %v", r))
		}
	}()

	return decideChain(in, in.Mandate, 0)
}

// maxChainDepth bounds the ancestor walk so a corrupted parent graph cannot
// recurse forever.
const maxChainDepth = 64

func decideChain(in Input, m *mandate.Mandate, depth int) Decision {
	if m == nil {
		return deny(DenyPolicyNotFound, "no mandate presented")
	}
	if depth > maxChainDepth {
		return deny(DenyScopeEscalation, fmt.Sprintf("delegation chain deeper than %d", maxChainDepth))
	}

	if d := checkSignature(in, m); !d.Allowed {
		return d
	}
	if m.Revoked {
		return deny(DenyRevoked, fmt.Sprintf("mandate %s was revoked: %s", m.MandateID, m.RevocationReason))
	}
	if in.Now.Before(m.ValidFrom) {
		return deny(DenyNotYetValid, fmt.Sprintf("mandate %s not valid until %s", m.MandateID, m.ValidFrom.Format(time.RFC3339)))
	}
	if in.Now.After(m.ValidUntil) {
		return deny(DenyExpired, fmt.Sprintf("mandate %s expired at %s", m.MandateID, m.ValidUntil.Format(time.RFC3339)))
	}
	if !scope.Matches(m.ActionScope, in.Action) {
		return deny(DenyActionOutOfScope, fmt.Sprintf("action %q is not in mandate scope %v", in.Action, m.ActionScope))
	}
	if !scope.Matches(m.ResourceScope, in.Resource) {
		return deny(DenyResourceOutOfScope, fmt.Sprintf("resource %q matches no pattern in %v", in.Resource, m.ResourceScope))
	}

	// A child must never grant what its parent would deny, even if its own
	// signature and scopes check out: re-decide the same request against
	// each ancestor. Any parent denial surfaces as SCOPE_ESCALATION here.
	if m.ParentMandateID != "" {
		parent := in.Ancestors[m.ParentMandateID]
		if parent == nil {
			return deny(DenyScopeEscalation, fmt.Sprintf("parent mandate %s not available for chain check", m.ParentMandateID))
		}
		if parentDecision := decideChain(in, parent, depth+1); !parentDecision.Allowed {
			return deny(DenyScopeEscalation,
				fmt.Sprintf("parent mandate %s denies the request: %s", parent.MandateID, parentDecision.Reason))
		}
	}

	return Decision{Allowed: true, Reason: "mandate covers request"}
}

func checkSignature(in Input, m *mandate.Mandate) Decision {
	if m.Signature == "" {
		return deny(DenyInvalidSignature, fmt.Sprintf("mandate %s carries no signature", m.MandateID))
	}
	pub, ok := in.IssuerKeys[m.SignerKeyID]
	if !ok || len(pub) == 0 {
		return deny(DenyInvalidSignature, fmt.Sprintf("no public key for signer_key_id %q", m.SignerKeyID))
	}

	payload, err := m.SigningBytes()
	if err != nil {
		return deny(DenyInvalidSignature, fmt.Sprintf("mandate %s cannot be canonicalized: %v", m.MandateID, err))
	}
	valid, err := crypto.VerifyBytes(pub, m.Signature, payload)
	if err != nil {
		return deny(DenyInvalidSignature, fmt.Sprintf("signature check for %s failed: %v", m.MandateID, err))
	}
	if !valid {
		return deny(DenyInvalidSignature, fmt.Sprintf("signature on mandate %s does not verify", m.MandateID))
	}
	return Decision{Allowed: true}
}
