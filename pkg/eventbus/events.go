package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/mandate"
	"github.com/caracal-sh/caracal/pkg/policy"
)

// Event kinds carried on authority.events.
const (
	KindMandateIssued     = "mandate_issued"
	KindMandateDelegated  = "mandate_delegated"
	KindMandateRevoked    = "mandate_revoked"
	KindAuthorityDecision = "authority_decision"
	KindMetering          = "metering"
)

// AuthorityEvent is the authority.events wire payload. EventID here is the
// producer-side idempotency key (a UUID); the ledger writer assigns its own
// monotonic event_id when the row is persisted and dedupes on this one.
type AuthorityEvent struct {
	EventID           string         `json:"event_id"`
	Kind              string         `json:"kind"`
	Timestamp         time.Time      `json:"timestamp"`
	PrincipalID       string         `json:"principal_id"`
	MandateID         string         `json:"mandate_id,omitempty"`
	Decision          string         `json:"decision,omitempty"`
	DenialReason      string         `json:"denial_reason,omitempty"`
	RequestedAction   string         `json:"requested_action,omitempty"`
	RequestedResource string         `json:"requested_resource,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
}

// MeteringEvent is the metering.events wire payload.
type MeteringEvent struct {
	EventID             string            `json:"event_id"`
	Timestamp           time.Time         `json:"timestamp"`
	PrincipalID         string            `json:"principal_id"`
	ResourceType        string            `json:"resource_type"`
	Quantity            float64           `json:"quantity"`
	Cost                int64             `json:"cost"`
	Currency            string            `json:"currency"`
	ProvisionalChargeID string            `json:"provisional_charge_id,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CorrelationID       string            `json:"correlation_id,omitempty"`
}

// PolicyChangeEvent wraps a policy.Change for the policy.changes topic.
type PolicyChangeEvent struct {
	EventID       string             `json:"event_id"`
	Timestamp     time.Time          `json:"timestamp"`
	PolicyID      string             `json:"policy_id"`
	PrincipalID   string             `json:"principal_id"`
	ChangeType    policy.ChangeType  `json:"change_type"`
	ChangedBy     string             `json:"changed_by"`
	ChangeReason  string             `json:"change_reason"`
	VersionNumber int                `json:"version_number"`
	Before        *policy.Policy     `json:"before,omitempty"`
	After         *policy.Policy     `json:"after,omitempty"`
}

// LifecycleEvent is the agent.lifecycle wire payload.
type LifecycleEvent struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	PrincipalID string    `json:"principal_id"`
	Lifecycle   string    `json:"lifecycle"` // created | updated | deactivated
}

// Publisher is the single producer-side fan-in: the mandate manager, the
// policy manager, the gateway, and the principal store all emit through it.
// Every payload goes out as canonical JSON so the ledger writer's leaf
// hashes are byte-stable.
type Publisher struct {
	producer Producer
}

func NewPublisher(producer Producer) *Publisher {
	return &Publisher{producer: producer}
}

func (p *Publisher) send(ctx context.Context, topic, key string, payload any, correlationID string) error {
	value, err := canonicalize.JCS(payload)
	if err != nil {
		return caracalerr.Validation("payload", err.Error())
	}
	headers := map[string]string{}
	if correlationID != "" {
		headers["correlation_id"] = correlationID
	}
	return p.producer.Send(ctx, topic, key, value, headers)
}

// RecordMandateEvent implements mandate.EventSink, keying by mandate_id so
// a mandate's issued/decision/revoked events share a partition.
func (p *Publisher) RecordMandateEvent(ctx context.Context, ev mandate.LifecycleEvent) error {
	payload := AuthorityEvent{
		EventID:       uuid.New().String(),
		Kind:          string(ev.Kind),
		Timestamp:     time.Now().UTC(),
		PrincipalID:   ev.Mandate.SubjectID,
		MandateID:     ev.Mandate.MandateID,
		CorrelationID: ev.CorrelationID,
		Payload: map[string]any{
			"issuer_id":         ev.Mandate.IssuerID,
			"resource_scope":    ev.Mandate.ResourceScope,
			"action_scope":      ev.Mandate.ActionScope,
			"valid_from":        ev.Mandate.ValidFrom.UTC().Format(time.RFC3339),
			"valid_until":       ev.Mandate.ValidUntil.UTC().Format(time.RFC3339),
			"delegation_depth":  ev.Mandate.DelegationDepth,
			"parent_mandate_id": ev.Mandate.ParentMandateID,
		},
	}
	if ev.Kind == mandate.KindRevoked {
		payload.Payload["revocation_reason"] = ev.Mandate.RevocationReason
		payload.Payload["revoked_by"] = ev.Mandate.RevokedBy
	}
	if ev.Mandate.Intent != nil {
		payload.Payload["intent"] = map[string]any(ev.Mandate.Intent)
	}
	return p.send(ctx, TopicAuthority, ev.Mandate.MandateID, payload, ev.CorrelationID)
}

// PublishDecision emits an authority_decision event, keyed by mandate_id.
func (p *Publisher) PublishDecision(ctx context.Context, ev AuthorityEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Kind = KindAuthorityDecision
	key := ev.MandateID
	if key == "" {
		key = ev.PrincipalID
	}
	return p.send(ctx, TopicAuthority, key, ev, ev.CorrelationID)
}

// PublishMetering emits a metering event, keyed by principal_id.
func (p *Publisher) PublishMetering(ctx context.Context, ev MeteringEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return p.send(ctx, TopicMetering, ev.PrincipalID, ev, ev.CorrelationID)
}

// PublishPolicyChange implements policy.ChangePublisher.
func (p *Publisher) PublishPolicyChange(ctx context.Context, change policy.Change) error {
	payload := PolicyChangeEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		PolicyID:      change.PolicyID,
		PrincipalID:   change.PrincipalID,
		ChangeType:    change.ChangeType,
		ChangedBy:     change.ChangedBy,
		ChangeReason:  change.ChangeReason,
		VersionNumber: change.VersionNumber,
		Before:        change.Before,
		After:         change.After,
	}
	return p.send(ctx, TopicPolicyChanges, change.PrincipalID, payload, "")
}

// PublishLifecycle emits an agent.lifecycle event.
func (p *Publisher) PublishLifecycle(ctx context.Context, principalID, lifecycle string) error {
	payload := LifecycleEvent{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		PrincipalID: principalID,
		Lifecycle:   lifecycle,
	}
	return p.send(ctx, TopicAgentLifecycle, principalID, payload, "")
}
