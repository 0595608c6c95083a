// Caracal-specific instrumentation helpers: semantic-convention attribute
// keys for mandates, decisions, the ledger, and crypto operations, so
// every span produced across the components carries the same vocabulary.

package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Principal / mandate attributes
	AttrPrincipalID     = attribute.Key("caracal.principal.id")
	AttrMandateID       = attribute.Key("caracal.mandate.id")
	AttrDelegationDepth = attribute.Key("caracal.mandate.delegation_depth")

	// Decision attributes
	AttrDecision       = attribute.Key("caracal.decision.outcome")
	AttrDenialKind     = attribute.Key("caracal.decision.denial_kind")
	AttrAction         = attribute.Key("caracal.decision.action")
	AttrResource       = attribute.Key("caracal.decision.resource")
	AttrDecisionMs     = attribute.Key("caracal.decision.latency_ms")
	AttrCorrelationID  = attribute.Key("caracal.correlation_id")

	// Ledger / Merkle attributes
	AttrLedgerEventID = attribute.Key("caracal.ledger.event_id")
	AttrBatchID       = attribute.Key("caracal.batch.id")
	AttrBatchLeaves   = attribute.Key("caracal.batch.leaf_count")

	// Crypto attributes
	AttrCryptoAlgorithm = attribute.Key("caracal.crypto.algorithm")
	AttrCryptoOperation = attribute.Key("caracal.crypto.operation")
	AttrCryptoKeyID     = attribute.Key("caracal.crypto.key_id")
)

// DecisionAttrs creates attributes for an authority decision span.
func DecisionAttrs(principalID, mandateID, action, resource, decision, denialKind string, latencyMs float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrMandateID.String(mandateID),
		AttrAction.String(action),
		AttrResource.String(resource),
		AttrDecision.String(decision),
		AttrDecisionMs.Float64(latencyMs),
	}
	if denialKind != "" {
		attrs = append(attrs, AttrDenialKind.String(denialKind))
	}
	return attrs
}

// MandateAttrs creates attributes for mandate lifecycle spans.
func MandateAttrs(mandateID, issuerID, subjectID string, depth int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMandateID.String(mandateID),
		AttrPrincipalID.String(subjectID),
		attribute.String("caracal.mandate.issuer_id", issuerID),
		AttrDelegationDepth.Int(depth),
	}
}

// LedgerAttrs creates attributes for ledger append and batch spans.
func LedgerAttrs(eventID int64, batchID string, leafCount int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrLedgerEventID.Int64(eventID)}
	if batchID != "" {
		attrs = append(attrs, AttrBatchID.String(batchID), AttrBatchLeaves.Int(leafCount))
	}
	return attrs
}

// CryptoAttrs creates attributes for signing and verification spans.
func CryptoAttrs(algorithm, operation, keyID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCryptoAlgorithm.String(algorithm),
		AttrCryptoOperation.String(operation),
		AttrCryptoKeyID.String(keyID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
