// Package ledgerwriter consumes authority and metering events off the bus
// and appends them to the tamper-evident ledger: every row gets the next
// monotonic event_id, carries its predecessor's hash, and its leaf digest
// is handed to the Merkle batcher. The consumer offset is committed only
// after the row is durable, and rows are deduplicated on the producer-side
// event id, so a crash between the row commit and the offset commit cannot
// double-append.
package ledgerwriter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
)

// Kinds a ledger row may carry.
var validKinds = map[string]bool{
	"mandate_issued":     true,
	"mandate_delegated":  true,
	"mandate_revoked":    true,
	"authority_decision": true,
	"metering":           true,
}

// Event is one append-only ledger row. EventID is assigned by the store at
// append time and is strictly increasing; SourceEventID is the producer's
// idempotency key; PrevHash chains each row to its predecessor; EventHash
// is the SHA-256 of the row's canonical form and doubles as the Merkle
// leaf digest.
type Event struct {
	EventID           int64           `json:"event_id"`
	SourceEventID     string          `json:"source_event_id"`
	Kind              string          `json:"kind"`
	Timestamp         time.Time       `json:"timestamp"`
	PrincipalID       string          `json:"principal_id,omitempty"`
	MandateID         string          `json:"mandate_id,omitempty"`
	Decision          string          `json:"decision,omitempty"`
	DenialReason      string          `json:"denial_reason,omitempty"`
	RequestedAction   string          `json:"requested_action,omitempty"`
	RequestedResource string          `json:"requested_resource,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	PrevHash          string          `json:"prev_hash"`
	EventHash         string          `json:"event_hash"`
}

// ComputeHash returns the SHA-256 hex digest of the row's canonical form,
// with the EventHash field itself excluded. The digest covers event_id and
// prev_hash, so re-hashing the chain detects any splice or reorder.
func ComputeHash(row Event) (string, error) {
	row.EventHash = ""
	return canonicalize.CanonicalHash(row)
}

// Store persists ledger rows. Append assigns the next event_id and the
// hash chain; it must be atomic per row and must reject duplicate
// source_event_ids by returning the already-appended row with inserted =
// false. Rows are never updated or deleted.
type Store interface {
	Append(ctx context.Context, row Event) (stored *Event, inserted bool, err error)
	Get(ctx context.Context, eventID int64) (*Event, error)
	// Range returns rows with from <= event_id <= to in event_id order.
	Range(ctx context.Context, from, to int64) ([]Event, error)
	LastEventID(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
}
