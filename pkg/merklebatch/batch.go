// Package merklebatch closes ledger rows into signed Merkle batches: a
// batch accumulates leaf digests until it reaches a size or age threshold,
// then its root is computed, signed, and persisted with the event id range
// it covers. Verifiers reconstruct inclusion proofs from the persisted
// ledger rows, so every event hash is eventually reachable from a signed
// root.
package merklebatch

import (
	"context"
	"strconv"
	"time"

	"github.com/caracal-sh/caracal/pkg/canonicalize"
)

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

// Batch is one signed Merkle batch row.
type Batch struct {
	BatchID     string    `json:"batch_id"`
	FromEventID int64     `json:"from_event_id"`
	ToEventID   int64     `json:"to_event_id"`
	LeafCount   int       `json:"leaf_count"`
	RootHash    string    `json:"root_hash"`
	Signature   string    `json:"signature"`
	SignerKeyID string    `json:"signer_key_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// signedPortion is what the batch signature covers: the root plus the
// range, so a signature cannot be replayed onto a different batch.
type signedPortion struct {
	RootHash    string `json:"root_hash"`
	FromEventID string `json:"from_event_id"`
	ToEventID   string `json:"to_event_id"`
}

// SigningBytes returns the canonical bytes the batch signature covers.
func (b *Batch) SigningBytes() ([]byte, error) {
	return canonicalize.JCS(signedPortion{
		RootHash:    b.RootHash,
		FromEventID: formatID(b.FromEventID),
		ToEventID:   formatID(b.ToEventID),
	})
}

// Store persists batch rows. Insert is idempotent keyed by the event id
// range: re-closing the same range after a crash overwrites nothing and
// reports the existing row.
type Store interface {
	Insert(ctx context.Context, b Batch) (stored *Batch, inserted bool, err error)
	// ForEvent returns the batch whose range contains eventID, or nil.
	ForEvent(ctx context.Context, eventID int64) (*Batch, error)
	// LastToEventID returns the highest event id covered by any closed
	// batch, 0 when none exist.
	LastToEventID(ctx context.Context) (int64, error)
	List(ctx context.Context) ([]Batch, error)
}
