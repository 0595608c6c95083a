package ledgerwriter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/eventbus"
	"github.com/caracal-sh/caracal/pkg/observability"
)

// LeafSink receives the Merkle leaf digest of every appended row. The
// batcher implements it; Offer returning an error (high-watermark reached)
// propagates out of the handler as a Transient error, so the consumer holds
// the offset while it retries with backoff (backpressure). Once the retry
// policy's attempts run out the message is dead-lettered and its offset
// committed; the row is already durable and the batcher's range scan still
// covers it.
type LeafSink interface {
	Offer(ctx context.Context, eventID int64, leafDigest []byte) error
}

// Writer is the ledger consumer: it validates, dedupes, appends, and feeds the
// batcher. Wire it to the bus with a Consumer subscribed to
// authority.events and metering.events under the "ledger-writer" group.
type Writer struct {
	store     Store
	validator *Validator
	leaves    LeafSink
	log       *slog.Logger
	obs       *observability.Provider
}

func NewWriter(store Store, validator *Validator, leaves LeafSink, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: store, validator: validator, leaves: leaves, log: log}
}

// WithObservability attaches the OTel provider; each consumed event is
// tracked as a ledger_append operation carrying its assigned event id.
func (w *Writer) WithObservability(p *observability.Provider) *Writer {
	w.obs = p
	return w
}

// Handle processes one bus message. The returned error contract follows
// the bus: nil commits the offset; a Validation error is terminal (the
// consumer dead-letters without retry); anything else retries.
func (w *Writer) Handle(ctx context.Context, msg eventbus.Message) (err error) {
	if w.obs != nil {
		var finish func(error)
		ctx, finish = w.obs.TrackOperation(ctx, "ledger_append")
		defer func() { finish(err) }()
	}

	if err := w.validator.Validate(msg.Topic, msg.Value); err != nil {
		w.log.Warn("ledger writer rejected event",
			"topic", msg.Topic, "offset", msg.Offset, "error", err)
		return err
	}

	row, err := rowFromMessage(msg)
	if err != nil {
		return err
	}

	stored, inserted, err := w.store.Append(ctx, row)
	if err != nil {
		return caracalerr.DependencyUnavailable("ledgerwriter: append failed", err)
	}
	if !inserted {
		// Redelivery after a crash between row commit and offset commit:
		// the row is already durable, just re-commit the offset.
		w.log.Debug("duplicate event skipped", "source_event_id", row.SourceEventID, "event_id", stored.EventID)
		return nil
	}

	digest, err := hex.DecodeString(stored.EventHash)
	if err != nil {
		return caracalerr.Fatal("ledgerwriter: stored hash is not hex", err)
	}
	observability.AddSpanEvent(ctx, "ledger.row_appended",
		observability.LedgerAttrs(stored.EventID, "", 0)...)

	if err := w.leaves.Offer(ctx, stored.EventID, digest); err != nil {
		// The row is durable but its leaf is not yet batched; the batcher
		// recovers missing leaves from the store on its next range scan,
		// so surfacing the error here only holds the offset for retries.
		return caracalerr.Transient("ledgerwriter: batcher backpressure", err)
	}
	return nil
}

func rowFromMessage(msg eventbus.Message) (Event, error) {
	var wire struct {
		EventID           string          `json:"event_id"`
		Kind              string          `json:"kind"`
		Timestamp         time.Time       `json:"timestamp"`
		PrincipalID       string          `json:"principal_id"`
		MandateID         string          `json:"mandate_id"`
		Decision          string          `json:"decision"`
		DenialReason      string          `json:"denial_reason"`
		RequestedAction   string          `json:"requested_action"`
		RequestedResource string          `json:"requested_resource"`
		Payload           json.RawMessage `json:"payload"`
		CorrelationID     string          `json:"correlation_id"`
	}
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		return Event{}, caracalerr.Validation("payload", fmt.Sprintf("undecodable event: %v", err))
	}

	kind := wire.Kind
	if msg.Topic == eventbus.TopicMetering {
		kind = "metering"
	}
	if !validKinds[kind] {
		return Event{}, caracalerr.Validation("kind", fmt.Sprintf("unknown event kind %q", kind))
	}

	payload := wire.Payload
	if msg.Topic == eventbus.TopicMetering {
		// Metering rows keep their full wire form in payload, since the
		// ledger columns only carry the authority-shaped fields.
		payload = append(json.RawMessage(nil), msg.Value...)
	}

	return Event{
		SourceEventID:     wire.EventID,
		Kind:              kind,
		Timestamp:         wire.Timestamp.UTC(),
		PrincipalID:       wire.PrincipalID,
		MandateID:         wire.MandateID,
		Decision:          wire.Decision,
		DenialReason:      wire.DenialReason,
		RequestedAction:   wire.RequestedAction,
		RequestedResource: wire.RequestedResource,
		Payload:           payload,
		CorrelationID:     wire.CorrelationID,
	}, nil
}

// LeafDigest recomputes the Merkle leaf digest for a stored row, used by
// the batcher when it backfills leaves straight from the store.
func LeafDigest(row Event) ([]byte, error) {
	if row.EventHash == "" {
		hash, err := ComputeHash(row)
		if err != nil {
			return nil, err
		}
		row.EventHash = hash
	}
	digest, err := hex.DecodeString(row.EventHash)
	if err != nil {
		return nil, fmt.Errorf("ledgerwriter: row %d hash is not hex: %w", row.EventID, err)
	}
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("ledgerwriter: row %d hash has wrong length", row.EventID)
	}
	return digest, nil
}
