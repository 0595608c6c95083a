package merklebatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/ledgerwriter"
	"github.com/caracal-sh/caracal/pkg/merkle"
	"github.com/caracal-sh/caracal/pkg/observability"
)

// Config bounds the batcher. Both close thresholds are explicit knobs so
// operators can tie them to a ledger-to-root latency target: a batch closes
// when it holds MaxLeaves rows or its oldest row is MaxAge old, whichever
// comes first, and AlertAfter bounds how long any row may stay outside a
// signed root before the health check degrades.
type Config struct {
	MaxLeaves     int
	MaxAge        time.Duration
	HighWatermark int
	AlertAfter    time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxLeaves:     1024,
		MaxAge:        60 * time.Second,
		HighWatermark: 8192,
		AlertAfter:    5 * time.Minute,
	}
}

type pendingLeaf struct {
	eventID int64
	arrived time.Time
}

// Batcher accumulates ledger rows and closes them into signed batches.
// The ledger store is the source of truth for leaf digests: Offer is only
// the wakeup fast path, so a leaf whose Offer was lost to backpressure is
// still picked up by the next range scan.
type Batcher struct {
	ledger  ledgerwriter.Store
	batches Store
	keys    *crypto.KeyRing
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	obs *observability.Provider

	mu           sync.Mutex
	pending      []pendingLeaf
	signFailures int64
}

func NewBatcher(ledger ledgerwriter.Store, batches Store, keys *crypto.KeyRing, cfg Config, log *slog.Logger) *Batcher {
	if cfg.MaxLeaves <= 0 {
		cfg.MaxLeaves = DefaultConfig().MaxLeaves
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = DefaultConfig().HighWatermark
	}
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{
		ledger:  ledger,
		batches: batches,
		keys:    keys,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// WithClock overrides the batcher's time source, for tests.
func (b *Batcher) WithClock(now func() time.Time) *Batcher {
	b.now = now
	return b
}

// WithObservability attaches the OTel provider; every close is tracked as
// a batch_close operation with the signed range on its span.
func (b *Batcher) WithObservability(p *observability.Provider) *Batcher {
	b.obs = p
	return b
}

// Offer registers a freshly appended row. Above the high watermark it
// refuses, which propagates backpressure to the ledger writer's offset
// commits.
func (b *Batcher) Offer(_ context.Context, eventID int64, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.cfg.HighWatermark {
		return fmt.Errorf("merklebatch: pending queue at high watermark (%d)", b.cfg.HighWatermark)
	}
	b.pending = append(b.pending, pendingLeaf{eventID: eventID, arrived: b.now()})
	return nil
}

// QueueDepth reports pending leaves against the high watermark, for /stats.
func (b *Batcher) QueueDepth() (depth, highWatermark int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), b.cfg.HighWatermark
}

// Run drives time-based closes until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := b.CloseDue(ctx); err != nil {
				// Signing or storage failures never block ledger writes;
				// the batch is retried on the next tick and surfaces in
				// Health until it lands.
				b.log.Warn("batch close failed, will retry", "error", err)
			}
		}
	}
}

// CloseDue closes a batch if either threshold is met. It is also called
// opportunistically after bursts so size-triggered closes don't wait for
// the ticker.
func (b *Batcher) CloseDue(ctx context.Context) error {
	b.mu.Lock()
	due := len(b.pending) >= b.cfg.MaxLeaves ||
		(len(b.pending) > 0 && b.now().Sub(b.pending[0].arrived) >= b.cfg.MaxAge)
	b.mu.Unlock()
	if !due {
		return nil
	}
	return b.CloseNow(ctx)
}

// CloseNow closes one batch covering every row past the last signed batch,
// up to MaxLeaves. The range comes from the stores, not the pending queue,
// so rows appended while the batcher was down are still covered.
func (b *Batcher) CloseNow(ctx context.Context) (err error) {
	if b.obs != nil {
		var finish func(error)
		ctx, finish = b.obs.TrackOperation(ctx, "batch_close")
		defer func() { finish(err) }()
	}

	lastBatched, err := b.batches.LastToEventID(ctx)
	if err != nil {
		return caracalerr.DependencyUnavailable("merklebatch: last batch lookup failed", err)
	}
	lastLedger, err := b.ledger.LastEventID(ctx)
	if err != nil {
		return caracalerr.DependencyUnavailable("merklebatch: ledger head lookup failed", err)
	}
	if lastLedger <= lastBatched {
		b.dropPendingThrough(lastBatched)
		return nil
	}

	from := lastBatched + 1
	to := lastLedger
	if to-from+1 > int64(b.cfg.MaxLeaves) {
		to = from + int64(b.cfg.MaxLeaves) - 1
	}

	rows, err := b.ledger.Range(ctx, from, to)
	if err != nil {
		return caracalerr.DependencyUnavailable("merklebatch: range read failed", err)
	}
	if len(rows) == 0 {
		return nil
	}

	leaves := make([][]byte, len(rows))
	for i, row := range rows {
		digest, err := ledgerwriter.LeafDigest(row)
		if err != nil {
			return caracalerr.Fatal("merklebatch: corrupt row hash", err)
		}
		leaves[i] = digest
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return caracalerr.Fatal("merklebatch: tree build failed", err)
	}

	batch := Batch{
		BatchID:     uuid.New().String(),
		FromEventID: rows[0].EventID,
		ToEventID:   rows[len(rows)-1].EventID,
		LeafCount:   len(rows),
		RootHash:    tree.Root,
		CreatedAt:   b.now().UTC(),
	}
	payload, err := batch.SigningBytes()
	if err != nil {
		return caracalerr.Fatal("merklebatch: batch canonicalization failed", err)
	}
	sig, keyID, err := b.keys.Sign(payload)
	if err != nil {
		b.mu.Lock()
		b.signFailures++
		b.mu.Unlock()
		return caracalerr.DependencyUnavailable("merklebatch: root signing failed", err)
	}
	batch.Signature = sig
	batch.SignerKeyID = keyID

	if _, inserted, err := b.batches.Insert(ctx, batch); err != nil {
		return caracalerr.DependencyUnavailable("merklebatch: batch persist failed", err)
	} else if !inserted {
		b.log.Debug("batch range already persisted", "from", batch.FromEventID, "to", batch.ToEventID)
	} else {
		b.log.Info("merkle batch closed",
			"batch_id", batch.BatchID, "from", batch.FromEventID, "to", batch.ToEventID,
			"leaves", batch.LeafCount, "root", batch.RootHash)
		observability.AddSpanEvent(ctx, "merkle.batch_closed",
			observability.LedgerAttrs(batch.ToEventID, batch.BatchID, batch.LeafCount)...)
	}

	b.dropPendingThrough(batch.ToEventID)
	return nil
}

func (b *Batcher) dropPendingThrough(eventID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.pending[:0]
	for _, leaf := range b.pending {
		if leaf.eventID > eventID {
			kept = append(kept, leaf)
		}
	}
	b.pending = kept
}

// Health reports whether every ledger row is covered by a signed root
// within the alert window.
type Health struct {
	Healthy           bool          `json:"healthy"`
	UnbatchedEvents   int64         `json:"unbatched_events"`
	OldestUnbatched   time.Duration `json:"oldest_unbatched"`
	SignFailures      int64         `json:"sign_failures"`
	LastBatchedEvent  int64         `json:"last_batched_event"`
	LastLedgerEvent   int64         `json:"last_ledger_event"`
}

// CheckHealth compares ledger head to batch head against the alert SLO.
// A breach degrades health and logs a critical alert, but never stops
// ledger writes.
func (b *Batcher) CheckHealth(ctx context.Context) (Health, error) {
	lastBatched, err := b.batches.LastToEventID(ctx)
	if err != nil {
		return Health{}, err
	}
	lastLedger, err := b.ledger.LastEventID(ctx)
	if err != nil {
		return Health{}, err
	}

	b.mu.Lock()
	var oldest time.Duration
	if len(b.pending) > 0 {
		oldest = b.now().Sub(b.pending[0].arrived)
	}
	failures := b.signFailures
	b.mu.Unlock()

	h := Health{
		Healthy:          true,
		UnbatchedEvents:  lastLedger - lastBatched,
		OldestUnbatched:  oldest,
		SignFailures:     failures,
		LastBatchedEvent: lastBatched,
		LastLedgerEvent:  lastLedger,
	}
	if oldest > b.cfg.AlertAfter {
		h.Healthy = false
		b.log.Error("ledger rows outside a signed root past SLO",
			"oldest_unbatched", oldest, "alert_after", b.cfg.AlertAfter,
			"unbatched_events", h.UnbatchedEvents)
	}
	return h, nil
}

// VerifyResult is the verifier contract's answer for one event.
type VerifyResult struct {
	Contained      bool                  `json:"contained"`
	Root           string                `json:"root,omitempty"`
	SignerKeyID    string                `json:"signed_by_key_id,omitempty"`
	ValidSignature bool                  `json:"valid_signature"`
	Proof          merkle.InclusionProof `json:"proof,omitempty"`
}

// VerifyEvent reconstructs the Merkle path for eventID from the persisted
// ledger rows and checks the batch signature.
func (b *Batcher) VerifyEvent(ctx context.Context, eventID int64) (VerifyResult, error) {
	batch, err := b.batches.ForEvent(ctx, eventID)
	if err != nil {
		return VerifyResult{}, caracalerr.DependencyUnavailable("merklebatch: batch lookup failed", err)
	}
	if batch == nil {
		return VerifyResult{Contained: false}, nil
	}

	rows, err := b.ledger.Range(ctx, batch.FromEventID, batch.ToEventID)
	if err != nil {
		return VerifyResult{}, caracalerr.DependencyUnavailable("merklebatch: range read failed", err)
	}
	if len(rows) != batch.LeafCount {
		return VerifyResult{}, caracalerr.Fatal(
			fmt.Sprintf("merklebatch: batch %s expects %d rows, ledger has %d", batch.BatchID, batch.LeafCount, len(rows)), nil)
	}

	leaves := make([][]byte, len(rows))
	leafIndex := -1
	for i, row := range rows {
		digest, err := ledgerwriter.LeafDigest(row)
		if err != nil {
			return VerifyResult{}, caracalerr.Fatal("merklebatch: corrupt row hash", err)
		}
		leaves[i] = digest
		if row.EventID == eventID {
			leafIndex = i
		}
	}
	if leafIndex < 0 {
		return VerifyResult{Contained: false}, nil
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return VerifyResult{}, caracalerr.Fatal("merklebatch: tree rebuild failed", err)
	}
	if tree.Root != batch.RootHash {
		// The persisted rows no longer hash to the signed root: detected
		// corruption, the strongest alarm this system has.
		return VerifyResult{}, caracalerr.Fatal(
			fmt.Sprintf("merklebatch: rebuilt root %s does not match signed root %s for batch %s",
				tree.Root, batch.RootHash, batch.BatchID), nil)
	}

	proof, err := tree.Proof(leafIndex)
	if err != nil {
		return VerifyResult{}, err
	}

	payload, err := batch.SigningBytes()
	if err != nil {
		return VerifyResult{}, err
	}
	valid, err := b.keys.Verify(batch.SignerKeyID, payload, batch.Signature)
	if err != nil {
		valid = false
	}

	return VerifyResult{
		Contained:      true,
		Root:           batch.RootHash,
		SignerKeyID:    batch.SignerKeyID,
		ValidSignature: valid,
		Proof:          proof,
	}, nil
}
