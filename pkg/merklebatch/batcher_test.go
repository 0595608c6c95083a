package merklebatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-sh/caracal/pkg/crypto"
	"github.com/caracal-sh/caracal/pkg/ledgerwriter"
	"github.com/caracal-sh/caracal/pkg/merkle"
)

func appendRows(t *testing.T, ledger *ledgerwriter.MemoryStore, n int) []ledgerwriter.Event {
	t.Helper()
	ctx := context.Background()
	out := make([]ledgerwriter.Event, 0, n)
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]any{"seq": i})
		row, inserted, err := ledger.Append(ctx, ledgerwriter.Event{
			SourceEventID: "src-" + string(rune('a'+i)),
			Kind:          "authority_decision",
			Timestamp:     time.Now().UTC(),
			PrincipalID:   "p1",
			Payload:       payload,
		})
		require.NoError(t, err)
		require.True(t, inserted)
		out = append(out, *row)
	}
	return out
}

func newBatcher(t *testing.T, ledger *ledgerwriter.MemoryStore, cfg Config) (*Batcher, *MemoryStore, *crypto.KeyRing) {
	t.Helper()
	ring := crypto.NewKeyRing()
	signer, err := crypto.NewECDSASigner("ledger-signer-1")
	require.NoError(t, err)
	ring.AddKey(signer)
	batches := NewMemoryStore()
	return NewBatcher(ledger, batches, ring, cfg, nil), batches, ring
}

func TestCloseBySize(t *testing.T) {
	ledger := ledgerwriter.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MaxLeaves = 4
	b, batches, _ := newBatcher(t, ledger, cfg)
	ctx := context.Background()

	rows := appendRows(t, ledger, 4)
	for _, row := range rows {
		digest, err := ledgerwriter.LeafDigest(row)
		require.NoError(t, err)
		require.NoError(t, b.Offer(ctx, row.EventID, digest))
	}

	require.NoError(t, b.CloseDue(ctx))

	list, err := batches.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].FromEventID)
	assert.Equal(t, int64(4), list[0].ToEventID)
	assert.Equal(t, 4, list[0].LeafCount)
	assert.NotEmpty(t, list[0].RootHash)
	assert.NotEmpty(t, list[0].Signature)
	assert.Equal(t, "ledger-signer-1", list[0].SignerKeyID)
}

func TestCloseByAge(t *testing.T) {
	ledger := ledgerwriter.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MaxLeaves = 1024
	cfg.MaxAge = 60 * time.Second

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	b, batches, _ := newBatcher(t, ledger, cfg)
	b.WithClock(func() time.Time { return current })
	ctx := context.Background()

	rows := appendRows(t, ledger, 2)
	for _, row := range rows {
		require.NoError(t, b.Offer(ctx, row.EventID, nil))
	}

	// Under both thresholds: nothing closes.
	require.NoError(t, b.CloseDue(ctx))
	list, _ := batches.List(ctx)
	assert.Empty(t, list)

	current = base.Add(61 * time.Second)
	require.NoError(t, b.CloseDue(ctx))
	list, _ = batches.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].LeafCount)
}

func TestCloseCoversRowsMissedByOffer(t *testing.T) {
	// Rows appended while the batcher was down (no Offer call) are still
	// picked up: the ledger store is the source of truth.
	ledger := ledgerwriter.NewMemoryStore()
	b, batches, _ := newBatcher(t, ledger, DefaultConfig())
	ctx := context.Background()

	appendRows(t, ledger, 3)
	require.NoError(t, b.CloseNow(ctx))

	list, err := batches.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].FromEventID)
	assert.Equal(t, int64(3), list[0].ToEventID)
}

func TestInsertIdempotentByRange(t *testing.T) {
	ledger := ledgerwriter.NewMemoryStore()
	b, batches, _ := newBatcher(t, ledger, DefaultConfig())
	ctx := context.Background()

	appendRows(t, ledger, 3)
	require.NoError(t, b.CloseNow(ctx))
	// Crash-replay: closing the same range again must not duplicate.
	require.NoError(t, b.CloseNow(ctx))

	list, err := batches.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestVerifyEvent(t *testing.T) {
	ledger := ledgerwriter.NewMemoryStore()
	b, _, _ := newBatcher(t, ledger, DefaultConfig())
	ctx := context.Background()

	rows := appendRows(t, ledger, 5)
	require.NoError(t, b.CloseNow(ctx))

	for _, row := range rows {
		res, err := b.VerifyEvent(ctx, row.EventID)
		require.NoError(t, err)
		assert.True(t, res.Contained, "event %d contained in a batch", row.EventID)
		assert.True(t, res.ValidSignature)
		assert.Equal(t, "ledger-signer-1", res.SignerKeyID)
		assert.True(t, merkle.VerifyInclusionProof(res.Proof, res.Root), "proof verifies against the signed root")
	}
}

func TestVerifyEventOutsideAnyBatch(t *testing.T) {
	ledger := ledgerwriter.NewMemoryStore()
	b, _, _ := newBatcher(t, ledger, DefaultConfig())
	ctx := context.Background()

	appendRows(t, ledger, 2)
	// No batch closed yet.
	res, err := b.VerifyEvent(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Contained)
}

func TestBackpressureAtHighWatermark(t *testing.T) {
	ledger := ledgerwriter.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.HighWatermark = 2
	b, _, _ := newBatcher(t, ledger, cfg)
	ctx := context.Background()

	require.NoError(t, b.Offer(ctx, 1, nil))
	require.NoError(t, b.Offer(ctx, 2, nil))
	assert.Error(t, b.Offer(ctx, 3, nil), "queue refuses leaves above the high watermark")

	depth, hw := b.QueueDepth()
	assert.Equal(t, 2, depth)
	assert.Equal(t, 2, hw)
}

func TestHealthDegradesPastSLO(t *testing.T) {
	ledger := ledgerwriter.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.AlertAfter = time.Minute

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	b, _, _ := newBatcher(t, ledger, cfg)
	b.WithClock(func() time.Time { return current })
	ctx := context.Background()

	rows := appendRows(t, ledger, 1)
	require.NoError(t, b.Offer(ctx, rows[0].EventID, nil))

	h, err := b.CheckHealth(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, int64(1), h.UnbatchedEvents)

	current = base.Add(2 * time.Minute)
	h, err = b.CheckHealth(ctx)
	require.NoError(t, err)
	assert.False(t, h.Healthy, "rows outside a signed root past the SLO degrade health")
}

func TestBatchSignatureCoversRange(t *testing.T) {
	ledger := ledgerwriter.NewMemoryStore()
	b, batches, ring := newBatcher(t, ledger, DefaultConfig())
	ctx := context.Background()

	appendRows(t, ledger, 2)
	require.NoError(t, b.CloseNow(ctx))

	list, err := batches.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	batch := list[0]

	payload, err := batch.SigningBytes()
	require.NoError(t, err)
	ok, err := ring.Verify(batch.SignerKeyID, payload, batch.Signature)
	require.NoError(t, err)
	assert.True(t, ok)

	// A signature replayed onto a different range must not verify.
	tampered := batch
	tampered.ToEventID = 99
	payload, err = tampered.SigningBytes()
	require.NoError(t, err)
	ok, err = ring.Verify(batch.SignerKeyID, payload, batch.Signature)
	require.NoError(t, err)
	assert.False(t, ok)
}
