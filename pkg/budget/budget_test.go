package budget_test

import (
	"context"
	"testing"

	"github.com/caracal-sh/caracal/pkg/budget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_RecordSpend_Accumulates(t *testing.T) {
	s := budget.NewMemoryStorage()
	ctx := context.Background()

	b, err := s.RecordSpend(ctx, "principal-1", budget.Cost{Amount: 500, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.DailyUsed)

	b, err = s.RecordSpend(ctx, "principal-1", budget.Cost{Amount: 250, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(750), b.DailyUsed)
	assert.Equal(t, int64(750), b.MonthlyUsed)
}

func TestMemoryStorage_RecordSpend_NeverDenies(t *testing.T) {
	s := budget.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, s.SetLimits(ctx, "principal-1", 100, 1000))

	// Recording spend far past the informational limit still succeeds: budget
	// is reporting only, not an authority gate.
	b, err := s.RecordSpend(ctx, "principal-1", budget.Cost{Amount: 100000, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(100000), b.DailyUsed)
}

func TestMemoryStorage_ProvisionalCharge_RoundTrip(t *testing.T) {
	s := budget.NewMemoryStorage()
	ctx := context.Background()

	pc, err := s.OpenProvisionalCharge(ctx, "principal-1", "mandate-1", 1200, "USD")
	require.NoError(t, err)
	assert.False(t, pc.Reconciled)

	require.NoError(t, s.ReconcileProvisionalCharge(ctx, pc.ID, 1150))
}

func TestMemoryStorage_ReconcileUnknownCharge(t *testing.T) {
	s := budget.NewMemoryStorage()
	err := s.ReconcileProvisionalCharge(context.Background(), "does-not-exist", 100)
	assert.Error(t, err)
}

func TestBudget_Remaining(t *testing.T) {
	b := &budget.Budget{
		DailyLimit:   10000,
		MonthlyLimit: 100000,
		DailyUsed:    7500,
		MonthlyUsed:  25000,
	}

	assert.Equal(t, int64(2500), b.DailyRemaining())
	assert.Equal(t, int64(75000), b.MonthlyRemaining())
}

func TestBudget_RemainingNegative(t *testing.T) {
	b := &budget.Budget{
		DailyLimit: 10000,
		DailyUsed:  15000, // overdrawn
	}

	assert.Equal(t, int64(0), b.DailyRemaining())
}

func TestMemoryStorage_GetUnknownPrincipalNotAnError(t *testing.T) {
	s := budget.NewMemoryStorage()
	b, err := s.Get(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Nil(t, b)
}
