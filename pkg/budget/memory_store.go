package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage and Recorder in memory.
// Thread-safe via RWMutex.
type MemoryStorage struct {
	mu           sync.RWMutex
	budgets      map[string]*Budget
	limits       map[string]struct{ d, m int64 }
	provisionals map[string]*ProvisionalCharge
	now          func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		budgets:      make(map[string]*Budget),
		limits:       make(map[string]struct{ d, m int64 }),
		provisionals: make(map[string]*ProvisionalCharge),
		now:          time.Now,
	}
}

func (s *MemoryStorage) Get(ctx context.Context, principalID string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.budgets[principalID]; ok {
		val := *b
		return &val, nil
	}
	return nil, nil // not found is not an error; caller initializes lazily
}

func (s *MemoryStorage) Set(ctx context.Context, budget *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *budget
	s.budgets[budget.PrincipalID] = &val
	return nil
}

func (s *MemoryStorage) Limits(ctx context.Context, principalID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.limits[principalID]; ok {
		return l.d, l.m, nil
	}
	// Informational defaults only; never enforced against evaluator decisions.
	return 1000, 50000, nil
}

func (s *MemoryStorage) SetLimits(ctx context.Context, principalID string, daily, monthly int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[principalID] = struct{ d, m int64 }{daily, monthly}
	return nil
}

func (s *MemoryStorage) RecordSpend(ctx context.Context, principalID string, cost Cost) (*Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.budgets[principalID]
	if !ok {
		daily, monthly := int64(1000), int64(50000)
		if l, ok := s.limits[principalID]; ok {
			daily, monthly = l.d, l.m
		}
		b = &Budget{PrincipalID: principalID, DailyLimit: daily, MonthlyLimit: monthly}
		s.budgets[principalID] = b
	}

	b.DailyUsed += cost.Amount
	b.MonthlyUsed += cost.Amount
	b.LastUpdated = s.now()

	val := *b
	return &val, nil
}

func (s *MemoryStorage) OpenProvisionalCharge(ctx context.Context, principalID, mandateID string, estimated int64, currency string) (*ProvisionalCharge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc := &ProvisionalCharge{
		ID:            uuid.New().String(),
		PrincipalID:   principalID,
		MandateID:     mandateID,
		EstimatedCost: estimated,
		Currency:      currency,
		CreatedAt:     s.now(),
	}
	s.provisionals[pc.ID] = pc
	return pc, nil
}

func (s *MemoryStorage) ReconcileProvisionalCharge(ctx context.Context, chargeID string, actualCost int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.provisionals[chargeID]
	if !ok {
		return fmt.Errorf("budget: provisional charge %s not found", chargeID)
	}
	pc.Reconciled = true
	pc.ActualCost = actualCost
	return nil
}

// ExpireProvisionalCharges deletes unreconciled charges older than cutoff.
func (s *MemoryStorage) ExpireProvisionalCharges(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept int64
	for id, pc := range s.provisionals {
		if !pc.Reconciled && pc.CreatedAt.Before(cutoff) {
			delete(s.provisionals, id)
			swept++
		}
	}
	return swept, nil
}
