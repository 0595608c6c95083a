package ledgerwriter

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is the in-process ledger for tests and dry-run mode. It
// enforces the same invariants as the durable stores: strictly increasing
// event_id, prev_hash chaining, source dedup, no mutation.
type MemoryStore struct {
	mu       sync.Mutex
	rows     []Event
	bySource map[string]int64
	headHash string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bySource: make(map[string]int64), headHash: "genesis"}
}

func (s *MemoryStore) Append(ctx context.Context, row Event) (*Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.SourceEventID != "" {
		if id, ok := s.bySource[row.SourceEventID]; ok {
			existing := s.rows[id-1]
			return &existing, false, nil
		}
	}

	row.EventID = int64(len(s.rows)) + 1
	row.PrevHash = s.headHash
	hash, err := ComputeHash(row)
	if err != nil {
		return nil, false, fmt.Errorf("ledgerwriter: hash failed: %w", err)
	}
	row.EventHash = hash

	s.rows = append(s.rows, row)
	if row.SourceEventID != "" {
		s.bySource[row.SourceEventID] = row.EventID
	}
	s.headHash = hash

	out := row
	return &out, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, eventID int64) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eventID < 1 || eventID > int64(len(s.rows)) {
		return nil, nil
	}
	out := s.rows[eventID-1]
	return &out, nil
}

func (s *MemoryStore) Range(ctx context.Context, from, to int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < 1 {
		from = 1
	}
	if to > int64(len(s.rows)) {
		to = int64(len(s.rows))
	}
	if from > to {
		return nil, nil
	}
	out := make([]Event, to-from+1)
	copy(out, s.rows[from-1:to])
	return out, nil
}

func (s *MemoryStore) LastEventID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	return s.LastEventID(ctx)
}

// VerifyChain walks the whole ledger re-deriving every hash, returning the
// event_id of the first corrupt row, or 0 when the chain is intact.
func (s *MemoryStore) VerifyChain(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := "genesis"
	for _, row := range s.rows {
		if row.PrevHash != prev {
			return row.EventID, nil
		}
		expect, err := ComputeHash(row)
		if err != nil {
			return row.EventID, err
		}
		if expect != row.EventHash {
			return row.EventID, nil
		}
		prev = row.EventHash
	}
	return 0, nil
}
