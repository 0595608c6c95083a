package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caracal-sh/caracal/pkg/caracalerr"
)

// ReplayStatus is the lifecycle of a replay run.
type ReplayStatus string

const (
	ReplayRunning   ReplayStatus = "running"
	ReplayCompleted ReplayStatus = "completed"
	ReplayFailed    ReplayStatus = "failed"
)

// ReplayRun is the first-class record of one management replay operation.
// It survives process restart so an operator can see how far a replay got
// before a crash.
type ReplayRun struct {
	ReplayID        string       `json:"replay_id"`
	Group           string       `json:"group"`
	Topics          []string     `json:"topics"`
	StartTime       time.Time    `json:"start_time"`
	EndTime         *time.Time   `json:"end_time,omitempty"`
	EventsProcessed int64        `json:"events_processed"`
	Status          ReplayStatus `json:"status"`
	Error           string       `json:"error,omitempty"`
}

// ReplayStore persists replay runs.
type ReplayStore interface {
	Save(ctx context.Context, run ReplayRun) error
	Get(ctx context.Context, replayID string) (*ReplayRun, error)
	List(ctx context.Context) ([]ReplayRun, error)
}

// MemoryReplayStore is the in-process ReplayStore.
type MemoryReplayStore struct {
	mu   sync.Mutex
	runs map[string]ReplayRun
}

func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{runs: make(map[string]ReplayRun)}
}

func (s *MemoryReplayStore) Save(_ context.Context, run ReplayRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ReplayID] = run
	return nil
}

func (s *MemoryReplayStore) Get(_ context.Context, replayID string) (*ReplayRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[replayID]
	if !ok {
		return nil, nil
	}
	out := run
	return &out, nil
}

func (s *MemoryReplayStore) List(_ context.Context) ([]ReplayRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReplayRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	return out, nil
}

// OffsetResetter is the slice of a bus a replay needs: both MemoryBus and
// RedisBus satisfy it (the memory bus through a thin adapter since its
// reset takes no context).
type OffsetResetter interface {
	ResetToTimestamp(ctx context.Context, group string, topics []string, t time.Time) error
}

// MemoryResetter adapts MemoryBus to OffsetResetter.
type MemoryResetter struct{ Bus *MemoryBus }

func (r MemoryResetter) ResetToTimestamp(_ context.Context, group string, topics []string, t time.Time) error {
	r.Bus.ResetToTimestamp(group, topics, t)
	return nil
}

// ReplayManager starts and tracks replay runs. Starting a replay rewinds
// the target group's committed offsets; the group's normal consumer then
// re-processes everything from the reset point, and its idempotent effect
// writes make the re-delivery harmless.
type ReplayManager struct {
	resetter OffsetResetter
	store    ReplayStore
}

func NewReplayManager(resetter OffsetResetter, store ReplayStore) *ReplayManager {
	return &ReplayManager{resetter: resetter, store: store}
}

// Start rewinds group's offsets on topics to from and records a running
// ReplayRun.
func (m *ReplayManager) Start(ctx context.Context, group string, topics []string, from time.Time) (*ReplayRun, error) {
	if len(topics) == 0 {
		return nil, caracalerr.Validation("topics", "must not be empty")
	}

	run := ReplayRun{
		ReplayID:  uuid.New().String(),
		Group:     group,
		Topics:    topics,
		StartTime: time.Now().UTC(),
		Status:    ReplayRunning,
	}
	if err := m.store.Save(ctx, run); err != nil {
		return nil, caracalerr.DependencyUnavailable("eventbus: replay record save failed", err)
	}

	if err := m.resetter.ResetToTimestamp(ctx, group, topics, from); err != nil {
		now := time.Now().UTC()
		run.Status = ReplayFailed
		run.Error = err.Error()
		run.EndTime = &now
		_ = m.store.Save(ctx, run)
		return nil, err
	}

	return &run, nil
}

// Progress bumps the processed counter on a running replay.
func (m *ReplayManager) Progress(ctx context.Context, replayID string, processed int64) error {
	run, err := m.store.Get(ctx, replayID)
	if err != nil {
		return err
	}
	if run == nil {
		return caracalerr.NotFound(fmt.Sprintf("replay run %s not found", replayID))
	}
	run.EventsProcessed = processed
	return m.store.Save(ctx, *run)
}

// Finish closes a replay run with the given status.
func (m *ReplayManager) Finish(ctx context.Context, replayID string, status ReplayStatus, errMsg string) error {
	run, err := m.store.Get(ctx, replayID)
	if err != nil {
		return err
	}
	if run == nil {
		return caracalerr.NotFound(fmt.Sprintf("replay run %s not found", replayID))
	}
	now := time.Now().UTC()
	run.Status = status
	run.Error = errMsg
	run.EndTime = &now
	return m.store.Save(ctx, *run)
}
