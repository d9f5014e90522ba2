package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kandev/runorchestrator/internal/runs"
)

// MemoryStore implements Store in-process, for tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*runs.Run
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*runs.Run)}
}

func (s *MemoryStore) Get(_ context.Context, runID string) (*runs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[runID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, job runs.Job, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[job.RunID]
	if !ok {
		s.rows[job.RunID] = &runs.Run{
			ID: job.RunID, Kind: job.Kind, ThreadID: job.ThreadID, ProjectID: job.ProjectID,
			Status: runs.StatusRunning, StartedAt: &startedAt, CreatedAt: startedAt,
			Responses: []json.RawMessage{},
		}
		return nil
	}
	if r.Status == runs.StatusPending {
		r.Status = runs.StatusRunning
		r.StartedAt = &startedAt
	}
	return nil
}

func (s *MemoryStore) WriteTerminal(_ context.Context, runID string, status runs.Status, errMsg string, completedAt time.Time, events []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[runID]
	if !ok {
		r = &runs.Run{ID: runID, CreatedAt: completedAt}
		s.rows[runID] = r
	}
	if r.CompletedAt != nil {
		// Terminal rows are immutable (SPEC_FULL.md §3): a second write,
		// e.g. a duplicate delivery or STW retry, is a no-op.
		return nil
	}
	r.Status = status
	if errMsg != "" {
		e := errMsg
		r.Error = &e
	} else {
		r.Error = nil
	}
	r.CompletedAt = &completedAt
	r.Responses = events
	return nil
}
