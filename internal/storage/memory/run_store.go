package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
)

// DefaultRunCapacity bounds how many runs a RunStore keeps.
const DefaultRunCapacity = 100

// RunStore keeps the most recent run summaries in memory. Older runs are
// evicted once capacity is reached.
type RunStore struct {
	mu       sync.RWMutex
	capacity int
	runs     []cadastre.RunSummary
}

// NewRunStore creates a RunStore holding at most capacity runs
// (DefaultRunCapacity when capacity <= 0).
func NewRunStore(capacity int) *RunStore {
	if capacity <= 0 {
		capacity = DefaultRunCapacity
	}
	return &RunStore{capacity: capacity}
}

// SaveRun records the run, replacing an earlier entry with the same ID.
func (s *RunStore) SaveRun(_ context.Context, run cadastre.RunRecord) error {
	if run.Report.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	sum := run.Summary()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].RunID == sum.RunID {
			s.runs = append(s.runs[:i], s.runs[i+1:]...)
			break
		}
	}
	s.runs = append(s.runs, sum)
	if over := len(s.runs) - s.capacity; over > 0 {
		s.runs = append([]cadastre.RunSummary(nil), s.runs[over:]...)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first, skipping offset.
func (s *RunStore) ListRuns(_ context.Context, limit, offset int) ([]cadastre.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cadastre.RunSummary, 0, limit)
	for i := len(s.runs) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

// GetRun returns the run with runID or cadastre.ErrRunNotFound.
func (s *RunStore) GetRun(_ context.Context, runID string) (cadastre.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.RunID == runID {
			return run, nil
		}
	}
	return cadastre.RunSummary{}, cadastre.ErrRunNotFound
}
