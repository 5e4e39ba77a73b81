package store

import (
	"errors"
	"sync"
	"time"

	"github.com/i474232898/clean-air-etl/internal/pipeline"
)

var (
	// ErrNotFound is returned when no run is recorded for a pipeline.
	ErrNotFound = errors.New("no runs recorded for pipeline")
)

// RunHistory holds the runs of one pipeline in start order.
type RunHistory struct {
	Runs []pipeline.Report
}

// MemoryStore is a concurrency-safe in-memory run history. It implements
// pipeline.Recorder.
type MemoryStore struct {
	mu sync.RWMutex

	// key: pipeline name, value: history
	data map[string]*RunHistory

	// max number of runs kept per pipeline
	maxHistory int
}

// NewMemoryStore creates a new MemoryStore.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*RunHistory),
		maxHistory: maxHistory,
	}
}

// Record inserts a run or replaces the earlier snapshot with the same run ID.
func (s *MemoryStore) Record(rep pipeline.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.data[rep.Pipeline]
	if !ok {
		history = &RunHistory{}
		s.data[rep.Pipeline] = history
	}

	for i := len(history.Runs) - 1; i >= 0; i-- {
		if history.Runs[i].RunID == rep.RunID {
			history.Runs[i] = rep
			return
		}
	}
	history.Runs = append(history.Runs, rep)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(history.Runs) > s.maxHistory {
		over := len(history.Runs) - s.maxHistory
		history.Runs = history.Runs[over:]
	}
}

// Latest returns the most recently started run of a pipeline.
func (s *MemoryStore) Latest(name string) (pipeline.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[name]
	if !ok || len(history.Runs) == 0 {
		return pipeline.Report{}, ErrNotFound
	}
	return history.Runs[len(history.Runs)-1], nil
}

// History returns the runs of a pipeline that started between from and to
// (inclusive). Zero bounds are open.
func (s *MemoryStore) History(name string, from, to time.Time) ([]pipeline.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[name]
	if !ok || len(history.Runs) == 0 {
		return nil, ErrNotFound
	}

	var result []pipeline.Report
	for _, run := range history.Runs {
		if !from.IsZero() && run.StartedAt.Before(from) {
			continue
		}
		if !to.IsZero() && run.StartedAt.After(to) {
			continue
		}
		result = append(result, run)
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}
