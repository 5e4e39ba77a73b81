package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/clean-air-etl/internal/pipeline"
	"github.com/i474232898/clean-air-etl/internal/store"
)

// Pipeline names.
const (
	Daily  = "daily"
	Weekly = "weekly"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrAlreadyRunning  = errors.New("pipeline is already running")
)

// Service owns the daily and weekly runners and their run history.
type Service struct {
	runners map[string]*pipeline.Runner
	history *store.MemoryStore
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// NewService creates a new Service.
func NewService(stages *Stages, history *store.MemoryStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runners: map[string]*pipeline.Runner{
			Daily:  pipeline.NewRunner(Daily, stages.Daily(), logger, history),
			Weekly: pipeline.NewRunner(Weekly, stages.Weekly(), logger, history),
		},
		history: history,
		logger:  logger,
		running: make(map[string]bool),
	}
}

// Pipelines returns the known pipeline names, sorted.
func (s *Service) Pipelines() []string {
	names := make([]string, 0, len(s.runners))
	for n := range s.runners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes a pipeline synchronously and returns its report. The error
// is the failing stage's *pipeline.StageError.
func (s *Service) Run(ctx context.Context, name string) (pipeline.Report, error) {
	r, err := s.acquire(name)
	if err != nil {
		return pipeline.Report{}, err
	}
	defer s.release(name)
	return r.Run(ctx)
}

// Start runs a pipeline in the background. The run is detached from ctx's
// cancellation so that it outlives the request that triggered it.
func (s *Service) Start(ctx context.Context, name string) error {
	r, err := s.acquire(name)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(name)
		if _, err := r.Run(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("background run failed", "pipeline", name, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every run started with Start has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Running reports whether a pipeline is executing right now.
func (s *Service) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[name]
}

// Latest returns the most recent run of a pipeline.
func (s *Service) Latest(name string) (pipeline.Report, error) {
	if _, ok := s.runners[name]; !ok {
		return pipeline.Report{}, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}
	return s.history.Latest(name)
}

// History returns the runs of a pipeline started between from and to.
// Zero bounds are open.
func (s *Service) History(name string, from, to time.Time) ([]pipeline.Report, error) {
	if _, ok := s.runners[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}
	return s.history.History(name, from, to)
}

func (s *Service) acquire(name string) (*pipeline.Runner, error) {
	r, ok := s.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	s.running[name] = true
	return r, nil
}

func (s *Service) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}
