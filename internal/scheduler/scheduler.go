package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/clean-air-etl/internal/etl"
)

// Scheduler triggers the daily and weekly pipelines on cron expressions
// (UTC). A tick that fires while the previous run of the same pipeline is
// still going is skipped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	service   *etl.Service
	schedules map[string]string
	logger    *slog.Logger
	timeout   time.Duration
}

// New creates a new Scheduler. schedules maps a pipeline name to a cron
// expression; timeout bounds a single run, zero means unbounded.
func New(service *etl.Service, schedules map[string]string, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		service:   service,
		schedules: schedules,
		logger:    logger,
		timeout:   timeout,
	}
}

// Start registers one job per pipeline and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.schedules) == 0 {
		s.logger.Warn("scheduler: no schedules configured; nothing to schedule")
		return nil
	}

	for name, expr := range s.schedules {
		name := name
		_, err := s.scheduler.Cron(expr).Tag(name).Do(func() {
			s.runOnce(name)
		})
		if err != nil {
			return err
		}
		s.logger.Info("scheduler: pipeline scheduled", "pipeline", name, "cron", expr)
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) runOnce(name string) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info("scheduler: running pipeline", "pipeline", name)
	rep, err := s.service.Run(ctx, name)
	switch {
	case errors.Is(err, etl.ErrAlreadyRunning):
		s.logger.Warn("scheduler: pipeline still running; skipping tick", "pipeline", name)
	case err != nil:
		s.logger.Error("scheduler: pipeline failed", "pipeline", name, "run_id", rep.RunID, "error", err)
	default:
		s.logger.Info("scheduler: pipeline completed", "pipeline", name, "run_id", rep.RunID)
	}
}

// NextRun returns when a pipeline fires next. ok is false when it is not
// scheduled.
func (s *Scheduler) NextRun(name string) (next time.Time, ok bool) {
	jobs, err := s.scheduler.FindJobsByTag(name)
	if err != nil || len(jobs) == 0 {
		return time.Time{}, false
	}
	return jobs[0].NextRun(), true
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
