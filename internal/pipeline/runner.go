package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/clean-air-etl/internal/metrics"
)

// State is the lifecycle state of a run or of one of its stages.
type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
)

// StageReport is the outcome of one stage within a run.
type StageReport struct {
	Name       string        `json:"name"`
	State      State         `json:"state"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Report is a snapshot of one run.
type Report struct {
	RunID      string        `json:"run_id"`
	Pipeline   string        `json:"pipeline"`
	State      State         `json:"state"`
	Current    int           `json:"current_stage"`
	Stages     []StageReport `json:"stages"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Recorder receives a Report every time a run changes state.
type Recorder interface {
	Record(r Report)
}

// Runner executes its stages strictly in order. The first failing stage
// stops the run: later stages never execute and the error is returned.
// There is no retry and no skip; retrying is the scheduler's decision.
type Runner struct {
	name     string
	stages   []Stage
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// NewRunner creates a Runner. recorder may be nil.
func NewRunner(name string, stages []Stage, logger *slog.Logger, recorder Recorder) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		name:     name,
		stages:   stages,
		logger:   logger,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Runner) Name() string {
	return r.name
}

// StageNames returns the stage names in execution order.
func (r *Runner) StageNames() []string {
	out := make([]string, len(r.stages))
	for i, s := range r.stages {
		out[i] = s.Name()
	}
	return out
}

// Run executes the chain once. The returned error is a *StageError.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	rep := Report{
		RunID:     uuid.NewString(),
		Pipeline:  r.name,
		State:     Running,
		StartedAt: r.now(),
		Stages:    make([]StageReport, len(r.stages)),
	}
	for i, s := range r.stages {
		rep.Stages[i] = StageReport{Name: s.Name(), State: Pending}
	}
	logger := r.logger.With("pipeline", r.name, "run_id", rep.RunID)
	logger.Info("pipeline started", "stages", len(r.stages))
	r.record(rep)

	for i, s := range r.stages {
		rep.Current = i
		sr := &rep.Stages[i]
		sr.State = Running
		sr.StartedAt = r.now()
		r.record(rep)

		stageLogger := logger.With("stage", s.Name())
		stageLogger.Info("stage started", "index", i+1)

		err := runStage(ctx, s)

		sr.FinishedAt = r.now()
		sr.Duration = sr.FinishedAt.Sub(sr.StartedAt)
		metrics.HistogramStageDuration.WithLabelValues(r.name, s.Name()).Observe(sr.Duration.Seconds())

		if err != nil {
			sr.State = Failed
			sr.Error = err.Error()
			metrics.CounterStageRuns.WithLabelValues(r.name, s.Name(), string(Failed)).Inc()

			serr := &StageError{Pipeline: r.name, Stage: s.Name(), Index: i, Err: err}
			rep.State = Failed
			rep.Error = serr.Error()
			rep.FinishedAt = r.now()
			stageLogger.Error("stage failed; aborting pipeline", "error", err, "duration", sr.Duration)
			r.record(rep)
			return rep, serr
		}

		sr.State = Completed
		metrics.CounterStageRuns.WithLabelValues(r.name, s.Name(), string(Completed)).Inc()
		stageLogger.Info("stage completed", "duration", sr.Duration)
	}

	rep.State = Completed
	rep.FinishedAt = r.now()
	logger.Info("pipeline completed", "duration", rep.FinishedAt.Sub(rep.StartedAt))
	r.record(rep)
	return rep, nil
}

// runStage turns a panic inside a stage into an error so that the run is
// marked failed instead of taking the process down.
func runStage(ctx context.Context, s Stage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.Run(ctx)
}

func (r *Runner) record(rep Report) {
	if r.recorder == nil {
		return
	}
	cp := rep
	cp.Stages = append([]StageReport(nil), rep.Stages...)
	r.recorder.Record(cp)
}
