package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type recorded struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recorded) Record(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recorded) last() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports[len(r.reports)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	errBoom := errors.New("boom")
	var ran []int

	var stages []Stage
	for i := 1; i <= 5; i++ {
		i := i
		stages = append(stages, NewStage(fmt.Sprintf("stage-%d", i), func(context.Context) error {
			ran = append(ran, i)
			if i == 2 {
				return errBoom
			}
			return nil
		}))
	}

	rec := &recorded{}
	rep, err := NewRunner("daily", stages, quietLogger(), rec).Run(context.Background())

	if !errors.Is(err, errBoom) {
		t.Fatalf("expected stage error to propagate, got %v", err)
	}
	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != "stage-2" || serr.Index != 1 {
		t.Fatalf("expected StageError for stage-2, got %#v", err)
	}
	if len(ran) != 2 || ran[0] != 1 || ran[1] != 2 {
		t.Fatalf("expected only stages 1 and 2 to run, got %v", ran)
	}

	if rep.State != Failed {
		t.Fatalf("expected failed run, got %s", rep.State)
	}
	want := []State{Completed, Failed, Pending, Pending, Pending}
	for i, s := range rep.Stages {
		if s.State != want[i] {
			t.Fatalf("stage %d: expected %s, got %s", i+1, want[i], s.State)
		}
	}
	if last := rec.last(); last.State != Failed || last.RunID != rep.RunID {
		t.Fatalf("expected recorder to see the failed run, got %+v", last)
	}
}

func TestRunnerCompletes(t *testing.T) {
	var order []string
	stages := []Stage{
		NewStage("parameters", func(context.Context) error { order = append(order, "parameters"); return nil }),
		NewStage("transform-parameter", func(context.Context) error { order = append(order, "transform-parameter"); return nil }),
		NewStage("load-parameter", func(context.Context) error { order = append(order, "load-parameter"); return nil }),
	}
	r := NewRunner("weekly", stages, quietLogger(), nil)

	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.State != Completed {
		t.Fatalf("expected completed, got %s", rep.State)
	}
	names := r.StageNames()
	for i := range names {
		if order[i] != names[i] {
			t.Fatalf("stages ran out of order: %v", order)
		}
	}
	if rep.RunID == "" {
		t.Fatalf("expected a run id")
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	stages := []Stage{
		NewStage("explodes", func(context.Context) error { panic("nil map") }),
		NewStage("never", func(context.Context) error { t.Fatalf("must not run"); return nil }),
	}
	_, err := NewRunner("daily", stages, quietLogger(), nil).Run(context.Background())
	if err == nil {
		t.Fatalf("expected error from panicking stage")
	}
}

func TestBatchReport(t *testing.T) {
	var b BatchReport
	b.Add("raw/sensors/a.json", 3, nil)
	b.Add("raw/sensors/b.json", 0, errors.New("bad json"))
	b.Add("raw/sensors/c.json", 2, nil)

	if len(b.Succeeded()) != 2 || len(b.Failed()) != 1 {
		t.Fatalf("unexpected split: %d ok, %d failed", len(b.Succeeded()), len(b.Failed()))
	}
	if b.Total() != 5 {
		t.Fatalf("expected total 5, got %d", b.Total())
	}
	if b.AllFailed() {
		t.Fatalf("batch with successes is not all-failed")
	}
	if b.Err() == nil {
		t.Fatalf("expected joined error")
	}

	var empty BatchReport
	if empty.AllFailed() || empty.Err() != nil {
		t.Fatalf("empty batch has no failures")
	}
}
