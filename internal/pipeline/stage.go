// Package pipeline runs ordered stage chains and records how they ended.
package pipeline

import (
	"context"
	"fmt"
)

// Stage is one unit of orchestrated work. Run returns an error when the
// stage could not produce its output.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

type funcStage struct {
	name string
	fn   func(ctx context.Context) error
}

func (s funcStage) Name() string                  { return s.name }
func (s funcStage) Run(ctx context.Context) error { return s.fn(ctx) }

// NewStage adapts a function to a Stage.
func NewStage(name string, fn func(ctx context.Context) error) Stage {
	return funcStage{name: name, fn: fn}
}

// StageError reports the stage that stopped a run.
type StageError struct {
	Pipeline string
	Stage    string
	Index    int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %s: stage %d (%s) failed: %v", e.Pipeline, e.Index+1, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
