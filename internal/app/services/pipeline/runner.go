// Package pipeline drives the post-confirmation settlement stages. Stages
// are independently idempotent, so the runner can execute them inline during
// a confirm call or asynchronously from the watcher, with per-stage retry.
package pipeline

import (
	"context"
	"time"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
	"github.com/boxhunt/settlement_layer/internal/app/metrics"
	"github.com/boxhunt/settlement_layer/pkg/logger"
)

// Stage is one settlement step operating on a position reference.
type Stage interface {
	Name() string
	Run(ctx context.Context, ref string) error
}

// Outcome reports one stage execution. A state-conflict outcome means
// another caller already performed the stage; the chain continues.
type Outcome struct {
	Stage    string         `json:"stage"`
	OK       bool           `json:"ok"`
	Conflict bool           `json:"conflict,omitempty"`
	Class    position.Class `json:"class,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
}

// Runner executes an ordered stage list.
type Runner struct {
	log          *logger.Logger
	maxAttempts  int
	baseBackoff  time.Duration
	asyncTimeout time.Duration
}

// New creates a runner. Infrastructure-class failures are retried up to
// maxAttempts with doubling backoff; every other class fails the stage on
// the first attempt.
func New(log *logger.Logger, maxAttempts int, baseBackoff time.Duration) *Runner {
	if log == nil {
		log = logger.NewDefault("pipeline")
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = 500 * time.Millisecond
	}
	return &Runner{
		log:          log,
		maxAttempts:  maxAttempts,
		baseBackoff:  baseBackoff,
		asyncTimeout: 5 * time.Minute,
	}
}

// Run executes the stages in order. A stage failure stops the chain: later
// stages depend on the earlier transition having been committed. Committed
// stages are never rolled back.
func (r *Runner) Run(ctx context.Context, ref string, stages ...Stage) []Outcome {
	outcomes := make([]Outcome, 0, len(stages))
	for _, stage := range stages {
		outcome := r.runStage(ctx, ref, stage)
		outcomes = append(outcomes, outcome)
		if !outcome.OK && !outcome.Conflict {
			break
		}
	}
	return outcomes
}

// Go executes the stages on a background context, detached from the caller.
func (r *Runner) Go(ref string, stages ...Stage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.asyncTimeout)
		defer cancel()
		outcomes := r.Run(ctx, ref, stages...)
		for _, outcome := range outcomes {
			if !outcome.OK && !outcome.Conflict {
				r.log.WithField("ref", ref).
					WithField("stage", outcome.Stage).
					WithField("class", string(outcome.Class)).
					Warn("async stage failed: ", outcome.Error)
			}
		}
	}()
}

func (r *Runner) runStage(ctx context.Context, ref string, stage Stage) (outcome Outcome) {
	outcome = Outcome{Stage: stage.Name()}
	start := time.Now()
	defer func() {
		result := "error"
		switch {
		case outcome.OK:
			result = "ok"
		case outcome.Conflict:
			result = "conflict"
		}
		metrics.RecordStageRun(stage.Name(), result, time.Since(start))
	}()

	backoff := r.baseBackoff
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		outcome.Attempts = attempt

		err := stage.Run(ctx, ref)
		if err == nil {
			outcome.OK = true
			outcome.Class = ""
			outcome.Error = ""
			return outcome
		}

		class := position.ClassOf(err)
		outcome.Class = class
		outcome.Error = err.Error()

		if class == position.ClassStateConflict {
			// Someone else already advanced the position. Not a failure.
			outcome.Conflict = true
			return outcome
		}
		if class != position.ClassInfrastructure || attempt == r.maxAttempts {
			return outcome
		}

		r.log.WithField("ref", ref).
			WithField("stage", stage.Name()).
			WithError(err).
			Warn("stage failed, retrying")

		select {
		case <-ctx.Done():
			return outcome
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return outcome
}

// Func adapts a function to the Stage interface.
type Func struct {
	StageName string
	Fn        func(ctx context.Context, ref string) error
}

func (f Func) Name() string                              { return f.StageName }
func (f Func) Run(ctx context.Context, ref string) error { return f.Fn(ctx, ref) }
