package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gibbon-labs/gibbon/pkg/core"
)

// cleanupTimeout bounds the best-effort cleanup hook, which runs on a
// context detached from the run's (cleanup must still happen after cancel).
const cleanupTimeout = 2 * time.Minute

// StepFunc is one step's work function. It may call out to the connector's
// capabilities and take seconds to minutes; it is expected to enforce its
// own timeout and surface it as an error.
type StepFunc func(ctx context.Context) error

// Step pairs a lifecycle step name with its work function.
type Step struct {
	Name string
	Run  StepFunc
}

// Executor runs the ordered step sequence for one run, driving the state
// machine. Steps within a run are strictly sequential; a failed step stops
// the sequence (later steps stay pending) and only cleanup still runs.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an Executor. A nil logger discards.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{logger: logger}
}

// Execute drives the run through its step sequence, then attempts the
// cleanup hook regardless of outcome. Failures inside steps never
// propagate: they become a failed run plus a logged summary. A panic or an
// orchestration bug force-fails the run at this boundary so it can never
// stay running forever.
func (e *Executor) Execute(ctx context.Context, run *RunState, steps []Step, cleanup StepFunc) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("panic in run", "run_id", run.ID(), "panic", p)
			run.Fail(fmt.Sprintf("internal error: %v", p))
		}
	}()

	for i, step := range steps {
		if err := run.BeginStep(i); err != nil {
			e.logger.Error("invalid transition", "run_id", run.ID(), "step", step.Name, "error", err)
			run.Fail(err.Error())
			break
		}

		err := step.Run(ctx)
		if err == nil {
			if endErr := run.EndStep(i, true, nil); endErr != nil {
				e.logger.Error("invalid transition", "run_id", run.ID(), "step", step.Name, "error", endErr)
				run.Fail(endErr.Error())
				break
			}
			continue
		}

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("cancelled: %w", err)
		}
		stepErr := &core.StepError{Step: step.Name, Err: err}
		run.AppendLog("ERROR: " + stepErr.Error())
		if endErr := run.EndStep(i, false, stepErr); endErr != nil {
			e.logger.Error("invalid transition", "run_id", run.ID(), "step", step.Name, "error", endErr)
			run.Fail(endErr.Error())
		}
		break
	}

	if cleanup != nil {
		// Best effort: cleanup failures are logged but never change the
		// run's already-decided status.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := cleanup(cctx); err != nil {
			e.logger.Warn("cleanup failed", "run_id", run.ID(), "error", err)
			run.AppendLog(fmt.Sprintf("WARN: cleanup failed: %v", err))
		}
	}

	run.AppendLog(fmt.Sprintf("Run finished with status: %s", run.Status()))
}
