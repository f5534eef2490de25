package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gibbon-labs/gibbon/internal/events"
	"github.com/gibbon-labs/gibbon/internal/testutil"
	"github.com/gibbon-labs/gibbon/pkg/core"
)

func passStep(ctx context.Context) error { return nil }

func failStep(msg string) StepFunc {
	return func(ctx context.Context) error { return fmt.Errorf("%s", msg) }
}

func TestExecuteAllStepsPass(t *testing.T) {
	names := []string{"setup", "create", "sync", "verify"}
	run := New("github", "github.yaml", names, events.New(), nil)

	steps := make([]Step, len(names))
	for i, name := range names {
		steps[i] = Step{Name: name, Run: passStep}
	}

	cleaned := false
	NewExecutor(testutil.NewTestLogger(t)).Execute(context.Background(), run, steps, func(ctx context.Context) error {
		cleaned = true
		return nil
	})

	detail := run.Snapshot()
	assert.Equal(t, core.RunStatusPassed, detail.Status)
	assert.Equal(t, 1.0, detail.Progress)
	assert.True(t, cleaned, "cleanup must run")
	assert.Contains(t, detail.LogsTail, "Run finished with status: passed")
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	names := []string{"setup", "create", "verify"}
	run := New("github", "github.yaml", names, events.New(), nil)

	thirdRan := false
	steps := []Step{
		{Name: "setup", Run: passStep},
		{Name: "create", Run: failStep("rate limited")},
		{Name: "verify", Run: func(ctx context.Context) error {
			thirdRan = true
			return nil
		}},
	}

	NewExecutor(nil).Execute(context.Background(), run, steps, nil)

	detail := run.Snapshot()
	assert.Equal(t, core.RunStatusFailed, detail.Status)
	assert.False(t, thirdRan, "steps after a failure must not run")
	assert.Equal(t, core.StepStatusPassed, detail.Steps[0].Status)
	assert.Equal(t, core.StepStatusFailed, detail.Steps[1].Status)
	assert.Equal(t, core.StepStatusPending, detail.Steps[2].Status)
	assert.InDelta(t, 1.0/3.0, detail.Progress, 1e-9)

	// The failure names its step and lands in the log tail.
	assert.Contains(t, detail.Steps[1].Error, "create")
	assert.Contains(t, detail.Steps[1].Error, "rate limited")
	require.NotEmpty(t, detail.LogsTail)
	assert.Contains(t, detail.LogsTail[0], "ERROR:")
}

func TestExecuteCleanupFailureDoesNotChangeStatus(t *testing.T) {
	run := New("github", "github.yaml", []string{"only"}, events.New(), nil)

	NewExecutor(nil).Execute(context.Background(), run, []Step{{Name: "only", Run: passStep}}, func(ctx context.Context) error {
		return errors.New("could not delete collection")
	})

	detail := run.Snapshot()
	assert.Equal(t, core.RunStatusPassed, detail.Status)

	found := false
	for _, line := range detail.LogsTail {
		if line == "WARN: cleanup failed: could not delete collection" {
			found = true
		}
	}
	assert.True(t, found, "cleanup failure must be logged")
}

func TestExecuteCleanupRunsAfterFailure(t *testing.T) {
	run := New("github", "github.yaml", []string{"only"}, events.New(), nil)

	cleaned := false
	NewExecutor(nil).Execute(context.Background(), run, []Step{{Name: "only", Run: failStep("boom")}}, func(ctx context.Context) error {
		cleaned = true
		return nil
	})

	assert.True(t, cleaned)
	assert.Equal(t, core.RunStatusFailed, run.Status())
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	run := New("github", "github.yaml", []string{"a", "b"}, events.New(), nil)

	steps := []Step{
		{Name: "a", Run: func(ctx context.Context) error { panic("nil map write") }},
		{Name: "b", Run: passStep},
	}

	require.NotPanics(t, func() {
		NewExecutor(nil).Execute(context.Background(), run, steps, nil)
	})

	detail := run.Snapshot()
	assert.Equal(t, core.RunStatusFailed, detail.Status)
	assert.Contains(t, detail.Steps[0].Error, "internal error")
}

func TestExecuteCancellationFailsRunWithCancelledReason(t *testing.T) {
	run := New("github", "github.yaml", []string{"slow"}, events.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	steps := []Step{{
		Name: "slow",
		Run: func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	cleanupRan := false
	NewExecutor(nil).Execute(ctx, run, steps, func(cctx context.Context) error {
		// Cleanup must still get a live context after cancellation.
		assert.NoError(t, cctx.Err())
		cleanupRan = true
		return nil
	})

	detail := run.Snapshot()
	assert.Equal(t, core.RunStatusFailed, detail.Status)
	assert.Contains(t, detail.Steps[0].Error, "cancelled")
	assert.True(t, cleanupRan)
}

func TestExecuteRecordsStepDurations(t *testing.T) {
	run := New("github", "github.yaml", []string{"nap"}, events.New(), nil)

	steps := []Step{{
		Name: "nap",
		Run: func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		},
	}}
	NewExecutor(nil).Execute(context.Background(), run, steps, nil)

	step := run.Snapshot().Steps[0]
	require.NotNil(t, step.Duration)
	assert.Greater(t, *step.Duration, 0.0)
	require.NotNil(t, step.StartedAt)
	require.NotNil(t, step.EndedAt)
	assert.False(t, step.EndedAt.Before(*step.StartedAt))
}

func TestStepErrorWrapsCause(t *testing.T) {
	cause := errors.New("search returned nothing")
	err := &core.StepError{Step: "verify", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "verify")
}
