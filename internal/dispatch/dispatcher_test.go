package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gibbon-labs/gibbon/internal/connector"
	"github.com/gibbon-labs/gibbon/internal/events"
	"github.com/gibbon-labs/gibbon/internal/registry"
	"github.com/gibbon-labs/gibbon/internal/state"
	"github.com/gibbon-labs/gibbon/internal/testutil"
	"github.com/gibbon-labs/gibbon/pkg/core"
)

type fixture struct {
	catalog    *connector.Catalog
	registry   *registry.RunRegistry
	bus        *events.Broadcaster
	history    *state.Store
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, configs map[string]string) *fixture {
	t.Helper()

	dir := t.TempDir()
	for name, content := range configs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
	}

	history := state.NewStore(nil)
	require.NoError(t, history.Open(":memory:"))
	require.NoError(t, history.Migrate())
	t.Cleanup(func() { _ = history.Close() })

	catalog := connector.NewCatalog(dir)
	reg := registry.New()
	bus := events.New()
	d := New(catalog, reg, bus, history, 4, testutil.NewTestLogger(t))

	return &fixture{catalog: catalog, registry: reg, bus: bus, history: history, dispatcher: d}
}

const passingConfig = `
name: scripted-pass
connector:
  type: scripted
test_flow:
  steps: [create, sync, verify]
`

const failingConfig = `
name: scripted-fail
connector:
  type: scripted
  config_fields:
    fail_step: verify
test_flow:
  steps: [create, sync, verify]
`

func waitTerminal(t *testing.T, f *fixture, id string) core.RunDetail {
	t.Helper()
	run, err := f.registry.Get(id)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if run.Status().Terminal() {
			return run.Snapshot()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish, status %s", id, run.Status())
	return core.RunDetail{}
}

func TestStartRunExecutesToPassed(t *testing.T) {
	f := newFixture(t, map[string]string{"pass.yaml": passingConfig})

	summary, err := f.dispatcher.StartRun(context.Background(), "pass.yaml")
	require.NoError(t, err)
	assert.NotEmpty(t, summary.ID)
	assert.Equal(t, "scripted", summary.Connector)

	detail := waitTerminal(t, f, summary.ID)
	assert.Equal(t, core.RunStatusPassed, detail.Status)
	assert.Equal(t, "pass.yaml", detail.ConfigRef)
	f.dispatcher.Wait()

	// Terminal snapshot and logs are mirrored to history.
	stored, err := f.history.GetRun(summary.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusPassed, stored.Status)
	assert.NotEmpty(t, stored.LogsTail)
}

func TestStartRunUnknownConfig(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.dispatcher.StartRun(context.Background(), "ghost.yaml")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 0, f.registry.Len())
}

func TestStartRunInvalidStepDoesNotRegisterRun(t *testing.T) {
	f := newFixture(t, map[string]string{"bad.yaml": `
name: bad-steps
connector:
  type: scripted
test_flow:
  steps: [create, warp]
`})

	_, err := f.dispatcher.StartRun(context.Background(), "bad.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warp")
	assert.Equal(t, 0, f.registry.Len())
}

// One failing run must not affect its siblings.
func TestStartAllIsolatesFailures(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.yaml": passingConfig,
		"b.yaml": failingConfig,
		"c.yaml": passingConfig,
	})

	summaries, err := f.dispatcher.StartAll(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 3)

	seen := map[string]bool{}
	for _, s := range summaries {
		assert.False(t, seen[s.ID], "run ids must be distinct")
		seen[s.ID] = true
	}

	f.dispatcher.Wait()

	byConfig := map[string]core.RunDetail{}
	for _, s := range summaries {
		run, err := f.registry.Get(s.ID)
		require.NoError(t, err)
		detail := run.Snapshot()
		byConfig[detail.ConfigRef] = detail
	}
	assert.Equal(t, core.RunStatusPassed, byConfig["a.yaml"].Status)
	assert.Equal(t, core.RunStatusFailed, byConfig["b.yaml"].Status)
	assert.Equal(t, core.RunStatusPassed, byConfig["c.yaml"].Status)
}

func TestStartAllReportsBrokenConfigsAndStartsRest(t *testing.T) {
	f := newFixture(t, map[string]string{
		"good.yaml":   passingConfig,
		"broken.yaml": "name: broken\n", // missing connector.type
	})

	summaries, err := f.dispatcher.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
	require.Len(t, summaries, 1)

	f.dispatcher.Wait()
	assert.Equal(t, core.RunStatusPassed, waitTerminal(t, f, summaries[0].ID).Status)
}

func TestCancelFailsRunWithCancelledReason(t *testing.T) {
	f := newFixture(t, map[string]string{"slow.yaml": `
name: scripted-slow
connector:
  type: scripted
  config_fields:
    latency_ms: 2000
test_flow:
  steps: [create, sync, verify]
`})

	summary, err := f.dispatcher.StartRun(context.Background(), "slow.yaml")
	require.NoError(t, err)

	// Give the run a moment to get past queued.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.dispatcher.Cancel(summary.ID))

	detail := waitTerminal(t, f, summary.ID)
	assert.Equal(t, core.RunStatusFailed, detail.Status)

	cancelled := false
	for _, step := range detail.Steps {
		if step.Status == core.StepStatusFailed {
			assert.Contains(t, step.Error, "cancelled")
			cancelled = true
		}
	}
	assert.True(t, cancelled, "a step should carry the cancelled reason")
	f.dispatcher.Wait()
}

func TestConcurrencyLimitQueuesExcessRuns(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.yaml": `
name: scripted-slow
connector:
  type: scripted
  config_fields:
    latency_ms: 500
test_flow:
  steps: [create]
`,
		"b.yaml": passingConfig,
	})
	d := New(f.catalog, f.registry, f.bus, f.history, 1, testutil.NewTestLogger(t))

	first, err := d.StartRun(context.Background(), "a.yaml")
	require.NoError(t, err)
	second, err := d.StartRun(context.Background(), "b.yaml")
	require.NoError(t, err)

	// The second run waits for the semaphore and stays queued meanwhile.
	time.Sleep(50 * time.Millisecond)
	secondRun, err := f.registry.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusQueued, secondRun.Status())

	// Cancelling a queued run fails it without ever starting a step.
	require.NoError(t, d.Cancel(second.ID))
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !secondRun.Status().Terminal() {
		time.Sleep(5 * time.Millisecond)
	}
	detail := secondRun.Snapshot()
	assert.Equal(t, core.RunStatusFailed, detail.Status)
	for _, step := range detail.Steps {
		assert.Equal(t, core.StepStatusPending, step.Status)
	}

	waitTerminal(t, f, first.ID)
	d.Wait()
}

func TestCancelUnknownRun(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.dispatcher.Cancel("ghost"), core.ErrNotFound)
}

func TestCancelFinishedRunIsInvalid(t *testing.T) {
	f := newFixture(t, map[string]string{"pass.yaml": passingConfig})

	summary, err := f.dispatcher.StartRun(context.Background(), "pass.yaml")
	require.NoError(t, err)
	waitTerminal(t, f, summary.ID)
	f.dispatcher.Wait()

	assert.ErrorIs(t, f.dispatcher.Cancel(summary.ID), core.ErrInvalidTransition)
}

func TestRunCreatedAnnouncedOnGlobalFeed(t *testing.T) {
	f := newFixture(t, map[string]string{"pass.yaml": passingConfig})

	sub := f.bus.Subscribe(events.Global)
	defer sub.Close()

	summary, err := f.dispatcher.StartRun(context.Background(), "pass.yaml")
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == events.TypeRunCreated {
				assert.Equal(t, summary.ID, ev.RunID)
				f.dispatcher.Wait()
				return
			}
		case <-deadline:
			t.Fatal("run_created not observed on global feed")
		}
	}
}
