// Package dispatch turns config references into executing runs: it resolves
// the config, assembles the connector's capabilities, registers the run,
// and drives it on its own goroutine. Concurrency across runs is unbounded
// by default; when a limit is configured, runs beyond it wait in status
// queued.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gibbon-labs/gibbon/internal/connector"
	"github.com/gibbon-labs/gibbon/internal/events"
	"github.com/gibbon-labs/gibbon/internal/flow"
	"github.com/gibbon-labs/gibbon/internal/registry"
	"github.com/gibbon-labs/gibbon/internal/state"
	"github.com/gibbon-labs/gibbon/pkg/core"
)

// Dispatcher starts and cancels test runs.
type Dispatcher struct {
	catalog  *connector.Catalog
	registry *registry.RunRegistry
	bus      *events.Broadcaster
	history  *state.Store
	executor *flow.Executor
	logger   *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a dispatcher. maxConcurrent bounds the number of runs
// executing at once; zero or negative means unbounded. history may be nil,
// in which case runs are not persisted.
func New(catalog *connector.Catalog, reg *registry.RunRegistry, bus *events.Broadcaster, history *state.Store, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}
	return &Dispatcher{
		catalog:  catalog,
		registry: reg,
		bus:      bus,
		history:  history,
		executor: flow.NewExecutor(logger),
		logger:   logger,
		sem:      sem,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// StartRun resolves a config reference, creates a run for it and starts
// executing on a new goroutine. The returned summary carries the new run id;
// the run itself is at best queued at this point.
func (d *Dispatcher) StartRun(ctx context.Context, configRef string) (core.RunSummary, error) {
	cfg, err := d.catalog.Resolve(configRef)
	if err != nil {
		return core.RunSummary{}, err
	}

	run := flow.New(cfg.Connector.Type, configRef, connector.StepNames(cfg), d.bus, d.logger)
	runLogger := flow.NewRunLogger(run)

	caps, err := connector.NewCapabilities(cfg, runLogger)
	if err != nil {
		return core.RunSummary{}, fmt.Errorf("config %q: %w", configRef, err)
	}
	lc := connector.NewLifecycle(cfg, caps, runLogger)
	steps, err := lc.Build()
	if err != nil {
		return core.RunSummary{}, fmt.Errorf("config %q: %w", configRef, err)
	}

	if err := d.registry.Register(run); err != nil {
		return core.RunSummary{}, err
	}
	run.AnnounceCreated()
	d.persist(run)

	// Runs outlive the request that started them; only Cancel or process
	// shutdown stops one early.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.cancels[run.ID()] = cancel
	d.mu.Unlock()

	d.logger.Info("run queued", "run_id", run.ID(), "connector", run.Connector(), "config", configRef)

	d.wg.Add(1)
	go d.execute(runCtx, run, steps, lc)

	return run.Summary(), nil
}

// StartAll starts one run per discovered config. A config that fails to
// start does not stop the others; the errors are joined and returned next
// to the summaries of the runs that did start.
func (d *Dispatcher) StartAll(ctx context.Context) ([]core.RunSummary, error) {
	infos, err := d.catalog.List()
	if err != nil {
		return nil, err
	}

	var (
		summaries []core.RunSummary
		errs      []error
	)
	for _, info := range infos {
		summary, err := d.StartRun(ctx, info.Path)
		if err != nil {
			d.logger.Error("failed to start run", "config", info.Path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", info.Path, err))
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, errors.Join(errs...)
}

// Cancel stops the run with the given id. Cancelling an unknown run returns
// core.ErrNotFound; cancelling a finished run returns ErrInvalidTransition.
func (d *Dispatcher) Cancel(runID string) error {
	run, err := d.registry.Get(runID)
	if err != nil {
		return err
	}
	if run.Status().Terminal() {
		return fmt.Errorf("%w: run %s already %s", core.ErrInvalidTransition, runID, run.Status())
	}

	d.mu.Lock()
	cancel, ok := d.cancels[runID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, core.ErrNotFound)
	}

	d.logger.Info("cancelling run", "run_id", runID)
	cancel()
	return nil
}

// Wait blocks until every started run has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels every live run and waits for their cleanup hooks to
// complete.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) execute(ctx context.Context, run *flow.RunState, steps []flow.Step, lc *connector.Lifecycle) {
	defer d.wg.Done()
	defer d.release(run.ID())

	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			run.Fail("cancelled while queued")
			d.persist(run)
			return
		}
	}

	d.executor.Execute(ctx, run, steps, lc.Cleanup)
	d.persist(run)
}

func (d *Dispatcher) release(runID string) {
	d.mu.Lock()
	if cancel, ok := d.cancels[runID]; ok {
		cancel()
		delete(d.cancels, runID)
	}
	d.mu.Unlock()
}

// persist snapshots the run into the history store. Persistence failures
// are logged, never surfaced: history is an observer of the run, not a
// participant.
func (d *Dispatcher) persist(run *flow.RunState) {
	if d.history == nil {
		return
	}
	snapshot := run.Snapshot()
	if err := d.history.SaveRun(snapshot); err != nil {
		d.logger.Error("failed to persist run", "run_id", snapshot.ID, "error", err)
		return
	}
	if snapshot.Status.Terminal() {
		if err := d.history.AppendLogs(snapshot.ID, snapshot.LogsTail); err != nil {
			d.logger.Error("failed to persist run logs", "run_id", snapshot.ID, "error", err)
		}
	}
}
