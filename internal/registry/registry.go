// Package registry provides the process-wide in-memory store of test runs,
// indexed by run id. It is created once at process start and shared by the
// dispatcher and the query paths; run history does not survive a restart.
package registry

import (
	"fmt"
	"sync"

	"github.com/gibbon-labs/gibbon/internal/flow"
	"github.com/gibbon-labs/gibbon/pkg/core"
)

// RunRegistry maps run ids to their live state machines.
type RunRegistry struct {
	mu sync.RWMutex

	// byID maps run ids to run state; order remembers insertion so List
	// can return newest-first without sorting timestamps.
	byID  map[string]*flow.RunState
	order []string
}

// New creates an empty registry.
func New() *RunRegistry {
	return &RunRegistry{byID: make(map[string]*flow.RunState)}
}

// Register adds a run. Registering the same id twice is an orchestration
// bug and returns an error rather than silently replacing the run.
func (r *RunRegistry) Register(run *flow.RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := run.ID()
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("run %s already registered", id)
	}
	r.byID[id] = run
	r.order = append(r.order, id)
	return nil
}

// Get returns the run with the given id, or core.ErrNotFound.
func (r *RunRegistry) Get(id string) (*flow.RunState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, core.ErrNotFound)
	}
	return run, nil
}

// List returns summaries of all runs, most recent first.
func (r *RunRegistry) List() []core.RunSummary {
	r.mu.RLock()
	runs := make([]*flow.RunState, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		runs = append(runs, r.byID[r.order[i]])
	}
	r.mu.RUnlock()

	// Snapshots are taken outside the registry lock; each run has its own.
	out := make([]core.RunSummary, len(runs))
	for i, run := range runs {
		out[i] = run.Summary()
	}
	return out
}

// Len returns the number of registered runs.
func (r *RunRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
