// Package flow owns one test run's lifecycle: the run state machine, the
// step executor that drives it, and the per-run log bridge. All mutations
// funnel through RunState methods; observers read via snapshots or event
// subscriptions and never see a torn write.
package flow

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gibbon-labs/gibbon/internal/events"
	"github.com/gibbon-labs/gibbon/pkg/core"
)

// LogTailCapacity bounds the per-run log buffer. On overflow the oldest
// line is dropped; logging must never be able to crash a run.
const LogTailCapacity = 500

// RunState is the state machine for a single run. A run is only ever
// mutated by its own executor goroutine, but is read concurrently by many
// subscriber and query paths, so every method takes the run lock.
//
// Events are published while the lock is held. That serializes sequence
// numbers with subscription backlog capture, which is what guarantees a
// late subscriber a gapless, duplicate-free join.
type RunState struct {
	mu sync.Mutex

	id        string
	connector string
	configRef string
	assetLogo string

	status    core.RunStatus
	steps     []core.Step
	startedAt *time.Time
	endedAt   *time.Time
	// completed counts steps that have ended either way and orders
	// BeginStep calls; passed is what progress is computed from, so a
	// failed step never counts toward it.
	completed int
	passed    int

	logs []events.Event
	seq  uint64

	bus    *events.Broadcaster
	logger *slog.Logger
}

// New allocates a run in status queued with the full step list pending.
func New(connector, configRef string, stepNames []string, bus *events.Broadcaster, logger *slog.Logger) *RunState {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	steps := make([]core.Step, len(stepNames))
	for i, name := range stepNames {
		steps[i] = core.Step{
			Name:   strings.ToLower(name),
			Index:  i,
			Status: core.StepStatusPending,
		}
	}
	return &RunState{
		id:        uuid.New().String(),
		connector: connector,
		configRef: configRef,
		assetLogo: fmt.Sprintf("icons/%s.svg", strings.ToLower(connector)),
		status:    core.RunStatusQueued,
		steps:     steps,
		bus:       bus,
		logger:    logger,
	}
}

// ID returns the run's opaque id.
func (r *RunState) ID() string { return r.id }

// Connector returns the connector name the run exercises.
func (r *RunState) Connector() string { return r.connector }

// Status returns the current overall status.
func (r *RunState) Status() core.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StepCount returns the fixed number of steps.
func (r *RunState) StepCount() int { return len(r.steps) }

// AnnounceCreated publishes the run-created event on the global feed.
// Called once by the dispatcher after registering the run.
func (r *RunState) AnnounceCreated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishGlobal(events.TypeRunCreated)
}

// BeginStep marks step index as running. The first step also moves the run
// from queued to running. Out-of-order indices and post-terminal calls
// return ErrInvalidTransition.
func (r *RunState) BeginStep(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return fmt.Errorf("%w: begin step %d on %s run", core.ErrInvalidTransition, index, r.status)
	}
	if index < 0 || index >= len(r.steps) {
		return fmt.Errorf("%w: step index %d out of range", core.ErrInvalidTransition, index)
	}
	if index != r.completed {
		return fmt.Errorf("%w: begin step %d, expected %d", core.ErrInvalidTransition, index, r.completed)
	}
	step := &r.steps[index]
	if step.Status != core.StepStatusPending {
		return fmt.Errorf("%w: step %d is %s, expected pending", core.ErrInvalidTransition, index, step.Status)
	}

	now := time.Now().UTC()
	step.Status = core.StepStatusRunning
	step.StartedAt = &now
	if r.status == core.RunStatusQueued {
		r.status = core.RunStatusRunning
		r.startedAt = &now
	}
	r.publishStep(step)
	r.publishGlobal(events.TypeRunUpdated)
	return nil
}

// EndStep records the outcome of step index and recomputes run progress.
// A failed step immediately fails the run; the remaining steps stay
// pending. The last successful step passes the run.
func (r *RunState) EndStep(index int, success bool, stepErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.steps) {
		return fmt.Errorf("%w: step index %d out of range", core.ErrInvalidTransition, index)
	}
	step := &r.steps[index]
	if step.Status != core.StepStatusRunning {
		return fmt.Errorf("%w: end step %d which is %s", core.ErrInvalidTransition, index, step.Status)
	}

	now := time.Now().UTC()
	step.EndedAt = &now
	if step.StartedAt != nil {
		d := now.Sub(*step.StartedAt).Seconds()
		step.Duration = &d
	}
	if success {
		step.Status = core.StepStatusPassed
		r.passed++
	} else {
		step.Status = core.StepStatusFailed
		if stepErr != nil {
			step.Error = stepErr.Error()
		}
	}
	r.completed++

	r.publishStep(step)
	switch {
	case !success:
		r.finishLocked(core.RunStatusFailed, now)
	case r.passed == len(r.steps):
		r.finishLocked(core.RunStatusPassed, now)
	default:
		r.publishGlobal(events.TypeRunUpdated)
	}
	return nil
}

// Fail force-marks the run failed from an outer task boundary (panic,
// orchestration bug, cancellation). A run left running forever is the one
// unacceptable outcome. No-op if the run is already terminal.
func (r *RunState) Fail(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return
	}
	now := time.Now().UTC()
	for i := range r.steps {
		step := &r.steps[i]
		if step.Status == core.StepStatusRunning {
			step.Status = core.StepStatusFailed
			step.EndedAt = &now
			step.Error = reason
			r.completed++
			r.publishStep(step)
		}
	}
	r.appendLogLocked("ERROR: " + reason)
	r.finishLocked(core.RunStatusFailed, now)
}

// AppendLog appends a line to the bounded log tail and publishes it to
// run-scoped subscribers. It never fails; on overflow the oldest line is
// silently dropped.
func (r *RunState) AppendLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLogLocked(line)
}

// Snapshot returns an immutable, consistent copy of the run at the instant
// of the call.
func (r *RunState) Snapshot() core.RunDetail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detailLocked()
}

// Summary returns the list-view projection of the run.
func (r *RunState) Summary() core.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked()
}

// Subscribe returns a consistent detail snapshot together with a live
// subscription whose queue is pre-filled with the buffered log tail. The
// snapshot, the backlog, and all later events are cut at the same lock
// acquisition: no gap, no duplicate.
func (r *RunState) Subscribe() (core.RunDetail, *events.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	backlog := make([]events.Event, len(r.logs))
	copy(backlog, r.logs)
	return r.detailLocked(), r.bus.SubscribeWithBacklog(r.id, backlog)
}

// --- internals, all called with r.mu held ---

func (r *RunState) finishLocked(status core.RunStatus, now time.Time) {
	r.status = status
	r.endedAt = &now
	summary := r.summaryLocked()
	ev := events.Event{
		Type:  events.TypeRunFinished,
		RunID: r.id,
		Seq:   r.nextSeq(),
		Time:  now,
		Run:   &summary,
	}
	r.bus.Publish(r.id, ev)
	r.bus.Publish(events.Global, ev)
	r.logger.Info("run finished", "run_id", r.id, "connector", r.connector, "status", status)
}

func (r *RunState) publishStep(step *core.Step) {
	s := *step
	r.bus.Publish(r.id, events.Event{
		Type:  events.TypeStep,
		RunID: r.id,
		Seq:   r.nextSeq(),
		Time:  time.Now().UTC(),
		Step:  &s,
	})
}

func (r *RunState) publishGlobal(t events.Type) {
	summary := r.summaryLocked()
	r.bus.Publish(events.Global, events.Event{
		Type:  t,
		RunID: r.id,
		Seq:   r.nextSeq(),
		Time:  time.Now().UTC(),
		Run:   &summary,
	})
}

func (r *RunState) appendLogLocked(line string) {
	ev := events.Event{
		Type:  events.TypeLog,
		RunID: r.id,
		Seq:   r.nextSeq(),
		Time:  time.Now().UTC(),
		Line:  line,
	}
	r.logs = append(r.logs, ev)
	if len(r.logs) > LogTailCapacity {
		r.logs = r.logs[len(r.logs)-LogTailCapacity:]
	}
	r.bus.Publish(r.id, ev)
}

func (r *RunState) nextSeq() uint64 {
	r.seq++
	return r.seq
}

// progressLocked is the passed-step fraction, matching what the history
// store recomputes for persisted runs.
func (r *RunState) progressLocked() float64 {
	if len(r.steps) == 0 {
		return 0
	}
	return float64(r.passed) / float64(len(r.steps))
}

func (r *RunState) summaryLocked() core.RunSummary {
	return core.RunSummary{
		ID:        r.id,
		Connector: r.connector,
		Status:    r.status,
		Progress:  r.progressLocked(),
		AssetLogo: r.assetLogo,
		StartedAt: r.startedAt,
		EndedAt:   r.endedAt,
	}
}

func (r *RunState) detailLocked() core.RunDetail {
	steps := make([]core.Step, len(r.steps))
	copy(steps, r.steps)
	lines := make([]string, len(r.logs))
	for i, ev := range r.logs {
		lines[i] = ev.Line
	}
	return core.RunDetail{
		RunSummary: r.summaryLocked(),
		ConfigRef:  r.configRef,
		Steps:      steps,
		LogsTail:   lines,
	}
}
