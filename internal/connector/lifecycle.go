package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gibbon-labs/gibbon/internal/flow"
	"github.com/gibbon-labs/gibbon/pkg/core"
)

// Lifecycle turns a test config plus its capabilities into the ordered
// step sequence the executor runs. Steps within one run are strictly
// sequential, so the entity bookkeeping needs no locking.
type Lifecycle struct {
	cfg    *TestConfig
	caps   Capabilities
	logger *slog.Logger

	created          []core.Entity
	updated          []core.Entity
	partiallyDeleted []core.Entity
	remaining        []core.Entity
}

// NewLifecycle creates a lifecycle. The logger should be the run's logger
// so step output lands in the run's log tail.
func NewLifecycle(cfg *TestConfig, caps Capabilities, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Lifecycle{cfg: cfg, caps: caps, logger: logger}
}

// StepNames returns the run's full step list for a config: the implicit
// setup step followed by the configured flow. It is a free function so the
// run can be allocated before its capabilities exist.
func StepNames(cfg *TestConfig) []string {
	return append([]string{"setup"}, cfg.TestFlow.Steps...)
}

// StepNames returns the run's full step list.
func (l *Lifecycle) StepNames() []string {
	return StepNames(l.cfg)
}

// Build returns the executable step sequence. Unknown step names are
// reported here, before a run is created, rather than mid-flight.
func (l *Lifecycle) Build() ([]flow.Step, error) {
	names := l.StepNames()
	steps := make([]flow.Step, 0, len(names))
	for _, name := range names {
		fn, err := l.stepFunc(name)
		if err != nil {
			return nil, err
		}
		steps = append(steps, flow.Step{Name: name, Run: fn})
	}
	return steps, nil
}

// Cleanup removes test data from the external system and tears down the
// provisioned backend infrastructure. Best effort; the executor only logs
// its errors.
func (l *Lifecycle) Cleanup(ctx context.Context) error {
	l.logger.Info("cleaning up test environment")
	return errors.Join(
		l.caps.Bongo.Cleanup(ctx),
		l.caps.Backend.Teardown(ctx),
	)
}

func (l *Lifecycle) stepFunc(name string) (flow.StepFunc, error) {
	var fn flow.StepFunc
	switch name {
	case "setup":
		fn = l.setup
	case "create":
		fn = l.create
	case "sync":
		fn = l.sync
	case "verify":
		fn = l.verify
	case "update":
		fn = l.update
	case "partial_delete":
		fn = l.partialDelete
	case "verify_partial_deletion":
		fn = l.verifyPartialDeletion
	case "verify_remaining_entities":
		fn = l.verifyRemainingEntities
	case "complete_delete":
		fn = l.completeDelete
	case "verify_complete_deletion":
		fn = l.verifyCompleteDeletion
	default:
		return nil, fmt.Errorf("unknown step %q in test flow", name)
	}

	if l.cfg.Verification.Retries > 0 && isVerification(name) {
		fn = flow.WithRetry(l.cfg.Verification.Retries, 2*time.Second, fn)
	}
	return fn, nil
}

func isVerification(name string) bool {
	switch name {
	case "verify", "verify_partial_deletion", "verify_remaining_entities", "verify_complete_deletion":
		return true
	}
	return false
}

func (l *Lifecycle) setup(ctx context.Context) error {
	l.logger.Info("setting up test environment", "connector", l.cfg.Connector.Type)
	return l.caps.Backend.Provision(ctx)
}

func (l *Lifecycle) create(ctx context.Context) error {
	l.logger.Info("creating test entities", "count", l.cfg.EntityCount)
	entities, err := l.caps.Bongo.CreateEntities(ctx)
	if err != nil {
		return err
	}
	l.created = entities
	l.remaining = entities

	// Let the upstream API propagate freshly created data before syncing.
	if delay := l.cfg.Connector.IntField("post_create_sleep_seconds", 0); delay > 0 {
		l.logger.Info("waiting for source API propagation", "seconds", delay)
		select {
		case <-time.After(time.Duration(delay) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.logger.Info("created test entities", "count", len(entities))
	return nil
}

func (l *Lifecycle) sync(ctx context.Context) error {
	l.logger.Info("syncing data to indexing backend")
	timeout := time.Duration(l.cfg.TestFlow.SyncTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := l.caps.Backend.TriggerSync(ctx); err != nil {
		return err
	}
	if err := l.caps.Backend.WaitSynced(ctx); err != nil {
		return fmt.Errorf("wait for sync: %w", err)
	}
	l.logger.Info("sync completed")
	return nil
}

// verify asserts the most recent entity generation: updated descriptors
// once an update has happened, created ones before.
func (l *Lifecycle) verify(ctx context.Context) error {
	entities := l.created
	if len(l.updated) > 0 {
		entities = l.updated
	}
	l.logger.Info("verifying entities in index", "count", len(entities))
	for _, e := range entities {
		if err := l.caps.Verifier.AssertPresent(ctx, e, l.cfg.Verification.ScoreThreshold); err != nil {
			return err
		}
		if l.cfg.Verification.CheckContent && e.Content != "" {
			if err := l.caps.Verifier.AssertContent(ctx, e, e.Token); err != nil {
				return err
			}
		}
		l.logger.Info("entity verified", "entity", e.DisplayName())
	}
	return nil
}

func (l *Lifecycle) update(ctx context.Context) error {
	l.logger.Info("updating test entities")
	entities, err := l.caps.Bongo.UpdateEntities(ctx)
	if err != nil {
		return err
	}
	l.updated = entities
	l.logger.Info("updated test entities", "count", len(entities))
	return nil
}

func (l *Lifecycle) partialDelete(ctx context.Context) error {
	n := l.cfg.Deletion.PartialDeleteCount
	if n > len(l.created) {
		n = len(l.created)
	}
	toDelete := l.created[:n]
	toKeep := l.created[n:]
	l.logger.Info("executing partial deletion", "deleting", len(toDelete), "keeping", len(toKeep))

	deleted, err := l.caps.Bongo.DeleteSpecificEntities(ctx, toDelete)
	if err != nil {
		return err
	}
	l.partiallyDeleted = toDelete
	l.remaining = toKeep
	l.logger.Info("partial deletion completed", "deleted", len(deleted))
	return nil
}

func (l *Lifecycle) verifyPartialDeletion(ctx context.Context) error {
	if !l.cfg.Deletion.VerifyPartialDeletion {
		l.logger.Info("skipping partial deletion verification (disabled in config)")
		return nil
	}
	l.logger.Info("verifying partial deletion", "count", len(l.partiallyDeleted))
	for _, e := range l.partiallyDeleted {
		if err := l.caps.Verifier.AssertAbsent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) verifyRemainingEntities(ctx context.Context) error {
	if !l.cfg.Deletion.VerifyRemainingEntities {
		l.logger.Info("skipping remaining entity verification (disabled in config)")
		return nil
	}
	l.logger.Info("verifying remaining entities", "count", len(l.remaining))
	for _, e := range l.remaining {
		if err := l.caps.Verifier.AssertPresent(ctx, e, l.cfg.Verification.ScoreThreshold); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) completeDelete(ctx context.Context) error {
	l.logger.Info("deleting all remaining test entities")
	deleted, err := l.caps.Bongo.DeleteEntities(ctx)
	if err != nil {
		return err
	}
	l.logger.Info("complete deletion done", "deleted", len(deleted))
	return nil
}

func (l *Lifecycle) verifyCompleteDeletion(ctx context.Context) error {
	if !l.cfg.Deletion.VerifyCompleteDeletion {
		l.logger.Info("skipping complete deletion verification (disabled in config)")
		return nil
	}
	l.logger.Info("verifying complete deletion", "count", len(l.created))
	for _, e := range l.created {
		if err := l.caps.Verifier.AssertAbsent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
