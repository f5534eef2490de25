// Package commands implements the gibbon subcommands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gibbon-labs/gibbon/internal/cli/config"
	"github.com/gibbon-labs/gibbon/internal/connector"
	"github.com/gibbon-labs/gibbon/internal/dispatch"
	"github.com/gibbon-labs/gibbon/internal/events"
	"github.com/gibbon-labs/gibbon/internal/registry"
	"github.com/gibbon-labs/gibbon/internal/state"
)

// ConfigFunc retrieves the loaded config from the command context.
type ConfigFunc func(ctx context.Context) *config.Config

// LoggerFunc retrieves the logger from the command context.
type LoggerFunc func(ctx context.Context) *slog.Logger

// harness bundles the orchestration components a command needs.
type harness struct {
	catalog    *connector.Catalog
	bus        *events.Broadcaster
	registry   *registry.RunRegistry
	history    *state.Store
	dispatcher *dispatch.Dispatcher
}

// newHarness assembles the orchestration stack from config. The returned
// cleanup closes the history store.
func newHarness(cfg *config.Config, logger *slog.Logger) (*harness, func(), error) {
	if _, err := os.Stat(cfg.ConfigsDir); err != nil {
		return nil, nil, fmt.Errorf("configs directory does not exist: %s", cfg.ConfigsDir)
	}

	history, err := openHistory(cfg.HistoryPath, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = history.Close() }

	catalog := connector.NewCatalog(cfg.ConfigsDir)
	bus := events.New()
	reg := registry.New()
	dispatcher := dispatch.New(catalog, reg, bus, history, cfg.MaxConcurrent, logger)

	return &harness{
		catalog:    catalog,
		bus:        bus,
		registry:   reg,
		history:    history,
		dispatcher: dispatcher,
	}, cleanup, nil
}

// openHistory opens and migrates the run history database, creating its
// directory if needed.
func openHistory(path string, logger *slog.Logger) (*state.Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	store := state.NewStore(logger)
	if err := store.Open(path); err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
