package connector

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gibbon-labs/gibbon/pkg/core"
)

// Capabilities bundles the three contracts a lifecycle needs: the bongo
// that plays the external API, the verifier that asserts indexed state, and
// the backend that provisions infrastructure and drives syncs.
type Capabilities struct {
	Bongo    core.Bongo
	Verifier core.Verifier
	Backend  core.Backend
}

// Factory builds the capabilities for one connector type from a test
// config. One factory exists per connector; the orchestration core never
// sees concrete connector types.
type Factory func(cfg *TestConfig, logger *slog.Logger) (Capabilities, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory registers the factory for a connector type. Connector
// packages call this from init; a duplicate registration panics, since it
// is a wiring bug.
func RegisterFactory(connectorType string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, ok := factories[connectorType]; ok {
		panic(fmt.Sprintf("connector: factory %q registered twice", connectorType))
	}
	factories[connectorType] = f
}

// NewCapabilities builds the capabilities for the config's connector type.
func NewCapabilities(cfg *TestConfig, logger *slog.Logger) (Capabilities, error) {
	factoryMu.RLock()
	f, ok := factories[cfg.Connector.Type]
	factoryMu.RUnlock()
	if !ok {
		return Capabilities{}, fmt.Errorf("unknown connector type %q (registered: %v)", cfg.Connector.Type, RegisteredTypes())
	}
	return f(cfg, logger)
}

// RegisteredTypes returns the known connector types, sorted.
func RegisteredTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
