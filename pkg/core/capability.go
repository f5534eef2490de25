package core

import "context"

// Entity describes one record created in the external system under test.
// The Token is a unique marker embedded in the entity's content; the
// verifier searches for it to confirm the record was indexed.
type Entity struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Token   string `json:"token"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// DisplayName returns a human-readable identifier for an entity regardless
// of which fields the connector populated.
func (e Entity) DisplayName() string {
	switch {
	case e.Path != "":
		return e.Path
	case e.Name != "":
		return e.Name
	case e.ID != "":
		return e.ID
	default:
		return "<unknown>"
	}
}

// Bongo plays the real API of the system under test: it creates, updates,
// and deletes test data. One implementation exists per connector; the
// orchestration core depends only on this interface.
//
// Implementations are expected to be idempotent-safe for retry at the
// caller's discretion. The core does not retry automatically; wrap a step
// with flow.WithRetry to opt in.
type Bongo interface {
	// CreateEntities creates test entities and returns their descriptors.
	CreateEntities(ctx context.Context) ([]Entity, error)
	// UpdateEntities mutates previously created entities and returns the
	// updated descriptors.
	UpdateEntities(ctx context.Context) ([]Entity, error)
	// DeleteEntities deletes all entities created by this bongo and returns
	// the deleted ids.
	DeleteEntities(ctx context.Context) ([]string, error)
	// DeleteSpecificEntities deletes the given subset and returns the
	// deleted ids.
	DeleteSpecificEntities(ctx context.Context, entities []Entity) ([]string, error)
	// Cleanup removes any remaining test data, best effort.
	Cleanup(ctx context.Context) error
}

// Verifier asserts expected state in the downstream indexing backend.
// Assertion violations are returned as errors and become step failures.
type Verifier interface {
	// AssertPresent fails unless the entity is indexed with a relevance
	// score of at least minScore (in [0,1]).
	AssertPresent(ctx context.Context, entity Entity, minScore float64) error
	// AssertAbsent fails if the entity is still indexed.
	AssertAbsent(ctx context.Context, entity Entity) error
	// AssertContent fails unless the indexed entity carries the expected
	// text.
	AssertContent(ctx context.Context, entity Entity, expected string) error
}

// Backend provisions test infrastructure in the indexing backend and drives
// sync jobs. The sync step triggers a sync and waits, with a bounded poll,
// for the indexing backend to converge.
type Backend interface {
	// Provision creates the test collection and source connection.
	Provision(ctx context.Context) error
	// TriggerSync starts a sync job for the provisioned source connection.
	TriggerSync(ctx context.Context) error
	// WaitSynced polls until the latest sync job completes. The context's
	// deadline bounds the wait; a failed job is returned as an error.
	WaitSynced(ctx context.Context) error
	// Teardown deletes the provisioned infrastructure, best effort.
	Teardown(ctx context.Context) error
}
