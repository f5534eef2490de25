package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gibbon-labs/gibbon/internal/connector/airweave"
	"github.com/gibbon-labs/gibbon/pkg/core"
)

func init() {
	RegisterFactory("scripted", newScripted)
}

// newScripted builds the built-in scripted connector: an in-memory bongo
// with an in-memory index, so the whole harness can run without external
// credentials. When the config points at a real indexing backend via the
// airweave_url config field, the scripted bongo is paired with the real
// backend instead.
//
// Config fields: latency_ms (per-operation delay), fail_step (inject a
// failure into the named step), airweave_url, airweave_api_key.
func newScripted(cfg *TestConfig, logger *slog.Logger) (Capabilities, error) {
	s := &scripted{
		cfg:      cfg,
		logger:   logger,
		latency:  time.Duration(cfg.Connector.IntField("latency_ms", 0)) * time.Millisecond,
		failStep: cfg.Connector.StringField("fail_step", ""),
		entities: make(map[string]core.Entity),
		index:    make(map[string]core.Entity),
	}

	if url := cfg.Connector.StringField("airweave_url", ""); url != "" {
		client := airweave.NewClient(url, cfg.Connector.StringField("airweave_api_key", ""), logger)
		target := airweave.NewTarget(client, cfg.Connector.Type, cfg.Connector.AuthFields, cfg.Connector.ConfigFields, logger)
		return Capabilities{Bongo: s, Verifier: target, Backend: target}, nil
	}
	return Capabilities{Bongo: s, Verifier: s, Backend: s}, nil
}

// scripted is the in-memory connector. entities is the source system;
// index is the downstream search index, refreshed on sync.
type scripted struct {
	cfg      *TestConfig
	logger   *slog.Logger
	latency  time.Duration
	failStep string

	mu          sync.Mutex
	provisioned bool
	entities    map[string]core.Entity
	index       map[string]core.Entity
}

func (s *scripted) pause(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scripted) inject(step string) error {
	if s.failStep != "" && s.failStep == step {
		return fmt.Errorf("injected failure in step %s", step)
	}
	return nil
}

// --- core.Backend ---

func (s *scripted) Provision(ctx context.Context) error {
	if err := s.pause(ctx); err != nil {
		return err
	}
	if err := s.inject("setup"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisioned = true
	return nil
}

func (s *scripted) TriggerSync(ctx context.Context) error {
	if err := s.pause(ctx); err != nil {
		return err
	}
	return s.inject("sync")
}

func (s *scripted) WaitSynced(ctx context.Context) error {
	if err := s.pause(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string]core.Entity, len(s.entities))
	for id, e := range s.entities {
		s.index[id] = e
	}
	return nil
}

func (s *scripted) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisioned = false
	s.index = make(map[string]core.Entity)
	return nil
}

// --- core.Bongo ---

func (s *scripted) CreateEntities(ctx context.Context) ([]core.Entity, error) {
	if err := s.pause(ctx); err != nil {
		return nil, err
	}
	if err := s.inject("create"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Entity, 0, s.cfg.EntityCount)
	for i := 0; i < s.cfg.EntityCount; i++ {
		token := uuid.New().String()[:8]
		e := core.Entity{
			ID:      uuid.New().String(),
			Name:    fmt.Sprintf("%s-entity-%d", s.cfg.Connector.Type, i),
			Token:   token,
			Content: fmt.Sprintf("scripted test entity %d token %s", i, token),
		}
		s.entities[e.ID] = e
		out = append(out, e)
	}
	return out, nil
}

func (s *scripted) UpdateEntities(ctx context.Context) ([]core.Entity, error) {
	if err := s.pause(ctx); err != nil {
		return nil, err
	}
	if err := s.inject("update"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Entity, 0, len(s.entities))
	for id, e := range s.entities {
		e.Content = e.Content + " (updated)"
		s.entities[id] = e
		out = append(out, e)
	}
	return out, nil
}

func (s *scripted) DeleteEntities(ctx context.Context) ([]string, error) {
	if err := s.pause(ctx); err != nil {
		return nil, err
	}
	if err := s.inject("complete_delete"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
		delete(s.entities, id)
	}
	return ids, nil
}

func (s *scripted) DeleteSpecificEntities(ctx context.Context, entities []core.Entity) ([]string, error) {
	if err := s.pause(ctx); err != nil {
		return nil, err
	}
	if err := s.inject("partial_delete"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		if _, ok := s.entities[e.ID]; ok {
			delete(s.entities, e.ID)
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (s *scripted) Cleanup(ctx context.Context) error {
	if err := s.inject("cleanup"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = make(map[string]core.Entity)
	return nil
}

// --- core.Verifier ---

func (s *scripted) find(entity core.Entity) (core.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.index {
		if e.Token == entity.Token {
			return e, true
		}
	}
	return core.Entity{}, false
}

func (s *scripted) AssertPresent(ctx context.Context, entity core.Entity, minScore float64) error {
	if err := s.inject("verify"); err != nil {
		return err
	}
	if _, ok := s.find(entity); !ok {
		return fmt.Errorf("entity %s not found in index", entity.DisplayName())
	}
	// An exact token hit scores 1.0 in the in-memory index.
	if minScore > 1.0 {
		return fmt.Errorf("entity %s below relevance threshold %.2f", entity.DisplayName(), minScore)
	}
	return nil
}

func (s *scripted) AssertAbsent(ctx context.Context, entity core.Entity) error {
	if _, ok := s.find(entity); ok {
		return fmt.Errorf("entity %s still present in index", entity.DisplayName())
	}
	return nil
}

func (s *scripted) AssertContent(ctx context.Context, entity core.Entity, expected string) error {
	indexed, ok := s.find(entity)
	if !ok {
		return fmt.Errorf("entity %s not found in index", entity.DisplayName())
	}
	if !strings.Contains(indexed.Content, expected) {
		return fmt.Errorf("entity %s indexed without expected content", entity.DisplayName())
	}
	return nil
}
