package airweave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gibbon-labs/gibbon/pkg/core"
)

const (
	syncPollInterval = 5 * time.Second
	searchLimit      = 25
)

// Target drives one Airweave collection as the indexing backend of a test
// run: it provisions a collection plus source connection, triggers and
// awaits syncs, and answers verification queries via collection search.
type Target struct {
	client        *Client
	connectorType string
	authFields    map[string]string
	configFields  map[string]any
	logger        *slog.Logger

	collection   string
	connectionID string
}

// NewTarget creates a target for the given connector type. Auth and config
// fields are forwarded to the source connection verbatim.
func NewTarget(client *Client, connectorType string, authFields map[string]string, configFields map[string]any, logger *slog.Logger) *Target {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Target{
		client:        client,
		connectorType: connectorType,
		authFields:    authFields,
		configFields:  configFields,
		logger:        logger,
	}
}

// Provision creates a fresh collection and a source connection into it.
func (t *Target) Provision(ctx context.Context) error {
	name := fmt.Sprintf("gibbon-%s-test-%d", t.connectorType, time.Now().Unix())
	coll, err := t.client.CreateCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	t.collection = coll.ReadableID
	t.logger.Info("created collection", "collection", t.collection)

	conn, err := t.client.CreateSourceConnection(ctx, SourceConnectionRequest{
		Name:         name,
		ShortName:    t.connectorType,
		Collection:   t.collection,
		AuthFields:   t.authFields,
		ConfigFields: t.configFields,
	})
	if err != nil {
		return fmt.Errorf("create source connection: %w", err)
	}
	t.connectionID = conn.ID
	t.logger.Info("created source connection", "connection_id", t.connectionID)
	return nil
}

// TriggerSync starts a sync job on the source connection.
func (t *Target) TriggerSync(ctx context.Context) error {
	if t.connectionID == "" {
		return fmt.Errorf("source connection not provisioned")
	}
	if err := t.client.RunSourceConnection(ctx, t.connectionID); err != nil {
		return fmt.Errorf("trigger sync: %w", err)
	}
	return nil
}

// WaitSynced polls the connection's jobs until the latest one completes.
// The caller bounds the wait through ctx.
func (t *Target) WaitSynced(ctx context.Context) error {
	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()

	for {
		jobs, err := t.client.ListSourceConnectionJobs(ctx, t.connectionID)
		if err != nil {
			return fmt.Errorf("list sync jobs: %w", err)
		}
		if len(jobs) > 0 {
			job := jobs[0]
			switch strings.ToLower(job.Status) {
			case "completed":
				return nil
			case "failed", "cancelled":
				if job.Error != "" {
					return fmt.Errorf("sync job %s %s: %s", job.ID, job.Status, job.Error)
				}
				return fmt.Errorf("sync job %s %s", job.ID, job.Status)
			}
			t.logger.Info("sync in progress", "job_id", job.ID, "status", job.Status)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("sync did not complete: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Teardown deletes the source connection and the collection. Errors on
// individual deletes are reported but do not stop the other.
func (t *Target) Teardown(ctx context.Context) error {
	var errs []string
	if t.connectionID != "" {
		if err := t.client.DeleteSourceConnection(ctx, t.connectionID); err != nil {
			errs = append(errs, fmt.Sprintf("delete source connection: %v", err))
		}
		t.connectionID = ""
	}
	if t.collection != "" {
		if err := t.client.DeleteCollection(ctx, t.collection); err != nil {
			errs = append(errs, fmt.Sprintf("delete collection: %v", err))
		}
		t.collection = ""
	}
	if len(errs) > 0 {
		return fmt.Errorf("teardown: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AssertPresent searches the collection for the entity's token and requires
// a hit carrying the token at or above minScore.
func (t *Target) AssertPresent(ctx context.Context, entity core.Entity, minScore float64) error {
	hit, found, err := t.search(ctx, entity.Token)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("entity %s not found in collection %s", entity.DisplayName(), t.collection)
	}
	if hit.Score < minScore {
		return fmt.Errorf("entity %s scored %.3f, below threshold %.3f", entity.DisplayName(), hit.Score, minScore)
	}
	return nil
}

// AssertAbsent searches the collection for the entity's token and requires
// no hit to carry it.
func (t *Target) AssertAbsent(ctx context.Context, entity core.Entity) error {
	_, found, err := t.search(ctx, entity.Token)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("entity %s still present in collection %s", entity.DisplayName(), t.collection)
	}
	return nil
}

// AssertContent requires a hit for the entity whose payload carries the
// expected text.
func (t *Target) AssertContent(ctx context.Context, entity core.Entity, expected string) error {
	results, err := t.client.SearchCollection(ctx, t.collection, entity.Token, searchLimit)
	if err != nil {
		return fmt.Errorf("search collection: %w", err)
	}
	for _, r := range results {
		payload := payloadText(r.Payload)
		if strings.Contains(payload, entity.Token) && strings.Contains(payload, expected) {
			return nil
		}
	}
	return fmt.Errorf("entity %s indexed without expected content", entity.DisplayName())
}

// search returns the best hit whose payload carries the token.
func (t *Target) search(ctx context.Context, token string) (SearchResult, bool, error) {
	results, err := t.client.SearchCollection(ctx, t.collection, token, searchLimit)
	if err != nil {
		return SearchResult{}, false, fmt.Errorf("search collection: %w", err)
	}
	for _, r := range results {
		if strings.Contains(payloadText(r.Payload), token) {
			return r, true, nil
		}
	}
	return SearchResult{}, false, nil
}

// payloadText flattens a result payload to a searchable string. Search
// payload shapes vary by connector, so matching works on the serialized
// form rather than named fields.
func payloadText(payload map[string]any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(b)
}
