// Package airweave is a minimal JSON client for the Airweave indexing
// backend: collection and source-connection provisioning, sync job
// control, and collection search. Only the handful of endpoints the
// harness drives are covered.
package airweave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to one Airweave instance.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates a client. A nil logger discards.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

// Collection is a search collection in the backend.
type Collection struct {
	ID         string `json:"id"`
	ReadableID string `json:"readable_id"`
	Name       string `json:"name"`
}

// SourceConnection links a connector source to a collection.
type SourceConnection struct {
	ID string `json:"id"`
}

// SourceConnectionRequest describes a source connection to create.
type SourceConnectionRequest struct {
	Name         string            `json:"name"`
	ShortName    string            `json:"short_name"`
	Collection   string            `json:"collection"`
	AuthFields   map[string]string `json:"auth_fields,omitempty"`
	ConfigFields map[string]any    `json:"config_fields,omitempty"`
}

// Job is one sync job of a source connection.
type Job struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SearchResult is one hit from a collection search.
type SearchResult struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// CreateCollection creates a named collection.
func (c *Client) CreateCollection(ctx context.Context, name string) (Collection, error) {
	var out Collection
	err := c.do(ctx, http.MethodPost, "/collections", map[string]string{"name": name}, &out)
	return out, err
}

// DeleteCollection deletes a collection by readable id.
func (c *Client) DeleteCollection(ctx context.Context, readableID string) error {
	return c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(readableID), nil, nil)
}

// CreateSourceConnection creates a source connection.
func (c *Client) CreateSourceConnection(ctx context.Context, req SourceConnectionRequest) (SourceConnection, error) {
	var out SourceConnection
	err := c.do(ctx, http.MethodPost, "/source-connections", req, &out)
	return out, err
}

// DeleteSourceConnection deletes a source connection by id.
func (c *Client) DeleteSourceConnection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/source-connections/"+url.PathEscape(id), nil, nil)
}

// RunSourceConnection triggers a sync job for the source connection.
func (c *Client) RunSourceConnection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/source-connections/"+url.PathEscape(id)+"/run", nil, nil)
}

// ListSourceConnectionJobs returns the connection's sync jobs, most recent
// first.
func (c *Client) ListSourceConnectionJobs(ctx context.Context, id string) ([]Job, error) {
	var out []Job
	err := c.do(ctx, http.MethodGet, "/source-connections/"+url.PathEscape(id)+"/jobs", nil, &out)
	return out, err
}

// SearchCollection searches a collection and returns scored results.
func (c *Client) SearchCollection(ctx context.Context, readableID, query string, limit int) ([]SearchResult, error) {
	path := fmt.Sprintf("/collections/%s/search?query=%s&limit=%s",
		url.PathEscape(readableID), url.QueryEscape(query), strconv.Itoa(limit))
	var out searchResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
