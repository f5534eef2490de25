package ui

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gibbon-labs/gibbon/internal/connector"
	"github.com/gibbon-labs/gibbon/internal/dispatch"
	"github.com/gibbon-labs/gibbon/internal/events"
	"github.com/gibbon-labs/gibbon/internal/registry"
	"github.com/gibbon-labs/gibbon/internal/state"
	"github.com/gibbon-labs/gibbon/internal/testutil"
	"github.com/gibbon-labs/gibbon/pkg/core"
)

type testServer struct {
	server     *Server
	router     chi.Router
	dispatcher *dispatch.Dispatcher
	registry   *registry.RunRegistry
}

func newTestServer(t *testing.T, configs map[string]string) *testServer {
	t.Helper()

	dir := t.TempDir()
	for name, content := range configs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
	}

	history := state.NewStore(nil)
	require.NoError(t, history.Open(":memory:"))
	require.NoError(t, history.Migrate())
	t.Cleanup(func() { _ = history.Close() })

	catalog := connector.NewCatalog(dir)
	reg := registry.New()
	bus := events.New()
	dispatcher := dispatch.New(catalog, reg, bus, history, 4, testutil.NewTestLogger(t))

	s := NewServer(Config{
		Dispatcher: dispatcher,
		Registry:   reg,
		Catalog:    catalog,
		History:    history,
		Bus:        bus,
		Logger:     testutil.NewTestLogger(t),
	})

	r := chi.NewMux()
	s.routes(r)
	return &testServer{server: s, router: r, dispatcher: dispatcher, registry: reg}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (ts *testServer) waitTerminal(t *testing.T, id string) {
	t.Helper()
	run, err := ts.registry.Get(id)
	require.NoError(t, err)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if run.Status().Terminal() {
			ts.dispatcher.Wait()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never finished", id)
}

const scriptedYAML = `
name: scripted
connector:
  type: scripted
test_flow:
  steps: [create, sync, verify]
`

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListTests(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"a.yaml": scriptedYAML,
		"b.yaml": scriptedYAML,
	})

	rec := ts.do(t, http.MethodGet, "/api/tests", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode[struct {
		Tests []connector.ConfigInfo `json:"tests"`
	}](t, rec)
	require.Len(t, out.Tests, 2)
	assert.Equal(t, "a.yaml", out.Tests[0].Path)
}

func TestStartRunAndFetchDetail(t *testing.T) {
	ts := newTestServer(t, map[string]string{"scripted.yaml": scriptedYAML})

	rec := ts.do(t, http.MethodPost, "/api/run", map[string]string{"config": "scripted.yaml"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	out := decode[struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}](t, rec)
	require.NotEmpty(t, out.RunID)

	ts.waitTerminal(t, out.RunID)

	rec = ts.do(t, http.MethodGet, "/api/runs/"+out.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	detail := decode[core.RunDetail](t, rec)
	assert.Equal(t, core.RunStatusPassed, detail.Status)
	assert.Equal(t, "scripted.yaml", detail.ConfigRef)
	assert.Len(t, detail.Steps, 4)
	assert.NotEmpty(t, detail.LogsTail)
}

func TestStartRunValidation(t *testing.T) {
	ts := newTestServer(t, map[string]string{"scripted.yaml": scriptedYAML})

	rec := ts.do(t, http.MethodPost, "/api/run", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/run", map[string]string{"config": "ghost.yaml"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAllRuns(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"a.yaml": scriptedYAML,
		"b.yaml": scriptedYAML,
	})

	rec := ts.do(t, http.MethodPost, "/api/run/all", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	out := decode[struct {
		RunIDs []string `json:"run_ids"`
	}](t, rec)
	require.Len(t, out.RunIDs, 2)
	assert.NotEqual(t, out.RunIDs[0], out.RunIDs[1])

	for _, id := range out.RunIDs {
		ts.waitTerminal(t, id)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	ts := newTestServer(t, map[string]string{"scripted.yaml": scriptedYAML})

	var ids []string
	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/api/run", map[string]string{"config": "scripted.yaml"})
		require.Equal(t, http.StatusAccepted, rec.Code)
		out := decode[struct {
			RunID string `json:"run_id"`
		}](t, rec)
		ids = append(ids, out.RunID)
		ts.waitTerminal(t, out.RunID)
	}

	rec := ts.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode[struct {
		Runs []core.RunSummary `json:"runs"`
	}](t, rec)
	require.Len(t, out.Runs, 3)
	assert.Equal(t, ids[2], out.Runs[0].ID)
	assert.Equal(t, ids[0], out.Runs[2].ID)
}

func TestGetRunUnknownIDReturns404(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/runs/no-such-run", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	out := decode[map[string]string](t, rec)
	assert.Contains(t, out["error"], "no-such-run")
}

func TestGetRunFallsBackToHistory(t *testing.T) {
	ts := newTestServer(t, map[string]string{"scripted.yaml": scriptedYAML})

	// Persist a run that is not in the live registry.
	started := time.Now().UTC()
	require.NoError(t, ts.server.history.SaveRun(core.RunDetail{
		RunSummary: core.RunSummary{
			ID:        "archived-run",
			Connector: "github",
			Status:    core.RunStatusPassed,
			StartedAt: &started,
		},
		ConfigRef: "github.yaml",
		Steps:     []core.Step{{Name: "setup", Index: 0, Status: core.StepStatusPassed}},
	}))

	rec := ts.do(t, http.MethodGet, "/api/runs/archived-run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	detail := decode[core.RunDetail](t, rec)
	assert.Equal(t, core.RunStatusPassed, detail.Status)
	assert.Equal(t, "github.yaml", detail.ConfigRef)
}

// Subscribing to a run that already finished must serve the snapshot and
// the buffered backlog, then end the stream; no terminal event will ever
// arrive for it.
func TestRunEventsStreamEndsForFinishedRun(t *testing.T) {
	ts := newTestServer(t, map[string]string{"scripted.yaml": scriptedYAML})

	rec := ts.do(t, http.MethodPost, "/api/run", map[string]string{"config": "scripted.yaml"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	out := decode[struct {
		RunID string `json:"run_id"`
	}](t, rec)

	ts.waitTerminal(t, out.RunID)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/runs/"+out.RunID+"/events", nil)
		res := httptest.NewRecorder()
		ts.router.ServeHTTP(res, req)
		done <- res
	}()

	select {
	case res := <-done:
		assert.Equal(t, http.StatusOK, res.Code)
		assert.Contains(t, res.Body.String(), out.RunID)
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not end for a finished run")
	}
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t, map[string]string{"slow.yaml": `
name: scripted-slow
connector:
  type: scripted
  config_fields:
    latency_ms: 2000
test_flow:
  steps: [create, sync, verify]
`})

	rec := ts.do(t, http.MethodPost, "/api/run", map[string]string{"config": "slow.yaml"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	out := decode[struct {
		RunID string `json:"run_id"`
	}](t, rec)

	time.Sleep(50 * time.Millisecond)
	rec = ts.do(t, http.MethodDelete, "/api/runs/"+out.RunID, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	ts.waitTerminal(t, out.RunID)

	run, err := ts.registry.Get(out.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status())

	// Cancelling again conflicts, unknown ids 404.
	rec = ts.do(t, http.MethodDelete, "/api/runs/"+out.RunID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/runs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
