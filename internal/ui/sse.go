package ui

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starfederation/datastar-go/datastar"

	"github.com/gibbon-labs/gibbon/internal/events"
)

// handleRunEvents streams one run live. The first patch carries the full
// run detail; the queue behind it replays the buffered log tail and then
// every later event, with no gap and no duplicate. The stream ends when the
// run finishes or the client disconnects.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown run: "+id)
		return
	}

	detail, sub := run.Subscribe()
	defer sub.Close()

	sse := datastar.NewSSE(w, r)
	if err := patchSignals(sse, map[string]any{"run": detail}); err != nil {
		_ = sse.ConsoleError(fmt.Errorf("failed to send run snapshot: %w", err))
		return
	}

	// A run that is already finished emits nothing further: flush the
	// buffered backlog and end the stream instead of waiting for a
	// run-finished event that was published before we subscribed.
	if detail.Status.Terminal() {
		for {
			select {
			case ev := <-sub.Events():
				if err := patchSignals(sse, map[string]any{"event": ev}); err != nil {
					_ = sse.ConsoleError(err)
					return
				}
			default:
				return
			}
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := patchSignals(sse, map[string]any{"event": ev}); err != nil {
				_ = sse.ConsoleError(err)
				return
			}
			if ev.Type == events.TypeRunFinished {
				return
			}
		}
	}
}

// handleGlobalEvents streams summary-level events for all runs. The first
// patch carries the current run list as a bootstrap.
func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	sub := s.bus.Subscribe(events.Global)
	defer sub.Close()

	sse := datastar.NewSSE(w, r)
	if err := patchSignals(sse, map[string]any{"runs": s.registry.List()}); err != nil {
		_ = sse.ConsoleError(fmt.Errorf("failed to send run list: %w", err))
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := patchSignals(sse, map[string]any{"event": ev}); err != nil {
				_ = sse.ConsoleError(err)
				return
			}
		}
	}
}

func patchSignals(sse *datastar.ServerSentEventGenerator, signals map[string]any) error {
	b, err := json.Marshal(signals)
	if err != nil {
		return err
	}
	return sse.PatchSignals(b)
}
