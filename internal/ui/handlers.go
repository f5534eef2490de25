package ui

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gibbon-labs/gibbon/pkg/core"
)

const defaultHistoryLimit = 50

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListTests returns the discovered test configs.
func (s *Server) handleListTests(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.catalog.List()
	if err != nil {
		s.logger.Error("failed to list configs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list configs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tests": infos})
}

// handleStartRun starts one run from {"config": "<ref>"} and returns its id
// immediately; execution continues in the background.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Config == "" {
		writeError(w, http.StatusBadRequest, "missing config")
		return
	}

	summary, err := s.dispatcher.StartRun(r.Context(), req.Config)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown config: "+req.Config)
			return
		}
		s.logger.Error("failed to start run", "config", req.Config, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": summary.ID,
		"status": summary.Status,
	})
}

// handleStartAll starts one run per discovered config.
func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.dispatcher.StartAll(r.Context())
	if err != nil && len(summaries) == 0 {
		s.logger.Error("failed to start runs", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err != nil {
		// Partial start: report the ids that did start.
		s.logger.Warn("some runs failed to start", "error", err)
	}

	ids := make([]string, len(summaries))
	for i, summary := range summaries {
		ids[i] = summary.ID
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_ids": ids})
}

// handleListRuns returns live runs newest-first, or persisted history when
// ?history=1 is given.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("history") != "" && s.history != nil {
		runs, err := s.history.ListRuns(defaultHistoryLimit)
		if err != nil {
			s.logger.Error("failed to list run history", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list run history")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.registry.List()})
}

// handleGetRun returns the full detail of one run. Live runs are served
// from the registry; ids unknown to the registry fall back to history.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.registry.Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, run.Snapshot())
		return
	}
	if s.history != nil {
		detail, herr := s.history.GetRun(id)
		if herr == nil {
			writeJSON(w, http.StatusOK, detail)
			return
		}
		if !errors.Is(herr, core.ErrNotFound) {
			s.logger.Error("failed to read run history", "run_id", id, "error", herr)
		}
	}
	writeError(w, http.StatusNotFound, "unknown run: "+id)
}

// handleCancelRun cancels a live run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.dispatcher.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown run: "+id)
	case errors.Is(err, core.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("failed to cancel run", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
