// Package state persists run history to SQLite so finished runs survive a
// restart. The live orchestration state lives in memory; this store only
// receives snapshots.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gibbon-labs/gibbon/pkg/core"
)

// Store persists run snapshots and their logs.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewStore creates an unopened store. A nil logger discards.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{logger: logger}
}

// Open opens the SQLite database at path. Use ":memory:" for tests.
func (s *Store) Open(path string) error {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s.db = db
	s.path = path
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveRun upserts a run snapshot and its steps. Called once when the run is
// created and again at each status change, so the stored row tracks the
// in-memory run.
func (s *Store) SaveRun(detail core.RunDetail) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO runs (id, connector, config, status, asset_logo, started_at, ended_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at`,
		detail.ID, detail.Connector, detail.ConfigRef, string(detail.Status),
		detail.AssetLogo, detail.StartedAt, detail.EndedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for _, step := range detail.Steps {
		_, err = tx.Exec(
			`INSERT INTO run_steps (run_id, idx, name, status, started_at, ended_at, duration, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, idx) DO UPDATE SET
			   status = excluded.status,
			   started_at = excluded.started_at,
			   ended_at = excluded.ended_at,
			   duration = excluded.duration,
			   error = excluded.error`,
			detail.ID, step.Index, step.Name, string(step.Status),
			step.StartedAt, step.EndedAt, step.Duration, step.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to save step %q: %w", step.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run snapshot: %w", err)
	}
	return nil
}

// AppendLogs stores the run's log tail, replacing any earlier tail for the
// same run. Written once, when the run reaches a terminal state.
func (s *Store) AppendLogs(runID string, lines []string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM run_logs WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear run logs: %w", err)
	}

	now := time.Now().UTC()
	for i, line := range lines {
		if _, err := tx.Exec(
			`INSERT INTO run_logs (run_id, seq, ts, line) VALUES (?, ?, ?, ?)`,
			runID, i, now, line,
		); err != nil {
			return fmt.Errorf("failed to save run log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run logs: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs up to limit, newest first.
func (s *Store) ListRuns(limit int) ([]core.RunSummary, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(
		`SELECT id, connector, status, asset_logo, started_at, ended_at
		 FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.RunSummary
	for rows.Next() {
		var (
			sum                core.RunSummary
			status             string
			startedAt, endedAt sql.NullTime
		)
		if err := rows.Scan(&sum.ID, &sum.Connector, &status, &sum.AssetLogo, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		sum.Status = core.RunStatus(status)
		if startedAt.Valid {
			t := startedAt.Time
			sum.StartedAt = &t
		}
		if endedAt.Valid {
			t := endedAt.Time
			sum.EndedAt = &t
		}
		if sum.Status.Terminal() {
			sum.Progress = 1.0
			if sum.Status == core.RunStatusFailed {
				sum.Progress = runProgress(s.db, sum.ID)
			}
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetRun retrieves a stored run with its steps and log tail. Unknown ids
// map to core.ErrNotFound.
func (s *Store) GetRun(id string) (core.RunDetail, error) {
	if s.db == nil {
		return core.RunDetail{}, fmt.Errorf("database not opened")
	}

	var (
		detail             core.RunDetail
		status             string
		startedAt, endedAt sql.NullTime
	)
	err := s.db.QueryRow(
		`SELECT id, connector, config, status, asset_logo, started_at, ended_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&detail.ID, &detail.Connector, &detail.ConfigRef, &status, &detail.AssetLogo, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RunDetail{}, fmt.Errorf("run %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.RunDetail{}, fmt.Errorf("failed to get run: %w", err)
	}
	detail.Status = core.RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		detail.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		detail.EndedAt = &t
	}

	steps, err := s.runSteps(id)
	if err != nil {
		return core.RunDetail{}, err
	}
	detail.Steps = steps

	done := 0
	for _, step := range steps {
		if step.Status == core.StepStatusPassed {
			done++
		}
	}
	if len(steps) > 0 {
		detail.Progress = float64(done) / float64(len(steps))
	}

	logs, err := s.runLogs(id)
	if err != nil {
		return core.RunDetail{}, err
	}
	detail.LogsTail = logs
	return detail, nil
}

func (s *Store) runSteps(runID string) ([]core.Step, error) {
	rows, err := s.db.Query(
		`SELECT idx, name, status, started_at, ended_at, duration, error
		 FROM run_steps WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []core.Step
	for rows.Next() {
		var (
			step               core.Step
			status             string
			startedAt, endedAt sql.NullTime
			duration           sql.NullFloat64
		)
		if err := rows.Scan(&step.Index, &step.Name, &status, &startedAt, &endedAt, &duration, &step.Error); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.Status = core.StepStatus(status)
		if startedAt.Valid {
			t := startedAt.Time
			step.StartedAt = &t
		}
		if endedAt.Valid {
			t := endedAt.Time
			step.EndedAt = &t
		}
		if duration.Valid {
			d := duration.Float64
			step.Duration = &d
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *Store) runLogs(runID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT line FROM run_logs WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// runProgress recomputes a failed run's progress from its stored steps.
func runProgress(db *sql.DB, runID string) float64 {
	var done, total int
	err := db.QueryRow(
		`SELECT COUNT(CASE WHEN status = 'passed' THEN 1 END), COUNT(*)
		 FROM run_steps WHERE run_id = ?`, runID,
	).Scan(&done, &total)
	if err != nil || total == 0 {
		return 0
	}
	return float64(done) / float64(total)
}
