// Package testutil provides helpers shared by the harness's tests.
package testutil

import (
	"bytes"
	"log/slog"
	"testing"
)

// NewTestLogger returns a logger that routes records through t.Log, so
// orchestrator output shows up interleaved with test output on failure or
// under -v. Debug level: run tests never filter their own chatter.
func NewTestLogger(tb testing.TB) *slog.Logger {
	tb.Helper()
	return slog.New(slog.NewTextHandler(&tbWriter{tb: tb}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type tbWriter struct {
	tb testing.TB
}

func (w *tbWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	// slog terminates every record with a newline; t.Log adds its own.
	w.tb.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
