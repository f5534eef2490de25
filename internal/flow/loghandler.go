package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// NewRunLogger returns a logger whose records land in the run's bounded
// log tail (and therefore in every live subscriber's feed). Step functions
// log through it; the tail is what the dashboard shows.
func NewRunLogger(run *RunState) *slog.Logger {
	return slog.New(&runLogHandler{run: run})
}

// runLogHandler bridges slog records into RunState.AppendLog. Info and
// above only; debug chatter would flood the bounded tail.
type runLogHandler struct {
	run   *RunState
	attrs []slog.Attr
}

func (h *runLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *runLogHandler) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder
	if rec.Level > slog.LevelInfo {
		b.WriteString(rec.Level.String())
		b.WriteString(": ")
	}
	b.WriteString(rec.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	h.run.AppendLog(b.String())
	return nil
}

func (h *runLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &runLogHandler{run: h.run, attrs: merged}
}

func (h *runLogHandler) WithGroup(string) slog.Handler { return h }
