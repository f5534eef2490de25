package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/gibbon-labs/gibbon/internal/events"
	"github.com/gibbon-labs/gibbon/pkg/core"
)

// NewRunCommand creates the run command.
func NewRunCommand(getConfig ConfigFunc, getLogger LoggerFunc) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "run [config]",
		Short: "Run a connector test",
		Long: `Run one connector test to completion, streaming its progress.

The config argument is a file name inside the configs directory, e.g.
"github.yaml". With --all, every discovered config is run.`,
		Example: `  # Run a single test and stream its progress
  gibbon run github.yaml

  # Run every discovered test
  gibbon run --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("config argument required (or use --all)")
			}

			cfg := getConfig(cmd.Context())
			logger := getLogger(cmd.Context())

			h, cleanup, err := newHarness(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if all {
				return runAll(cmd, h, ctx)
			}
			return runOne(cmd, h, ctx, args[0])
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Run every discovered test config")
	return cmd
}

func runOne(cmd *cobra.Command, h *harness, ctx context.Context, configRef string) error {
	summary, err := h.dispatcher.StartRun(ctx, configRef)
	if err != nil {
		return err
	}
	return streamRun(cmd, h, ctx, summary.ID)
}

func streamRun(cmd *cobra.Command, h *harness, ctx context.Context, runID string) error {
	run, err := h.registry.Get(runID)
	if err != nil {
		return err
	}

	detail, sub := run.Subscribe()
	defer sub.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s (%s, %d steps)\n", detail.ID, detail.Connector, len(detail.Steps))

	// The run may have finished before we subscribed; the queue then holds
	// only the log backlog and no terminal event will ever arrive.
	if detail.Status.Terminal() {
		drainEvents(cmd, sub)
		return runOutcome(detail.ID, detail.Status)
	}

	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			// Keep draining events until the run reports terminal.
			ctxDone = nil
			fmt.Fprintln(out, "Interrupt received, cancelling run...")
			_ = h.dispatcher.Cancel(runID)
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			printEvent(cmd, ev)
			if ev.Type == events.TypeRunFinished {
				if ev.Run != nil {
					return runOutcome(ev.RunID, ev.Run.Status)
				}
				return nil
			}
		}
	}
}

// drainEvents prints whatever is already buffered without waiting for more.
func drainEvents(cmd *cobra.Command, sub *events.Subscription) {
	for {
		select {
		case ev := <-sub.Events():
			printEvent(cmd, ev)
		default:
			return
		}
	}
}

func runOutcome(id string, status core.RunStatus) error {
	if status != core.RunStatusPassed {
		return fmt.Errorf("run %s %s", id, status)
	}
	return nil
}

func runAll(cmd *cobra.Command, h *harness, ctx context.Context) error {
	summaries, err := h.dispatcher.StartAll(ctx)
	if err != nil && len(summaries) == 0 {
		return err
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: some runs failed to start: %v\n", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started %d runs\n", len(summaries))

	done := make(chan struct{})
	go func() {
		h.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Interrupt received, cancelling runs...")
		h.dispatcher.Shutdown()
	}

	failed := 0
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Connector", "Status", "Progress", "Duration"})
	for _, summary := range h.registry.List() {
		if summary.Status != core.RunStatusPassed {
			failed++
		}
		t.AppendRow(table.Row{
			summary.ID,
			summary.Connector,
			string(summary.Status),
			fmt.Sprintf("%.0f%%", summary.Progress*100),
			formatRunDuration(summary.StartedAt, summary.EndedAt),
		})
	}
	t.Render()

	if failed > 0 {
		return fmt.Errorf("%d of %d runs did not pass", failed, len(summaries))
	}
	return nil
}

func printEvent(cmd *cobra.Command, ev events.Event) {
	out := cmd.OutOrStdout()
	switch ev.Type {
	case events.TypeLog:
		fmt.Fprintln(out, ev.Line)
	case events.TypeStep:
		if ev.Step == nil {
			return
		}
		switch ev.Step.Status {
		case core.StepStatusRunning:
			fmt.Fprintf(out, "--- step %d/%s started\n", ev.Step.Index+1, ev.Step.Name)
		case core.StepStatusPassed:
			fmt.Fprintf(out, "--- step %d/%s passed%s\n", ev.Step.Index+1, ev.Step.Name, formatStepDuration(ev.Step))
		case core.StepStatusFailed:
			fmt.Fprintf(out, "--- step %d/%s FAILED: %s\n", ev.Step.Index+1, ev.Step.Name, ev.Step.Error)
		}
	case events.TypeRunFinished:
		if ev.Run != nil {
			fmt.Fprintf(out, "Run %s: %s\n", ev.RunID, ev.Run.Status)
		}
	}
}

func formatStepDuration(step *core.Step) string {
	if step.Duration == nil {
		return ""
	}
	return fmt.Sprintf(" (%.1fs)", *step.Duration)
}

func formatRunDuration(start, end *time.Time) string {
	if start == nil {
		return "-"
	}
	var d time.Duration
	if end != nil {
		d = end.Sub(*start)
	} else {
		d = time.Since(*start)
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(time.Second).String()
}
