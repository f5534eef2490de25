package commands

import (
	"encoding/json"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewRunsCommand creates the runs command.
func NewRunsCommand(getConfig ConfigFunc, getLogger LoggerFunc) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show run history",
		Long:  `List finished runs from the history database, most recent first.`,
		Example: `  # Show the last 50 runs
  gibbon runs

  # Show the last 10 runs as JSON
  gibbon runs --limit 10 --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			logger := getLogger(cmd.Context())

			store, err := openHistory(cfg.HistoryPath, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Run", "Connector", "Status", "Started", "Duration"})
			for _, run := range runs {
				started := "-"
				if run.StartedAt != nil {
					started = run.StartedAt.Format("2006-01-02 15:04:05")
				}
				t.AppendRow(table.Row{
					run.ID,
					run.Connector,
					string(run.Status),
					started,
					formatRunDuration(run.StartedAt, run.EndedAt),
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of runs to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
