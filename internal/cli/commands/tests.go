package commands

import (
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/gibbon-labs/gibbon/internal/connector"
)

// NewTestsCommand creates the tests command.
func NewTestsCommand(getConfig ConfigFunc) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "tests",
		Short: "List discovered test configs",
		Long:  `List the test configs found in the configs directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())

			catalog := connector.NewCatalog(cfg.ConfigsDir)
			infos, err := catalog.List()
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Name", "Config"})
			for _, info := range infos {
				t.AppendRow(table.Row{info.Name, info.Path})
			}
			t.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "(%d tests)\n", len(infos))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
