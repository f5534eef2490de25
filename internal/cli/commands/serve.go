package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gibbon-labs/gibbon/internal/ui"
)

// NewServeCommand creates the serve command.
func NewServeCommand(getConfig ConfigFunc, getLogger LoggerFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the test orchestrator server",
		Long: `Start the HTTP server that exposes the test API and the live run feeds.

Runs are started via POST /api/run and observed over SSE; finished runs are
kept in the history database.`,
		Example: `  # Serve on the default port
  gibbon serve

  # Serve on a custom port with a different config directory
  gibbon serve --port 3000 --configs-dir ./connector-tests`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			logger := getLogger(cmd.Context())

			h, cleanup, err := newHarness(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			server := ui.NewServer(ui.Config{
				Dispatcher: h.dispatcher,
				Registry:   h.registry,
				Catalog:    h.catalog,
				History:    h.history,
				Bus:        h.bus,
				Port:       cfg.Port,
				Logger:     logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = server.Serve(ctx)

			// Cancel in-flight runs and let their cleanup hooks finish.
			h.dispatcher.Shutdown()
			return err
		},
	}
}
