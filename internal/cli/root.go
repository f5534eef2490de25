// Package cli provides the command-line interface for Gibbon.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gibbon-labs/gibbon/internal/cli/commands"
	"github.com/gibbon-labs/gibbon/internal/cli/config"
)

var cfgFile string

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// configKey is used to store config in context.
type configKey struct{}

// loggerKey is used to store the logger in context.
type loggerKey struct{}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gibbon",
		Short: "Gibbon - Connector Integration Test Harness",
		Long: `Gibbon runs end-to-end integration tests against content-sync connectors.

Each test drives a connector through a full entity lifecycle (create, sync,
verify, update, delete) against real APIs and a real indexing backend, and
reports progress live.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}

			cfg, err := config.Load(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Verbose)
			ctx := context.WithValue(cmd.Context(), configKey{}, cfg)
			ctx = context.WithValue(ctx, loggerKey{}, logger)
			cmd.SetContext(ctx)

			if cfg.Verbose {
				if configFile := config.GetConfigFileUsed(); configFile != "" {
					fmt.Fprintf(os.Stderr, "Using config file: %s\n", configFile)
				}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
Connector integration test harness
`)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gibbon.yaml)")
	rootCmd.PersistentFlags().String("configs-dir", "", "Path to test config directory")
	rootCmd.PersistentFlags().String("history-path", "", "Path to run history database")
	rootCmd.PersistentFlags().Int("port", 0, "HTTP server port")
	rootCmd.PersistentFlags().Int("max-concurrent", 0, "Maximum concurrent runs (0 = unlimited)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(commands.NewVersionCommand(Version))
	rootCmd.AddCommand(commands.NewServeCommand(GetConfig, GetLogger))
	rootCmd.AddCommand(commands.NewRunCommand(GetConfig, GetLogger))
	rootCmd.AddCommand(commands.NewRunsCommand(GetConfig, GetLogger))
	rootCmd.AddCommand(commands.NewTestsCommand(GetConfig))

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// GetConfig retrieves the config from the command context.
func GetConfig(ctx context.Context) *config.Config {
	if c, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return c
	}
	return &config.Config{
		ConfigsDir:  config.DefaultConfigsDir,
		HistoryPath: config.DefaultHistoryPath,
		Port:        config.DefaultPort,
	}
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
