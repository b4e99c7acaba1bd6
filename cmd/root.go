// Package cmd implements the dagobah command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dagobah-org/dagobah/internal/build"
	"github.com/dagobah-org/dagobah/internal/config"
)

var configFile string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   build.AppName,
		Short: "A DAG-based cron job scheduler",
		Long: `Dagobah schedules jobs built from shell-command tasks wired into
directed acyclic graphs, runs them locally or over SSH on cron
schedules, and persists everything to a pluggable backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "",
		"path to the configuration file")

	cmd.AddCommand(serverCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(exportCmd())
	cmd.AddCommand(importCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var opts []config.Option
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	return config.Load(opts...)
}
