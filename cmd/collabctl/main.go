package main

import (
	"fmt"
	"os"

	"collab-sync-server/pkg/logger"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	logLevel string
	version  = "1.0.0"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "collabctl",
		Short:         "Collab sync command line client",
		Long:          "Join documents on a collab sync server as a live replica and inspect persisted replicas.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newJoinCmd())
	rootCmd.AddCommand(newInspectCmd())
	return rootCmd
}

func cliLogger() zerolog.Logger {
	return logger.NewWithWriter(os.Stderr, logLevel, true)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
