package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var timeoutFlag time.Duration
	var logLevelFlag string

	ctx := newCommandContext(&configFlag, &timeoutFlag, &logLevelFlag)

	rootCmd := &cobra.Command{
		Use:           "lsq",
		Short:         "Query language servers from the command line",
		Long:          "lsq spawns the language servers that claim a file, fans each query out to all of them, and aggregates the answers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.shutdown()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 0, "Per-server request timeout (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(newHoverCommand(ctx))
	rootCmd.AddCommand(newDefinitionCommand(ctx))
	rootCmd.AddCommand(newReferencesCommand(ctx))
	rootCmd.AddCommand(newSymbolsCommand(ctx))
	rootCmd.AddCommand(newDocSymbolsCommand(ctx))
	rootCmd.AddCommand(newDiagnosticsCommand(ctx))
	rootCmd.AddCommand(newServersCommand(ctx))

	return rootCmd
}
