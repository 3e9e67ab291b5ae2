package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var serverFlag string
	var languageFlag string
	var timeoutFlag time.Duration

	rootCmd := &cobra.Command{
		Use:           "diagenctl",
		Short:         "Client for a diagen server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "http://localhost:8080", "Base URL of the diagen server")
	rootCmd.PersistentFlags().StringVarP(&languageFlag, "language", "l", "typescript", "Target language for generated code")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Minute, "Overall flow timeout")

	rootCmd.AddCommand(newAnalyzeCommand(&serverFlag, &languageFlag, &timeoutFlag))
	rootCmd.AddCommand(newOptimizeCommand(&serverFlag, &languageFlag, &timeoutFlag))

	return rootCmd
}
