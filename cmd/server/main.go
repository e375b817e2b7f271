// dataloop - approval-gated data analysis assistant server
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "dataloop",
		Short:         "Ask questions about your data; approve the code that answers them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if err := godotenv.Load(envFile); err != nil {
				slog.Debug("No .env file found, using environment variables", "path", envFile)
			}
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	serve := newServeCmd()
	root.AddCommand(serve, newAskCmd())
	// Running without a subcommand serves HTTP.
	root.RunE = serve.RunE
	return root
}
