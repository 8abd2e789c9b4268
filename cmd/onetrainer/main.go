// Command onetrainer inspects, loads and converts Stable Diffusion
// checkpoints.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "onetrainer",
		Short:         "Stable Diffusion checkpoint tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level: debug|info|warn|error")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).With().Timestamp().Logger()
		return nil
	}

	root.AddCommand(buildInspectCmd(), buildLoadCmd(), buildConvertCmd(), buildVersionCmd())
	return root
}

// logger is configured by the root command before any subcommand runs.
var logger = zerolog.Nop()

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "onetrainer", version)
		},
	}
}
