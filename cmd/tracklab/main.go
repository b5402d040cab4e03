package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "tracklab",
	Short:         "Local-first experiment tracking",
	Long:          "tracklab runs the local tracking backend, hosts the SDK service process,\nand inspects recorded runs.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env if present (non-fatal; production won't have one).
		_ = godotenv.Load()

		level := slog.LevelInfo
		if os.Getenv("TRACKLAB_LOG_LEVEL") == "debug" {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)
	},
}

func main() {
	rootCmd.AddCommand(serverCmd, serviceCmd, runsCmd, projectsCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}
