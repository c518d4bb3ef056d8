// Package cmd implements the episcope command line interface.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/episcope/episcope/internal/config"
	"github.com/episcope/episcope/internal/log"
)

var (
	verbose  bool
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "episcope",
	Short: "Epidemic intelligence over health surveillance snapshots",
	Long: `Episcope answers questions about global health surveillance events.

It chunks weekly surveillance snapshots, embeds them with Gemini, indexes
them in Postgres (pgvector + full-text), and answers questions with hybrid
retrieval grounded generation.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")
}

func newLogger() log.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: jsonLogs})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}
