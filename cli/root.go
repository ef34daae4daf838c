// Package cli wires the quarry commands: index, watch, search, status, and
// outbox inspection.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quarrydev/quarry/config"
)

var (
	verbose bool
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Incremental project indexing with hybrid search",
	Long: `Quarry keeps a searchable, embedding-backed index of project trees.

Indexing is differential: unchanged files are detected by size and mtime
and skipped entirely, changed files are found by content hash. A watch
mode keeps the index live as files change.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(outboxCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the quarry home directory and reads (or creates) the
// config inside it.
func loadConfig() (string, *config.Config, error) {
	home, err := config.HomeDir()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return home, cfg, nil
}
