package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarrydev/quarry/config"
	"github.com/quarrydev/quarry/outbox"
	"github.com/quarrydev/quarry/store"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the pending vector-write queue",
	Args:  cobra.NoArgs,
	RunE:  runOutboxStatus,
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver pending vector writes now",
	Args:  cobra.NoArgs,
	RunE:  runOutboxDrain,
}

func init() {
	outboxCmd.AddCommand(outboxDrainCmd)
}

func runOutboxStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	home, _, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(config.GetDatabasePath(home))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	pending, completed, dead, err := db.OutboxCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to read outbox counts: %w", err)
	}

	fmt.Printf("Outbox: %d pending, %d completed, %d dead-letter\n", pending, completed, dead)
	if dead > 0 {
		fmt.Println("Dead-letter operations exhausted their retries and need inspection.")
	}
	return nil
}

func runOutboxDrain(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	home, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(config.GetDatabasePath(home))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	vectors, err := openVectorStore(ctx, home, cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	worker := outbox.NewWorker(db, vectors, outbox.Options{
		PollInterval: time.Duration(cfg.Outbox.PollIntervalMs) * time.Millisecond,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
	}, logger)

	before, _, _, err := db.OutboxCounts(ctx)
	if err != nil {
		return err
	}

	worker.Drain(ctx)

	if gobStore, ok := vectors.(*store.GOBVectorStore); ok {
		if err := gobStore.Persist(ctx); err != nil {
			return fmt.Errorf("failed to persist vector index: %w", err)
		}
	}

	after, _, dead, err := db.OutboxCounts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Drained %d operations, %d still pending, %d dead-letter\n", before-after, after, dead)
	return nil
}
