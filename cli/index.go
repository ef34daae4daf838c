package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarrydev/quarry/config"
	"github.com/quarrydev/quarry/embedder"
	"github.com/quarrydev/quarry/indexer"
	"github.com/quarrydev/quarry/store"
)

var indexForce bool

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a project directory",
	Long: `Index the given directory (default: current directory).

Re-runs are differential: files whose size and modification time are
unchanged are skipped without reading their content.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVarP(&indexForce, "force", "f", false, "Cancel any in-progress run for this project and start over")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	root, err := canonicalRoot(root)
	if err != nil {
		return err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", root)
	}

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

	emb, err := embedder.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer emb.Close()

	project, err := db.Resolve(ctx, root)
	if err != nil {
		return fmt.Errorf("failed to resolve project: %w", err)
	}

	orchestrator, err := buildOrchestrator(db, vectors, emb, cfg, root, indexer.NewCoordinator())
	if err != nil {
		return err
	}

	fmt.Printf("Indexing %s (project %s)\n", root, project.ID)

	result, err := orchestrator.IndexProject(ctx, project, indexForce)
	if err != nil {
		var busy *indexer.ErrAlreadyIndexing
		if errors.As(err, &busy) {
			return fmt.Errorf("project is already being indexed (job %s); re-run with --force to take over", busy.ExistingJobID)
		}
		if result != nil {
			printRunSummary(result, true)
		}
		return err
	}

	// The gob backend only persists on demand.
	if gobStore, ok := vectors.(*store.GOBVectorStore); ok {
		if err := gobStore.Persist(ctx); err != nil {
			return fmt.Errorf("failed to persist vector index: %w", err)
		}
	}

	printRunSummary(result, true)
	return nil
}
