package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quarrydev/quarry/config"
	"github.com/quarrydev/quarry/embedder"
	"github.com/quarrydev/quarry/indexer"
	"github.com/quarrydev/quarry/outbox"
	"github.com/quarrydev/quarry/store"
	"github.com/quarrydev/quarry/watcher"
)

var watchNoInitial bool

// routingOrchestrator fans incremental passes out to the orchestrator built
// for the batch's project.
type routingOrchestrator struct {
	orchestrators map[string]*indexer.Orchestrator
}

func (r *routingOrchestrator) IndexPaths(ctx context.Context, project *store.Project, relPaths []string) (*indexer.Result, error) {
	orchestrator, ok := r.orchestrators[project.ID]
	if !ok {
		return nil, fmt.Errorf("no orchestrator for project %s", project.ID)
	}
	return orchestrator.IndexPaths(ctx, project, relPaths)
}

var watchCmd = &cobra.Command{
	Use:   "watch [path...]",
	Short: "Watch project directories and keep their indexes live",
	Long: `Watch the given directories (default: current directory) and
re-index files as they change. Changes are debounced so editor save
bursts become one incremental pass.

The background outbox worker also runs in this mode, delivering any
vector writes that previously failed.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoInitial, "no-initial", false, "Skip the initial full index before watching")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roots := args
	if len(roots) == 0 {
		roots = []string{"."}
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

	monitor, err := watcher.NewMonitor(
		time.Duration(cfg.Watch.DebounceMs)*time.Millisecond,
		time.Duration(cfg.Watch.RestartDelayMs)*time.Millisecond,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer monitor.Close()

	coord := indexer.NewCoordinator()
	// One orchestrator per watched root: ignore rules and the planner are
	// compiled against a specific tree.
	orchestrators := make(map[string]*indexer.Orchestrator)

	for _, root := range roots {
		root, err := canonicalRoot(root)
		if err != nil {
			return err
		}
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			return fmt.Errorf("not a directory: %s", root)
		}

		project, err := db.Resolve(ctx, root)
		if err != nil {
			return fmt.Errorf("failed to resolve project: %w", err)
		}
		if err := db.SetWatch(ctx, project.ID, true); err != nil {
			return err
		}

		orchestrator, err := buildOrchestrator(db, vectors, emb, cfg, root, coord)
		if err != nil {
			return err
		}
		orchestrators[project.ID] = orchestrator

		if !watchNoInitial {
			fmt.Printf("Indexing %s before watching...\n", root)
			result, err := orchestrator.IndexProject(ctx, project, false)
			if err != nil {
				var busy *indexer.ErrAlreadyIndexing
				if !errors.As(err, &busy) {
					return err
				}
				fmt.Printf("Project %s already indexing (job %s), watching anyway\n", project.ID, busy.ExistingJobID)
			} else {
				printRunSummary(result, false)
			}
		}

		ignoreMatcher, err := indexer.NewIgnoreMatcher(root, cfg.Ignore)
		if err != nil {
			return fmt.Errorf("failed to compile ignore rules: %w", err)
		}
		if err := monitor.AddProject(project.ID, root, ignoreMatcher); err != nil {
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
		fmt.Printf("Watching %s (project %s)\n", root, project.ID)
	}

	worker := outbox.NewWorker(db, vectors, outbox.Options{
		PollInterval: time.Duration(cfg.Outbox.PollIntervalMs) * time.Millisecond,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxRetries:   cfg.Outbox.MaxRetries,
	}, logger)

	reindexer := watcher.NewReindexer(monitor, &routingOrchestrator{orchestrators: orchestrators}, db, cfg.Watch.MaxConcurrentBatches, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return reindexer.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })

	fmt.Println("Press Ctrl+C to stop.")
	err = g.Wait()

	// Final persist for the gob backend after the outbox drain.
	if gobStore, ok := vectors.(*store.GOBVectorStore); ok {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if perr := gobStore.Persist(persistCtx); perr != nil {
			logger.Error().Err(perr).Msg("failed to persist vector index on shutdown")
		}
	}
	return err
}
