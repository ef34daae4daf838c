package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/quarrydev/quarry/config"
	"github.com/quarrydev/quarry/embedder"
	"github.com/quarrydev/quarry/extract"
	"github.com/quarrydev/quarry/indexer"
	"github.com/quarrydev/quarry/store"
)

// canonicalRoot resolves a user-supplied project path to its canonical
// absolute form. Symlinked spellings of the same directory must map to
// one project, not several. A path that does not exist yet is returned
// absolute so the caller's own stat check reports the real error.
func canonicalRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs, nil
	}
	return resolved, nil
}

// openVectorStore builds the configured vector store backend.
func openVectorStore(ctx context.Context, home string, cfg *config.Config) (store.VectorStore, error) {
	switch cfg.Store.Backend {
	case "gob":
		gobStore := store.NewGOBVectorStore(config.GetVectorIndexPath(home))
		if err := gobStore.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load vector index: %w", err)
		}
		return gobStore, nil
	case "qdrant":
		st, err := store.NewQdrantStore(ctx, cfg.Store.Qdrant.Host, cfg.Store.Qdrant.Port, cfg.Store.Qdrant.UseTLS, cfg.Store.Qdrant.APIKey, cfg.Embedder.GetDimensions())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.Store.Postgres.DSN, cfg.Embedder.GetDimensions())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Store.Backend)
	}
}

// buildOrchestrator assembles an orchestrator for one project, including its
// ignore-rule matcher.
func buildOrchestrator(db *store.SQLiteStore, vectors store.VectorStore, emb embedder.Embedder, cfg *config.Config, projectRoot string, coord *indexer.Coordinator) (*indexer.Orchestrator, error) {
	ignoreMatcher, err := indexer.NewIgnoreMatcher(projectRoot, cfg.Ignore)
	if err != nil {
		return nil, fmt.Errorf("failed to compile ignore rules: %w", err)
	}

	deps := indexer.Deps{
		Projects:    db,
		Manifests:   db,
		Chunks:      db,
		Jobs:        db,
		Outbox:      db,
		Vectors:     vectors,
		Extractor:   extract.NewTextExtractor(int64(cfg.Indexing.MaxFileSizeMB) * 1024 * 1024),
		Chunker:     indexer.NewChunker(cfg.Indexing.ChunkLines, cfg.Indexing.ChunkOverlap),
		Embedder:    emb,
		Planner:     indexer.NewPlanner(db, ignoreMatcher),
		Coordinator: coord,
	}
	opts := indexer.Options{
		VectorBatchSize:  cfg.Indexing.VectorBatchSize,
		ProgressInterval: cfg.Indexing.ProgressInterval,
	}
	return indexer.NewOrchestrator(deps, opts, logger), nil
}

// printRunSummary renders one indexing result for humans.
func printRunSummary(result *indexer.Result, verbosePlan bool) {
	if result.Plan != nil && verbosePlan {
		fmt.Printf("Plan: %d new, %d changed, %d metadata-only, %d unchanged, %d deleted",
			len(result.Plan.New), len(result.Plan.Changed), len(result.Plan.MetadataOnly),
			len(result.Plan.Unchanged), len(result.Plan.Deleted))
		if result.Plan.EstimatedSaved > 0 {
			fmt.Printf(" (~%s of hashing skipped)", result.Plan.EstimatedSaved.Round(time.Millisecond))
		}
		fmt.Println()
	}

	fmt.Printf("Indexed %d files, %d chunks, %d vectors written", result.FilesProcessed, result.ChunksCreated, result.VectorsWritten)
	if result.VectorsQueued > 0 {
		fmt.Printf(" (%d queued for background delivery)", result.VectorsQueued)
	}
	fmt.Printf(" in %s\n", result.Duration.Round(time.Millisecond))

	if result.Cancelled {
		fmt.Println("Run was cancelled before completion.")
	}
	for _, e := range result.Errors {
		if e.Path != "" {
			fmt.Printf("  error [%s] %s: %s\n", e.Kind, e.Path, e.Message)
		} else {
			fmt.Printf("  error [%s]: %s\n", e.Kind, e.Message)
		}
	}
}
