package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/quarrydev/quarry/indexer"
	"github.com/quarrydev/quarry/store"
)

// defaultRetryDelay spaces out re-offers of batches whose project was
// busy when they first arrived.
const defaultRetryDelay = 30 * time.Second

// Indexer is the incremental entry point the Reindexer drives. Satisfied by
// indexer.Orchestrator and by multi-project routers layered over it.
type Indexer interface {
	IndexPaths(ctx context.Context, project *store.Project, relPaths []string) (*indexer.Result, error)
}

// Reindexer drains change batches from a Monitor and runs bounded incremental
// indexing passes. While a project's pass runs, the monitor is suspended for
// that project so the pass's own writes do not echo back as new batches.
// Batches that hit a busy project are re-offered after retryDelay rather
// than dropped.
type Reindexer struct {
	monitor      *Monitor
	orchestrator Indexer
	projects     store.ProjectStore
	sem          *semaphore.Weighted
	retryDelay   time.Duration
	requeue      chan Batch
	log          zerolog.Logger
	wg           sync.WaitGroup
}

func NewReindexer(monitor *Monitor, orchestrator Indexer, projects store.ProjectStore, maxConcurrent int64, log zerolog.Logger) *Reindexer {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Reindexer{
		monitor:      monitor,
		orchestrator: orchestrator,
		projects:     projects,
		sem:          semaphore.NewWeighted(maxConcurrent),
		retryDelay:   defaultRetryDelay,
		requeue:      make(chan Batch, 16),
		log:          log.With().Str("component", "reindexer").Logger(),
	}
}

// Run consumes batches until ctx is done or the batch channel closes, then
// waits for in-flight passes to finish.
func (r *Reindexer) Run(ctx context.Context) error {
	defer r.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-r.monitor.Batches():
			if !ok {
				return nil
			}
			if !r.dispatch(ctx, batch) {
				return nil
			}
		case batch := <-r.requeue:
			if !r.dispatch(ctx, batch) {
				return nil
			}
		}
	}
}

// dispatch starts a bounded pass for the batch. Returns false when ctx
// ended while waiting for a slot.
func (r *Reindexer) dispatch(ctx context.Context, batch Batch) bool {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		r.process(ctx, batch)
	}()
	return true
}

func (r *Reindexer) process(ctx context.Context, batch Batch) {
	project, err := r.projects.Get(ctx, batch.ProjectID)
	if err != nil {
		r.log.Warn().Err(err).Str("project", batch.ProjectID).Msg("failed to load project for batch")
		return
	}

	relPaths := make([]string, 0, len(batch.Changes))
	for _, c := range batch.Changes {
		relPaths = append(relPaths, c.RelPath)
	}

	r.log.Info().Str("project", project.ID).Int("paths", len(relPaths)).Msg("incremental pass starting")

	r.monitor.Suspend(project.ID)
	defer r.monitor.Resume(project.ID)

	result, err := r.orchestrator.IndexPaths(ctx, project, relPaths)
	if err != nil {
		var busy *indexer.ErrAlreadyIndexing
		if errors.As(err, &busy) {
			r.log.Info().Str("project", project.ID).Str("holder", busy.ExistingJobID).Msg("project busy, batch deferred")
			r.requeueLater(batch)
			return
		}
		r.log.Error().Err(err).Str("project", project.ID).Msg("incremental pass failed")
		return
	}

	r.log.Info().
		Str("project", project.ID).
		Str("job", result.JobID).
		Int("files", result.FilesProcessed).
		Int("chunks", result.ChunksCreated).
		Int("errors", len(result.Errors)).
		Msg("incremental pass finished")
}

// requeueLater re-offers the batch to Run after retryDelay. The send never
// blocks: a full requeue channel means the project is drowning in retries
// and the monitor will report the paths again anyway.
func (r *Reindexer) requeueLater(batch Batch) {
	time.AfterFunc(r.retryDelay, func() {
		select {
		case r.requeue <- batch:
		default:
			r.log.Warn().Str("project", batch.ProjectID).Msg("retry queue full, batch dropped")
		}
	})
}
