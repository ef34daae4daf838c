package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarrydev/quarry/embedder"
	"github.com/quarrydev/quarry/extract"
	"github.com/quarrydev/quarry/git"
	"github.com/quarrydev/quarry/store"
)

// chunkNamespace seeds deterministic chunk IDs: the same project, path,
// offset, and content hash always yield the same ID, which keeps the chunk
// store and vector store joinable across re-runs.
var chunkNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

const (
	flushAttempts  = 3
	flushBackoff   = 500 * time.Millisecond
	maxFlushJitter = 250 * time.Millisecond
)

// Deps collects the collaborators an Orchestrator drives.
type Deps struct {
	Projects    store.ProjectStore
	Manifests   store.ManifestStore
	Chunks      store.ChunkStore
	Jobs        store.JobStore
	Outbox      store.OutboxStore
	Vectors     store.VectorStore
	Extractor   extract.Extractor
	Chunker     *Chunker
	Embedder    embedder.Embedder
	Planner     *Planner
	Coordinator *Coordinator
}

// Options tune a run.
type Options struct {
	VectorBatchSize  int
	ProgressInterval int
}

// Result is what every indexing run returns: counts plus the per-file error
// list. Per-file problems never surface as a returned error.
type Result struct {
	JobID          string
	Plan           *Plan
	FilesProcessed int
	ChunksCreated  int
	VectorsWritten int
	VectorsQueued  int
	Errors         []store.IndexingError
	Duration       time.Duration
	Cancelled      bool
}

// Orchestrator turns an indexing plan into durable state across the chunk
// store, manifest, and vector store.
type Orchestrator struct {
	deps Deps
	opts Options
	log  zerolog.Logger
}

func NewOrchestrator(deps Deps, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.VectorBatchSize <= 0 {
		opts.VectorBatchSize = 100
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 10
	}
	return &Orchestrator{
		deps: deps,
		opts: opts,
		log:  log.With().Str("component", "orchestrator").Logger(),
	}
}

// IndexProject runs a full differential index of the project root.
func (o *Orchestrator) IndexProject(ctx context.Context, project *store.Project, force bool) (*Result, error) {
	return o.run(ctx, project, force, nil)
}

// IndexPaths re-indexes just the given project-relative paths. Used by the
// incremental re-indexer fed from the file change monitor.
func (o *Orchestrator) IndexPaths(ctx context.Context, project *store.Project, relPaths []string) (*Result, error) {
	return o.run(ctx, project, false, relPaths)
}

func (o *Orchestrator) run(ctx context.Context, project *store.Project, force bool, relPaths []string) (*Result, error) {
	jobID := uuid.NewString()

	runCtx, cancel, err := o.deps.Coordinator.Acquire(ctx, project.ID, jobID, force)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer o.deps.Coordinator.Release(project.ID, jobID)

	start := time.Now()
	job := &store.IndexingJob{
		ID:        jobID,
		ProjectID: project.ID,
		Status:    store.JobQueued,
		CurrentOp: "planning",
		StartedAt: start.UTC(),
		UpdatedAt: start.UTC(),
	}
	if err := o.deps.Jobs.CreateJob(runCtx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	status := store.ProjectIndexing
	if project.Status == store.ProjectReady || relPaths != nil {
		status = store.ProjectUpdating
	}
	if err := o.deps.Projects.UpdateStatus(runCtx, project.ID, status); err != nil {
		o.log.Warn().Err(err).Str("project", project.ID).Msg("failed to update project status")
	}

	var plan *Plan
	if relPaths == nil {
		plan, err = o.deps.Planner.BuildPlan(runCtx, project.ID, project.RootPath)
	} else {
		plan, err = o.deps.Planner.BuildPlanForPaths(runCtx, project.ID, project.RootPath, relPaths)
	}
	if err != nil {
		return o.failJob(ctx, project, job, start, fmt.Errorf("plan construction failed: %w", err))
	}

	job.Status = store.JobIndexing
	job.NewFiles = len(plan.New)
	job.ChangedFiles = len(plan.Changed)
	job.MetadataFiles = len(plan.MetadataOnly)
	job.UnchangedFiles = len(plan.Unchanged)
	job.DeletedFiles = len(plan.Deleted)
	if err := o.deps.Jobs.UpdateJob(runCtx, job); err != nil {
		o.log.Warn().Err(err).Str("job", jobID).Msg("failed to persist job progress")
	}

	o.log.Info().
		Str("project", project.ID).
		Str("job", jobID).
		Int("new", len(plan.New)).
		Int("changed", len(plan.Changed)).
		Int("metadata_only", len(plan.MetadataOnly)).
		Int("unchanged", len(plan.Unchanged)).
		Int("deleted", len(plan.Deleted)).
		Dur("estimated_saved", plan.EstimatedSaved).
		Msg("plan built")

	// Best effort: chunks from roots that are not git repositories simply
	// carry no commit SHA.
	commitSHA := ""
	if git.IsRepository(project.RootPath) {
		if sha, err := git.HeadCommit(runCtx, project.RootPath); err == nil {
			commitSHA = sha
		}
	}

	result := &Result{JobID: jobID, Plan: plan}
	batcher := newVectorBatcher(o.deps.Vectors, o.deps.Outbox, project.ID, o.opts.VectorBatchSize, o.log)

	cancelled := o.processPlan(runCtx, project, job, plan, batcher, result, commitSHA)

	// Flush whatever the file loop accumulated, even on cancellation: the
	// chunks are already durable, so their vectors must not be lost.
	batcher.flush(ctx)
	result.VectorsWritten = batcher.written
	result.VectorsQueued = batcher.queued
	job.VectorsWritten = batcher.written

	if cancelled {
		result.Cancelled = true
		job.Status = store.JobFailed
		job.CurrentOp = "cancelled"
		job.Errors = append(job.Errors, store.IndexingError{
			Message: "indexing run cancelled",
			Kind:    "cancelled",
		})
		if err := o.deps.Jobs.UpdateJob(ctx, job); err != nil {
			o.log.Warn().Err(err).Str("job", jobID).Msg("failed to persist cancelled job")
		}
		result.Errors = job.Errors
		result.Duration = time.Since(start)
		return result, nil
	}

	// Final commit: authoritative counters from the stores, not the
	// in-memory tallies accumulated above.
	if err := o.refreshProjectCounters(ctx, project.ID); err != nil {
		return o.failJob(ctx, project, job, start, fmt.Errorf("final commit failed: %w", err))
	}
	now := time.Now()
	if err := o.deps.Projects.SetLastIndexed(ctx, project.ID, now); err != nil {
		return o.failJob(ctx, project, job, start, fmt.Errorf("final commit failed: %w", err))
	}
	if err := o.deps.Projects.UpdateStatus(ctx, project.ID, store.ProjectReady); err != nil {
		return o.failJob(ctx, project, job, start, fmt.Errorf("final commit failed: %w", err))
	}

	job.Status = store.JobCompleted
	job.CurrentOp = "done"
	if err := o.deps.Jobs.UpdateJob(ctx, job); err != nil {
		o.log.Warn().Err(err).Str("job", jobID).Msg("failed to persist completed job")
	}

	result.Errors = job.Errors
	result.Duration = time.Since(start)

	o.log.Info().
		Str("project", project.ID).
		Str("job", jobID).
		Int("files", result.FilesProcessed).
		Int("chunks", result.ChunksCreated).
		Int("vectors", result.VectorsWritten).
		Int("queued", result.VectorsQueued).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("indexing run finished")

	return result, nil
}

// processPlan walks the plan's work lists. Returns true if the run was
// cancelled mid-way.
func (o *Orchestrator) processPlan(ctx context.Context, project *store.Project, job *store.IndexingJob, plan *Plan, batcher *vectorBatcher, result *Result, commitSHA string) bool {
	sinceProgress := 0

	tick := func() bool {
		sinceProgress++
		job.FilesProcessed++
		result.FilesProcessed++
		if sinceProgress >= o.opts.ProgressInterval {
			sinceProgress = 0
			if err := o.deps.Jobs.UpdateJob(ctx, job); err != nil {
				o.log.Warn().Err(err).Str("job", job.ID).Msg("failed to persist job progress")
			}
			if err := o.refreshProjectCounters(ctx, project.ID); err != nil {
				o.log.Warn().Err(err).Str("project", project.ID).Msg("failed to refresh project counters")
			}
		}
		return ctx.Err() != nil
	}

	// Deletions first so a rename processed as delete+create never leaves
	// stale chunks behind the new path's write.
	for _, rel := range plan.Deleted {
		if ctx.Err() != nil {
			return true
		}
		job.CurrentOp = "deleting " + rel
		if err := o.removeFile(ctx, project.ID, rel); err != nil {
			o.recordError(job, rel, err, "delete")
		}
		if tick() {
			return true
		}
	}

	for _, f := range append(append([]FileInfo{}, plan.New...), plan.Changed...) {
		if ctx.Err() != nil {
			return true
		}
		job.CurrentOp = "indexing " + f.RelPath
		chunks, err := o.indexFile(ctx, project, f, batcher, commitSHA)
		if err != nil {
			o.recordError(job, f.RelPath, err, errorKind(err))
		} else {
			job.ChunksCreated += chunks
			result.ChunksCreated += chunks
		}
		if tick() {
			return true
		}
	}

	for _, f := range plan.MetadataOnly {
		if ctx.Err() != nil {
			return true
		}
		job.CurrentOp = "touching " + f.RelPath
		if err := o.touchFile(ctx, project.ID, f); err != nil {
			o.recordError(job, f.RelPath, err, "manifest")
		}
		if tick() {
			return true
		}
	}

	return ctx.Err() != nil
}

// indexFile extracts, chunks, embeds, and persists one file, then updates its
// manifest entry. Returns the number of chunks created.
func (o *Orchestrator) indexFile(ctx context.Context, project *store.Project, f FileInfo, batcher *vectorBatcher, commitSHA string) (int, error) {
	// Changed files: drop prior chunks first so re-runs never duplicate.
	staleIDs, err := o.deps.Chunks.DeleteByFile(ctx, project.ID, f.RelPath)
	if err != nil {
		return 0, fmt.Errorf("failed to delete prior chunks: %w", err)
	}
	if len(staleIDs) > 0 {
		if err := o.deps.Vectors.Delete(ctx, project.ID, staleIDs); err != nil {
			o.log.Warn().Err(err).Str("file", f.RelPath).Msg("failed to delete stale vectors")
		}
	}

	doc, err := o.deps.Extractor.Extract(f.AbsPath)
	if err != nil {
		return 0, err
	}

	if f.Hash == "" {
		f.Hash, err = HashFile(f.AbsPath)
		if err != nil {
			return 0, err
		}
	}

	pieces := o.deps.Chunker.Chunk(doc)
	if len(pieces) == 0 {
		return 0, o.deps.Manifests.UpsertManifest(ctx, store.ManifestEntry{
			ProjectID: project.ID,
			RelPath:   f.RelPath,
			Hash:      f.Hash,
			ModTime:   f.ModTime,
			Size:      f.Size,
		})
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	vectors, err := o.deps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(pieces) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(pieces))
	}

	now := time.Now().UTC()
	chunks := make([]store.Chunk, len(pieces))
	for i, p := range pieces {
		id := uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s|%s|%d|%s", project.ID, f.RelPath, p.StartByte, f.Hash))).String()
		chunks[i] = store.Chunk{
			ID:         id,
			ProjectID:  project.ID,
			FilePath:   f.RelPath,
			Content:    p.Text,
			TokenCount: p.TokenCount,
			StartByte:  p.StartByte,
			EndByte:    p.EndByte,
			StartLine:  p.StartLine,
			EndLine:    p.EndLine,
			Title:      p.Title,
			Language:   p.Language,
			CommitSHA:  commitSHA,
			CreatedAt:  now,
		}
	}

	// Chunk rows first: a chunk without a vector is recoverable through the
	// outbox, a vector without a chunk is an orphan.
	if err := o.deps.Chunks.SaveChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("failed to save chunks: %w", err)
	}

	for i, c := range chunks {
		batcher.add(ctx, store.VectorPoint{
			ID:     c.ID,
			Vector: vectors[i],
			Payload: map[string]string{
				"content":    c.Content,
				"file_path":  c.FilePath,
				"start_line": strconv.Itoa(c.StartLine),
				"end_line":   strconv.Itoa(c.EndLine),
				"title":      c.Title,
				"language":   c.Language,
			},
		})
	}

	err = o.deps.Manifests.UpsertManifest(ctx, store.ManifestEntry{
		ProjectID:  project.ID,
		RelPath:    f.RelPath,
		Hash:       f.Hash,
		ModTime:    f.ModTime,
		Size:       f.Size,
		ChunkCount: len(chunks),
	})
	if err != nil {
		return len(chunks), fmt.Errorf("failed to update manifest: %w", err)
	}

	return len(chunks), nil
}

// touchFile refreshes manifest metadata for a file whose content is
// unchanged. The chunk store is deliberately untouched.
func (o *Orchestrator) touchFile(ctx context.Context, projectID string, f FileInfo) error {
	entries, err := o.deps.Manifests.ListManifest(ctx, projectID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.RelPath == f.RelPath {
			e.ModTime = f.ModTime
			e.Size = f.Size
			return o.deps.Manifests.UpsertManifest(ctx, e)
		}
	}
	return store.ErrNotFound
}

// removeFile deletes a vanished file's chunks, vectors, and manifest entry.
func (o *Orchestrator) removeFile(ctx context.Context, projectID, relPath string) error {
	ids, err := o.deps.Chunks.DeleteByFile(ctx, projectID, relPath)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if len(ids) > 0 {
		if err := o.deps.Vectors.Delete(ctx, projectID, ids); err != nil {
			o.log.Warn().Err(err).Str("file", relPath).Msg("failed to delete vectors")
		}
	}
	if err := o.deps.Manifests.DeleteManifest(ctx, projectID, relPath); err != nil {
		return fmt.Errorf("failed to delete manifest entry: %w", err)
	}
	return nil
}

// refreshProjectCounters re-queries actual stored counts so reported progress
// cannot diverge from the data store's truth.
func (o *Orchestrator) refreshProjectCounters(ctx context.Context, projectID string) error {
	files, bytes, err := o.deps.Manifests.ManifestTotals(ctx, projectID)
	if err != nil {
		return err
	}
	chunks, err := o.deps.Chunks.CountByProject(ctx, projectID)
	if err != nil {
		return err
	}
	return o.deps.Projects.UpdateCounters(ctx, projectID, files, chunks, bytes)
}

func (o *Orchestrator) recordError(job *store.IndexingJob, path string, err error, kind string) {
	o.log.Warn().Err(err).Str("file", path).Msg("file failed, continuing")
	job.Errors = append(job.Errors, store.IndexingError{
		Path:    path,
		Message: err.Error(),
		Kind:    kind,
		Trace:   string(debug.Stack()),
	})
}

// failJob marks the whole run failed; used for plan-stage and commit-stage
// errors where no partial success can be claimed.
func (o *Orchestrator) failJob(ctx context.Context, project *store.Project, job *store.IndexingJob, start time.Time, cause error) (*Result, error) {
	o.log.Error().Err(cause).Str("project", project.ID).Str("job", job.ID).Msg("indexing run failed")

	job.Status = store.JobFailed
	job.Errors = append(job.Errors, store.IndexingError{
		Message: cause.Error(),
		Kind:    "fatal",
	})
	if err := o.deps.Jobs.UpdateJob(ctx, job); err != nil {
		o.log.Warn().Err(err).Str("job", job.ID).Msg("failed to persist failed job")
	}
	if err := o.deps.Projects.UpdateStatus(ctx, project.ID, store.ProjectFailed); err != nil {
		o.log.Warn().Err(err).Str("project", project.ID).Msg("failed to update project status")
	}

	return &Result{
		JobID:    job.ID,
		Errors:   job.Errors,
		Duration: time.Since(start),
	}, cause
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, extract.ErrNotFound):
		return "not_found"
	case errors.Is(err, extract.ErrTooLarge):
		return "too_large"
	case errors.Is(err, extract.ErrEmptyContent):
		return "empty_content"
	default:
		return "index"
	}
}

// vectorBatcher accumulates vector writes into fixed-size batches. A batch
// that still fails after in-line retries is handed to the outbox for
// background delivery instead of failing the run.
type vectorBatcher struct {
	vectors   store.VectorStore
	outbox    store.OutboxStore
	projectID string
	size      int
	points    []store.VectorPoint
	written   int
	queued    int
	log       zerolog.Logger
}

func newVectorBatcher(vectors store.VectorStore, outbox store.OutboxStore, projectID string, size int, log zerolog.Logger) *vectorBatcher {
	return &vectorBatcher{
		vectors:   vectors,
		outbox:    outbox,
		projectID: projectID,
		size:      size,
		points:    make([]store.VectorPoint, 0, size),
		log:       log.With().Str("component", "vector-batcher").Logger(),
	}
}

func (b *vectorBatcher) add(ctx context.Context, point store.VectorPoint) {
	b.points = append(b.points, point)
	if len(b.points) >= b.size {
		b.flush(ctx)
	}
}

func (b *vectorBatcher) flush(ctx context.Context) {
	if len(b.points) == 0 {
		return
	}
	batch := b.points
	b.points = make([]store.VectorPoint, 0, b.size)

	var lastErr error
	for attempt := 0; attempt < flushAttempts; attempt++ {
		if attempt > 0 {
			backoff := flushBackoff<<(attempt-1) + time.Duration(rand.Int63n(int64(maxFlushJitter)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
		}
		lastErr = b.vectors.Save(ctx, b.projectID, batch)
		if lastErr == nil {
			b.written += len(batch)
			return
		}
		b.log.Warn().Err(lastErr).Int("attempt", attempt+1).Int("batch", len(batch)).Msg("vector batch flush failed")
		if ctx.Err() != nil {
			// A cancelled run cannot reach the backend; go straight to
			// the outbox.
			break
		}
	}

	// Durable fallback: the outbox worker owns delivery from here. The run
	// context may already be cancelled and these chunks are committed, so
	// the enqueue must not die with it.
	enqueueCtx := context.WithoutCancel(ctx)
	for _, p := range batch {
		embedding, err := json.Marshal(p.Vector)
		if err != nil {
			b.log.Error().Err(err).Str("chunk", p.ID).Msg("failed to serialize embedding for outbox")
			continue
		}
		metadata, err := json.Marshal(p.Payload)
		if err != nil {
			b.log.Error().Err(err).Str("chunk", p.ID).Msg("failed to serialize metadata for outbox")
			continue
		}
		if err := b.outbox.Enqueue(enqueueCtx, store.SyncOperation{
			ProjectID: b.projectID,
			ChunkID:   p.ID,
			Embedding: embedding,
			Metadata:  metadata,
		}); err != nil {
			b.log.Error().Err(err).Str("chunk", p.ID).Msg("failed to enqueue vector write")
			continue
		}
		b.queued++
	}
	b.log.Info().Err(lastErr).Int("queued", b.queued).Msg("vector batch handed to outbox")
}
