package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStore_ResolveIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := db.Resolve(ctx, "/tmp/projA")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, ProjectNotIndexed, first.Status)

	second, err := db.Resolve(ctx, "/tmp/projA")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "resolving the same path twice must not create a second project")

	other, err := db.Resolve(ctx, "/tmp/projB")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestSQLiteStore_ProjectLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p, err := db.Resolve(ctx, "/tmp/proj")
	require.NoError(t, err)

	require.NoError(t, db.UpdateStatus(ctx, p.ID, ProjectIndexing))
	require.NoError(t, db.UpdateCounters(ctx, p.ID, 12, 340, 56789))
	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.SetLastIndexed(ctx, p.ID, at))
	require.NoError(t, db.SetWatch(ctx, p.ID, true))

	got, err := db.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, ProjectIndexing, got.Status)
	require.EqualValues(t, 12, got.FileCount)
	require.EqualValues(t, 340, got.ChunkCount)
	require.EqualValues(t, 56789, got.TotalBytes)
	require.True(t, got.Watch)
	require.NotNil(t, got.LastIndexedAt)
	require.True(t, got.LastIndexedAt.Equal(at))

	watched, err := db.ListWatched(ctx)
	require.NoError(t, err)
	require.Len(t, watched, 1)
	require.Equal(t, p.ID, watched[0].ID)

	_, err = db.Get(ctx, "no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ManifestUpsertAndTotals(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p, err := db.Resolve(ctx, "/tmp/proj")
	require.NoError(t, err)

	entry := ManifestEntry{ProjectID: p.ID, RelPath: "a.txt", Hash: "h1", ModTime: 100, Size: 10, ChunkCount: 2}
	require.NoError(t, db.UpsertManifest(ctx, entry))

	// Second upsert for the same path replaces, never duplicates.
	entry.Hash = "h2"
	entry.Size = 20
	require.NoError(t, db.UpsertManifest(ctx, entry))
	require.NoError(t, db.UpsertManifest(ctx, ManifestEntry{ProjectID: p.ID, RelPath: "b.txt", Hash: "h3", ModTime: 200, Size: 5}))

	entries, err := db.ListManifest(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	files, bytes, err := db.ManifestTotals(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, files)
	require.EqualValues(t, 25, bytes)

	require.NoError(t, db.DeleteManifest(ctx, p.ID, "a.txt"))
	files, bytes, err = db.ManifestTotals(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, files)
	require.EqualValues(t, 5, bytes)
}

func TestSQLiteStore_ChunksSaveDeleteByFile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p, err := db.Resolve(ctx, "/tmp/proj")
	require.NoError(t, err)

	chunks := []Chunk{
		{ID: "c1", ProjectID: p.ID, FilePath: "a.txt", Content: "one", TokenCount: 1, StartLine: 1, EndLine: 1},
		{ID: "c2", ProjectID: p.ID, FilePath: "a.txt", Content: "two", TokenCount: 1, StartLine: 2, EndLine: 2},
		{ID: "c3", ProjectID: p.ID, FilePath: "b.txt", Content: "three", TokenCount: 1, StartLine: 1, EndLine: 1},
	}
	require.NoError(t, db.SaveChunks(ctx, chunks))

	count, err := db.CountByProject(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	got, err := db.GetChunks(ctx, []string{"c1", "c3", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 2, "missing IDs are skipped, not errors")

	ids, err := db.DeleteByFile(ctx, p.ID, "a.txt")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c1", "c2"}, ids)

	count, err = db.CountByProject(ctx, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	ids, err = db.DeleteByFile(ctx, p.ID, "a.txt")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSQLiteStore_JobRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	p, err := db.Resolve(ctx, "/tmp/proj")
	require.NoError(t, err)

	job := &IndexingJob{
		ID:        "j1",
		ProjectID: p.ID,
		Status:    JobQueued,
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.CreateJob(ctx, job))

	job.Status = JobIndexing
	job.FilesProcessed = 7
	job.CurrentOp = "indexing a.txt"
	job.Errors = append(job.Errors, IndexingError{Path: "bad.txt", Message: "boom", Kind: "index"})
	require.NoError(t, db.UpdateJob(ctx, job))

	got, err := db.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, JobIndexing, got.Status)
	require.Equal(t, 7, got.FilesProcessed)
	require.Len(t, got.Errors, 1)
	require.Equal(t, "bad.txt", got.Errors[0].Path)

	latest, err := db.LatestJobForProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "j1", latest.ID)

	_, err = db.GetJob(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_OutboxDeadLetterPromotion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Enqueue(ctx, SyncOperation{ProjectID: "p1", ChunkID: "c1", Embedding: []byte("[]")}))

	ops, err := db.Pending(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	op := ops[0]

	for i := 0; i < 4; i++ {
		require.NoError(t, db.MarkFailed(ctx, op.ID, "transient", 5))
	}
	ops, err = db.Pending(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, ops, 1, "operation below the ceiling stays pollable")
	require.Equal(t, 4, ops[0].RetryCount)
	require.Equal(t, "transient", ops[0].LastError)

	// Fifth failure crosses the ceiling.
	require.NoError(t, db.MarkFailed(ctx, op.ID, "still down", 5))
	ops, err = db.Pending(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, ops)

	pending, _, dead, err := db.OutboxCounts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, pending)
	require.EqualValues(t, 1, dead)
}

func TestSQLiteStore_MarkCompleted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Enqueue(ctx, SyncOperation{ProjectID: "p1", ChunkID: "c1", Embedding: []byte("[]")}))
	ops, err := db.Pending(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	require.NoError(t, db.MarkCompleted(ctx, ops[0].ID))
	ops, err = db.Pending(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, ops)
}
