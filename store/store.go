package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ProjectStatus describes where a project is in its indexing lifecycle.
type ProjectStatus string

const (
	ProjectNotIndexed ProjectStatus = "not_indexed"
	ProjectIndexing   ProjectStatus = "indexing"
	ProjectUpdating   ProjectStatus = "updating"
	ProjectReady      ProjectStatus = "ready"
	ProjectFailed     ProjectStatus = "failed"
)

// Project is a root directory under management.
type Project struct {
	ID            string        `json:"id"`
	RootPath      string        `json:"root_path"`
	Status        ProjectStatus `json:"status"`
	LastIndexedAt *time.Time    `json:"last_indexed_at,omitempty"`
	FileCount     int64         `json:"file_count"`
	ChunkCount    int64         `json:"chunk_count"`
	TotalBytes    int64         `json:"total_bytes"`
	Watch         bool          `json:"watch"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ManifestEntry is the per-file fingerprint used for differential scans.
// At most one entry exists per (project, relative path).
type ManifestEntry struct {
	ProjectID  string `json:"project_id"`
	RelPath    string `json:"rel_path"`
	Hash       string `json:"hash"`
	ModTime    int64  `json:"mod_time"` // unix nanoseconds
	Size       int64  `json:"size"`
	ChunkCount int    `json:"chunk_count"`
}

// Chunk is one indexable unit of a file. Its ID is the join key between
// the chunk store and the vector store.
type Chunk struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	FilePath   string    `json:"file_path"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	StartByte  int       `json:"start_byte"`
	EndByte    int       `json:"end_byte"`
	StartLine  int       `json:"start_line"`
	EndLine    int       `json:"end_line"`
	Title      string    `json:"title,omitempty"`
	Language   string    `json:"language,omitempty"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobStatus describes the state of one indexing run.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobIndexing  JobStatus = "indexing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IndexingError records a single per-file failure on a job.
type IndexingError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Trace   string `json:"trace,omitempty"`
}

// IndexingJob is the progress record of one indexing run. Jobs are terminal
// on completion or failure and never reused across runs.
type IndexingJob struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	Status         JobStatus       `json:"status"`
	NewFiles       int             `json:"new_files"`
	ChangedFiles   int             `json:"changed_files"`
	MetadataFiles  int             `json:"metadata_files"`
	UnchangedFiles int             `json:"unchanged_files"`
	DeletedFiles   int             `json:"deleted_files"`
	FilesProcessed int             `json:"files_processed"`
	ChunksCreated  int             `json:"chunks_created"`
	VectorsWritten int             `json:"vectors_written"`
	CurrentOp      string          `json:"current_op"`
	Errors         []IndexingError `json:"errors,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SyncStatus is the lifecycle of an outbox entry.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncCompleted  SyncStatus = "completed"
	SyncDeadLetter SyncStatus = "dead_letter"
)

// SyncOperation is a pending vector-store write held in the outbox until a
// background worker confirms delivery.
type SyncOperation struct {
	ID         int64      `json:"id"`
	ProjectID  string     `json:"project_id"`
	ChunkID    string     `json:"chunk_id"`
	Embedding  []byte     `json:"embedding"` // JSON-encoded []float32
	Metadata   []byte     `json:"metadata"`  // JSON-encoded payload map
	Status     SyncStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// VectorPoint is one chunk's embedding plus payload, addressed by chunk ID.
type VectorPoint struct {
	ID      string            `json:"id"`
	Vector  []float32         `json:"vector"`
	Payload map[string]string `json:"payload"`
}

// VectorMatch is a ranked hit from a hybrid search.
type VectorMatch struct {
	ID      string            `json:"id"`
	Score   float32           `json:"score"`
	Payload map[string]string `json:"payload"`
}

// ProjectStore manages the project registry.
type ProjectStore interface {
	// Resolve returns the project for rootPath, creating it on first use.
	Resolve(ctx context.Context, rootPath string) (*Project, error)
	Get(ctx context.Context, id string) (*Project, error)
	List(ctx context.Context) ([]Project, error)
	ListWatched(ctx context.Context) ([]Project, error)
	UpdateStatus(ctx context.Context, id string, status ProjectStatus) error
	UpdateCounters(ctx context.Context, id string, files, chunks, bytes int64) error
	SetLastIndexed(ctx context.Context, id string, at time.Time) error
	SetWatch(ctx context.Context, id string, watch bool) error
}

// ManifestStore persists per-file fingerprints, the ground truth for
// differential change detection.
type ManifestStore interface {
	ListManifest(ctx context.Context, projectID string) ([]ManifestEntry, error)
	UpsertManifest(ctx context.Context, entry ManifestEntry) error
	DeleteManifest(ctx context.Context, projectID, relPath string) error
	// ManifestTotals returns the manifest's file count and byte sum.
	ManifestTotals(ctx context.Context, projectID string) (files, bytes int64, err error)
}

// ChunkStore persists chunk records keyed by their stable chunk ID.
type ChunkStore interface {
	SaveChunks(ctx context.Context, chunks []Chunk) error
	// DeleteByFile removes all chunks for a file and returns their IDs so the
	// caller can mirror the deletion in the vector store.
	DeleteByFile(ctx context.Context, projectID, filePath string) ([]string, error)
	GetChunks(ctx context.Context, ids []string) ([]Chunk, error)
	CountByProject(ctx context.Context, projectID string) (int64, error)
}

// JobStore persists indexing job progress so long runs stay observable.
type JobStore interface {
	CreateJob(ctx context.Context, job *IndexingJob) error
	UpdateJob(ctx context.Context, job *IndexingJob) error
	GetJob(ctx context.Context, id string) (*IndexingJob, error)
	LatestJobForProject(ctx context.Context, projectID string) (*IndexingJob, error)
}

// OutboxStore is the durable queue of pending vector writes.
type OutboxStore interface {
	Enqueue(ctx context.Context, op SyncOperation) error
	// Pending returns operations still eligible for retry, oldest first.
	Pending(ctx context.Context, limit, maxRetries int) ([]SyncOperation, error)
	MarkCompleted(ctx context.Context, id int64) error
	// MarkFailed increments the retry count, records the error, and promotes
	// the operation to dead-letter once retries reach deadLetterAt.
	MarkFailed(ctx context.Context, id int64, errMsg string, deadLetterAt int) error
	OutboxCounts(ctx context.Context) (pending, completed, dead int64, err error)
}

// VectorStore is the contract every vector backend satisfies. Points are
// partitioned per project.
type VectorStore interface {
	Save(ctx context.Context, projectID string, points []VectorPoint) error
	Delete(ctx context.Context, projectID string, ids []string) error
	// Search runs a hybrid query: vector similarity blended with keyword
	// scoring by blendWeight (0 = pure keyword, 1 = pure semantic).
	Search(ctx context.Context, projectID string, vector []float32, text string, blendWeight float32, topK int) ([]VectorMatch, error)
	Close() error
}
