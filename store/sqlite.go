package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore backs the project registry, manifest, chunk store, job tracker,
// and outbox with a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for concurrent readers during indexing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// SQLite benefits from a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Project registry

func (s *SQLiteStore) Resolve(ctx context.Context, rootPath string) (*Project, error) {
	p, err := s.getProjectBy(ctx, "root_path", rootPath)
	if err == nil {
		return p, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	p = &Project{
		ID:        uuid.NewString(),
		RootPath:  rootPath,
		Status:    ProjectNotIndexed,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, root_path, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.RootPath, string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return p, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Project, error) {
	return s.getProjectBy(ctx, "id", id)
}

func (s *SQLiteStore) getProjectBy(ctx context.Context, column, value string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, root_path, status, last_indexed_at, file_count, chunk_count, total_bytes, watch, created_at, updated_at
		 FROM projects WHERE %s = ?`, column), value)
	return scanProject(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var status string
	var lastIndexed sql.NullTime
	var watch int
	err := row.Scan(&p.ID, &p.RootPath, &status, &lastIndexed, &p.FileCount, &p.ChunkCount, &p.TotalBytes, &watch, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.Status = ProjectStatus(status)
	p.Watch = watch != 0
	if lastIndexed.Valid {
		t := lastIndexed.Time
		p.LastIndexedAt = &t
	}
	return &p, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Project, error) {
	return s.listProjects(ctx, `SELECT id, root_path, status, last_indexed_at, file_count, chunk_count, total_bytes, watch, created_at, updated_at FROM projects ORDER BY root_path`)
}

func (s *SQLiteStore) ListWatched(ctx context.Context) ([]Project, error) {
	return s.listProjects(ctx, `SELECT id, root_path, status, last_indexed_at, file_count, chunk_count, total_bytes, watch, created_at, updated_at FROM projects WHERE watch = 1 ORDER BY root_path`)
}

func (s *SQLiteStore) listProjects(ctx context.Context, query string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status ProjectStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateCounters(ctx context.Context, id string, files, chunks, bytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET file_count = ?, chunk_count = ?, total_bytes = ?, updated_at = ? WHERE id = ?`,
		files, chunks, bytes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update project counters: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetLastIndexed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_indexed_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update last indexed time: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetWatch(ctx context.Context, id string, watch bool) error {
	w := 0
	if watch {
		w = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET watch = ?, updated_at = ? WHERE id = ?`,
		w, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update watch flag: %w", err)
	}
	return nil
}

// Manifest

func (s *SQLiteStore) ListManifest(ctx context.Context, projectID string) ([]ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, rel_path, hash, mod_time, size, chunk_count FROM manifest_files WHERE project_id = ?`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest: %w", err)
	}
	defer rows.Close()

	var entries []ManifestEntry
	for rows.Next() {
		var e ManifestEntry
		if err := rows.Scan(&e.ProjectID, &e.RelPath, &e.Hash, &e.ModTime, &e.Size, &e.ChunkCount); err != nil {
			return nil, fmt.Errorf("failed to scan manifest entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) UpsertManifest(ctx context.Context, entry ManifestEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manifest_files (project_id, rel_path, hash, mod_time, size, chunk_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, rel_path) DO UPDATE SET
		   hash = excluded.hash, mod_time = excluded.mod_time,
		   size = excluded.size, chunk_count = excluded.chunk_count`,
		entry.ProjectID, entry.RelPath, entry.Hash, entry.ModTime, entry.Size, entry.ChunkCount)
	if err != nil {
		return fmt.Errorf("failed to upsert manifest entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteManifest(ctx context.Context, projectID, relPath string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM manifest_files WHERE project_id = ? AND rel_path = ?`, projectID, relPath)
	if err != nil {
		return fmt.Errorf("failed to delete manifest entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ManifestTotals(ctx context.Context, projectID string) (int64, int64, error) {
	var files int64
	var bytes sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM manifest_files WHERE project_id = ?`,
		projectID).Scan(&files, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute manifest totals: %w", err)
	}
	return files, bytes.Int64, nil
}

// Chunks

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunks
		 (id, project_id, file_path, content, token_count, start_byte, end_byte, start_line, end_line, title, language, commit_sha, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.ProjectID, c.FilePath, c.Content, c.TokenCount,
			c.StartByte, c.EndByte, c.StartLine, c.EndLine,
			nullable(c.Title), nullable(c.Language), nullable(c.CommitSHA), createdAt); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) DeleteByFile(ctx context.Context, projectID, filePath string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE project_id = ? AND file_path = ?`, projectID, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks for file: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE project_id = ? AND file_path = ?`, projectID, filePath); err != nil {
		return nil, fmt.Errorf("failed to delete chunks for file: %w", err)
	}

	return ids, nil
}

func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]Chunk, error) {
	chunks := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, project_id, file_path, content, token_count, start_byte, end_byte, start_line, end_line,
			        COALESCE(title, ''), COALESCE(language, ''), COALESCE(commit_sha, ''), created_at
			 FROM chunks WHERE id = ?`, id)

		var c Chunk
		err := row.Scan(&c.ID, &c.ProjectID, &c.FilePath, &c.Content, &c.TokenCount,
			&c.StartByte, &c.EndByte, &c.StartLine, &c.EndLine,
			&c.Title, &c.Language, &c.CommitSHA, &c.CreatedAt)
		if err == sql.ErrNoRows {
			continue // chunk removed between search and hydration
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk %s: %w", id, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func (s *SQLiteStore) CountByProject(ctx context.Context, projectID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE project_id = ?`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// Jobs. The job record is stored as a JSON payload: it is an ephemeral run
// record queried whole, never filtered by its inner fields.

func (s *SQLiteStore) CreateJob(ctx context.Context, job *IndexingJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, status, payload, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, string(job.Status), string(payload), job.StartedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *IndexingJob) error {
	job.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, payload = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), string(payload), job.UpdatedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*IndexingJob, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job IndexingJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *SQLiteStore) LatestJobForProject(ctx context.Context, projectID string) (*IndexingJob, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM jobs WHERE project_id = ? ORDER BY started_at DESC LIMIT 1`,
		projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	var job IndexingJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Outbox

func (s *SQLiteStore) Enqueue(ctx context.Context, op SyncOperation) error {
	metadata := op.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_operations (project_id, chunk_id, embedding, metadata, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		op.ProjectID, op.ChunkID, op.Embedding, metadata, string(SyncPending), now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Pending(ctx context.Context, limit, maxRetries int) ([]SyncOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, chunk_id, embedding, metadata, status, retry_count, COALESCE(last_error, ''), created_at, updated_at
		 FROM sync_operations
		 WHERE status = ? AND retry_count < ?
		 ORDER BY id ASC LIMIT ?`,
		string(SyncPending), maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []SyncOperation
	for rows.Next() {
		var op SyncOperation
		var status string
		if err := rows.Scan(&op.ID, &op.ProjectID, &op.ChunkID, &op.Embedding, &op.Metadata,
			&status, &op.RetryCount, &op.LastError, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync operation: %w", err)
		}
		op.Status = SyncStatus(status)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_operations SET status = ?, updated_at = ? WHERE id = ?`,
		string(SyncCompleted), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark operation completed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, errMsg string, deadLetterAt int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_operations
		 SET retry_count = retry_count + 1,
		     last_error = ?,
		     status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE status END,
		     updated_at = ?
		 WHERE id = ?`,
		errMsg, deadLetterAt, string(SyncDeadLetter), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark operation failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) OutboxCounts(ctx context.Context) (int64, int64, int64, error) {
	var pending, completed, dead int64
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_operations GROUP BY status`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, fmt.Errorf("failed to scan counts: %w", err)
		}
		switch SyncStatus(status) {
		case SyncPending:
			pending = count
		case SyncCompleted:
			completed = count
		case SyncDeadLetter:
			dead = count
		}
	}
	return pending, completed, dead, rows.Err()
}
