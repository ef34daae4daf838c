package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore is a vector store backed by Postgres with the pgvector
// extension. All projects share one table, partitioned by project_id.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string, dimensions int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx, dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context, dimensions int) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS quarry_points (
			id uuid PRIMARY KEY,
			project_id text NOT NULL,
			embedding vector(%d) NOT NULL,
			payload jsonb NOT NULL DEFAULT '{}'::jsonb
		)`, dimensions)); err != nil {
		return fmt.Errorf("failed to create points table: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_quarry_points_project ON quarry_points(project_id)`); err != nil {
		return fmt.Errorf("failed to create project index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, projectID string, points []VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload for %s: %w", p.ID, err)
		}
		batch.Queue(`
			INSERT INTO quarry_points (id, project_id, embedding, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET embedding = excluded.embedding, payload = excluded.payload`,
			p.ID, projectID, pgvector.NewVector(p.Vector), payload)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, projectID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM quarry_points WHERE project_id = $1 AND id = ANY($2)`, projectID, ids)
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, projectID string, vector []float32, text string, blendWeight float32, topK int) ([]VectorMatch, error) {
	limit := topK * candidateFactor
	if limit == 0 {
		limit = candidateFactor
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, 1 - (embedding <=> $1) AS score
		FROM quarry_points
		WHERE project_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(vector), projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	terms := keywordTerms(text)
	var results []VectorMatch
	for rows.Next() {
		var id string
		var payloadRaw []byte
		var semantic float64
		if err := rows.Scan(&id, &payloadRaw, &semantic); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}

		payload := map[string]string{}
		if len(payloadRaw) > 0 {
			if err := json.Unmarshal(payloadRaw, &payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload for %s: %w", id, err)
			}
		}

		keyword := keywordScore(payload["content"], terms)
		score := blendWeight*float32(semantic) + (1-blendWeight)*keyword
		results = append(results, VectorMatch{ID: id, Score: score, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
