// Package search serves hybrid retrieval over indexed chunks: a single
// blended vector/keyword query per page, chunk hydration from the relational
// store, and resumable pagination through opaque continuation tokens.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrydev/quarry/embedder"
	"github.com/quarrydev/quarry/store"
)

const (
	minTokenBudget = 1000
	maxTokenBudget = 10000
)

// Request is one retrieval call.
type Request struct {
	ProjectID         string
	Query             string
	MaxTokens         int
	BlendWeight       float64
	ContinuationToken string
	IncludeInsights   bool
}

// ResultChunk is one ranked hit with full text and provenance.
type ResultChunk struct {
	ID         string
	FilePath   string
	Content    string
	Score      float32
	TokenCount int
	StartLine  int
	EndLine    int
	Title      string
	Language   string
	Reasoning  string
}

// SourceFile summarizes the distinct files the hits came from.
type SourceFile struct {
	Path      string
	Chunks    int
	BestScore float32
}

// Response is one page of results.
type Response struct {
	Chunks            []ResultChunk
	Sources           []SourceFile
	TokensUsed        int
	TokensRemaining   int
	Warnings          []string
	ContinuationToken string // empty when the query is exhausted
}

// Searcher executes project-scoped hybrid queries.
type Searcher struct {
	chunks   store.ChunkStore
	vectors  store.VectorStore
	embedder embedder.Embedder
	limit    int
	log      zerolog.Logger
}

func NewSearcher(chunks store.ChunkStore, vectors store.VectorStore, emb embedder.Embedder, limit int, log zerolog.Logger) *Searcher {
	if limit <= 0 {
		limit = 10
	}
	return &Searcher{
		chunks:   chunks,
		vectors:  vectors,
		embedder: emb,
		limit:    limit,
		log:      log.With().Str("component", "searcher").Logger(),
	}
}

// Search runs one page of a hybrid query. Empty queries and empty query
// vectors short-circuit to an empty response without touching the stores.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	projectID := req.ProjectID
	query := strings.TrimSpace(req.Query)
	weight := clampWeight(req.BlendWeight)
	budget := clampBudget(req.MaxTokens)
	page := 0

	resp := &Response{TokensRemaining: budget}

	if req.ContinuationToken != "" {
		cursor, err := DecodeCursor(req.ContinuationToken)
		if err != nil {
			// Unrecoverable pagination state, not a crash.
			if errors.Is(err, ErrExpiredToken) {
				resp.Warnings = append(resp.Warnings, "continuation token expired, start a new search")
			} else {
				resp.Warnings = append(resp.Warnings, "invalid continuation token, start a new search")
			}
			return resp, nil
		}
		if cursor.ProjectID != projectID {
			resp.Warnings = append(resp.Warnings, "continuation token belongs to a different project, start a new search")
			return resp, nil
		}
		query = cursor.Query
		weight = cursor.Weight
		budget = cursor.TokensRemaining
		page = cursor.Page
		resp.TokensRemaining = budget
	}

	if query == "" {
		return resp, nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vector) == 0 {
		return resp, nil
	}

	// Overfetch past pages so a rank-stable cursor can skip already-served
	// hits without store-side offsets.
	topK := s.limit * (page + 1)
	matches, err := s.vectors.Search(ctx, projectID, vector, query, float32(weight), topK)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	shortPage := len(matches) < topK
	matches = matches[skipServed(matches, page, s.limit):]

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	hydrated, err := s.chunks.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	byID := make(map[string]store.Chunk, len(hydrated))
	for _, c := range hydrated {
		byID[c.ID] = c
	}

	missing := 0
	sources := make(map[string]*SourceFile)
	var sourceOrder []string

	for _, m := range matches {
		if len(resp.Chunks) >= s.limit {
			break
		}
		chunk, ok := byID[m.ID]
		if !ok {
			// Vector without a chunk row: deleted mid-flight or an orphan.
			missing++
			continue
		}

		// Always admit the first chunk even when it exceeds the budget,
		// otherwise a large top hit would make the query unanswerable.
		if len(resp.Chunks) > 0 && chunk.TokenCount > budget {
			budget = 0
			break
		}

		rc := ResultChunk{
			ID:         chunk.ID,
			FilePath:   chunk.FilePath,
			Content:    chunk.Content,
			Score:      m.Score,
			TokenCount: chunk.TokenCount,
			StartLine:  chunk.StartLine,
			EndLine:    chunk.EndLine,
			Title:      chunk.Title,
			Language:   chunk.Language,
		}
		if req.IncludeInsights {
			rc.Reasoning = reasoning(chunk, m.Score, weight)
		}
		resp.Chunks = append(resp.Chunks, rc)
		resp.TokensUsed += chunk.TokenCount
		budget -= chunk.TokenCount
		if budget < 0 {
			budget = 0
		}

		src, ok := sources[chunk.FilePath]
		if !ok {
			src = &SourceFile{Path: chunk.FilePath}
			sources[chunk.FilePath] = src
			sourceOrder = append(sourceOrder, chunk.FilePath)
		}
		src.Chunks++
		if m.Score > src.BestScore {
			src.BestScore = m.Score
		}
	}

	resp.TokensRemaining = budget
	for _, path := range sourceOrder {
		resp.Sources = append(resp.Sources, *sources[path])
	}
	if missing > 0 {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("%d results not yet available in the chunk store", missing))
	}

	if !shortPage && budget > 0 && len(resp.Chunks) > 0 {
		next := Cursor{
			ProjectID:       projectID,
			Query:           query,
			Weight:          weight,
			TokensRemaining: budget,
			LastChunkID:     resp.Chunks[len(resp.Chunks)-1].ID,
			CreatedAt:       time.Now().UTC(),
			Page:            page + 1,
		}
		token, err := EncodeCursor(next)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to mint continuation token")
		} else {
			resp.ContinuationToken = token
		}
	}

	s.log.Debug().
		Str("project", projectID).
		Int("page", page).
		Int("hits", len(resp.Chunks)).
		Int("tokens_used", resp.TokensUsed).
		Bool("has_next", resp.ContinuationToken != "").
		Msg("search served")

	return resp, nil
}

// skipServed returns the index of the first match not yet served to the
// client: page * limit into the overfetched, rank-stable result list.
func skipServed(matches []store.VectorMatch, page, limit int) int {
	skip := page * limit
	if skip > len(matches) {
		return len(matches)
	}
	return skip
}

func reasoning(chunk store.Chunk, score float32, weight float64) string {
	where := chunk.FilePath
	if chunk.Title != "" {
		where = fmt.Sprintf("%s (%s)", chunk.FilePath, chunk.Title)
	}
	return fmt.Sprintf("blended score %.3f at %.0f%% semantic weight, from %s lines %d-%d",
		score, weight*100, where, chunk.StartLine, chunk.EndLine)
}

func clampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

func clampBudget(n int) int {
	if n <= 0 {
		return maxTokenBudget
	}
	if n < minTokenBudget {
		return minTokenBudget
	}
	if n > maxTokenBudget {
		return maxTokenBudget
	}
	return n
}
