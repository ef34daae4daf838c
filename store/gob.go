package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
)

// GOBVectorStore is a file-backed vector store for single-machine use. The
// whole index lives in memory and is persisted as a gob snapshot, guarded by
// a file lock for cross-process safety.
type GOBVectorStore struct {
	indexPath string
	lockPath  string
	points    map[string]map[string]VectorPoint // project id -> point id -> point
	mu        sync.RWMutex
}

type gobData struct {
	Points map[string]map[string]VectorPoint
}

func NewGOBVectorStore(indexPath string) *GOBVectorStore {
	return &GOBVectorStore{
		indexPath: indexPath,
		lockPath:  indexPath + ".lock",
		points:    make(map[string]map[string]VectorPoint),
	}
}

func (s *GOBVectorStore) Save(ctx context.Context, projectID string, points []VectorPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	partition, ok := s.points[projectID]
	if !ok {
		partition = make(map[string]VectorPoint)
		s.points[projectID] = partition
	}
	for _, p := range points {
		partition[p.ID] = p
	}
	return nil
}

func (s *GOBVectorStore) Delete(ctx context.Context, projectID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	partition, ok := s.points[projectID]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(partition, id)
	}
	return nil
}

func (s *GOBVectorStore) Search(ctx context.Context, projectID string, vector []float32, text string, blendWeight float32, topK int) ([]VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partition := s.points[projectID]
	terms := keywordTerms(text)

	results := make([]VectorMatch, 0, len(partition))
	for _, p := range partition {
		semantic := cosineSimilarity(vector, p.Vector)
		keyword := keywordScore(p.Payload["content"], terms)
		score := blendWeight*semantic + (1-blendWeight)*keyword
		if score <= 0 {
			continue
		}
		results = append(results, VectorMatch{ID: p.ID, Score: score, Payload: p.Payload})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// keywordTerms lowercases and splits the query into match terms.
func keywordTerms(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// keywordScore is the fraction of query terms present in the content.
func keywordScore(content string, terms []string) float32 {
	if len(terms) == 0 || content == "" {
		return 0
	}
	lowered := strings.ToLower(content)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lowered, term) {
			matched++
		}
	}
	return float32(matched) / float32(len(terms))
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func (s *GOBVectorStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.loadUnlocked()
	}
	defer lockFile.Close()

	if err := flockShared(lockFile); err != nil {
		return s.loadUnlocked()
	}
	defer func() {
		_ = funlock(lockFile)
	}()

	return s.loadUnlocked()
}

func (s *GOBVectorStore) loadUnlocked() error {
	file, err := os.Open(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	var data gobData
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode index: %w", err)
	}

	s.points = data.Points
	if s.points == nil {
		s.points = make(map[string]map[string]VectorPoint)
	}
	return nil
}

func (s *GOBVectorStore) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return s.persistUnlocked()
	}
	defer lockFile.Close()

	if err := flockExclusive(lockFile); err != nil {
		return s.persistUnlocked()
	}
	defer func() {
		_ = funlock(lockFile)
	}()

	return s.persistUnlocked()
}

func (s *GOBVectorStore) persistUnlocked() error {
	file, err := os.Create(s.indexPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(gobData{Points: s.points}); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	return nil
}

func (s *GOBVectorStore) Close() error {
	return s.Persist(context.Background())
}
