package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// candidateFactor controls how many vector candidates are pulled per page of
// requested results before keyword blending re-ranks them.
const candidateFactor = 3

// QdrantStore is a vector store backed by a Qdrant server. Each project gets
// its own collection.
type QdrantStore struct {
	client     *qdrant.Client
	dimensions int

	mu      sync.Mutex
	ensured map[string]bool
}

func NewQdrantStore(ctx context.Context, host string, port int, useTLS bool, apiKey string, dimensions int) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		UseTLS: useTLS,
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{
		client:     client,
		dimensions: dimensions,
		ensured:    make(map[string]bool),
	}, nil
}

// CollectionName maps a project id to its Qdrant collection.
func CollectionName(projectID string) string {
	return "quarry_" + strings.ReplaceAll(projectID, "-", "")
}

func (s *QdrantStore) ensureCollection(ctx context.Context, projectID string) (string, error) {
	name := CollectionName(projectID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[name] {
		return name, nil
	}

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return "", fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}

	s.ensured[name] = true
	return name, nil
}

func (s *QdrantStore) Save(ctx context.Context, projectID string, points []VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	collection, err := s.ensureCollection(ctx, projectID)
	if err != nil {
		return err
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (s *QdrantStore) Delete(ctx context.Context, projectID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	collection, err := s.ensureCollection(ctx, projectID)
	if err != nil {
		return err
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// Search pulls vector candidates from Qdrant, then blends the server-side
// similarity score with keyword scoring over the stored payload text.
func (s *QdrantStore) Search(ctx context.Context, projectID string, vector []float32, text string, blendWeight float32, topK int) ([]VectorMatch, error) {
	collection, err := s.ensureCollection(ctx, projectID)
	if err != nil {
		return nil, err
	}

	limit := uint64(topK * candidateFactor)
	if limit == 0 {
		limit = uint64(candidateFactor)
	}

	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}

	terms := keywordTerms(text)
	results := make([]VectorMatch, 0, len(scored))
	for _, sp := range scored {
		payload := make(map[string]string, len(sp.Payload))
		for k, v := range sp.Payload {
			payload[k] = v.GetStringValue()
		}
		keyword := keywordScore(payload["content"], terms)
		score := blendWeight*sp.Score + (1-blendWeight)*keyword
		results = append(results, VectorMatch{
			ID:      sp.Id.GetUuid(),
			Score:   score,
			Payload: payload,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}
