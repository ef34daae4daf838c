package embedder

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "some text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := e.Embed(ctx, "some text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if len(a) != 64 {
		t.Fatalf("expected 64 dimensions, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("identical text produced different vectors")
		}
	}

	c, err := e.Embed(ctx, "different text")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different text produced the same vector")
	}
}

func TestHashEmbedder_UnitLength(t *testing.T) {
	e := NewHashEmbedder(128)
	vec, err := e.Embed(context.Background(), "normalize me")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-4 {
		t.Errorf("expected unit-length vector, norm = %f", math.Sqrt(sum))
	}
}

func TestHashEmbedder_EmptyText(t *testing.T) {
	e := NewHashEmbedder(0)
	if e.Dimensions() != 256 {
		t.Errorf("expected default 256 dimensions, got %d", e.Dimensions())
	}
	if _, err := e.Embed(context.Background(), ""); !errors.Is(err, ErrEmptyText) {
		t.Errorf("expected ErrEmptyText, got %v", err)
	}
}

func TestHashEmbedder_Batch(t *testing.T) {
	e := NewHashEmbedder(32)
	vectors, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}

	single, err := e.Embed(context.Background(), "two")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for i := range single {
		if vectors[1][i] != single[i] {
			t.Fatal("batch vector differs from single-embed vector")
		}
	}
}
