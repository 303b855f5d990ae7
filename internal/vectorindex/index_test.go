package vectorindex

import (
	"context"
	"math"
	"testing"
)

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	v := []float32{1, 2, 3}
	got := CosineSimilarity(v, v)
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("expected identical vectors to have similarity 1.0, got %v", got)
	}
}

func TestCosineSimilarityOrthogonalVectorsIsZero(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := CosineSimilarity(a, b); got != 0 {
		t.Errorf("expected orthogonal vectors to have similarity 0, got %v", got)
	}
}

func TestCosineSimilarityMismatchedLengthIsZero(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("expected mismatched-length vectors to score 0, got %v", got)
	}
}

func TestUpsertAndGet(t *testing.T) {
	ix := New(nil, 0, false)
	if err := ix.Upsert("rec-1", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	vec, ok := ix.Get("rec-1")
	if !ok {
		t.Fatal("expected to find stored vector")
	}
	if len(vec) != 3 || vec[0] != 1 {
		t.Errorf("unexpected stored vector: %v", vec)
	}
}

func TestUpsertRejectsMismatchedDimension(t *testing.T) {
	ix := New(nil, 0, false)
	if err := ix.Upsert("rec-1", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := ix.Upsert("rec-2", []float32{1, 0}); err == nil {
		t.Error("expected dimension mismatch to be rejected")
	}
}

func TestDeleteRemovesVector(t *testing.T) {
	ix := New(nil, 0, false)
	_ = ix.Upsert("rec-1", []float32{1, 0, 0})
	ix.Delete("rec-1")
	if _, ok := ix.Get("rec-1"); ok {
		t.Error("expected vector to be gone after Delete")
	}
	if ix.Len() != 0 {
		t.Errorf("expected empty index after delete, got len %d", ix.Len())
	}
}

func TestSearchReturnsNearestFirst(t *testing.T) {
	ix := New(nil, 0, false)
	_ = ix.Upsert("close", []float32{1, 0, 0})
	_ = ix.Upsert("far", []float32{0, 1, 0})
	_ = ix.Upsert("mid", []float32{0.7, 0.7, 0})

	results, err := ix.Search(context.Background(), []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "close" {
		t.Errorf("expected closest vector first, got %s", results[0].ID)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("expected results sorted by descending score: %+v", results)
	}
}

func TestSearchRespectsAllowFilter(t *testing.T) {
	ix := New(nil, 0, false)
	_ = ix.Upsert("a", []float32{1, 0})
	_ = ix.Upsert("b", []float32{0.9, 0.1})

	results, err := ix.Search(context.Background(), []float32{1, 0}, 5, func(id string) bool {
		return id != "a"
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range results {
		if r.ID == "a" {
			t.Error("expected filtered-out id to be excluded from results")
		}
	}
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	ix := New(nil, 0, false)
	if _, err := ix.Search(context.Background(), nil, 5, nil); err == nil {
		t.Error("expected empty query vector to be rejected")
	}
}

func TestSearchZeroKReturnsNoResults(t *testing.T) {
	ix := New(nil, 0, false)
	_ = ix.Upsert("a", []float32{1, 0})
	results, err := ix.Search(context.Background(), []float32{1, 0}, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results for k=0, got %d", len(results))
	}
}
