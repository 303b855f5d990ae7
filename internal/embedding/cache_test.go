package embedding

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"memoria/internal/resilience"
)

type fakeEngine struct {
	dims       int
	calls      int
	batches    int
	alwaysFail bool
	vecFor     func(text string) []float32
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.alwaysFail {
		return nil, errors.New("boom")
	}
	if f.vecFor != nil {
		return f.vecFor(text), nil
	}
	return []float32{1, 2, 3}, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batches++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return f.dims }
func (f *fakeEngine) Name() string    { return "fake" }

func newTestPool(t *testing.T) *resilience.Pool {
	t.Helper()
	dir := t.TempDir()
	p, err := resilience.NewPool(resilience.PoolConfig{Path: filepath.Join(dir, "memoria.db"), Size: 2})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestCacheGetOrComputeMissesThenHitsFront(t *testing.T) {
	pool := newTestPool(t)
	engine := &fakeEngine{dims: 3}
	c := NewCache(engine, nil, pool, "model-v1", 0, 0)

	vec, err := c.GetOrCompute(context.Background(), "hash1", "some text", false)
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3-dim vector, got %d", len(vec))
	}

	if _, err := c.GetOrCompute(context.Background(), "hash1", "some text", false); err != nil {
		t.Fatalf("second GetOrCompute failed: %v", err)
	}
	if engine.calls != 1 {
		t.Errorf("expected engine called once, got %d", engine.calls)
	}
}

func TestCacheVectorsAreL2Normalized(t *testing.T) {
	pool := newTestPool(t)
	engine := &fakeEngine{dims: 2, vecFor: func(string) []float32 { return []float32{3, 4} }}
	c := NewCache(engine, nil, pool, "model-v1", 0, 0)

	vec, err := c.GetOrCompute(context.Background(), "h", "t", false)
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if diff := sumSquares - 1.0; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("expected unit-length vector, got sum-of-squares=%v", sumSquares)
	}
}

func TestCachePersistsAcrossInstances(t *testing.T) {
	pool := newTestPool(t)
	engine := &fakeEngine{dims: 3}
	c1 := NewCache(engine, nil, pool, "model-v1", 0, 0)
	if _, err := c1.GetOrCompute(context.Background(), "hash1", "text", false); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}

	c2 := NewCache(engine, nil, pool, "model-v1", 0, 0)
	vec, ok := c2.Get(context.Background(), "hash1")
	if !ok {
		t.Fatal("expected a fresh Cache instance to read through to the persisted entry")
	}
	if len(vec) != 3 {
		t.Errorf("expected 3-dim vector read back, got %d", len(vec))
	}
	if engine.calls != 1 {
		t.Errorf("expected second instance's Get to avoid recomputing, engine called %d times", engine.calls)
	}
}

func TestCacheDifferentModelTagsDoNotShareEntries(t *testing.T) {
	pool := newTestPool(t)
	engine := &fakeEngine{dims: 3}
	cV1 := NewCache(engine, nil, pool, "model-v1", 0, 0)
	cV2 := NewCache(engine, nil, pool, "model-v2", 0, 0)

	if _, err := cV1.GetOrCompute(context.Background(), "hash1", "text", false); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if _, ok := cV2.Get(context.Background(), "hash1"); ok {
		t.Error("expected a different model tag to miss entirely, not share the v1 entry")
	}
}

func TestCacheGetOrComputeReturnsEmbeddingUnavailableWhenCircuitOpen(t *testing.T) {
	pool := newTestPool(t)
	breaker := resilience.NewBreaker("embedding", 1, time.Minute, pool)

	failing := &fakeEngine{dims: 3, alwaysFail: true}
	cFail := NewCache(failing, breaker, pool, "model-v1", 0, 0)
	if _, err := cFail.GetOrCompute(context.Background(), "trip", "t", false); err == nil {
		t.Fatal("expected the tripping call itself to fail")
	}

	healthy := &fakeEngine{dims: 3}
	c := NewCache(healthy, breaker, pool, "model-v1", 0, 0)
	_, err := c.GetOrCompute(context.Background(), "hash-after-trip", "t", false)
	if err == nil {
		t.Fatal("expected EmbeddingUnavailable once the breaker has opened")
	}
	if healthy.calls != 0 {
		t.Errorf("expected the breaker to short-circuit before calling the engine, got %d calls", healthy.calls)
	}
}

func TestCacheBulkPrecomputeBatchesAndSkipsCached(t *testing.T) {
	pool := newTestPool(t)
	engine := &fakeEngine{dims: 2, vecFor: func(string) []float32 { return []float32{1, 0} }}
	c := NewCache(engine, nil, pool, "model-v1", 0, 2)

	if _, err := c.GetOrCompute(context.Background(), "h1", "one", false); err != nil {
		t.Fatalf("warmup failed: %v", err)
	}
	engine.calls = 0
	engine.batches = 0

	texts := map[string]string{"h1": "one", "h2": "two", "h3": "three"}
	out, err := c.BulkPrecompute(context.Background(), texts)
	if err != nil {
		t.Fatalf("BulkPrecompute failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected all 3 hashes present in output, got %d", len(out))
	}
	if engine.calls != 2 {
		t.Errorf("expected h1 skipped (already cached) and 2 new embeds, got %d calls", engine.calls)
	}
	if engine.batches != 1 {
		t.Errorf("expected 2 pending texts to fit in one batch of size 2, got %d batches", engine.batches)
	}
}

// fakeTaskAwareEngine additionally implements TaskTypeAwareEngine /
// TaskTypeBatchAwareEngine so tests can assert which task type a call used.
type fakeTaskAwareEngine struct {
	fakeEngine
	lastTaskType      string
	lastBatchTaskType string
}

func (f *fakeTaskAwareEngine) EmbedWithTask(ctx context.Context, text string, taskType string) ([]float32, error) {
	f.lastTaskType = taskType
	return f.Embed(ctx, text)
}

func (f *fakeTaskAwareEngine) EmbedBatchWithTask(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	f.lastBatchTaskType = taskType
	return f.EmbedBatch(ctx, texts)
}

func TestCacheGetOrComputeUsesDocumentTaskTypeForStoredContent(t *testing.T) {
	pool := newTestPool(t)
	engine := &fakeTaskAwareEngine{fakeEngine: fakeEngine{dims: 3}}
	c := NewCache(engine, nil, pool, "model-v1", 0, 0)

	if _, err := c.GetOrCompute(context.Background(), "hash1", "the user prefers dark mode", false); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if engine.lastTaskType != "RETRIEVAL_DOCUMENT" {
		t.Errorf("expected stored memory content to embed as RETRIEVAL_DOCUMENT, got %q", engine.lastTaskType)
	}
}

func TestCacheGetOrComputeUsesQueryTaskTypeForSearchText(t *testing.T) {
	pool := newTestPool(t)
	engine := &fakeTaskAwareEngine{fakeEngine: fakeEngine{dims: 3}}
	c := NewCache(engine, nil, pool, "model-v1", 0, 0)

	if _, err := c.GetOrCompute(context.Background(), "hash1", "what theme does the user prefer?", true); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if engine.lastTaskType != "RETRIEVAL_QUERY" {
		t.Errorf("expected search text to embed as RETRIEVAL_QUERY even though it's phrased as a question, got %q", engine.lastTaskType)
	}
}

func TestCacheBulkPrecomputeUsesDocumentTaskType(t *testing.T) {
	pool := newTestPool(t)
	engine := &fakeTaskAwareEngine{fakeEngine: fakeEngine{dims: 2, vecFor: func(string) []float32 { return []float32{1, 0} }}}
	c := NewCache(engine, nil, pool, "model-v1", 0, 10)

	if _, err := c.BulkPrecompute(context.Background(), map[string]string{"h1": "one", "h2": "two"}); err != nil {
		t.Fatalf("BulkPrecompute failed: %v", err)
	}
	if engine.lastBatchTaskType != "RETRIEVAL_DOCUMENT" {
		t.Errorf("expected bulk precompute to embed as RETRIEVAL_DOCUMENT, got %q", engine.lastBatchTaskType)
	}
}
