package ranker

import (
	"context"
	"testing"
	"time"

	"memoria/internal/lexical"
	"memoria/internal/vectorindex"
)

type fakeSemantic struct {
	results []vectorindex.Scored
	calls   int
}

func (f *fakeSemantic) Search(ctx context.Context, query []float32, k int, allow func(string) bool) ([]vectorindex.Scored, error) {
	f.calls++
	var out []vectorindex.Scored
	for _, r := range f.results {
		if allow == nil || allow(r.ID) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeLexical struct {
	results []lexical.Scored
}

func (f *fakeLexical) Search(query string, k int, allow func(string) bool) []lexical.Scored {
	var out []lexical.Scored
	for _, r := range f.results {
		if allow == nil || allow(r.ID) {
			out = append(out, r)
		}
	}
	return out
}

type fakeMeta struct {
	data map[string]RecordMeta
}

func (f *fakeMeta) Lookup(id string) (RecordMeta, bool) {
	m, ok := f.data[id]
	return m, ok
}

func TestSearchFusesAndRanks(t *testing.T) {
	now := time.Now()
	sem := &fakeSemantic{results: []vectorindex.Scored{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.1},
	}}
	lex := &fakeLexical{results: []lexical.Scored{
		{ID: "b", Score: 5.0},
	}}
	meta := &fakeMeta{data: map[string]RecordMeta{
		"a": {Salience: 0.9, CreatedAt: now},
		"b": {Salience: 0.1, CreatedAt: now.Add(-365 * 24 * time.Hour)},
	}}

	r := New(sem, lex, meta, 4, 30, time.Hour)
	resp, err := r.Search(context.Background(), "query", []float32{1, 0}, 2, Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].ID != "a" {
		t.Errorf("expected high-semantic, high-salience, recent record to rank first, got %s", resp.Results[0].ID)
	}
}

func TestSearchDropsStaleIDsMissingFromMeta(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "ghost", Score: 1.0}}}
	meta := &fakeMeta{data: map[string]RecordMeta{}}

	r := New(sem, &fakeLexical{}, meta, 4, 30, time.Hour)
	resp, err := r.Search(context.Background(), "q", []float32{1}, 5, Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("expected stale id with no metadata to be dropped, got %+v", resp.Results)
	}
}

func TestSearchCachesResults(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "a", Score: 1.0}}}
	meta := &fakeMeta{data: map[string]RecordMeta{"a": {Salience: 0.5, CreatedAt: time.Now()}}}

	r := New(sem, &fakeLexical{}, meta, 4, 30, time.Hour)
	if _, err := r.Search(context.Background(), "q", []float32{1}, 5, Options{}); err != nil {
		t.Fatalf("first Search failed: %v", err)
	}
	if _, err := r.Search(context.Background(), "q", []float32{1}, 5, Options{}); err != nil {
		t.Fatalf("second Search failed: %v", err)
	}
	if sem.calls != 1 {
		t.Errorf("expected second identical search to hit cache, semantic pool was queried %d times", sem.calls)
	}
}

func TestInvalidateClearsMatchingProjectAndGlobalEntries(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "a", Score: 1.0}}}
	meta := &fakeMeta{data: map[string]RecordMeta{"a": {Salience: 0.5, CreatedAt: time.Now(), Project: "proj-a"}}}

	r := New(sem, &fakeLexical{}, meta, 4, 30, time.Hour)
	opts := Options{Project: "proj-a"}
	if _, err := r.Search(context.Background(), "q", []float32{1}, 5, opts); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	fp := newFingerprint("q", 5, opts)
	if _, ok := r.lookupCache(fp); !ok {
		t.Fatal("expected result to be cached before invalidation")
	}

	r.Invalidate("proj-a")

	if _, ok := r.lookupCache(fp); ok {
		t.Error("expected matching-project cache entry to be invalidated")
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "a", Score: 1.0}}}
	meta := &fakeMeta{data: map[string]RecordMeta{"a": {Salience: 0.5, CreatedAt: time.Now()}}}

	r := New(sem, &fakeLexical{}, meta, 4, 30, time.Millisecond)
	if _, err := r.Search(context.Background(), "q", []float32{1}, 5, Options{}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := r.Search(context.Background(), "q", []float32{1}, 5, Options{}); err != nil {
		t.Fatalf("second Search failed: %v", err)
	}
	if sem.calls != 2 {
		t.Errorf("expected cache to expire and re-query semantic pool, calls=%d", sem.calls)
	}
}

func TestMinMaxNormalizeEqualScores(t *testing.T) {
	result := minMaxNormalize(map[string]float64{"a": 0.5, "b": 0.5})
	if result["a"] != 1.0 || result["b"] != 1.0 {
		t.Errorf("expected equal positive scores to normalize to 1.0, got %+v", result)
	}

	zero := minMaxNormalize(map[string]float64{"a": 0, "b": 0})
	if zero["a"] != 0.0 {
		t.Errorf("expected equal zero scores to normalize to 0.0, got %+v", zero)
	}
}

func TestSearchAppliesMinSalienceAndTagFiltersAfterScoring(t *testing.T) {
	now := time.Now()
	sem := &fakeSemantic{results: []vectorindex.Scored{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.8},
	}}
	meta := &fakeMeta{data: map[string]RecordMeta{
		"a": {Salience: 0.1, CreatedAt: now, Tags: []string{"x"}},
		"b": {Salience: 0.9, CreatedAt: now, Tags: []string{"x", "y"}},
	}}

	r := New(sem, &fakeLexical{}, meta, 4, 30, time.Hour)
	resp, err := r.Search(context.Background(), "q", []float32{1}, 5, Options{MinSalience: 0.5, Tags: []string{"y"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "b" {
		t.Fatalf("expected only b to survive min_salience+tags filter, got %+v", resp.Results)
	}
}

func TestSearchExcludesArchivedByDefault(t *testing.T) {
	now := time.Now()
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "a", Score: 1.0}}}
	meta := &fakeMeta{data: map[string]RecordMeta{"a": {Salience: 0.5, CreatedAt: now, Archived: true}}}

	r := New(sem, &fakeLexical{}, meta, 4, 30, time.Hour)
	resp, err := r.Search(context.Background(), "q", []float32{1}, 5, Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("expected archived record excluded by default, got %+v", resp.Results)
	}

	resp, err = r.Search(context.Background(), "q", []float32{1}, 5, Options{IncludeArchived: true})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected archived record included with IncludeArchived, got %+v", resp.Results)
	}
}

func TestSearchModeLexicalSkipsSemanticPool(t *testing.T) {
	now := time.Now()
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "a", Score: 1.0}}}
	lex := &fakeLexical{results: []lexical.Scored{{ID: "b", Score: 1.0}}}
	meta := &fakeMeta{data: map[string]RecordMeta{
		"a": {Salience: 0.5, CreatedAt: now},
		"b": {Salience: 0.5, CreatedAt: now},
	}}

	r := New(sem, lex, meta, 4, 30, time.Hour)
	resp, err := r.Search(context.Background(), "q", []float32{1}, 5, Options{Mode: ModeLexical})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if sem.calls != 0 {
		t.Errorf("expected mode=lexical to skip the semantic pool, got %d calls", sem.calls)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "b" {
		t.Fatalf("expected only lexical candidate, got %+v", resp.Results)
	}
}

func TestSearchDegradesHybridWhenEmbeddingCircuitOpen(t *testing.T) {
	now := time.Now()
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "a", Score: 1.0}}}
	lex := &fakeLexical{results: []lexical.Scored{{ID: "b", Score: 1.0}}}
	meta := &fakeMeta{data: map[string]RecordMeta{
		"a": {Salience: 0.5, CreatedAt: now},
		"b": {Salience: 0.5, CreatedAt: now},
	}}

	r := New(sem, lex, meta, 4, 30, time.Hour)
	r.SetEmbeddingOpenProbe(func() bool { return true })

	resp, err := r.Search(context.Background(), "q", []float32{1}, 5, Options{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !resp.Degraded {
		t.Error("expected degraded=true when embedding circuit is open")
	}
	if sem.calls != 0 {
		t.Errorf("expected semantic pool skipped while circuit is open, got %d calls", sem.calls)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "b" {
		t.Fatalf("expected lexical-only result, got %+v", resp.Results)
	}
}

func TestSearchEmptyQueryReturnsNoResults(t *testing.T) {
	r := New(&fakeSemantic{}, &fakeLexical{}, &fakeMeta{data: map[string]RecordMeta{}}, 4, 30, time.Hour)
	resp, err := r.Search(context.Background(), "   ", nil, 5, Options{})
	if err != nil {
		t.Fatalf("empty query should not error: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("expected empty result set for empty query, got %+v", resp.Results)
	}
}

func TestSearchRejectsUnknownOrderAndMode(t *testing.T) {
	r := New(&fakeSemantic{}, &fakeLexical{}, &fakeMeta{data: map[string]RecordMeta{}}, 4, 30, time.Hour)
	if _, err := r.Search(context.Background(), "q", nil, 5, Options{Order: "bogus"}); err == nil {
		t.Error("expected InvalidInput for unknown order")
	}
	if _, err := r.Search(context.Background(), "q", nil, 5, Options{Mode: "bogus"}); err == nil {
		t.Error("expected InvalidInput for unknown mode")
	}
}
