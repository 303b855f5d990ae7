package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"memoria/internal/config"
	"memoria/internal/lexical"
	"memoria/internal/resilience"
	"memoria/internal/vectorindex"
)

type fakeExact struct{ hashes map[string]string }

func (f *fakeExact) LookupByContentHash(hash string) (string, bool) {
	id, ok := f.hashes[hash]
	return id, ok
}

type fakeLexical struct{ results []lexical.Scored }

func (f *fakeLexical) Search(query string, k int, allow func(string) bool) []lexical.Scored {
	var out []lexical.Scored
	for _, r := range f.results {
		if allow == nil || allow(r.ID) {
			out = append(out, r)
		}
	}
	return out
}

type fakeSemantic struct {
	results []vectorindex.Scored
	err     error
}

func (f *fakeSemantic) Search(ctx context.Context, query []float32, k int, allow func(string) bool) ([]vectorindex.Scored, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []vectorindex.Scored
	for _, r := range f.results {
		if allow == nil || allow(r.ID) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeContent struct{ m map[string]string }

func (f *fakeContent) Content(id string) (string, bool) {
	c, ok := f.m[id]
	return c, ok
}

type fakeClassifier struct {
	verdicts map[string]Verdict // keyed by neighbor content
	err      error
	calls    int
}

func (f *fakeClassifier) Classify(ctx context.Context, candidate, neighbor string) (Verdict, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if v, ok := f.verdicts[neighbor]; ok {
		return v, nil
	}
	return VerdictUnrelated, nil
}

func TestEvaluateExactHashIsDuplicate(t *testing.T) {
	p := New(&fakeExact{hashes: map[string]string{"h1": "rec-1"}}, nil, nil, nil, nil, nil, config.DefaultDedupConfig())
	out, err := p.Evaluate(context.Background(), "h1", "anything", nil, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if out.Kind != OutcomeDuplicate || out.NeighborID != "rec-1" {
		t.Errorf("expected exact-hash duplicate of rec-1, got %+v", out)
	}
}

func TestEvaluateNearTextualDuplicate(t *testing.T) {
	lex := &fakeLexical{results: []lexical.Scored{{ID: "rec-1", Score: 10}}}
	content := &fakeContent{m: map[string]string{"rec-1": "prefers dark mode in the editor"}}
	p := New(&fakeExact{hashes: map[string]string{}}, lex, nil, content, nil, nil, config.DefaultDedupConfig())

	out, err := p.Evaluate(context.Background(), "other-hash", "prefers dark mode in the code editor", nil, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if out.Kind != OutcomeDuplicate || out.NeighborID != "rec-1" {
		t.Errorf("expected near-textual duplicate of rec-1, got %+v", out)
	}
}

func TestEvaluateNearTextualBelowThresholdFallsThrough(t *testing.T) {
	lex := &fakeLexical{results: []lexical.Scored{{ID: "rec-1", Score: 10}}}
	content := &fakeContent{m: map[string]string{"rec-1": "prefers dark mode in the editor for coding"}}
	p := New(&fakeExact{}, lex, nil, content, nil, nil, config.DefaultDedupConfig())

	out, err := p.Evaluate(context.Background(), "other-hash", "enjoys hiking on weekends", nil, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if out.Kind == OutcomeDuplicate {
		t.Errorf("expected unrelated text to not match as near-textual duplicate, got %+v", out)
	}
}

func TestEvaluateSemanticDuplicate(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "rec-1", Score: 0.95}}}
	p := New(&fakeExact{}, &fakeLexical{}, sem, &fakeContent{m: map[string]string{}}, nil, nil, config.DefaultDedupConfig())

	out, err := p.Evaluate(context.Background(), "hash", "text", []float32{1, 0}, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if out.Kind != OutcomeDuplicate || out.NeighborID != "rec-1" {
		t.Errorf("expected semantic duplicate of rec-1, got %+v", out)
	}
}

func TestEvaluateGrayZoneEscalatesToModelContradict(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "rec-1", Score: 0.80}}}
	content := &fakeContent{m: map[string]string{"rec-1": "prefers light mode"}}
	clf := &fakeClassifier{verdicts: map[string]Verdict{"prefers light mode": VerdictContradict}}
	breaker := resilience.NewBreaker("dedup-classify", 5, 0, nil)

	p := New(&fakeExact{}, &fakeLexical{}, sem, content, clf, breaker, config.DefaultDedupConfig())
	out, err := p.Evaluate(context.Background(), "hash", "prefers dark mode", []float32{1, 0}, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if out.Kind != OutcomeConflict || out.NeighborID != "rec-1" {
		t.Errorf("expected conflict with rec-1, got %+v", out)
	}
}

func TestEvaluateGrayZoneModelUpdate(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "rec-1", Score: 0.80}}}
	content := &fakeContent{m: map[string]string{"rec-1": "prefers dark mode in editor"}}
	clf := &fakeClassifier{verdicts: map[string]Verdict{"prefers dark mode in editor": VerdictUpdate}}
	breaker := resilience.NewBreaker("dedup-classify", 5, 0, nil)

	p := New(&fakeExact{}, &fakeLexical{}, sem, content, clf, breaker, config.DefaultDedupConfig())
	out, err := p.Evaluate(context.Background(), "hash", "prefers dark mode in code editor", []float32{1, 0}, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if out.Kind != OutcomeUpdate || out.NeighborID != "rec-1" {
		t.Errorf("expected update of rec-1, got %+v", out)
	}
}

func TestEvaluateGrayZoneNoMatchIsNew(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "rec-1", Score: 0.80}}}
	content := &fakeContent{m: map[string]string{"rec-1": "enjoys hiking"}}
	clf := &fakeClassifier{verdicts: map[string]Verdict{}}
	breaker := resilience.NewBreaker("dedup-classify", 5, 0, nil)

	p := New(&fakeExact{}, &fakeLexical{}, sem, content, clf, breaker, config.DefaultDedupConfig())
	out, err := p.Evaluate(context.Background(), "hash", "prefers dark mode", []float32{1, 0}, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if out.Kind != OutcomeNew {
		t.Errorf("expected New when no model verdict matches, got %+v", out)
	}
}

func TestEvaluateDegradedModeWhenCircuitOpen(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "rec-1", Score: 0.85}}}
	content := &fakeContent{m: map[string]string{"rec-1": "something gray zone"}}
	clf := &fakeClassifier{err: errors.New("model unavailable")}
	breaker := resilience.NewBreaker("dedup-classify", 1, time.Hour, nil)
	// trip the breaker open with one prior failure
	_ = breaker.Call(func() error { return errors.New("boom") }, func() error { return nil })

	p := New(&fakeExact{}, &fakeLexical{}, sem, content, clf, breaker, config.DefaultDedupConfig())
	out, err := p.Evaluate(context.Background(), "hash", "candidate text", []float32{1, 0}, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !out.Degraded {
		t.Error("expected decision to be flagged degraded while circuit is open")
	}
	if out.Kind != OutcomeUpdate {
		t.Errorf("expected degraded similarity 0.85 >= 0.80 to map to Update, got %+v", out)
	}
	if clf.calls != 0 {
		t.Errorf("expected classifier to not be called while circuit open, got %d calls", clf.calls)
	}
}

func TestEvaluateNoGrayZoneAndNoDuplicateIsNew(t *testing.T) {
	sem := &fakeSemantic{results: []vectorindex.Scored{{ID: "rec-1", Score: 0.2}}}
	p := New(&fakeExact{}, &fakeLexical{}, sem, &fakeContent{}, nil, nil, config.DefaultDedupConfig())

	out, err := p.Evaluate(context.Background(), "hash", "text", []float32{1, 0}, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if out.Kind != OutcomeNew {
		t.Errorf("expected New for low-similarity-only neighbor, got %+v", out)
	}
}

func TestComputeConfidenceClampsAndFollowsLinearRule(t *testing.T) {
	if c := ComputeConfidence(0, 0); c != 0.5 {
		t.Errorf("expected base confidence 0.5, got %f", c)
	}
	if c := ComputeConfidence(5, 0); c < 0.99 || c > 1.0 {
		t.Errorf("expected confidence to clamp at 1.0 with many confirmations, got %f", c)
	}
	if c := ComputeConfidence(0, 5); c != 0 {
		t.Errorf("expected confidence to clamp at 0 with many contradictions, got %f", c)
	}
	if c := ComputeConfidence(0, 1); c != 0.35 {
		t.Errorf("expected one contradiction to drop confidence to 0.35, got %f", c)
	}
}
