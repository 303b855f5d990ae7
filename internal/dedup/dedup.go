// Package dedup is the contradiction/dedup filter (C7): given an incoming
// candidate memory, it decides whether the record should be stored as new,
// treated as a duplicate of an existing record, merged into one as an
// update, or stored alongside an existing record it contradicts.
package dedup

import (
	"context"
	"sort"

	"memoria/internal/config"
	"memoria/internal/lexical"
	"memoria/internal/logging"
	"memoria/internal/resilience"
	"memoria/internal/vectorindex"
)

// OutcomeKind is the dedup filter's decision.
type OutcomeKind string

const (
	OutcomeNew       OutcomeKind = "new"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeUpdate    OutcomeKind = "update"
	OutcomeConflict  OutcomeKind = "conflict"
)

// Outcome is the dedup filter's verdict for one candidate. NeighborID is
// set for every kind except New. Degraded marks a decision made while the
// classification circuit was open, flagging it for later re-adjudication.
type Outcome struct {
	Kind       OutcomeKind
	NeighborID string
	Degraded   bool
}

// ExactLookup resolves a content-hash to the id currently holding it.
type ExactLookup interface {
	LookupByContentHash(hash string) (string, bool)
}

// LexicalIndex is the subset of lexical.Index the near-textual stage needs.
type LexicalIndex interface {
	Search(query string, k int, allow func(id string) bool) []lexical.Scored
}

// SemanticIndex is the subset of vectorindex.Index the semantic stage needs.
type SemanticIndex interface {
	Search(ctx context.Context, query []float32, k int, allow func(id string) bool) ([]vectorindex.Scored, error)
}

// ContentLookup resolves a record id to its current content, for token
// Jaccard comparison and the model-assisted stage's prompt.
type ContentLookup interface {
	Content(id string) (string, bool)
}

const (
	semanticPoolSize   = 20
	nearTextPoolSize   = 50
	minSharedTrigrams  = 3
	nearTextualMinToken = 2
)

// Pipeline runs the four-stage dedup/contradiction cascade.
type Pipeline struct {
	exact    ExactLookup
	lex      LexicalIndex
	semantic SemanticIndex
	content  ContentLookup

	classifier Classifier
	breaker    *resilience.Breaker

	cfg config.DedupConfig
}

// New constructs a Pipeline. classifier and breaker may both be nil, in
// which case stage 4 always degrades (equivalent to a permanently open
// circuit).
func New(exact ExactLookup, lex LexicalIndex, semantic SemanticIndex, content ContentLookup, classifier Classifier, breaker *resilience.Breaker, cfg config.DedupConfig) *Pipeline {
	return &Pipeline{
		exact:      exact,
		lex:        lex,
		semantic:   semantic,
		content:    content,
		classifier: classifier,
		breaker:    breaker,
		cfg:        cfg,
	}
}

// Evaluate runs the cascade for a candidate memory and returns the dedup
// decision. allow, if non-nil, scopes the near-textual and semantic
// retrieval stages to the record ids it accepts.
func (p *Pipeline) Evaluate(ctx context.Context, candidateHash, candidateContent string, candidateVec []float32, allow func(id string) bool) (Outcome, error) {
	timer := logging.StartTimer(logging.CategoryDedup, "Evaluate")
	defer timer.Stop()

	if id, ok := p.stageExact(candidateHash); ok {
		logging.DedupDebug("exact match: candidate duplicates %s", id)
		return Outcome{Kind: OutcomeDuplicate, NeighborID: id}, nil
	}

	if id, ok := p.stageNearTextual(candidateContent, allow); ok {
		logging.DedupDebug("near-textual match: candidate duplicates %s", id)
		return Outcome{Kind: OutcomeDuplicate, NeighborID: id}, nil
	}

	grayZone, duplicateID, ok := p.stageSemantic(ctx, candidateVec, allow)
	if ok {
		logging.DedupDebug("semantic match: candidate duplicates %s", duplicateID)
		return Outcome{Kind: OutcomeDuplicate, NeighborID: duplicateID}, nil
	}
	if len(grayZone) == 0 {
		return Outcome{Kind: OutcomeNew}, nil
	}

	return p.stageModelAssisted(ctx, candidateContent, grayZone)
}

func (p *Pipeline) stageExact(hash string) (string, bool) {
	if p.exact == nil || hash == "" {
		return "", false
	}
	return p.exact.LookupByContentHash(hash)
}

func (p *Pipeline) stageNearTextual(candidateContent string, allow func(id string) bool) (string, bool) {
	if p.lex == nil {
		return "", false
	}
	candidates := p.lex.Search(candidateContent, nearTextPoolSize, allow)
	if len(candidates) == 0 {
		return "", false
	}
	candTrigrams := trigramSet(candidateContent)

	for _, c := range candidates {
		neighborContent, ok := p.lookupContent(c.ID)
		if !ok {
			continue
		}
		if sharedTrigramCount(candTrigrams, trigramSet(neighborContent)) < minSharedTrigrams {
			continue
		}
		if tokenJaccard(candidateContent, neighborContent, nearTextualMinToken) >= p.cfg.NearTextualJaccardThreshold {
			return c.ID, true
		}
	}
	return "", false
}

// grayZoneNeighbor is one semantic neighbor whose similarity fell in the
// gray zone, carried forward to the model-assisted stage.
type grayZoneNeighbor struct {
	ID         string
	Similarity float64
}

// stageSemantic retrieves the top semanticPoolSize neighbors by vector
// similarity. It returns an immediate Duplicate verdict if any neighbor
// meets the duplicate threshold (neighbors are ranked highest-similarity
// first, so the first hit is the strongest), and otherwise returns every
// neighbor that fell in the gray zone for the model-assisted stage.
func (p *Pipeline) stageSemantic(ctx context.Context, candidateVec []float32, allow func(id string) bool) ([]grayZoneNeighbor, string, bool) {
	if p.semantic == nil || len(candidateVec) == 0 {
		return nil, "", false
	}
	neighbors, err := p.semantic.Search(ctx, candidateVec, semanticPoolSize, allow)
	if err != nil {
		logging.DedupWarn("semantic stage unavailable, skipping to model-assisted with no gray zone: %v", err)
		return nil, "", false
	}

	var grayZone []grayZoneNeighbor
	for _, n := range neighbors {
		if n.Score >= p.cfg.SemanticDuplicateThreshold {
			return nil, n.ID, true
		}
		if n.Score >= p.cfg.SemanticGrayZoneFloor {
			grayZone = append(grayZone, grayZoneNeighbor{ID: n.ID, Similarity: n.Score})
		}
	}
	sort.Slice(grayZone, func(i, j int) bool { return grayZone[i].Similarity > grayZone[j].Similarity })
	return grayZone, "", false
}

// stageModelAssisted invokes the classifier (through the circuit breaker)
// for each gray-zone neighbor and aggregates per the spec's precedence:
// any contradict wins (highest-similarity neighbor on ties), else the
// first update, else the first same, else New.
func (p *Pipeline) stageModelAssisted(ctx context.Context, candidateContent string, grayZone []grayZoneNeighbor) (Outcome, error) {
	var (
		contradictID string
		updateID     string
		sameID       string
		anyDegraded  bool
	)

	for _, neighbor := range grayZone {
		neighborContent, ok := p.lookupContent(neighbor.ID)
		if !ok {
			continue
		}

		verdict, degraded := p.classify(ctx, candidateContent, neighborContent, neighbor.Similarity)
		if degraded {
			anyDegraded = true
		}

		switch verdict {
		case VerdictContradict:
			if contradictID == "" {
				contradictID = neighbor.ID
			}
		case VerdictUpdate:
			if updateID == "" {
				updateID = neighbor.ID
			}
		case VerdictSame:
			if sameID == "" {
				sameID = neighbor.ID
			}
		}
	}

	switch {
	case contradictID != "":
		return Outcome{Kind: OutcomeConflict, NeighborID: contradictID, Degraded: anyDegraded}, nil
	case updateID != "":
		return Outcome{Kind: OutcomeUpdate, NeighborID: updateID, Degraded: anyDegraded}, nil
	case sameID != "":
		return Outcome{Kind: OutcomeDuplicate, NeighborID: sameID, Degraded: anyDegraded}, nil
	default:
		return Outcome{Kind: OutcomeNew, Degraded: anyDegraded}, nil
	}
}

// classify returns the model's verdict for one neighbor, or the degraded
// deterministic rule if the classification circuit is open or unavailable.
func (p *Pipeline) classify(ctx context.Context, candidateContent, neighborContent string, similarity float64) (Verdict, bool) {
	if p.classifier == nil {
		return p.degradedVerdict(similarity), true
	}

	var verdict Verdict
	degraded := false
	call := func() error {
		v, err := p.classifier.Classify(ctx, candidateContent, neighborContent)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	}
	fallback := func() error {
		degraded = true
		verdict = p.degradedVerdict(similarity)
		return nil
	}

	if p.breaker != nil {
		_ = p.breaker.Call(call, fallback)
	} else if err := call(); err != nil {
		verdict = p.degradedVerdict(similarity)
		degraded = true
	}
	return verdict, degraded
}

// degradedVerdict applies the deterministic fallback rule used when the
// classification circuit is open. The default ("gray_zone_as_distinct")
// rule: gray-zone similarity >= 0.80 maps to Update, below that maps to
// effectively New (Unrelated, so it never wins the aggregation). Operators
// who have observed the degraded path erring toward false negatives can
// set DegradedFallback to "gray_zone_as_duplicate" to instead collapse
// every gray-zone neighbor onto Duplicate while the circuit recovers.
func (p *Pipeline) degradedVerdict(similarity float64) Verdict {
	if p.cfg.DegradedFallback == "gray_zone_as_duplicate" {
		return VerdictSame
	}
	if similarity >= 0.80 {
		return VerdictUpdate
	}
	return VerdictUnrelated
}

func (p *Pipeline) lookupContent(id string) (string, bool) {
	if p.content == nil {
		return "", false
	}
	return p.content.Content(id)
}
