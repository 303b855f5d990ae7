// Package ranker is the hybrid fusion tier (C5): it pulls candidate pools
// from the semantic and lexical recall tiers, normalizes each pool
// independently, fuses them with recency and salience terms, applies
// filters after scoring, and caches the fused result set with
// project-scoped invalidation.
package ranker

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"memoria/internal/lexical"
	"memoria/internal/logging"
	"memoria/internal/memerr"
	"memoria/internal/vectorindex"
)

const (
	weightSemantic = 0.5
	weightLexical  = 0.2
	weightRecency  = 0.2
	weightSalience = 0.1
)

// Mode selects which candidate pools Search draws from.
type Mode string

const (
	ModeHybrid   Mode = "hybrid"
	ModeSemantic Mode = "semantic"
	ModeLexical  Mode = "lexical"
)

// Order selects the sort applied to the fused result set.
type Order string

const (
	OrderRelevance Order = "relevance"
	OrderRecency   Order = "recency"
	OrderSalience  Order = "salience"
)

// SemanticIndex is the subset of vectorindex.Index the ranker needs.
type SemanticIndex interface {
	Search(ctx context.Context, query []float32, k int, allow func(id string) bool) ([]vectorindex.Scored, error)
}

// LexicalIndex is the subset of lexical.Index the ranker needs.
type LexicalIndex interface {
	Search(query string, k int, allow func(id string) bool) []lexical.Scored
}

// RecordMeta carries the per-record fields the fused score and post-score
// filters need beyond the raw semantic/lexical scores.
type RecordMeta struct {
	Salience  float64
	CreatedAt time.Time
	Project   string
	Tags      []string
	Archived  bool
}

func (m RecordMeta) hasAllTags(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(m.Tags))
	for _, t := range m.Tags {
		have[t] = struct{}{}
	}
	for _, t := range tags {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// MetaLookup resolves a record id to the metadata the fusion formula needs.
// A false second return means the id is stale (e.g. deleted since it was
// indexed) and should be dropped from the result set.
type MetaLookup interface {
	Lookup(id string) (RecordMeta, bool)
}

// Result is one fused, ranked search result.
type Result struct {
	ID    string
	Score float64
}

// Options is the public search surface's option set (spec §4.5).
type Options struct {
	Project         string
	Tags            []string
	MinSalience     float64
	IncludeArchived bool
	Order           Order
	Mode            Mode
}

// Response wraps the ranked results with the degraded flag §4.5 step 1
// requires when mode=hybrid silently falls back to lexical-only because the
// embedding circuit is open.
type Response struct {
	Results  []Result
	Degraded bool
}

// fingerprint is the canonicalized cache key (§3 "Search fingerprint"):
// query text, project scope, tag filter set, min-salience, and ordering
// mode. Two fingerprints are equal iff every canonicalized component is
// equal. Mode is folded in too (beyond the letter of §3) because a fused
// result set is mode-dependent; caching across modes under one key would
// violate P4's "equal fingerprints imply byte-identical results" when a
// caller alternates mode on an otherwise-identical query. k is folded in
// for the same reason: a result set trimmed to one k is never served for
// another.
type fingerprint struct {
	query       string
	project     string
	tags        string
	minSalience float64
	order       Order
	mode        Mode
	k           int
}

func canonicalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func canonicalizeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func newFingerprint(query string, k int, opts Options) fingerprint {
	order := opts.Order
	if order == "" {
		order = OrderRelevance
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	return fingerprint{
		query:       canonicalizeQuery(query),
		project:     opts.Project,
		tags:        canonicalizeTags(opts.Tags),
		minSalience: opts.MinSalience,
		order:       order,
		mode:        mode,
		k:           k,
	}
}

type cacheEntry struct {
	response Response
	project  string
	expires  time.Time
}

// Ranker fuses semantic and lexical candidate pools into a single ranked
// result set, per record:
//
//	fused = 0.5*semantic_norm + 0.2*lexical_norm + 0.2*recency + 0.1*salience
//
// where recency = exp(-ageDays/RecencyHalfLifeDays) and semantic_norm /
// lexical_norm are min-max normalized within their own candidate pool.
type Ranker struct {
	semantic SemanticIndex
	lexical  LexicalIndex
	meta     MetaLookup

	poolMultiplier  int
	recencyHalfLife float64
	cacheTTL        time.Duration

	// embeddingOpen reports whether the embedding circuit is currently
	// open, so mode=hybrid can degrade silently to lexical-only per §4.5
	// step 1. Nil means embeddings are always considered available.
	embeddingOpen func() bool

	group singleflight.Group

	mu    sync.Mutex
	cache map[fingerprint]cacheEntry
}

// New creates a Ranker. poolMultiplier controls how many candidates are
// pulled from each pool before fusion (4*k per spec); recencyHalfLifeDays
// and cacheTTL fall back to the spec defaults (30 days, 24h) when <= 0.
func New(semantic SemanticIndex, lex LexicalIndex, meta MetaLookup, poolMultiplier int, recencyHalfLifeDays float64, cacheTTL time.Duration) *Ranker {
	if poolMultiplier <= 0 {
		poolMultiplier = 4
	}
	if recencyHalfLifeDays <= 0 {
		recencyHalfLifeDays = 30
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	return &Ranker{
		semantic:        semantic,
		lexical:         lex,
		meta:            meta,
		poolMultiplier:  poolMultiplier,
		recencyHalfLife: recencyHalfLifeDays,
		cacheTTL:        cacheTTL,
		cache:           make(map[fingerprint]cacheEntry),
	}
}

// SetEmbeddingOpenProbe wires a circuit-breaker status check so Search can
// tell mode=hybrid apart from a degraded-to-lexical equivalent.
func (r *Ranker) SetEmbeddingOpenProbe(probe func() bool) {
	r.embeddingOpen = probe
}

// Search returns the k highest-fused-score records matching query under
// opts. Identical concurrent queries are deduplicated via singleflight;
// results are cached for cacheTTL and dropped by an Invalidate call that
// matches their project scope (see Invalidate).
func (r *Ranker) Search(ctx context.Context, query string, queryVec []float32, k int, opts Options) (Response, error) {
	if k <= 0 {
		return Response{}, nil
	}
	if opts.Order != "" && opts.Order != OrderRelevance && opts.Order != OrderRecency && opts.Order != OrderSalience {
		return Response{}, memerr.New(memerr.InvalidInput, "unknown ordering mode: "+string(opts.Order))
	}
	if opts.Mode != "" && opts.Mode != ModeHybrid && opts.Mode != ModeSemantic && opts.Mode != ModeLexical {
		return Response{}, memerr.New(memerr.InvalidInput, "unknown search mode: "+string(opts.Mode))
	}
	if strings.TrimSpace(query) == "" {
		return Response{}, nil
	}

	timer := logging.StartTimer(logging.CategoryRanker, "Search")
	defer timer.Stop()

	fp := newFingerprint(query, k, opts)

	if cached, ok := r.lookupCache(fp); ok {
		logging.RankerDebug("cache hit for query=%q project=%q k=%d", query, opts.Project, k)
		return cached, nil
	}

	type result struct {
		resp Response
		err  error
	}
	key := fp.query + "\x00" + fp.project + "\x00" + fp.tags + "\x00" + strconv.FormatFloat(fp.minSalience, 'g', -1, 64) +
		"\x00" + string(fp.order) + "\x00" + string(fp.mode) + "\x00" + strconv.Itoa(fp.k)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if cached, ok := r.lookupCache(fp); ok {
			return result{resp: cached}, nil
		}
		resp, err := r.compute(ctx, query, queryVec, k, opts, fp)
		if err != nil {
			return result{}, err
		}
		r.storeCache(fp, resp, opts.Project)
		return result{resp: resp}, nil
	})
	if err != nil {
		return Response{}, err
	}
	return v.(result).resp, nil
}

func (r *Ranker) lookupCache(fp fingerprint) (Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[fp]
	if !ok {
		return Response{}, false
	}
	if time.Now().After(entry.expires) {
		delete(r.cache, fp)
		return Response{}, false
	}
	return entry.response, true
}

func (r *Ranker) storeCache(fp fingerprint, resp Response, project string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[fp] = cacheEntry{response: resp, project: project, expires: time.Now().Add(r.cacheTTL)}
}

// Invalidate drops every cached result set that has no project scope or
// whose project matches affectedProject. Call this after any write so a
// future search reflects the new or changed record.
func (r *Ranker) Invalidate(affectedProject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fp, entry := range r.cache {
		if entry.project == "" || entry.project == affectedProject {
			delete(r.cache, fp)
		}
	}
}

func (r *Ranker) compute(ctx context.Context, query string, queryVec []float32, k int, opts Options, fp fingerprint) (Response, error) {
	poolSize := k * r.poolMultiplier

	allow := func(id string) bool {
		if opts.Project == "" {
			return true
		}
		meta, ok := r.meta.Lookup(id)
		return ok && (meta.Project == opts.Project || meta.Project == "")
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	degraded := false
	wantSemantic := mode == ModeHybrid || mode == ModeSemantic
	wantLexical := mode == ModeHybrid || mode == ModeLexical
	if mode == ModeHybrid && r.embeddingOpen != nil && r.embeddingOpen() {
		wantSemantic = false
		degraded = true
		logging.Get(logging.CategoryRanker).Warn("embedding circuit open, degrading hybrid search to lexical-only")
	}

	var semanticPool []vectorindex.Scored
	if wantSemantic && len(queryVec) > 0 && r.semantic != nil {
		var err error
		semanticPool, err = r.semantic.Search(ctx, queryVec, poolSize, allow)
		if err != nil {
			logging.Get(logging.CategoryRanker).Warn("semantic pool unavailable, degrading to lexical-only: %v", err)
			semanticPool = nil
			if mode == ModeHybrid {
				degraded = true
			}
		}
	}

	var lexicalPool []lexical.Scored
	if wantLexical && r.lexical != nil {
		lexicalPool = r.lexical.Search(query, poolSize, allow)
	}

	semNorm := normalizeSemantic(semanticPool)
	lexNorm := normalizeLexical(lexicalPool)

	now := time.Now()
	candidates := make(map[string]struct{}, len(semNorm)+len(lexNorm))
	for id := range semNorm {
		candidates[id] = struct{}{}
	}
	for id := range lexNorm {
		candidates[id] = struct{}{}
	}

	type scored struct {
		Result
		meta RecordMeta
	}
	fused := make([]scored, 0, len(candidates))
	for id := range candidates {
		meta, ok := r.meta.Lookup(id)
		if !ok {
			continue
		}
		ageDays := now.Sub(meta.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency := math.Exp(-ageDays / r.recencyHalfLife)

		score := weightSemantic*semNorm[id] + weightLexical*lexNorm[id] + weightRecency*recency + weightSalience*meta.Salience
		fused = append(fused, scored{Result: Result{ID: id, Score: score}, meta: meta})
	}

	// Step 5: sort by the requested order before filters are applied, so
	// filters never distort the normalization scales (step 6 happens
	// strictly after scoring/sorting).
	order := opts.Order
	if order == "" {
		order = OrderRelevance
	}
	switch order {
	case OrderRecency:
		sort.Slice(fused, func(i, j int) bool {
			if fused[i].meta.CreatedAt.Equal(fused[j].meta.CreatedAt) {
				return fused[i].ID < fused[j].ID
			}
			return fused[i].meta.CreatedAt.After(fused[j].meta.CreatedAt)
		})
	case OrderSalience:
		sort.Slice(fused, func(i, j int) bool {
			if fused[i].meta.Salience == fused[j].meta.Salience {
				return fused[i].ID < fused[j].ID
			}
			return fused[i].meta.Salience > fused[j].meta.Salience
		})
	default: // relevance
		sort.Slice(fused, func(i, j int) bool {
			if fused[i].Score == fused[j].Score {
				ri := now.Sub(fused[i].meta.CreatedAt)
				rj := now.Sub(fused[j].meta.CreatedAt)
				if ri == rj {
					return fused[i].ID < fused[j].ID
				}
				return ri < rj
			}
			return fused[i].Score > fused[j].Score
		})
	}

	// Step 6: apply filters after scoring/sorting, then trim to k.
	results := make([]Result, 0, k)
	for _, s := range fused {
		if !opts.IncludeArchived && s.meta.Archived {
			continue
		}
		if s.meta.Salience < opts.MinSalience {
			continue
		}
		if !s.meta.hasAllTags(opts.Tags) {
			continue
		}
		results = append(results, s.Result)
		if len(results) == k {
			break
		}
	}

	return Response{Results: results, Degraded: degraded}, nil
}

func normalizeSemantic(pool []vectorindex.Scored) map[string]float64 {
	raw := make(map[string]float64, len(pool))
	for _, s := range pool {
		raw[s.ID] = s.Score
	}
	return minMaxNormalize(raw)
}

func normalizeLexical(pool []lexical.Scored) map[string]float64 {
	raw := make(map[string]float64, len(pool))
	for _, s := range pool {
		raw[s.ID] = s.Score
	}
	return minMaxNormalize(raw)
}

// minMaxNormalize scales values to [0, 1] within the given pool. An empty
// pool normalizes to nothing; a pool where every score is equal normalizes
// every id to 1 (they are equally relevant), or to 0 if that shared score
// is non-positive.
func minMaxNormalize(raw map[string]float64) map[string]float64 {
	normalized := make(map[string]float64, len(raw))
	if len(raw) == 0 {
		return normalized
	}

	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range raw {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	if max == min {
		value := 1.0
		if max <= 0 {
			value = 0.0
		}
		for id := range raw {
			normalized[id] = value
		}
		return normalized
	}

	for id, v := range raw {
		normalized[id] = (v - min) / (max - min)
	}
	return normalized
}
