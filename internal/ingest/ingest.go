// Package ingest is the ingestion pipeline (C8): transcript -> extraction
// -> dedup filter -> write -> index update -> event, running behind a
// bounded queue and a small worker pool so slow extraction calls don't
// block the producer.
package ingest

import (
	"context"
	"sync"

	"memoria/internal/config"
	"memoria/internal/dedup"
	"memoria/internal/embedding"
	"memoria/internal/lexical"
	"memoria/internal/logging"
	"memoria/internal/memerr"
	"memoria/internal/recordstore"
	"memoria/internal/resilience"
	"memoria/internal/scheduler"
	"memoria/internal/vectorindex"
)

// Transcript is one unit of ingestion work: a session transcript tagged
// with the originator id idempotency keys off, and the project/session
// scope any memories extracted from it should carry.
type Transcript struct {
	OriginatorID  string
	Project       string
	OriginSession string
	Text          string
}

// Pipeline drains a bounded queue of transcripts with a fixed worker pool,
// extracting candidate memories, running them through the dedup filter,
// and writing accepted candidates through the record store, vector index,
// lexical index, and scheduler.
type Pipeline struct {
	cfg config.IngestConfig

	store      *recordstore.Store
	dedup      *dedup.Pipeline
	sched      *scheduler.Scheduler
	embedCache *embedding.Cache
	vecIndex   *vectorindex.Index
	lexIndex   *lexical.Index
	bus        *resilience.Bus
	invalidate func(project string)

	extractor      Extractor
	extractBreaker *resilience.Breaker
	idempotency    *idempotencyCache

	queue chan Transcript
	wg    sync.WaitGroup
	stop  chan struct{}
}

// Deps bundles the collaborators a Pipeline composes. Invalidate, if
// non-nil, is called with the affected project after every accepted
// write so the ranker's result cache drops stale entries (P2). EmbedCache
// is the sole caller of the embedding model (C2); the pipeline never holds
// a raw EmbeddingEngine or embedding circuit breaker of its own.
type Deps struct {
	Store          *recordstore.Store
	Dedup          *dedup.Pipeline
	Scheduler      *scheduler.Scheduler
	EmbedCache     *embedding.Cache
	VectorIndex    *vectorindex.Index
	LexicalIndex   *lexical.Index
	Bus            *resilience.Bus
	Pool           *resilience.Pool
	Extractor      Extractor
	ExtractBreaker *resilience.Breaker
	Invalidate     func(project string)
}

// New constructs a Pipeline. The queue is sized from cfg.QueueCapacity
// (default 1024 if <= 0).
func New(deps Deps, cfg config.IngestConfig) *Pipeline {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	return &Pipeline{
		cfg:            cfg,
		store:          deps.Store,
		dedup:          deps.Dedup,
		sched:          deps.Scheduler,
		embedCache:     deps.EmbedCache,
		vecIndex:       deps.VectorIndex,
		lexIndex:       deps.LexicalIndex,
		bus:            deps.Bus,
		invalidate:     deps.Invalidate,
		extractor:      deps.Extractor,
		extractBreaker: deps.ExtractBreaker,
		idempotency:    &idempotencyCache{pool: deps.Pool, window: cfg.GetIdempotencyWindow()},
		queue:          make(chan Transcript, capacity),
	}
}

// Start launches the worker pool. Workers defaults to 2 if cfg.Workers <= 0.
func (p *Pipeline) Start() {
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop closes the queue and waits for in-flight work to drain.
func (p *Pipeline) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	close(p.queue)
	p.wg.Wait()
	p.stop = nil
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.process(context.Background(), t)
	}
}

// Submit enqueues a transcript for asynchronous processing. It never
// blocks: a full queue is rejected with QueueFull so the caller can retry
// or drop.
func (p *Pipeline) Submit(t Transcript) error {
	select {
	case p.queue <- t:
		return nil
	default:
		return memerr.New(memerr.QueueFull, "ingestion queue is full")
	}
}

func (p *Pipeline) process(ctx context.Context, t Transcript) {
	timer := logging.StartTimer(logging.CategoryIngest, "process")
	defer timer.Stop()

	candidates, err := p.extract(ctx, t)
	if err != nil {
		logging.IngestWarn("transcript from originator %s deferred: %v", t.OriginatorID, err)
		return
	}

	for _, c := range candidates {
		if err := recordstore.ValidateContent(c.Content); err != nil {
			logging.IngestWarn("dropping over-size candidate from originator %s: %v", t.OriginatorID, err)
			continue
		}
		if err := p.processCandidate(ctx, t, c); err != nil {
			logging.IngestError("failed to process candidate from originator %s: %v", t.OriginatorID, err)
		}
	}
}

// extract runs the extraction call through the circuit breaker, honoring
// the idempotency cache first.
func (p *Pipeline) extract(ctx context.Context, t Transcript) ([]Candidate, error) {
	if cached, ok, err := p.idempotency.lookup(ctx, t.OriginatorID); err != nil {
		return nil, err
	} else if ok {
		logging.IngestDebug("originator %s within idempotency window, reusing cached extraction", t.OriginatorID)
		return cached, nil
	}

	var (
		candidates []Candidate
		callErr    error
	)
	call := func() error {
		c, err := p.extractor.Extract(ctx, t.Text)
		if err != nil {
			return err
		}
		candidates = c
		return nil
	}
	fallback := func() error {
		callErr = memerr.New(memerr.ModelUnavailable, "extraction circuit open")
		return nil
	}

	if p.extractBreaker != nil {
		_ = p.extractBreaker.Call(call, fallback)
	} else if err := call(); err != nil {
		return nil, memerr.Wrap(memerr.ModelUnavailable, "extraction failed", err)
	}
	if callErr != nil {
		return nil, callErr
	}

	if err := p.idempotency.store(ctx, t.OriginatorID, candidates); err != nil {
		logging.IngestWarn("failed to cache extraction result for originator %s: %v", t.OriginatorID, err)
	}
	return candidates, nil
}

func (p *Pipeline) embed(ctx context.Context, hash, content string) []float32 {
	if p.embedCache == nil {
		return nil
	}
	vec, err := p.embedCache.GetOrCompute(ctx, hash, content, false)
	if err != nil {
		logging.IngestWarn("embedding unavailable for candidate, dedup degrades to lexical-only: %v", err)
		return nil
	}
	return vec
}

func (p *Pipeline) processCandidate(ctx context.Context, t Transcript, c Candidate) error {
	hash := recordstore.ContentHash(c.Content)
	vec := p.embed(ctx, hash, c.Content)

	allow := func(id string) bool {
		if t.Project == "" {
			return true
		}
		rec, err := p.store.Get(id)
		return err == nil && rec.Project == t.Project
	}

	outcome, err := p.dedup.Evaluate(ctx, hash, c.Content, vec, allow)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case dedup.OutcomeNew:
		return p.applyNew(ctx, t, c, hash, vec)
	case dedup.OutcomeDuplicate:
		logging.IngestDebug("candidate is a duplicate of %s, no-op (P6)", outcome.NeighborID)
		return nil
	case dedup.OutcomeUpdate:
		return p.applyUpdate(ctx, t, c, outcome.NeighborID, vec)
	case dedup.OutcomeConflict:
		return p.applyConflict(ctx, t, c, hash, outcome.NeighborID, vec)
	}
	return nil
}

func (p *Pipeline) applyNew(ctx context.Context, t Transcript, c Candidate, hash string, vec []float32) error {
	id, err := p.store.Put(c.Content, c.Tags, c.Salience, 0.5, t.Project, t.OriginSession)
	if err != nil {
		return err
	}
	p.indexAndSchedule(ctx, id, t.Project, c.Content, vec)

	if p.bus != nil {
		p.bus.Publish(resilience.Event{
			Kind:    resilience.MemorySaved,
			ID:      id,
			Project: t.Project,
			Extra:   map[string]interface{}{"content_hash": hash, "new_record": true},
		})
	}
	p.invalidateProject(t.Project)
	return nil
}

func (p *Pipeline) applyUpdate(ctx context.Context, t Transcript, c Candidate, id string, vec []float32) error {
	current, err := p.store.Get(id)
	if err != nil {
		return err
	}
	content := c.Content
	_, err = p.store.Update(id, current.Version, recordstore.ReasonDedupMerge, recordstore.Patch{Content: &content})
	if err != nil {
		return err
	}
	p.indexAndSchedule(ctx, id, t.Project, content, vec)

	if p.bus != nil {
		p.bus.Publish(resilience.Event{Kind: resilience.MemoryUpdated, ID: id, Project: t.Project})
	}
	p.invalidateProject(t.Project)
	return nil
}

func (p *Pipeline) applyConflict(ctx context.Context, t Transcript, c Candidate, hash, olderID string, vec []float32) error {
	newID, err := p.store.Put(c.Content, c.Tags, c.Salience, 0.5, t.Project, t.OriginSession)
	if err != nil {
		return err
	}
	p.indexAndSchedule(ctx, newID, t.Project, c.Content, vec)

	older, err := p.store.Get(olderID)
	if err == nil {
		contradictions := older.Contradictions + 1
		confidence := dedup.ComputeConfidence(older.Confirmations, contradictions)
		_, _ = p.store.Update(olderID, older.Version, recordstore.ReasonContradictionResolved, recordstore.Patch{
			Contradictions: &contradictions,
			Confidence:     &confidence,
		})
	}

	if p.bus != nil {
		p.bus.Publish(resilience.Event{
			Kind:    resilience.MemorySaved,
			ID:      newID,
			Project: t.Project,
			Extra:   map[string]interface{}{"content_hash": hash, "new_record": true},
		})
		p.bus.Publish(resilience.Event{
			Kind:    resilience.Contradiction,
			ID:      newID,
			Project: t.Project,
			Extra:   map[string]interface{}{"other_id": olderID},
		})
	}
	p.invalidateProject(t.Project)
	return nil
}

func (p *Pipeline) indexAndSchedule(ctx context.Context, id, project, content string, vec []float32) {
	if p.vecIndex != nil && len(vec) > 0 {
		if err := p.vecIndex.Upsert(id, vec); err != nil {
			logging.IngestWarn("vector index upsert failed for %s: %v", id, err)
		}
	}
	if p.lexIndex != nil {
		p.lexIndex.Upsert(id, content)
	}
	if p.sched != nil {
		if err := p.sched.Register(ctx, id, project); err != nil {
			logging.IngestWarn("schedule registration failed for %s: %v", id, err)
		}
	}
}

func (p *Pipeline) invalidateProject(project string) {
	if p.invalidate != nil {
		p.invalidate(project)
	}
}
