// Package memoria is the orchestrator façade (C10): the single public
// surface (save/search/review/archive/maintain) that composes every other
// component. This is the one place Store, Scheduler, the indexes, the event
// bus, and the circuit breakers are constructed; no other caller reaches
// into the lower components directly.
package memoria

import (
	"context"
	"path/filepath"
	"time"

	"memoria/internal/config"
	"memoria/internal/dedup"
	"memoria/internal/embedding"
	"memoria/internal/ingest"
	"memoria/internal/lexical"
	"memoria/internal/logging"
	"memoria/internal/memerr"
	"memoria/internal/ranker"
	"memoria/internal/recordstore"
	"memoria/internal/resilience"
	"memoria/internal/scheduler"
	"memoria/internal/vectorindex"
)

const (
	embeddingCallSite      = "embedding-model"
	extractionCallSite     = "extraction-model"
	classificationCallSite = "classification-model"
)

// Engine wires every component together and exposes the façade operations.
// It owns the lifetime of the background workers (ingestion pool,
// scheduler due-scan) started by Start and stopped by Close.
type Engine struct {
	cfg *config.Config

	pool *resilience.Pool
	bus  *resilience.Bus

	store      *recordstore.Store
	embedCache *embedding.Cache
	vecIndex   *vectorindex.Index
	lexIndex   *lexical.Index
	rank       *ranker.Ranker
	sched      *scheduler.Scheduler
	dedupPipe  *dedup.Pipeline
	ingestPipe *ingest.Pipeline

	embedBreaker    *resilience.Breaker
	extractBreaker  *resilience.Breaker
	classifyBreaker *resilience.Breaker

	events <-chan resilience.Event
	done   chan struct{}
}

// storeMetaLookup adapts recordstore.Store to ranker.MetaLookup.
type storeMetaLookup struct {
	store *recordstore.Store
}

func (m *storeMetaLookup) Lookup(id string) (ranker.RecordMeta, bool) {
	rec, err := m.store.Get(id)
	if err != nil {
		return ranker.RecordMeta{}, false
	}
	return ranker.RecordMeta{
		Salience:  rec.Salience,
		CreatedAt: rec.CreatedAt,
		Project:   rec.Project,
		Tags:      rec.Tags,
		Archived:  rec.Archived,
	}, true
}

// SaveMetadata carries the caller-supplied fields for a direct Save, as
// opposed to memories extracted asynchronously by the ingestion pipeline.
type SaveMetadata struct {
	Tags          []string
	Salience      float64
	Project       string
	OriginSession string
}

// Outcome mirrors dedup.OutcomeKind at the façade's public surface, with the
// id of the record that now holds the content (new, updated, or the
// existing duplicate).
type Outcome struct {
	Kind dedup.OutcomeKind
	ID   string
}

// New constructs an Engine from cfg: opens the embedded relational store and
// the content-addressed record store, builds the in-memory indexes
// (rebuilding the lexical index from the record store on startup), and
// wires the dedup, ranking, scheduling, and ingestion tiers on top. It does
// not start background workers; call Start for that.
func New(cfg *config.Config) (*Engine, error) {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "New")
	defer timer.Stop()

	if err := logging.Initialize(cfg.Workspace); err != nil {
		logging.BootWarn("failed to initialize logging, continuing with defaults: %v", err)
	}

	dbPath := filepath.Join(cfg.Workspace, ".memoria", "memoria.db")
	pool, err := resilience.NewPool(resilience.PoolConfig{
		Path:           dbPath,
		Size:           cfg.Resilience.PoolSize,
		AcquireTimeout: parseDurationOr(cfg.Resilience.AcquireTimeout, 30*time.Second),
		BackoffInitial: parseDurationOr(cfg.Resilience.BackoffInitial, 50*time.Millisecond),
		BackoffMax:     parseDurationOr(cfg.Resilience.BackoffMax, 2*time.Second),
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.IntegrityFailure, "open embedded relational store", err)
	}

	bus := resilience.NewBus(cfg.Resilience.EventBusSubscriberQueueSize)

	recoveryTimeout := parseDurationOr(cfg.Resilience.BreakerRecoveryTimeout, 600*time.Second)
	failureThreshold := cfg.Resilience.BreakerFailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	embedBreaker := resilience.NewBreaker(embeddingCallSite, failureThreshold, recoveryTimeout, pool)
	extractBreaker := resilience.NewBreaker(extractionCallSite, failureThreshold, recoveryTimeout, pool)
	classifyBreaker := resilience.NewBreaker(classificationCallSite, failureThreshold, recoveryTimeout, pool)

	store, err := recordstore.NewStore(filepath.Join(cfg.Workspace, "memories"), cfg.Store.MaxVersionsPerRecord)
	if err != nil {
		return nil, memerr.Wrap(memerr.StoreError, "open record store", err)
	}

	var embedEngine embedding.EmbeddingEngine
	if cfg.Embedding.Provider != "" {
		engineCfg := embedding.Config{
			Provider:       cfg.Embedding.Provider,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			OllamaModel:    cfg.Embedding.OllamaModel,
			GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
			GenAIModel:     cfg.Embedding.GenAIModel,
			// Construction-time default only; embedWithTaskType (cache.go)
			// overrides this per call with GetOptimalTaskType (§4.2).
			TaskType: "SEMANTIC_SIMILARITY",
		}
		embedEngine, err = embedding.NewEngine(engineCfg)
		if err != nil {
			logging.OrchestratorWarn("embedding engine unavailable, running lexical-only: %v", err)
			embedEngine = nil
		}
	}
	modelTag := cfg.Embedding.Provider + ":" + cfg.Embedding.OllamaModel
	if cfg.Embedding.Provider == "genai" {
		modelTag = cfg.Embedding.Provider + ":" + cfg.Embedding.GenAIModel
	}
	embedCache := embedding.NewCache(embedEngine, embedBreaker, pool, modelTag, cfg.Embedding.CacheBudgetMB, cfg.Embedding.BulkBatchSize)

	vecIndex := vectorindex.New(pool, cfg.Index.Shards, cfg.Index.UseVecExtension)
	lexIndex := lexical.New(cfg.Lexical.K1, cfg.Lexical.B, cfg.Lexical.MinTokenLength)

	rebuildIndexesFromStore(store, lexIndex)

	meta := &storeMetaLookup{store: store}
	rank := ranker.New(
		vecIndex,
		lexIndex,
		meta,
		cfg.Ranker.CandidatePoolMultiplier,
		cfg.Ranker.RecencyHalfLifeDays,
		parseDurationOr(cfg.Ranker.ResultCacheTTL, 24*time.Hour),
	)
	rank.SetEmbeddingOpenProbe(embedBreaker.IsOpen)

	var classifier dedup.Classifier
	if cfg.Dedup.ModelProvider == "genai" && cfg.Dedup.GenAIAPIKey != "" {
		c, err := dedup.NewGenAIClassifier(cfg.Dedup.GenAIAPIKey, cfg.Dedup.Model)
		if err != nil {
			logging.OrchestratorWarn("classification model unavailable, dedup stage 4 will always degrade: %v", err)
		} else {
			classifier = c
		}
	}
	dedupPipe := dedup.New(store, lexIndex, vecIndex, store, classifier, classifyBreaker, cfg.Dedup)

	sched := scheduler.New(pool, bus, cfg.Scheduler)

	e := &Engine{
		cfg:             cfg,
		pool:            pool,
		bus:             bus,
		store:           store,
		embedCache:      embedCache,
		vecIndex:        vecIndex,
		lexIndex:        lexIndex,
		rank:            rank,
		sched:           sched,
		dedupPipe:       dedupPipe,
		embedBreaker:    embedBreaker,
		extractBreaker:  extractBreaker,
		classifyBreaker: classifyBreaker,
		done:            make(chan struct{}),
	}

	var extractor ingest.Extractor
	if cfg.Dedup.ModelProvider == "genai" && cfg.Dedup.GenAIAPIKey != "" {
		x, err := ingest.NewGenAIExtractor(cfg.Dedup.GenAIAPIKey, cfg.Dedup.Model)
		if err != nil {
			logging.OrchestratorWarn("extraction model unavailable, ingestion will defer every transcript: %v", err)
		} else {
			extractor = x
		}
	}
	e.ingestPipe = ingest.New(ingest.Deps{
		Store:          store,
		Dedup:          dedupPipe,
		Scheduler:      sched,
		EmbedCache:     embedCache,
		VectorIndex:    vecIndex,
		LexicalIndex:   lexIndex,
		Bus:            bus,
		Pool:           pool,
		Extractor:      extractor,
		ExtractBreaker: extractBreaker,
		Invalidate:     rank.Invalidate,
	}, cfg.Ingest)

	e.events = bus.Subscribe()
	go e.watchEvents()

	logging.Orchestrator("engine initialized at workspace %s", cfg.Workspace)
	return e, nil
}

// Start launches the ingestion worker pool and the scheduler's background
// due-scan.
func (e *Engine) Start() {
	e.ingestPipe.Start()
	e.sched.Start()
}

// Close stops background workers and releases the embedded relational
// store's handle.
func (e *Engine) Close() error {
	e.ingestPipe.Stop()
	e.sched.Stop()
	close(e.done)
	return e.pool.Close()
}

// Ingest submits t for asynchronous extraction and storage. It never
// blocks: a full queue returns QueueFull.
func (e *Engine) Ingest(t ingest.Transcript) error {
	return e.ingestPipe.Submit(t)
}

// Save runs content through the dedup filter and writes it synchronously,
// for callers that already have a discrete memory in hand (as opposed to a
// transcript the ingestion pipeline must extract candidates from).
func (e *Engine) Save(ctx context.Context, content string, meta SaveMetadata) (Outcome, error) {
	if err := recordstore.ValidateContent(content); err != nil {
		return Outcome{}, err
	}
	hash := recordstore.ContentHash(content)

	var vec []float32
	if e.embedCache != nil {
		v, err := e.embedCache.GetOrCompute(ctx, hash, content, false)
		if err != nil {
			logging.OrchestratorWarn("embedding unavailable for direct save, dedup degrades to lexical-only: %v", err)
		} else {
			vec = v
		}
	}

	allow := func(id string) bool {
		if meta.Project == "" {
			return true
		}
		rec, err := e.store.Get(id)
		return err == nil && rec.Project == meta.Project
	}

	outcome, err := e.dedupPipe.Evaluate(ctx, hash, content, vec, allow)
	if err != nil {
		return Outcome{}, err
	}

	switch outcome.Kind {
	case dedup.OutcomeDuplicate:
		return Outcome{Kind: dedup.OutcomeDuplicate, ID: outcome.NeighborID}, nil

	case dedup.OutcomeUpdate:
		current, err := e.store.Get(outcome.NeighborID)
		if err != nil {
			return Outcome{}, err
		}
		if _, err := e.store.Update(outcome.NeighborID, current.Version, recordstore.ReasonDedupMerge, recordstore.Patch{Content: &content}); err != nil {
			return Outcome{}, err
		}
		e.indexAndSchedule(ctx, outcome.NeighborID, meta.Project, content, vec)
		e.publish(resilience.Event{Kind: resilience.MemoryUpdated, ID: outcome.NeighborID, Project: meta.Project})
		e.rank.Invalidate(meta.Project)
		return Outcome{Kind: dedup.OutcomeUpdate, ID: outcome.NeighborID}, nil

	case dedup.OutcomeConflict:
		id, err := e.store.Put(content, meta.Tags, meta.Salience, 0.5, meta.Project, meta.OriginSession)
		if err != nil {
			return Outcome{}, err
		}
		e.indexAndSchedule(ctx, id, meta.Project, content, vec)
		e.bumpContradiction(outcome.NeighborID)
		e.publish(resilience.Event{Kind: resilience.MemorySaved, ID: id, Project: meta.Project, Extra: map[string]interface{}{"content_hash": hash}})
		e.publish(resilience.Event{Kind: resilience.Contradiction, ID: id, Project: meta.Project, Extra: map[string]interface{}{"other_id": outcome.NeighborID}})
		e.rank.Invalidate(meta.Project)
		return Outcome{Kind: dedup.OutcomeConflict, ID: id}, nil

	default: // OutcomeNew
		id, err := e.store.Put(content, meta.Tags, meta.Salience, 0.5, meta.Project, meta.OriginSession)
		if err != nil {
			return Outcome{}, err
		}
		e.indexAndSchedule(ctx, id, meta.Project, content, vec)
		e.publish(resilience.Event{Kind: resilience.MemorySaved, ID: id, Project: meta.Project, Extra: map[string]interface{}{"content_hash": hash}})
		e.rank.Invalidate(meta.Project)
		return Outcome{Kind: dedup.OutcomeNew, ID: id}, nil
	}
}

// Search embeds query (when an embedding engine is configured), fuses the
// semantic and lexical candidate pools per opts, and hydrates the ranked ids
// back into full records.
func (e *Engine) Search(ctx context.Context, query string, k int, opts ranker.Options) ([]*recordstore.Record, bool, error) {
	var queryVec []float32
	if e.embedCache != nil && query != "" {
		v, err := e.embedCache.GetOrCompute(ctx, recordstore.ContentHash(query), query, true)
		if err != nil {
			logging.OrchestratorWarn("query embedding unavailable, search degrades to lexical-only: %v", err)
		} else {
			queryVec = v
		}
	}

	resp, err := e.rank.Search(ctx, query, queryVec, k, opts)
	if err != nil {
		return nil, false, err
	}

	records := make([]*recordstore.Record, 0, len(resp.Results))
	for _, r := range resp.Results {
		rec, err := e.store.Get(r.ID)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, resp.Degraded, nil
}

// Get resolves id to its current record.
func (e *Engine) Get(id string) (*recordstore.Record, error) {
	return e.store.Get(id)
}

// Review records a spaced-repetition grade for id, scoped to project.
func (e *Engine) Review(ctx context.Context, id, project string, grade scheduler.Grade) (scheduler.Entry, error) {
	return e.sched.RecordReview(ctx, id, project, grade)
}

// Archive marks id archived with reason, removing it from future searches
// unless IncludeArchived is set.
func (e *Engine) Archive(ctx context.Context, id, reason string) error {
	if err := e.store.Archive(id, reason); err != nil {
		return err
	}
	e.vecIndex.Delete(id)
	e.lexIndex.Delete(id)
	rec, err := e.store.Get(id)
	project := ""
	if err == nil {
		project = rec.Project
	}
	e.publish(resilience.Event{Kind: resilience.MemoryArchived, ID: id, Project: project})
	e.rank.Invalidate(project)
	return nil
}

// Maintain runs the periodic maintenance sweep: nothing here blocks
// ingestion or search, so it is safe to run concurrently with normal
// traffic. It returns early if ctx is cancelled between phases.
func (e *Engine) Maintain(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "Maintain")
	defer timer.Stop()

	phases := []func(context.Context) error{
		e.maintainPrecompute,
		e.maintainCompaction,
	}
	for _, phase := range phases {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := phase(ctx); err != nil {
			return err
		}
	}
	if e.bus != nil {
		e.bus.Publish(resilience.Event{Kind: resilience.MaintenanceTick})
	}
	return nil
}

// maintainPrecompute batches embeddings for any record the cache has not
// yet seen, so a cold cache or a provider outage does not leave records
// permanently lexical-only.
func (e *Engine) maintainPrecompute(ctx context.Context) error {
	if e.embedCache == nil {
		return nil
	}
	pending := make(map[string]string)
	for rec := range e.store.List(recordstore.ListFilter{IncludeArchived: false}) {
		if _, ok := e.vecIndex.Get(rec.ID); ok {
			continue
		}
		pending[rec.ContentHash] = rec.Content
		if len(pending) >= e.cfg.Embedding.BulkBatchSize*4 {
			break
		}
	}
	if len(pending) == 0 {
		return nil
	}
	vecs, err := e.embedCache.BulkPrecompute(ctx, pending)
	if err != nil {
		logging.OrchestratorWarn("maintenance precompute batch failed: %v", err)
		return nil
	}
	for rec := range e.store.List(recordstore.ListFilter{IncludeArchived: false}) {
		if vec, ok := vecs[rec.ContentHash]; ok {
			if err := e.vecIndex.Upsert(rec.ID, vec); err != nil {
				logging.OrchestratorWarn("maintenance vector upsert failed for %s: %v", rec.ID, err)
			}
		}
	}
	return nil
}

// maintainCompaction verifies the embedded relational store's integrity. It
// does not prune version chains; the record store prunes those on each
// Update.
func (e *Engine) maintainCompaction(ctx context.Context) error {
	if err := e.pool.IntegrityCheck(ctx); err != nil {
		logging.OrchestratorError("integrity check failed during maintenance: %v", err)
		return err
	}
	return nil
}

func (e *Engine) indexAndSchedule(ctx context.Context, id, project, content string, vec []float32) {
	if e.vecIndex != nil && len(vec) > 0 {
		if err := e.vecIndex.Upsert(id, vec); err != nil {
			logging.OrchestratorWarn("vector index upsert failed for %s: %v", id, err)
		}
	}
	if e.lexIndex != nil {
		e.lexIndex.Upsert(id, content)
	}
	if e.sched != nil {
		if err := e.sched.Register(ctx, id, project); err != nil {
			logging.OrchestratorWarn("schedule registration failed for %s: %v", id, err)
		}
	}
}

func (e *Engine) bumpContradiction(olderID string) {
	older, err := e.store.Get(olderID)
	if err != nil {
		return
	}
	contradictions := older.Contradictions + 1
	confidence := dedup.ComputeConfidence(older.Confirmations, contradictions)
	_, _ = e.store.Update(olderID, older.Version, recordstore.ReasonContradictionResolved, recordstore.Patch{
		Contradictions: &contradictions,
		Confidence:     &confidence,
	})
}

func (e *Engine) publish(ev resilience.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// watchEvents subscribes to the bus for the one cross-component reaction the
// façade itself is responsible for: when the scheduler promotes a record
// (§4.6), the store's project scope is cleared so the memory becomes
// visible across every project, not just the one it was learned under.
func (e *Engine) watchEvents() {
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			if ev.Kind != resilience.Promoted {
				continue
			}
			e.applyPromotion(ev.ID)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) applyPromotion(id string) {
	rec, err := e.store.Get(id)
	if err != nil || rec.Project == "" {
		return
	}
	global := ""
	if _, err := e.store.Update(rec.ID, rec.Version, recordstore.ReasonPromotion, recordstore.Patch{Project: &global}); err != nil {
		logging.OrchestratorWarn("failed to apply promotion scope change for %s: %v", id, err)
		return
	}
	e.rank.Invalidate(rec.Project)
	logging.Orchestrator("record %s promoted to global scope (was project=%s)", id, rec.Project)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func rebuildIndexesFromStore(store *recordstore.Store, lexIndex *lexical.Index) {
	count := 0
	for rec := range store.List(recordstore.ListFilter{IncludeArchived: true}) {
		lexIndex.Upsert(rec.ID, rec.Content)
		count++
	}
	logging.Orchestrator("lexical index rebuilt from store: %d records", count)
}
