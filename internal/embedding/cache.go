package embedding

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"memoria/internal/logging"
	"memoria/internal/memerr"
	"memoria/internal/resilience"
)

// Cache maps content-hash to a dense, L2-normalized embedding vector (C2).
// It is the only component permitted to invoke the external embedding
// model: Get only reads, while a GetOrCompute miss synchronously calls the
// wrapped engine through a circuit breaker, and a caller that cannot
// tolerate that latency uses BulkPrecompute ahead of time instead. Entries are keyed by content-hash,
// not by record id, so two records with identical content share one
// vector. Once written under a model tag, bytes never change; upgrading
// models requires a rebuild under the new tag.
type Cache struct {
	engine   EmbeddingEngine
	breaker  *resilience.Breaker
	pool     *resilience.Pool
	modelTag string
	batch    int

	mu     sync.RWMutex
	lru    map[string][]float32 // in-process front, keyed by content-hash
	order  []string             // crude LRU eviction order
	budget int                  // max entries held in the in-process front
}

// NewCache constructs a Cache. budgetMB bounds the in-process LRU front
// (per the §4.2 150 MiB-at-10^5-records sizing note, assuming 384-dim
// float32 vectors); 0 or negative uses a 150 MiB default. batchSize
// defaults to 100 when <= 0.
func NewCache(engine EmbeddingEngine, breaker *resilience.Breaker, pool *resilience.Pool, modelTag string, budgetMB, batchSize int) *Cache {
	if budgetMB <= 0 {
		budgetMB = 150
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	dim := 384
	if engine != nil {
		if d := engine.Dimensions(); d > 0 {
			dim = d
		}
	}
	bytesPerEntry := dim*4 + 64
	budgetEntries := (budgetMB * 1024 * 1024) / bytesPerEntry
	if budgetEntries <= 0 {
		budgetEntries = 1
	}
	return &Cache{
		engine:   engine,
		breaker:  breaker,
		pool:     pool,
		modelTag: modelTag,
		batch:    batchSize,
		lru:      make(map[string][]float32),
		budget:   budgetEntries,
	}
}

// Get returns the cached vector for hash, reading through the in-process
// LRU front then the embedded relational store. A false second return
// means the hash has never been written under this cache's model tag.
func (c *Cache) Get(ctx context.Context, hash string) ([]float32, bool) {
	if vec, ok := c.getFront(hash); ok {
		return vec, true
	}
	if c.pool == nil {
		return nil, false
	}
	var blob []byte
	err := c.pool.WithConn(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT vector_blob FROM embedding_cache WHERE content_hash = ? AND model_tag = ?`, hash, c.modelTag)
		return row.Scan(&blob)
	})
	if err != nil {
		return nil, false
	}
	vec := decodeVector(blob)
	c.putFront(hash, vec)
	return vec, true
}

// Put writes vec (L2-normalized at write time) under hash and this cache's
// model tag, persisting it to the embedded relational store and promoting
// it into the in-process front.
func (c *Cache) Put(ctx context.Context, hash string, vec []float32) error {
	normalized := l2Normalize(vec)
	c.putFront(hash, normalized)
	if c.pool == nil {
		return nil
	}
	blob := encodeVector(normalized)
	return c.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO embedding_cache (content_hash, model_tag, vector_blob, created_at_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(content_hash, model_tag) DO NOTHING
		`, hash, c.modelTag, blob, time.Now().UTC().UnixMilli())
		if err != nil {
			return memerr.Wrap(memerr.StoreError, "persist embedding cache entry", err)
		}
		return nil
	})
}

// GetOrCompute returns the cached vector for (hash, text), computing and
// storing it on a miss by calling the wrapped engine through the circuit
// breaker. If the circuit is open, it returns EmbeddingUnavailable so the
// caller can fall back to lexical-only retrieval (§4.5). isQuery is true
// only for text passed to Search; it selects RETRIEVAL_QUERY over the
// document-shaped task type a stored memory gets (§4.2), on engines that
// support per-call task types.
func (c *Cache) GetOrCompute(ctx context.Context, hash, text string, isQuery bool) ([]float32, error) {
	if vec, ok := c.Get(ctx, hash); ok {
		return vec, nil
	}
	if c.engine == nil {
		return nil, memerr.New(memerr.EmbeddingUnavailable, "no embedding engine configured")
	}

	var (
		vec     []float32
		callErr error
	)
	call := func() error {
		v, err := embedWithTaskType(ctx, c.engine, text, isQuery)
		if err != nil {
			return err
		}
		vec = v
		return nil
	}
	fallback := func() error {
		callErr = memerr.New(memerr.EmbeddingUnavailable, "embedding circuit open")
		return nil
	}

	if c.breaker != nil {
		_ = c.breaker.Call(call, fallback)
	} else if err := call(); err != nil {
		return nil, memerr.Wrap(memerr.EmbeddingUnavailable, "embedding call failed", err)
	}
	if callErr != nil {
		return nil, callErr
	}

	normalized := l2Normalize(vec)
	if err := c.Put(ctx, hash, normalized); err != nil {
		logging.EmbeddingWarn("failed to persist embedding cache entry for %s: %v", hash, err)
	}
	return normalized, nil
}

// BulkPrecompute computes and stores embeddings for every (hash, text) pair
// in texts that isn't already cached, batching calls to the engine in
// groups of c.batch. It is the only ingress used by the nightly precompute
// job. Every text here is stored memory content, never query text, so each
// batch embeds with the document-shaped task type. The circuit breaker
// still gates every batch call; a batch that trips the breaker is skipped
// (its hashes remain uncached) rather than aborting the whole run.
func (c *Cache) BulkPrecompute(ctx context.Context, texts map[string]string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(texts))
	var pendingHashes, pendingTexts []string
	for hash, text := range texts {
		if vec, ok := c.Get(ctx, hash); ok {
			out[hash] = vec
			continue
		}
		pendingHashes = append(pendingHashes, hash)
		pendingTexts = append(pendingTexts, text)
	}
	if c.engine == nil || len(pendingHashes) == 0 {
		return out, nil
	}

	for start := 0; start < len(pendingHashes); start += c.batch {
		end := start + c.batch
		if end > len(pendingHashes) {
			end = len(pendingHashes)
		}
		hashBatch := pendingHashes[start:end]
		textBatch := pendingTexts[start:end]

		var (
			vecs    [][]float32
			callErr error
		)
		call := func() error {
			v, err := embedBatchWithTaskType(ctx, c.engine, textBatch)
			if err != nil {
				return err
			}
			vecs = v
			return nil
		}
		fallback := func() error {
			callErr = memerr.New(memerr.EmbeddingUnavailable, "embedding circuit open")
			return nil
		}
		if c.breaker != nil {
			_ = c.breaker.Call(call, fallback)
		} else if err := call(); err != nil {
			logging.EmbeddingWarn("bulk precompute batch failed: %v", err)
			continue
		}
		if callErr != nil {
			logging.EmbeddingWarn("bulk precompute batch skipped, embedding circuit open")
			continue
		}
		if len(vecs) != len(hashBatch) {
			logging.EmbeddingWarn("bulk precompute batch returned %d vectors for %d inputs, dropping batch", len(vecs), len(hashBatch))
			continue
		}
		for i, hash := range hashBatch {
			normalized := l2Normalize(vecs[i])
			if err := c.Put(ctx, hash, normalized); err != nil {
				logging.EmbeddingWarn("failed to persist precomputed embedding for %s: %v", hash, err)
			}
			out[hash] = normalized
		}
	}
	return out, nil
}

// embedWithTaskType routes a single embed call through the engine's
// task-type-aware path when it has one (GenAIEngine does; OllamaEngine
// doesn't), so stored memories and search queries (§4.2) get distinct task
// types instead of one fixed default for everything.
func embedWithTaskType(ctx context.Context, engine EmbeddingEngine, text string, isQuery bool) ([]float32, error) {
	taskAware, ok := engine.(TaskTypeAwareEngine)
	if !ok {
		return engine.Embed(ctx, text)
	}
	return taskAware.EmbedWithTask(ctx, text, GetOptimalTaskType(text, isQuery))
}

// embedBatchWithTaskType is the batch counterpart of embedWithTaskType.
// BulkPrecompute only ever embeds stored memory content, so the whole
// batch shares the document task type rather than classifying per item.
func embedBatchWithTaskType(ctx context.Context, engine EmbeddingEngine, texts []string) ([][]float32, error) {
	batchAware, ok := engine.(TaskTypeBatchAwareEngine)
	if !ok {
		return engine.EmbedBatch(ctx, texts)
	}
	return batchAware.EmbedBatchWithTask(ctx, texts, "RETRIEVAL_DOCUMENT")
}

func (c *Cache) getFront(hash string) ([]float32, bool) {
	c.mu.RLock()
	vec, ok := c.lru[hash]
	c.mu.RUnlock()
	return vec, ok
}

func (c *Cache) putFront(hash string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.lru[hash]; !exists {
		c.order = append(c.order, hash)
	}
	c.lru[hash] = vec
	for len(c.order) > c.budget {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.lru, oldest)
	}
}

// l2Normalize scales vec to unit length. A zero vector is returned
// unchanged (there is no direction to normalize to).
func l2Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return vec
	}
	norm := math.Sqrt(sumSquares)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
