// Package vectorindex is the semantic recall tier (C3): an in-memory,
// sharded flat index of record embeddings with brute-force cosine search,
// and an optional sqlite-vec ANN tier when the extension is available.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"

	"memoria/internal/logging"
	"memoria/internal/memerr"
	"memoria/internal/resilience"
)

const defaultShardCount = 16

type shard struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// Index holds one embedding per record and answers k-nearest-neighbor
// queries over them.
type Index struct {
	shards []*shard

	dimMu sync.Mutex
	dim   int

	pool       *resilience.Pool
	vecEnabled bool
}

// New creates an Index with the given number of hash-partitioned shards
// (0 or negative uses a sensible default). If useVecExtension is true and
// pool is non-nil, New probes it for sqlite-vec support and, when
// available, mirrors writes into a vec0 virtual table so Search can use the
// ANN path instead of a brute-force scan.
func New(pool *resilience.Pool, shardCount int, useVecExtension bool) *Index {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	ix := &Index{pool: pool, shards: make([]*shard, shardCount)}
	for i := range ix.shards {
		ix.shards[i] = &shard{vectors: make(map[string][]float32)}
	}
	if useVecExtension && pool != nil {
		ix.vecEnabled = detectVecSupport(pool.DB())
		if ix.vecEnabled {
			if err := ix.ensureVecSchema(); err != nil {
				logging.Get(logging.CategoryVectorIndex).Warn("vec0 schema setup failed, falling back to brute force: %v", err)
				ix.vecEnabled = false
			}
		}
	}
	if ix.vecEnabled {
		logging.VectorIndex("sqlite-vec extension detected and enabled for ANN search")
	} else {
		logging.VectorIndex("sqlite-vec extension not available; using brute-force cosine search")
	}
	return ix
}

// detectVecSupport attempts to create a vec0 virtual table to see whether
// the sqlite-vec extension is loaded into db's driver.
func detectVecSupport(db *sql.DB) bool {
	if db == nil {
		return false
	}
	if _, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])`); err != nil {
		return false
	}
	_, _ = db.Exec(`DROP TABLE IF EXISTS vec_probe`)
	return true
}

func (ix *Index) ensureVecSchema() error {
	db := ix.pool.DB()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS vec_id_map (
		rowid INTEGER PRIMARY KEY,
		record_id TEXT NOT NULL UNIQUE
	)`); err != nil {
		return fmt.Errorf("create vec_id_map: %w", err)
	}
	return nil
}

func (ix *Index) vecTable() string { return "vec_memories" }

func (ix *Index) ensureVecTable(dim int) error {
	db := ix.pool.DB()
	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d] distance_metric=cosine)`, ix.vecTable(), dim)
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("create vec table: %w", err)
	}
	return nil
}

func (ix *Index) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return ix.shards[int(h.Sum32())%len(ix.shards)]
}

// Upsert stores or replaces the embedding for id. All vectors in an Index
// must share the same dimensionality; a mismatched dimension is rejected.
func (ix *Index) Upsert(id string, vec []float32) error {
	if len(vec) == 0 {
		return memerr.New(memerr.InvalidInput, "embedding vector must not be empty")
	}

	ix.dimMu.Lock()
	if ix.dim == 0 {
		ix.dim = len(vec)
	} else if ix.dim != len(vec) {
		ix.dimMu.Unlock()
		return memerr.New(memerr.InvalidInput, fmt.Sprintf("embedding dimension %d does not match index dimension %d", len(vec), ix.dim))
	}
	dim := ix.dim
	ix.dimMu.Unlock()

	s := ix.shardFor(id)
	s.mu.Lock()
	s.vectors[id] = append([]float32(nil), vec...)
	s.mu.Unlock()

	if ix.vecEnabled {
		if err := ix.upsertVec(id, vec, dim); err != nil {
			logging.Get(logging.CategoryVectorIndex).Warn("vec0 mirror write failed for %s, serving from memory only: %v", id, err)
		}
	}
	return nil
}

func (ix *Index) upsertVec(id string, vec []float32, dim int) error {
	if err := ix.ensureVecTable(dim); err != nil {
		return err
	}
	blob, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	db := ix.pool.DB()
	var rowid int64
	err = db.QueryRow(`SELECT rowid FROM vec_id_map WHERE record_id = ?`, id).Scan(&rowid)
	switch {
	case err == sql.ErrNoRows:
		res, err := db.Exec(`INSERT INTO vec_id_map (record_id) VALUES (?)`, id)
		if err != nil {
			return fmt.Errorf("insert id map: %w", err)
		}
		rowid, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted rowid: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup id map: %w", err)
	}

	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (rowid, embedding) VALUES (?, ?)`, ix.vecTable())
	if _, err := db.Exec(stmt, rowid, string(blob)); err != nil {
		return fmt.Errorf("upsert vec row: %w", err)
	}
	return nil
}

// Delete removes id's embedding from the index.
func (ix *Index) Delete(id string) {
	s := ix.shardFor(id)
	s.mu.Lock()
	delete(s.vectors, id)
	s.mu.Unlock()

	if ix.vecEnabled {
		db := ix.pool.DB()
		var rowid int64
		if err := db.QueryRow(`SELECT rowid FROM vec_id_map WHERE record_id = ?`, id).Scan(&rowid); err == nil {
			stmt := fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, ix.vecTable())
			_, _ = db.Exec(stmt, rowid)
			_, _ = db.Exec(`DELETE FROM vec_id_map WHERE rowid = ?`, rowid)
		}
	}
}

// Get returns the embedding stored for id, if any.
func (ix *Index) Get(id string) ([]float32, bool) {
	s := ix.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vectors[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), v...), true
}

// Len reports how many embeddings the index currently holds.
func (ix *Index) Len() int {
	total := 0
	for _, s := range ix.shards {
		s.mu.RLock()
		total += len(s.vectors)
		s.mu.RUnlock()
	}
	return total
}

// Scored pairs a record id with its similarity score against a query.
type Scored struct {
	ID    string
	Score float64
}

// CosineSimilarity returns the cosine similarity of two equal-length
// vectors, or 0 if their lengths differ or either is the zero vector.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Search returns the k nearest neighbors of query by cosine similarity,
// highest score first. allow, if non-nil, filters candidate ids before
// scoring (used for project-scoped search).
func (ix *Index) Search(ctx context.Context, query []float32, k int, allow func(id string) bool) ([]Scored, error) {
	timer := logging.StartTimer(logging.CategoryVectorIndex, "Search")
	defer timer.Stop()

	if k <= 0 {
		return nil, nil
	}
	if len(query) == 0 {
		return nil, memerr.New(memerr.InvalidInput, "query vector must not be empty")
	}

	if ix.vecEnabled {
		results, err := ix.searchVec(ctx, query, k, allow)
		if err == nil {
			return results, nil
		}
		logging.Get(logging.CategoryVectorIndex).Warn("ANN search failed, falling back to brute force: %v", err)
	}
	return ix.searchBruteForce(query, k, allow)
}

func (ix *Index) searchBruteForce(query []float32, k int, allow func(id string) bool) ([]Scored, error) {
	var results []Scored
	for _, s := range ix.shards {
		s.mu.RLock()
		for id, vec := range s.vectors {
			if allow != nil && !allow(id) {
				continue
			}
			results = append(results, Scored{ID: id, Score: CosineSimilarity(query, vec)})
		}
		s.mu.RUnlock()
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (ix *Index) searchVec(ctx context.Context, query []float32, k int, allow func(id string) bool) ([]Scored, error) {
	blob, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal query vector: %w", err)
	}

	// sqlite-vec has no native per-query predicate pushdown for our filter
	// function, so over-fetch candidates and apply allow() in Go.
	fetch := k * 4
	if fetch < k {
		fetch = k
	}

	stmt := fmt.Sprintf(`
		SELECT m.record_id, v.distance
		FROM %s v
		JOIN vec_id_map m ON m.rowid = v.rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, ix.vecTable())

	rows, err := ix.pool.DB().QueryContext(ctx, stmt, string(blob), fetch)
	if err != nil {
		return nil, fmt.Errorf("vec0 query: %w", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("scan vec0 row: %w", err)
		}
		if allow != nil && !allow(id) {
			continue
		}
		results = append(results, Scored{ID: id, Score: 1 - distance})
		if len(results) >= k {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vec0 rows: %w", err)
	}
	return results, nil
}
