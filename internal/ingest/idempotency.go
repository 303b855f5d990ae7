package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"memoria/internal/memerr"
	"memoria/internal/resilience"
)

// idempotencyCache wraps the pool's idempotency_cache table: a transcript
// resubmitted under the same originator id within the configured window
// skips extraction entirely and reuses the first run's candidates.
type idempotencyCache struct {
	pool   *resilience.Pool
	window time.Duration
}

// lookup returns the cached candidates for originatorID if they were
// stored within the idempotency window, and ok=false otherwise (either no
// entry, or the entry is stale).
func (c *idempotencyCache) lookup(ctx context.Context, originatorID string) ([]Candidate, bool, error) {
	if originatorID == "" {
		return nil, false, nil
	}
	var (
		payload     string
		createdAtMs int64
		found       bool
	)
	err := c.pool.WithConn(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT result_json, created_at_ms FROM idempotency_cache WHERE originator_id = ?`, originatorID)
		if err := row.Scan(&payload, &createdAtMs); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return memerr.Wrap(memerr.StoreError, "load idempotency cache entry", err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}

	age := time.Since(time.UnixMilli(createdAtMs))
	if age > c.window {
		return nil, false, nil
	}

	var candidates []Candidate
	if err := json.Unmarshal([]byte(payload), &candidates); err != nil {
		return nil, false, memerr.Wrap(memerr.StoreError, "decode cached extraction result", err)
	}
	return candidates, true, nil
}

// store records originatorID's extraction result so a resubmit within the
// window can skip extraction.
func (c *idempotencyCache) store(ctx context.Context, originatorID string, candidates []Candidate) error {
	if originatorID == "" {
		return nil
	}
	payload, err := json.Marshal(candidates)
	if err != nil {
		return memerr.Wrap(memerr.StoreError, "encode extraction result", err)
	}
	return c.pool.WithConn(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO idempotency_cache (originator_id, result_json, created_at_ms)
			VALUES (?, ?, ?)
			ON CONFLICT(originator_id) DO UPDATE SET
				result_json = excluded.result_json,
				created_at_ms = excluded.created_at_ms
		`, originatorID, string(payload), time.Now().UnixMilli())
		if err != nil {
			return memerr.Wrap(memerr.StoreError, "store idempotency cache entry", err)
		}
		return nil
	})
}
