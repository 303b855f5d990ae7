// Package resilience provides the connection pool, circuit breaker, atomic
// file I/O, and event bus substrate shared by every other component: the
// embedded relational store that backs the scheduler, dedup history,
// circuit state, event log, and ingest queue, and the crash-safe primitives
// the record store builds on.
package resilience

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"memoria/internal/logging"
)

// Pool wraps a single *sql.DB configured for the embedded relational store
// (schedule, review_log, circuit_state, event_log, ingest_queue) with a
// fixed-size logical-connection semaphore on top of it. database/sql
// already pools physical connections; the semaphore enforces the explicit
// acquire-timeout-plus-backoff discipline the design calls for at the
// logical-transaction level.
type Pool struct {
	db     *sql.DB
	path   string
	size   int
	slots  chan struct{}
	acquireTimeout time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Path            string
	Size            int
	AcquireTimeout  time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

// NewPool opens the SQLite database at cfg.Path, applies the WAL/foreign-key
// pragmas, runs schema migrations, and runs a startup integrity check.
func NewPool(cfg PoolConfig) (*Pool, error) {
	timer := logging.StartTimer(logging.CategoryResilience, "NewPool")
	defer timer.Stop()

	if cfg.Size <= 0 {
		cfg.Size = 5
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 50 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(cfg.Size)
	db.SetMaxIdleConns(cfg.Size)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryResilience).Warn("failed to apply %q: %v", pragma, err)
		}
	}

	slots := make(chan struct{}, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		slots <- struct{}{}
	}

	p := &Pool{
		db:             db,
		path:           cfg.Path,
		size:           cfg.Size,
		slots:          slots,
		acquireTimeout: cfg.AcquireTimeout,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
	}

	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if err := p.IntegrityCheck(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return p, nil
}

// DB returns the underlying *sql.DB for direct query use once a logical
// slot has been acquired.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Acquire reserves one of the pool's fixed logical slots, polling with
// exponential backoff until cfg.AcquireTimeout elapses or ctx is done.
// Release must be called exactly once for each successful Acquire.
func (p *Pool) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(p.acquireTimeout)
	backoff := p.backoffInitial

	for {
		select {
		case <-p.slots:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire connection: %w", ctx.Err())
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("acquire connection: timed out after %s", p.acquireTimeout)
		}

		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire connection: %w", ctx.Err())
		case <-timer.C:
		}
		if backoff < p.backoffMax {
			backoff *= 2
			if backoff > p.backoffMax {
				backoff = p.backoffMax
			}
		}
	}
}

// Release returns a logical slot acquired by Acquire.
func (p *Pool) Release() {
	select {
	case p.slots <- struct{}{}:
	default:
		// slots already full; a double-release. Nothing to do but avoid
		// blocking or panicking.
	}
}

// WithConn acquires a slot, runs fn, and releases the slot regardless of
// fn's outcome.
func (p *Pool) WithConn(ctx context.Context, fn func(*sql.DB) error) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	defer p.Release()
	return fn(p.db)
}

// IntegrityCheck runs PRAGMA integrity_check. A non-"ok" result is surfaced
// as an IntegrityFailure-class error by the caller; this method itself just
// reports pass/fail.
func (p *Pool) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := p.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		logging.Get(logging.CategoryResilience).Error("integrity check failed: %s", result)
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Close closes the underlying database handle.
func (p *Pool) Close() error {
	return p.db.Close()
}

func (p *Pool) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedule (
		id TEXT PRIMARY KEY,
		stability REAL NOT NULL,
		difficulty REAL NOT NULL,
		last_review_ms INTEGER NOT NULL DEFAULT 0,
		next_review_ms INTEGER NOT NULL DEFAULT 0,
		review_count INTEGER NOT NULL DEFAULT 0,
		promoted INTEGER NOT NULL DEFAULT 0,
		projects_validated_json TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_schedule_promoted_next ON schedule(promoted, next_review_ms);

	CREATE TABLE IF NOT EXISTS review_log (
		id TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		grade TEXT NOT NULL,
		FOREIGN KEY(id) REFERENCES schedule(id)
	);
	CREATE INDEX IF NOT EXISTS idx_review_log_id_ts ON review_log(id, ts_ms DESC);

	CREATE TABLE IF NOT EXISTS circuit_state (
		name TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0,
		opened_at_ms INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS event_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_ms INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ingest_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_ms INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS idempotency_cache (
		originator_id TEXT PRIMARY KEY,
		result_json TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS embedding_cache (
		content_hash TEXT NOT NULL,
		model_tag TEXT NOT NULL,
		vector_blob BLOB NOT NULL,
		created_at_ms INTEGER NOT NULL,
		PRIMARY KEY (content_hash, model_tag)
	);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadCircuitState implements Breaker's StateStore interface.
func (p *Pool) LoadCircuitState(name string) (CircuitState, bool, error) {
	var cs CircuitState
	var state string
	row := p.db.QueryRow(`SELECT name, state, failure_count, opened_at_ms, updated_at_ms FROM circuit_state WHERE name = ?`, name)
	if err := row.Scan(&cs.Name, &state, &cs.FailureCount, &cs.OpenedAtMillis, &cs.UpdatedAtMillis); err != nil {
		if err == sql.ErrNoRows {
			return CircuitState{}, false, nil
		}
		return CircuitState{}, false, fmt.Errorf("load circuit state %s: %w", name, err)
	}
	cs.State = State(state)
	return cs, true, nil
}

// SaveCircuitState implements Breaker's StateStore interface.
func (p *Pool) SaveCircuitState(cs CircuitState) error {
	_, err := p.db.Exec(`
		INSERT INTO circuit_state (name, state, failure_count, opened_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			opened_at_ms = excluded.opened_at_ms,
			updated_at_ms = excluded.updated_at_ms
	`, cs.Name, string(cs.State), cs.FailureCount, cs.OpenedAtMillis, cs.UpdatedAtMillis)
	if err != nil {
		return fmt.Errorf("save circuit state %s: %w", cs.Name, err)
	}
	return nil
}
