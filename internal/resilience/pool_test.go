package resilience

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	dir := t.TempDir()
	p, err := NewPool(PoolConfig{
		Path: filepath.Join(dir, "memoria.db"),
		Size: 2,
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewPoolCreatesSchema(t *testing.T) {
	p := newTestPool(t)

	tables := []string{"schedule", "review_log", "circuit_state", "event_log", "ingest_queue", "idempotency_cache", "embedding_cache"}
	for _, table := range tables {
		var name string
		err := p.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %s to exist: %v", table, err)
		}
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctxTimeout); err == nil {
		t.Error("expected third Acquire to block and time out with pool size 2")
	}

	p.Release()
	if err := p.Acquire(ctx); err != nil {
		t.Errorf("expected Acquire to succeed after Release: %v", err)
	}
}

func TestPoolWithConn(t *testing.T) {
	p := newTestPool(t)

	var rowCount int
	err := p.WithConn(context.Background(), func(db *sql.DB) error {
		return db.QueryRow(`SELECT COUNT(*) FROM schedule`).Scan(&rowCount)
	})
	if err != nil {
		t.Fatalf("WithConn failed: %v", err)
	}
	if rowCount != 0 {
		t.Errorf("expected empty schedule table, got %d rows", rowCount)
	}
}

func TestPoolIntegrityCheck(t *testing.T) {
	p := newTestPool(t)
	if err := p.IntegrityCheck(context.Background()); err != nil {
		t.Errorf("expected fresh database to pass integrity check: %v", err)
	}
}

func TestPoolCircuitStateRoundTrip(t *testing.T) {
	p := newTestPool(t)

	cs := CircuitState{Name: "embedding", State: StateOpen, FailureCount: 5, OpenedAtMillis: 1000, UpdatedAtMillis: 2000}
	if err := p.SaveCircuitState(cs); err != nil {
		t.Fatalf("SaveCircuitState failed: %v", err)
	}

	loaded, ok, err := p.LoadCircuitState("embedding")
	if err != nil {
		t.Fatalf("LoadCircuitState failed: %v", err)
	}
	if !ok {
		t.Fatal("expected circuit state to be found")
	}
	if loaded.State != StateOpen || loaded.FailureCount != 5 {
		t.Errorf("unexpected loaded state: %+v", loaded)
	}

	_, ok, err = p.LoadCircuitState("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing circuit")
	}
}
