package resilience

import (
	"sync"
	"time"

	"memoria/internal/logging"
)

// State is a circuit breaker's lifecycle state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CircuitState is the persisted snapshot of a named breaker, matching the
// circuit_state table.
type CircuitState struct {
	Name           string
	State          State
	FailureCount   int
	OpenedAtMillis int64
	UpdatedAtMillis int64
}

// Breaker is a per-call-site circuit breaker. Transitions: closed opens
// after FailureThreshold consecutive failures; open moves to half-open
// after RecoveryTimeout; half-open closes on one success or reopens on any
// failure. State is persisted through a Store so it survives restarts.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	store            StateStore

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
}

// StateStore persists circuit breaker state across restarts.
type StateStore interface {
	LoadCircuitState(name string) (CircuitState, bool, error)
	SaveCircuitState(cs CircuitState) error
}

// NewBreaker constructs a Breaker, restoring prior state from store if
// present.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration, store StateStore) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		store:            store,
		state:            StateClosed,
	}
	if store != nil {
		if cs, ok, err := store.LoadCircuitState(name); err == nil && ok {
			b.state = cs.State
			b.failureCount = cs.FailureCount
			if cs.OpenedAtMillis > 0 {
				b.openedAt = time.UnixMilli(cs.OpenedAtMillis)
			}
		}
	}
	return b
}

// Call invokes f if the breaker is closed, or in half-open probe if the
// recovery timeout has elapsed; otherwise it invokes fallback without
// calling f. A successful f call closes the breaker from half-open; a
// failing f call increments the failure count (opening the breaker past
// threshold) or reopens it from half-open.
func (b *Breaker) Call(f func() error, fallback func() error) error {
	if !b.allow() {
		return fallback()
	}
	err := f()
	b.record(err)
	if err != nil {
		return fallback()
	}
	return nil
}

// allow reports whether f may be invoked right now, transitioning open to
// half-open if the recovery timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			b.persist()
			logging.Get(logging.CategoryResilience).Warn("breaker %s: open -> half_open (recovery timeout elapsed)", b.name)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			logging.Get(logging.CategoryResilience).Warn("breaker %s: %s -> closed (probe succeeded)", b.name, b.state)
		}
		b.state = StateClosed
		b.failureCount = 0
		b.persist()
		return
	}

	b.failureCount++
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		logging.Get(logging.CategoryResilience).Warn("breaker %s: half_open -> open (probe failed)", b.name)
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			logging.Get(logging.CategoryResilience).Warn("breaker %s: closed -> open (%d consecutive failures)", b.name, b.failureCount)
		}
	}
	b.persist()
}

// persist writes the current state via store. Must be called with mu held.
func (b *Breaker) persist() {
	if b.store == nil {
		return
	}
	cs := CircuitState{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		UpdatedAtMillis: time.Now().UnixMilli(),
	}
	if !b.openedAt.IsZero() {
		cs.OpenedAtMillis = b.openedAt.UnixMilli()
	}
	if err := b.store.SaveCircuitState(cs); err != nil {
		logging.Get(logging.CategoryResilience).Warn("breaker %s: failed to persist state: %v", b.name, err)
	}
}

// Snapshot returns the breaker's current state for inspection.
func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := CircuitState{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
	}
	if !b.openedAt.IsZero() {
		cs.OpenedAtMillis = b.openedAt.UnixMilli()
	}
	return cs
}

// IsOpen reports whether the breaker is currently refusing calls (without
// triggering the half-open transition check that Call performs).
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && time.Since(b.openedAt) < b.recoveryTimeout
}
