// Package memerr defines the typed error taxonomy shared by every component
// of the memory engine. Components wrap underlying causes with fmt.Errorf's
// %w verb; callers distinguish kinds with errors.Is/errors.As against the
// sentinel Kind values below, never by matching error strings.
package memerr

import (
	"errors"
	"fmt"
)

// Kind is a user-facing error category. Every error the engine returns to an
// external caller satisfies errors.Is(err, someKind).
type Kind string

const (
	// InvalidInput covers malformed options, unknown ordering modes, and
	// content exceeding the size limit.
	InvalidInput Kind = "invalid_input"
	// NotFound means the requested id does not exist.
	NotFound Kind = "not_found"
	// StaleWrite means an optimistic-concurrency update lost a race; the
	// caller observed a version other than the one it patched.
	StaleWrite Kind = "stale_write"
	// Corrupt means a record file failed to parse; the file has been
	// quarantined.
	Corrupt Kind = "corrupt"
	// QueueFull means the ingestion queue rejected a transcript under
	// backpressure.
	QueueFull Kind = "queue_full"
	// EmbeddingUnavailable means the embedding circuit is open and the
	// caller explicitly required semantic search.
	EmbeddingUnavailable Kind = "embedding_unavailable"
	// ModelUnavailable means the extraction or classification circuit is
	// open; the triggering work item is deferred.
	ModelUnavailable Kind = "model_unavailable"
	// StoreError wraps an underlying I/O failure from the durable store.
	StoreError Kind = "store_error"
	// IntegrityFailure means the startup or scheduled integrity check
	// failed; the process must refuse to serve until restored.
	IntegrityFailure Kind = "integrity_failure"
)

// Error is a typed error carrying a Kind, a human message, and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, SomeKind) work by comparing against a bare Kind
// sentinel as well as against other *Error values of the same Kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Error lets a bare Kind itself satisfy the error interface, so sentinel
// comparisons like `errors.Is(err, memerr.NotFound)` work without needing a
// wrapping *Error on the target side.
func (k Kind) Error() string { return string(k) }

// New constructs an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Of reports the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
