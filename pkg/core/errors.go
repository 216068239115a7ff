// Package core provides the Engram engine: dual-mode memory ingestion and
// context retrieval for LLM applications.
package core

import (
	"errors"
	"fmt"

	"github.com/engramlabs/engram-go/pkg/agents"
	"github.com/engramlabs/engram-go/pkg/storage"
)

// Predefined errors for common failure scenarios. The agent and storage
// sentinels are re-exported here so callers only need one import to match
// them with errors.Is.
var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates the engine has already been closed.
	ErrClosed = errors.New("engine closed")

	// ErrNotFound indicates that a requested turn or record was not found.
	ErrNotFound = storage.ErrNotFound

	// ErrStorageUnavailable indicates the storage backend is unreachable.
	ErrStorageUnavailable = storage.ErrUnavailable

	// ErrExtractionUnavailable indicates a transient LLM failure during
	// extraction; the ingest worker retries with backoff.
	ErrExtractionUnavailable = agents.ErrExtractionUnavailable

	// ErrMalformedExtraction indicates unparseable LLM extraction output;
	// the turn's extraction is dropped, not retried.
	ErrMalformedExtraction = agents.ErrMalformedExtraction

	// ErrInvalidQuery indicates a retrieval request with invalid parameters.
	ErrInvalidQuery = agents.ErrInvalidQuery
)

// MemoryError wraps errors with operation context.
//
// It provides additional context about which operation failed,
// making error messages more informative for debugging.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "RecordTurn",
//	    Err: ErrStorageUnavailable,
//	}
//	// Error() returns: "engram: RecordTurn: storage unavailable"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "engram: <Op>: <Err>"
func (e *MemoryError) Error() string {
	return fmt.Sprintf("engram: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with MemoryError.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("RecordTurn", err)
//	}
//
// Parameters:
//   - op: Name of the operation (e.g., "RecordTurn", "Search", "BuildContext")
//   - err: The underlying error to wrap
//
// Returns a MemoryError, or nil if err is nil.
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}
