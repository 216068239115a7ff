package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/engramlabs/engram-go/pkg/agents"
	"github.com/engramlabs/engram-go/pkg/core"
	"github.com/engramlabs/engram-go/pkg/storage"
)

func TestMemoryError_Format(t *testing.T) {
	err := &core.MemoryError{Op: "RecordTurn", Err: core.ErrStorageUnavailable}
	assert.Equal(t, "engram: RecordTurn: storage unavailable", err.Error())
}

func TestMemoryError_Unwrap(t *testing.T) {
	wrapped := core.NewMemoryError("Search", core.ErrInvalidQuery)
	assert.ErrorIs(t, wrapped, core.ErrInvalidQuery)

	var memErr *core.MemoryError
	assert.ErrorAs(t, wrapped, &memErr)
	assert.Equal(t, "Search", memErr.Op)
}

func TestNewMemoryError_NilPassthrough(t *testing.T) {
	assert.NoError(t, core.NewMemoryError("Anything", nil))
}

func TestSentinelAliases(t *testing.T) {
	// The core package re-exports the agent and storage sentinels, so one
	// import suffices for callers matching error classes.
	assert.ErrorIs(t, core.ErrExtractionUnavailable, agents.ErrExtractionUnavailable)
	assert.ErrorIs(t, core.ErrMalformedExtraction, agents.ErrMalformedExtraction)
	assert.ErrorIs(t, core.ErrInvalidQuery, agents.ErrInvalidQuery)
	assert.ErrorIs(t, core.ErrNotFound, storage.ErrNotFound)
	assert.ErrorIs(t, core.ErrStorageUnavailable, storage.ErrUnavailable)
}

func TestSentinelMatchingThroughWrapping(t *testing.T) {
	err := core.NewMemoryError("BuildContext",
		fmt.Errorf("retrieval failed: %w", storage.ErrUnavailable))
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.False(t, errors.Is(err, core.ErrInvalidQuery))
}
