package core_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/pkg/core"
	"github.com/engramlabs/engram-go/pkg/llm"
	"github.com/engramlabs/engram-go/pkg/storage"
	sqliteStore "github.com/engramlabs/engram-go/pkg/storage/sqlite"
)

// fakeLLM returns a scripted response (or error) for every call.
type fakeLLM struct {
	mu       sync.Mutex
	response string
	err      error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return f.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

func (f *fakeLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.response, f.err
}

func (f *fakeLLM) Close() error { return nil }

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath: filepath.Join(t.TempDir(), "engine_test.db"),
	})
	require.NoError(t, err)
	return store
}

func newTestEngine(t *testing.T, store storage.Store, provider llm.Provider, modes core.ModesConfig) *core.Engine {
	t.Helper()
	engine, err := core.NewEngineWithBackends(store, provider, &core.Config{Modes: modes})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

const extractionResponse = `{"memories": [
	{"content": "Works at Acme as a data engineer", "category": "fact", "entities": {"company": "Acme"}, "confidence": 0.85},
	{"content": "Prefers PostgreSQL for analytics workloads", "category": "preference", "entities": {"tool": "PostgreSQL"}, "confidence": 0.8},
	{"content": "Always reply in English", "category": "rule", "entities": {}, "confidence": 0.9}
]}`

func recordSeedTurn(t *testing.T, engine *core.Engine, namespace string) {
	t.Helper()
	_, err := engine.RecordTurn(context.Background(), &core.TurnInput{
		Namespace:   namespace,
		UserInput:   "I'm a data engineer at Acme, I prefer PostgreSQL. Always reply in English.",
		ModelOutput: "Got it!",
	}, core.WithSyncExtraction())
	require.NoError(t, err)
}

func TestEngine_RecordAndSearch(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	engine := newTestEngine(t, newTestStore(t), provider, core.ModesConfig{Auto: true})

	recordSeedTurn(t, engine, "u1")

	results, err := engine.Search(context.Background(), "u1", "postgresql analytics", core.WithLimit(3))
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "Prefers PostgreSQL for analytics workloads", results[0].Record.Content)
}

func TestEngine_BuildContext_BothModesOff(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	engine := newTestEngine(t, newTestStore(t), provider, core.ModesConfig{})

	recordSeedTurn(t, engine, "u1")

	block, err := engine.BuildContext(context.Background(), "u1", core.NewSessionID(), "postgresql")
	require.NoError(t, err)
	assert.True(t, block.Empty())
	assert.False(t, block.Degraded)
}

func TestEngine_BuildContext_OneShotConsciousInjection(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	engine := newTestEngine(t, newTestStore(t), provider, core.ModesConfig{Conscious: true})

	recordSeedTurn(t, engine, "u1")
	require.NoError(t, engine.TriggerConsolidation(context.Background(), "u1"))

	session := core.NewSessionID()

	first, err := engine.BuildContext(context.Background(), "u1", session, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.Entries)
	for _, entry := range first.Entries {
		assert.Equal(t, core.SourceConscious, entry.Source)
	}

	// Same session: the set is already consumed.
	second, err := engine.BuildContext(context.Background(), "u1", session, "")
	require.NoError(t, err)
	assert.True(t, second.Empty())

	// A fresh session gets the set again.
	third, err := engine.BuildContext(context.Background(), "u1", core.NewSessionID(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, third.Entries)
}

func TestEngine_BuildContext_DedupesAcrossModes(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	engine := newTestEngine(t, newTestStore(t), provider, core.ModesConfig{Conscious: true, Auto: true})

	recordSeedTurn(t, engine, "u1")
	require.NoError(t, engine.TriggerConsolidation(context.Background(), "u1"))

	block, err := engine.BuildContext(context.Background(), "u1", core.NewSessionID(), "postgresql analytics")
	require.NoError(t, err)
	require.NotEmpty(t, block.Entries)

	seen := make(map[int64]int)
	for _, entry := range block.Entries {
		seen[entry.Record.ID]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "record %d appeared %d times", id, count)
	}

	// Conscious entries come first.
	sawAuto := false
	for _, entry := range block.Entries {
		if entry.Source == core.SourceAuto {
			sawAuto = true
		} else {
			assert.False(t, sawAuto, "conscious entry after an auto entry")
		}
	}
}

func TestEngine_BuildContext_TokenBudgetTruncates(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	engine := newTestEngine(t, newTestStore(t), provider, core.ModesConfig{Auto: true})

	recordSeedTurn(t, engine, "u1")

	block, err := engine.BuildContext(context.Background(), "u1", core.NewSessionID(), "postgresql analytics engineer",
		core.WithTokenBudget(10))
	require.NoError(t, err)
	assert.LessOrEqual(t, block.TokenCount, 10)
}

// failingSearchStore simulates a storage outage on the search path.
type failingSearchStore struct {
	storage.Store
}

func (s *failingSearchStore) Search(ctx context.Context, query *storage.SearchQuery) (*storage.SearchResult, error) {
	return nil, storage.ErrUnavailable
}

func TestEngine_BuildContext_DegradesOnStorageFailure(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	store := &failingSearchStore{Store: newTestStore(t)}
	engine := newTestEngine(t, store, provider, core.ModesConfig{Conscious: true, Auto: true})

	block, err := engine.BuildContext(context.Background(), "u1", core.NewSessionID(), "anything")
	require.NoError(t, err)
	assert.True(t, block.Empty())
	assert.True(t, block.Degraded)
}

func TestEngine_ClearNamespaceDropsEssentialSet(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	engine := newTestEngine(t, newTestStore(t), provider, core.ModesConfig{Conscious: true})

	recordSeedTurn(t, engine, "u1")
	require.NoError(t, engine.TriggerConsolidation(context.Background(), "u1"))

	session := core.NewSessionID()
	first, err := engine.BuildContext(context.Background(), "u1", session, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.Entries)

	require.NoError(t, engine.ClearNamespace(context.Background(), "u1"))

	// The published set is gone with the records: deleted memories must
	// never be injected again, not even from the in-memory snapshot.
	_, ok := engine.EssentialSet("u1")
	assert.False(t, ok)

	empty, err := engine.BuildContext(context.Background(), "u1", core.NewSessionID(), "")
	require.NoError(t, err)
	assert.True(t, empty.Empty())

	// Session state was reset too: after re-ingesting and consolidating,
	// the original session consumes the new set.
	recordSeedTurn(t, engine, "u1")
	require.NoError(t, engine.TriggerConsolidation(context.Background(), "u1"))

	again, err := engine.BuildContext(context.Background(), "u1", session, "")
	require.NoError(t, err)
	assert.NotEmpty(t, again.Entries)
}

func TestEngine_SearchDefaultLimit(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	store := newTestStore(t)
	engine := newTestEngine(t, store, provider, core.ModesConfig{Auto: true})

	for i := int64(1); i <= 8; i++ {
		require.NoError(t, store.InsertRecord(context.Background(), &storage.MemoryRecord{
			ID:         i,
			Namespace:  "u1",
			Category:   storage.CategoryFact,
			Tier:       storage.TierLongTerm,
			Importance: 0.5,
			Content:    "Enjoys hiking in the mountains",
			TurnID:     i,
			CreatedAt:  time.Now(),
		}))
	}

	// Without WithLimit the engine resolves the retrieval default (5).
	results, err := engine.Search(context.Background(), "u1", "hiking")
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestEngine_ClosedEngineRejectsCalls(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	engine, err := core.NewEngineWithBackends(newTestStore(t), provider, &core.Config{Modes: core.ModesConfig{Auto: true}})
	require.NoError(t, err)
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())

	_, err = engine.RecordTurn(context.Background(), &core.TurnInput{Namespace: "u1", UserInput: "hi"})
	assert.ErrorIs(t, err, core.ErrClosed)

	_, err = engine.Search(context.Background(), "u1", "hi")
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestEngine_InvalidSearchLimit(t *testing.T) {
	provider := &fakeLLM{response: extractionResponse}
	engine := newTestEngine(t, newTestStore(t), provider, core.ModesConfig{Auto: true})

	_, err := engine.Search(context.Background(), "u1", "hi", core.WithLimit(-1))
	assert.ErrorIs(t, err, core.ErrInvalidQuery)
}
