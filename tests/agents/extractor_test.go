package agents_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/pkg/agents"
	"github.com/engramlabs/engram-go/pkg/llm"
	"github.com/engramlabs/engram-go/pkg/storage"
	sqliteStore "github.com/engramlabs/engram-go/pkg/storage/sqlite"
)

// fakeLLM returns a scripted response (or error) for every call.
type fakeLLM struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return f.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

func (f *fakeLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.response, f.err
}

func (f *fakeLLM) Close() error { return nil }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setupStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath: filepath.Join(t.TempDir(), "agents_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func makeTurn(id int64, namespace, userInput, modelOutput string) *storage.ConversationTurn {
	return &storage.ConversationTurn{
		ID:          id,
		Namespace:   namespace,
		UserInput:   userInput,
		ModelOutput: modelOutput,
		CreatedAt:   time.Now(),
	}
}

func TestExtractor_EmptyTurnSkipsLLM(t *testing.T) {
	store := setupStore(t)
	provider := &fakeLLM{response: `{"memories": []}`}
	extractor := agents.NewExtractor(store, provider, testNode(t), nil)

	records, err := extractor.ProcessTurn(context.Background(), makeTurn(1, "u1", "  ", ""))
	require.NoError(t, err)
	assert.Nil(t, records)
	assert.Equal(t, 0, provider.callCount())
}

func TestExtractor_CategorizesAndTiers(t *testing.T) {
	store := setupStore(t)
	provider := &fakeLLM{response: "```json\n" + `{"memories": [
		{"content": "Always reply in French", "category": "rule", "entities": {}, "confidence": 0.9},
		{"content": "Works at Acme", "category": "fact", "entities": {"company": "Acme"}, "confidence": 0.8},
		{"content": "Currently debugging a login issue", "category": "context", "entities": {}, "confidence": 0.4}
	]}` + "\n```"}
	extractor := agents.NewExtractor(store, provider, testNode(t), nil)

	records, err := extractor.ProcessTurn(context.Background(),
		makeTurn(1, "u1", "Always reply in French. I work at Acme, debugging a login issue.", "Noted."))
	require.NoError(t, err)
	require.Len(t, records, 3)

	rule, fact, ctxRec := records[0], records[1], records[2]

	assert.Equal(t, storage.CategoryRule, rule.Category)
	assert.Equal(t, storage.TierPermanent, rule.Tier)
	assert.Nil(t, rule.ExpiresAt)

	assert.Equal(t, storage.CategoryFact, fact.Category)
	assert.Equal(t, storage.TierLongTerm, fact.Tier)
	assert.Equal(t, "Acme", fact.Entities["company"])

	assert.Equal(t, storage.CategoryContext, ctxRec.Category)
	assert.Equal(t, storage.TierShortTerm, ctxRec.Tier)
	require.NotNil(t, ctxRec.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(storage.ShortTermTTL), *ctxRec.ExpiresAt, time.Minute)

	// Importance stays within [0,1] and ranks rule above context.
	for _, record := range records {
		assert.GreaterOrEqual(t, record.Importance, 0.0)
		assert.LessOrEqual(t, record.Importance, 1.0)
	}
	assert.Greater(t, rule.Importance, ctxRec.Importance)
}

func TestExtractor_ImportanceClamped(t *testing.T) {
	store := setupStore(t)
	provider := &fakeLLM{response: `{"memories": [
		{"content": "Never suggest paid tools", "category": "rule", "entities": {}, "confidence": 7.5},
		{"content": "Temporary note", "category": "context", "entities": {}, "confidence": -3}
	]}`}
	extractor := agents.NewExtractor(store, provider, testNode(t), nil)

	records, err := extractor.ProcessTurn(context.Background(), makeTurn(1, "u1", "hi", "hello"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1.0, records[0].Importance)
	assert.InDelta(t, 0.15, records[1].Importance, 0.001)
}

func TestExtractor_InvalidEntriesDropped(t *testing.T) {
	store := setupStore(t)
	provider := &fakeLLM{response: `{"memories": [
		{"content": "Likes jazz", "category": "preference", "entities": {}, "confidence": 0.7},
		{"content": "Bogus", "category": "gossip", "entities": {}, "confidence": 0.9},
		{"content": "   ", "category": "fact", "entities": {}, "confidence": 0.9}
	]}`}
	extractor := agents.NewExtractor(store, provider, testNode(t), nil)

	records, err := extractor.ProcessTurn(context.Background(), makeTurn(1, "u1", "I like jazz", "Nice"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.CategoryPreference, records[0].Category)
}

func TestExtractor_MalformedResponse(t *testing.T) {
	store := setupStore(t)
	provider := &fakeLLM{response: "sorry, I cannot do that"}
	extractor := agents.NewExtractor(store, provider, testNode(t), nil)

	_, err := extractor.ProcessTurn(context.Background(), makeTurn(1, "u1", "hi", "hello"))
	assert.ErrorIs(t, err, agents.ErrMalformedExtraction)

	records, listErr := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, listErr)
	assert.Empty(t, records)
}

func TestExtractor_TransientLLMFailure(t *testing.T) {
	store := setupStore(t)
	provider := &fakeLLM{err: errors.New("connection reset")}
	extractor := agents.NewExtractor(store, provider, testNode(t), nil)

	_, err := extractor.ProcessTurn(context.Background(), makeTurn(1, "u1", "hi", "hello"))
	assert.ErrorIs(t, err, agents.ErrExtractionUnavailable)
}

func TestExtractor_ReprocessingIsIdempotent(t *testing.T) {
	store := setupStore(t)
	provider := &fakeLLM{response: `{"memories": [
		{"content": "Lives in Berlin", "category": "fact", "entities": {"city": "Berlin"}, "confidence": 0.8},
		{"content": "Prefers tea", "category": "preference", "entities": {}, "confidence": 0.6}
	]}`}
	extractor := agents.NewExtractor(store, provider, testNode(t), nil)

	turn := makeTurn(7, "u1", "I live in Berlin and prefer tea", "Noted")
	_, err := extractor.ProcessTurn(context.Background(), turn)
	require.NoError(t, err)
	_, err = extractor.ProcessTurn(context.Background(), turn)
	require.NoError(t, err)

	records, err := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
