package agents_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/pkg/agents"
	"github.com/engramlabs/engram-go/pkg/storage"
)

func seedRecord(t *testing.T, store storage.Store, id int64, category storage.Category, content string, importance float64, age time.Duration) {
	t.Helper()
	record := &storage.MemoryRecord{
		ID:              id,
		Namespace:       "u1",
		Category:        category,
		Tier:            storage.TierLongTerm,
		Importance:      importance,
		Content:         content,
		TurnID:          id,
		ExtractionIndex: 0,
		CreatedAt:       time.Now().Add(-age),
	}
	require.NoError(t, store.InsertRecord(context.Background(), record))
}

func TestRetriever_NonPositiveLimitRejected(t *testing.T) {
	store := setupStore(t)
	retriever := agents.NewRetriever(store, nil)
	seedRecord(t, store, 1, storage.CategoryFact, "Enjoys hiking", 0.5, time.Hour)

	// Zero and negative limits fail alike; no search is attempted.
	_, err := retriever.Search(context.Background(), "u1", "hiking", 0)
	assert.ErrorIs(t, err, agents.ErrInvalidQuery)

	_, err = retriever.Search(context.Background(), "u1", "hiking", -1)
	assert.ErrorIs(t, err, agents.ErrInvalidQuery)

	// No access counts were bumped by the rejected requests.
	records, err := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].AccessCount)
}

func TestRetriever_LimitCapsResults(t *testing.T) {
	store := setupStore(t)
	cfg := agents.DefaultRetrieverConfig()
	cfg.DefaultLimit = 2
	retriever := agents.NewRetriever(store, cfg)
	assert.Equal(t, 2, retriever.DefaultLimit())

	for i := int64(1); i <= 5; i++ {
		seedRecord(t, store, i, storage.CategoryFact, "Enjoys hiking in the mountains", 0.5, time.Duration(i)*time.Hour)
	}

	results, err := retriever.Search(context.Background(), "u1", "hiking", retriever.DefaultLimit())
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRetriever_RuleBoostWins(t *testing.T) {
	store := setupStore(t)
	retriever := agents.NewRetriever(store, nil)

	// Same content relevance and age; the rule's category boost decides.
	seedRecord(t, store, 1, storage.CategoryFact, "Deployment uses Kubernetes", 0.5, time.Hour)
	seedRecord(t, store, 2, storage.CategoryRule, "Deployment uses Kubernetes on Fridays only", 0.9, time.Hour)

	results, err := retriever.Search(context.Background(), "u1", "kubernetes deployment", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, storage.CategoryRule, results[0].Record.Category)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestRetriever_RecencyBreaksTies(t *testing.T) {
	store := setupStore(t)
	retriever := agents.NewRetriever(store, nil)

	seedRecord(t, store, 1, storage.CategoryFact, "Enjoys sailing", 0.5, 90*24*time.Hour)
	seedRecord(t, store, 2, storage.CategoryFact, "Enjoys sailing", 0.5, time.Hour)

	results, err := retriever.Search(context.Background(), "u1", "sailing", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].Record.ID)
}

func TestRetriever_BumpsAccessCount(t *testing.T) {
	store := setupStore(t)
	retriever := agents.NewRetriever(store, nil)

	seedRecord(t, store, 1, storage.CategoryFact, "Plays the violin", 0.5, time.Hour)

	_, err := retriever.Search(context.Background(), "u1", "violin", 5)
	require.NoError(t, err)
	_, err = retriever.Search(context.Background(), "u1", "violin", 5)
	require.NoError(t, err)

	records, err := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].AccessCount)
}

// slowStore blocks Search until the context deadline fires.
type slowStore struct {
	storage.Store
}

func (s *slowStore) Search(ctx context.Context, query *storage.SearchQuery) (*storage.SearchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetriever_TimeoutReturnsPartial(t *testing.T) {
	cfg := agents.DefaultRetrieverConfig()
	cfg.Timeout = 20 * time.Millisecond
	retriever := agents.NewRetriever(&slowStore{Store: setupStore(t)}, cfg)

	results, err := retriever.Search(context.Background(), "u1", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetriever_ExpiredExcluded(t *testing.T) {
	store := setupStore(t)
	retriever := agents.NewRetriever(store, nil)

	expired := &storage.MemoryRecord{
		ID:         1,
		Namespace:  "u1",
		Category:   storage.CategoryContext,
		Tier:       storage.TierShortTerm,
		Importance: 0.3,
		Content:    "Traveling until Friday",
		TurnID:     1,
		CreatedAt:  time.Now().Add(-8 * 24 * time.Hour),
	}
	past := time.Now().Add(-24 * time.Hour)
	expired.ExpiresAt = &past
	require.NoError(t, store.InsertRecord(context.Background(), expired))

	results, err := retriever.Search(context.Background(), "u1", "traveling", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
