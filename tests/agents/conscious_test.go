package agents_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram-go/pkg/agents"
	"github.com/engramlabs/engram-go/pkg/storage"
)

func seedEntityRecord(t *testing.T, store storage.Store, id int64, category storage.Category, content string, importance float64, entities map[string]string) {
	t.Helper()
	record := &storage.MemoryRecord{
		ID:              id,
		Namespace:       "u1",
		Category:        category,
		Tier:            storage.TierLongTerm,
		Importance:      importance,
		Content:         content,
		Entities:        entities,
		TurnID:          id,
		ExtractionIndex: 0,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.InsertRecord(context.Background(), record))
}

func TestConscious_MergesDuplicatesByEntity(t *testing.T) {
	store := setupStore(t)
	conscious := agents.NewConscious(store, nil, nil, nil)

	seedEntityRecord(t, store, 1, storage.CategoryFact, "Works at Acme", 0.6, map[string]string{"company": "Acme"})
	seedEntityRecord(t, store, 2, storage.CategoryFact, "Employed by Acme since 2020", 0.8, map[string]string{"company": "Acme"})
	seedEntityRecord(t, store, 3, storage.CategoryFact, "Lives in Berlin", 0.5, map[string]string{"city": "Berlin"})

	require.NoError(t, conscious.Cycle(context.Background(), "u1"))

	records, err := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Record 2 had the higher importance, so it wins the merge; the
	// winner's importance is never lowered.
	var winner *storage.MemoryRecord
	for _, record := range records {
		if record.ID == 2 {
			winner = record
		}
		assert.NotEqual(t, int64(1), record.ID)
	}
	require.NotNil(t, winner)
	assert.Equal(t, 0.8, winner.Importance)
}

func TestConscious_PersistsMergeSummary(t *testing.T) {
	store := setupStore(t)
	merged := "Works at Acme as a data engineer since 2020"
	conscious := agents.NewConscious(store, &fakeLLM{response: merged}, nil, nil)

	seedEntityRecord(t, store, 1, storage.CategoryFact, "Works at Acme", 0.8, map[string]string{"company": "Acme"})
	seedEntityRecord(t, store, 2, storage.CategoryFact, "Employed by Acme since 2020", 0.6, map[string]string{"company": "Acme"})

	require.NoError(t, conscious.Cycle(context.Background(), "u1"))

	// The loser is excluded from search after the merge, so its details
	// survive only through the merged statement written to the winner.
	records, err := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, merged, records[0].Content)
}

func TestConscious_MergeKeepsMaxImportance(t *testing.T) {
	store := setupStore(t)
	conscious := agents.NewConscious(store, nil, nil, nil)

	// No entities on either record, so the content-overlap rule applies.
	// The scan orders by importance, so record 1 wins the merge.
	seedEntityRecord(t, store, 1, storage.CategoryPreference, "Prefers concise answers without filler", 0.7, nil)
	seedEntityRecord(t, store, 2, storage.CategoryPreference, "Prefers concise answers without any filler", 0.5, nil)

	require.NoError(t, conscious.Cycle(context.Background(), "u1"))

	records, err := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, 0.7, records[0].Importance)
}

func TestConscious_DifferentCategoriesNotMerged(t *testing.T) {
	store := setupStore(t)
	conscious := agents.NewConscious(store, nil, nil, nil)

	seedEntityRecord(t, store, 1, storage.CategoryFact, "Mentions Berlin often", 0.6, map[string]string{"city": "Berlin"})
	seedEntityRecord(t, store, 2, storage.CategoryPreference, "Loves Berlin weather", 0.5, map[string]string{"city": "Berlin"})

	require.NoError(t, conscious.Cycle(context.Background(), "u1"))

	records, err := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestConscious_PromotesFrequentlyAccessed(t *testing.T) {
	store := setupStore(t)
	cfg := agents.DefaultConsciousConfig()
	cfg.PromoteAfterHits = 3
	conscious := agents.NewConscious(store, nil, cfg, nil)

	record := &storage.MemoryRecord{
		ID:         1,
		Namespace:  "u1",
		Category:   storage.CategoryContext,
		Tier:       storage.TierShortTerm,
		Importance: 0.3,
		Content:    "Working on the checkout rewrite",
		TurnID:     1,
		CreatedAt:  time.Now(),
	}
	expires := time.Now().Add(time.Hour)
	record.ExpiresAt = &expires
	require.NoError(t, store.InsertRecord(context.Background(), record))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.TouchRecords(context.Background(), "u1", []int64{1}))
	}

	require.NoError(t, conscious.Cycle(context.Background(), "u1"))

	records, err := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.TierLongTerm, records[0].Tier)
	assert.Nil(t, records[0].ExpiresAt)
}

func TestConscious_PublishRespectsTokenBudget(t *testing.T) {
	store := setupStore(t)
	cfg := agents.DefaultConsciousConfig()
	cfg.WorkingTokenBudget = 15
	conscious := agents.NewConscious(store, nil, cfg, nil)

	seedEntityRecord(t, store, 1, storage.CategoryRule, "Always reply in French", 0.9, map[string]string{"language": "French"})
	seedEntityRecord(t, store, 2, storage.CategoryFact, "Works at Acme as a data engineer on the payments team", 0.7, map[string]string{"company": "Acme"})
	seedEntityRecord(t, store, 3, storage.CategoryPreference, "Likes tea", 0.5, map[string]string{"drink": "tea"})

	require.NoError(t, conscious.Cycle(context.Background(), "u1"))

	set, ok := conscious.EssentialSet("u1")
	require.True(t, ok)
	assert.LessOrEqual(t, set.TokenCount, cfg.WorkingTokenBudget)
	// The long record does not fit; the short ones do.
	for _, member := range set.Records {
		assert.NotEqual(t, int64(2), member.ID)
	}
	assert.NotEmpty(t, set.Records)

	// Members are stamped as promoted into working memory.
	records, err := store.ListRecords(context.Background(), "u1", nil)
	require.NoError(t, err)
	stamped := 0
	for _, record := range records {
		if record.LastPromotedAt != nil {
			stamped++
		}
	}
	assert.Equal(t, len(set.Records), stamped)
}

func TestConscious_PublishIsAtomic(t *testing.T) {
	store := setupStore(t)
	conscious := agents.NewConscious(store, nil, nil, nil)

	seedEntityRecord(t, store, 1, storage.CategoryRule, "Always reply in French", 0.9, map[string]string{"language": "French"})
	seedEntityRecord(t, store, 2, storage.CategoryFact, "Works at Acme", 0.7, map[string]string{"company": "Acme"})

	require.NoError(t, conscious.Cycle(context.Background(), "u1"))
	first, ok := conscious.EssentialSet("u1")
	require.True(t, ok)

	// Concurrent readers must always observe a complete set with a
	// consistent version, never a partially swapped one.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				set, ok := conscious.EssentialSet("u1")
				if !ok {
					continue
				}
				assert.GreaterOrEqual(t, set.Version, first.Version)
				assert.NotEmpty(t, set.Records)
			}
		}()
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, conscious.Cycle(context.Background(), "u1"))
	}
	close(stop)
	wg.Wait()

	final, ok := conscious.EssentialSet("u1")
	require.True(t, ok)
	assert.Greater(t, final.Version, first.Version)
}

func TestConscious_FailedCycleKeepsPreviousSet(t *testing.T) {
	store := setupStore(t)
	conscious := agents.NewConscious(store, nil, nil, nil)

	seedEntityRecord(t, store, 1, storage.CategoryRule, "Always reply in French", 0.9, map[string]string{"language": "French"})
	require.NoError(t, conscious.Cycle(context.Background(), "u1"))
	published, ok := conscious.EssentialSet("u1")
	require.True(t, ok)

	// A cancelled context fails the cycle before publishing.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := conscious.Cycle(cancelled, "u1")
	require.Error(t, err)

	current, ok := conscious.EssentialSet("u1")
	require.True(t, ok)
	assert.Equal(t, published.Version, current.Version)
}

func TestConscious_StateReturnsToIdle(t *testing.T) {
	store := setupStore(t)
	conscious := agents.NewConscious(store, nil, nil, nil)

	assert.Equal(t, agents.StateIdle, conscious.State())
	require.NoError(t, conscious.Cycle(context.Background(), "u1"))
	assert.Equal(t, agents.StateIdle, conscious.State())
}
