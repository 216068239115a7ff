package agents

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/engramlabs/engram-go/pkg/storage"
)

// RetrieverConfig contains tunables for the retrieval agent.
type RetrieverConfig struct {
	// DefaultLimit is the result count callers fall back to when no
	// explicit limit was requested.
	DefaultLimit int

	// LexicalWeight, RecencyWeight and CategoryWeight combine the three
	// ranking signals. They should sum to 1.
	LexicalWeight  float64
	RecencyWeight  float64
	CategoryWeight float64

	// RecencyHalfLife is the age at which the recency signal halves.
	RecencyHalfLife time.Duration

	// Timeout bounds a single search. On deadline the best partial ranking
	// is returned with a nil error.
	Timeout time.Duration
}

// DefaultRetrieverConfig returns the default retrieval configuration.
func DefaultRetrieverConfig() *RetrieverConfig {
	return &RetrieverConfig{
		DefaultLimit:    5,
		LexicalWeight:   0.6,
		RecencyWeight:   0.25,
		CategoryWeight:  0.15,
		RecencyHalfLife: 72 * time.Hour,
		Timeout:         800 * time.Millisecond,
	}
}

// strategyConfidence discounts lexical scores coming from the substring
// fallback, which cannot rank as precisely as a native full-text index.
var strategyConfidence = map[storage.SearchStrategy]float64{
	storage.StrategyNative:   1.0,
	storage.StrategyFallback: 0.6,
}

// categoryBoosts feed the category ranking signal. Rules always matter,
// preferences usually do, the rest rank on relevance and recency alone.
var categoryBoosts = map[storage.Category]float64{
	storage.CategoryRule:       1.0,
	storage.CategoryPreference: 0.7,
}

// Retriever answers ranked memory queries against the store.
//
// The final score of a candidate blends the backend's lexical score (scaled
// by search-strategy confidence), an exponential recency decay, and a
// category boost. Ties are broken most-recent-first.
type Retriever struct {
	store storage.Store
	cfg   *RetrieverConfig
}

// NewRetriever creates a new retrieval agent.
//
// Parameters:
//   - store: Record store to query (required)
//   - cfg: Retrieval configuration (nil uses defaults)
func NewRetriever(store storage.Store, cfg *RetrieverConfig) *Retriever {
	if cfg == nil {
		cfg = DefaultRetrieverConfig()
	}
	return &Retriever{store: store, cfg: cfg}
}

// DefaultLimit returns the configured default result count. Callers that
// accept an optional limit resolve it with this before calling Search.
func (r *Retriever) DefaultLimit() int {
	return r.cfg.DefaultLimit
}

// Search returns the top-limit records ranked for the query.
//
// A limit of zero or below returns ErrInvalidQuery; callers wanting the
// configured default pass DefaultLimit explicitly. When the timeout budget
// expires mid-search the ranking computed so far is returned with a nil
// error. Matched records get their access count bumped, which feeds
// consolidation promotion.
func (r *Retriever) Search(ctx context.Context, namespace, query string, limit int, categories ...storage.Category) ([]*storage.ScoredRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidQuery)
	}

	searchCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	// Over-fetch so re-ranking has room to reorder beyond the backend's
	// own top-limit cut.
	result, err := r.store.Search(searchCtx, &storage.SearchQuery{
		Namespace:  namespace,
		Text:       query,
		Limit:      limit * 4,
		Categories: categories,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(searchCtx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	ranked := r.rank(result, time.Now())
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	if len(ranked) > 0 {
		ids := make([]int64, len(ranked))
		for i, sr := range ranked {
			ids[i] = sr.Record.ID
		}
		// Access bookkeeping is best-effort; a miss only delays promotion.
		_ = r.store.TouchRecords(ctx, namespace, ids)
	}
	return ranked, nil
}

// rank re-scores backend candidates with the blended ranking function.
// Expired records are dropped even when the backend has not purged them yet.
func (r *Retriever) rank(result *storage.SearchResult, now time.Time) []*storage.ScoredRecord {
	confidence := strategyConfidence[result.Strategy]

	ranked := make([]*storage.ScoredRecord, 0, len(result.Records))
	for _, candidate := range result.Records {
		if candidate.Record.Expired(now) {
			continue
		}
		ranked = append(ranked, &storage.ScoredRecord{
			Record: candidate.Record,
			Score: r.cfg.LexicalWeight*candidate.Score*confidence +
				r.cfg.RecencyWeight*recencyDecay(now.Sub(candidate.Record.CreatedAt), r.cfg.RecencyHalfLife) +
				r.cfg.CategoryWeight*categoryBoosts[candidate.Record.Category],
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Record.CreatedAt.After(ranked[j].Record.CreatedAt)
	})
	return ranked
}

// recencyDecay returns exp(-ln2 * age / halfLife), an exponential decay that
// halves every halfLife.
func recencyDecay(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	if halfLife <= 0 {
		return 0
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}
