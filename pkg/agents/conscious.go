package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/engramlabs/engram-go/pkg/llm"
	"github.com/engramlabs/engram-go/pkg/storage"
)

// ConsciousState is the lifecycle state of the conscious agent, visible for
// observability.
type ConsciousState string

const (
	StateIdle          ConsciousState = "idle"
	StateScanning      ConsciousState = "scanning"
	StateConsolidating ConsciousState = "consolidating"
	StatePublishing    ConsciousState = "publishing"
)

// EssentialSet is the published working-memory snapshot for a namespace.
// It is immutable once published; a new consolidation cycle replaces the
// whole set atomically.
type EssentialSet struct {
	// Namespace the set belongs to.
	Namespace string

	// Records are the selected members, most important first.
	Records []*storage.MemoryRecord

	// Version increments on every publish for the namespace.
	Version int64

	// PublishedAt is when this set went live.
	PublishedAt time.Time

	// TokenCount is the estimated token footprint of the member contents.
	TokenCount int
}

// ConsciousConfig contains tunables for the conscious agent.
type ConsciousConfig struct {
	// Interval between background consolidation cycles.
	Interval time.Duration

	// WorkingTokenBudget caps the estimated token footprint of a published set.
	WorkingTokenBudget int

	// PromoteAfterHits is the access count at which a short-term record is
	// promoted to long-term during consolidation.
	PromoteAfterHits int

	// ContentOverlap is the token-overlap ratio above which two records with
	// no entities are treated as duplicates.
	ContentOverlap float64
}

// DefaultConsciousConfig returns the default conscious agent configuration.
func DefaultConsciousConfig() *ConsciousConfig {
	return &ConsciousConfig{
		Interval:           6 * time.Hour,
		WorkingTokenBudget: 200,
		PromoteAfterHits:   3,
		ContentOverlap:     0.6,
	}
}

// Conscious periodically consolidates stored memories and publishes a
// compact essential set per namespace.
//
// A cycle walks Idle -> Scanning -> Consolidating -> Publishing and back.
// Near-duplicate records are merged by soft-deleting the losers, frequently
// accessed short-term records are promoted, and the surviving records are
// greedily packed into the working-memory token budget. The published set is
// replaced atomically; readers see either the previous set or the new one,
// never a mix. A failed cycle leaves the previous set in place.
type Conscious struct {
	store  storage.Store
	llm    llm.Provider
	cfg    *ConsciousConfig
	logger *slog.Logger

	mu       sync.RWMutex
	state    ConsciousState
	sets     map[string]*EssentialSet
	versions map[string]int64

	trigger chan string
	wg      sync.WaitGroup
	started bool
}

// NewConscious creates a new conscious agent.
//
// Parameters:
//   - store: Record store to consolidate (required)
//   - provider: LLM used to summarize merged duplicates (optional, may be nil)
//   - cfg: Agent configuration (nil uses defaults)
//   - logger: Structured logger (nil uses slog.Default)
func NewConscious(store storage.Store, provider llm.Provider, cfg *ConsciousConfig, logger *slog.Logger) *Conscious {
	if cfg == nil {
		cfg = DefaultConsciousConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conscious{
		store:    store,
		llm:      provider,
		cfg:      cfg,
		logger:   logger,
		state:    StateIdle,
		sets:     make(map[string]*EssentialSet),
		versions: make(map[string]int64),
		trigger:  make(chan string, 16),
	}
}

// State returns the current lifecycle state.
func (c *Conscious) State() ConsciousState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// EssentialSet returns the published set for a namespace, or false when no
// cycle has published one yet.
func (c *Conscious) EssentialSet(namespace string) (*EssentialSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.sets[namespace]
	return set, ok
}

// Forget drops the published set and version for a namespace, e.g. after the
// namespace's records were cleared. The next cycle starts from version 1.
func (c *Conscious) Forget(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, namespace)
	delete(c.versions, namespace)
}

// Start launches the background consolidation loop. Each tick runs one cycle
// over every known namespace. The loop exits when ctx is cancelled; Wait
// blocks until it is fully stopped.
func (c *Conscious) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ns := <-c.trigger:
				if err := c.Cycle(ctx, ns); err != nil {
					c.logger.Warn("consolidation cycle failed", "namespace", ns, "error", err)
				}
			case <-ticker.C:
				c.runAll(ctx)
			}
		}
	}()
}

// Wait blocks until the background loop has exited.
func (c *Conscious) Wait() {
	c.wg.Wait()
}

// TriggerNow schedules an immediate consolidation cycle for a namespace.
// It never blocks; when the trigger queue is full the request is dropped and
// the next tick covers the namespace anyway.
func (c *Conscious) TriggerNow(namespace string) {
	select {
	case c.trigger <- namespace:
	default:
	}
}

// runAll runs one cycle for every namespace in the store.
func (c *Conscious) runAll(ctx context.Context) {
	namespaces, err := c.store.Namespaces(ctx)
	if err != nil {
		c.logger.Warn("consolidation scan failed", "error", err)
		return
	}
	for _, ns := range namespaces {
		if ctx.Err() != nil {
			return
		}
		if err := c.Cycle(ctx, ns); err != nil {
			c.logger.Warn("consolidation cycle failed", "namespace", ns, "error", err)
		}
	}
}

// Cycle runs one synchronous consolidation cycle for a namespace.
//
// On any error the previously published set stays untouched and the error is
// returned; the background loop logs it and retries on the next tick.
func (c *Conscious) Cycle(ctx context.Context, namespace string) error {
	c.setState(StateScanning)
	defer c.setState(StateIdle)

	records, err := c.store.ListRecords(ctx, namespace, &storage.ListFilter{})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	c.setState(StateConsolidating)
	survivors, err := c.consolidate(ctx, namespace, records)
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	if err := c.promote(ctx, namespace, survivors); err != nil {
		return fmt.Errorf("promote: %w", err)
	}

	c.setState(StatePublishing)
	if err := c.publish(ctx, namespace, survivors); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// consolidate merges near-duplicate records. Records arrive ordered by
// importance, so the first member of each duplicate group is the winner; the
// rest are soft-deleted. The winner keeps the maximum importance of its
// group.
func (c *Conscious) consolidate(ctx context.Context, namespace string, records []*storage.MemoryRecord) ([]*storage.MemoryRecord, error) {
	var survivors []*storage.MemoryRecord
	merged := make(map[int64]bool)

	for i, winner := range records {
		if merged[winner.ID] {
			continue
		}

		maxImportance := winner.Importance
		var losers []*storage.MemoryRecord
		for _, candidate := range records[i+1:] {
			if merged[candidate.ID] || !c.duplicates(winner, candidate) {
				continue
			}
			if candidate.Importance > maxImportance {
				maxImportance = candidate.Importance
			}
			losers = append(losers, candidate)
			merged[candidate.ID] = true
		}

		for _, loser := range losers {
			if err := c.store.SupersedeRecord(ctx, namespace, loser.ID, winner.ID); err != nil {
				return nil, err
			}
		}

		if len(losers) > 0 {
			update := &storage.RecordUpdate{}
			if maxImportance > winner.Importance {
				winner.Importance = maxImportance
				update.Importance = &maxImportance
			}
			// Persist the merged statement: the losers are excluded from
			// search, so the winner must carry their details.
			if content, ok := c.summarize(ctx, winner, losers); ok {
				winner.Content = content
				update.Content = &content
			}
			if update.Importance != nil || update.Content != nil {
				if err := c.store.UpdateRecord(ctx, namespace, winner.ID, update); err != nil {
					return nil, err
				}
			}
			c.logger.Debug("merged duplicate memories",
				"namespace", namespace, "winner", winner.ID, "merged", len(losers))
		}
		survivors = append(survivors, winner)
	}
	return survivors, nil
}

// duplicates reports whether two records describe the same memory. Records
// must share a category; entity evidence takes precedence over content
// overlap.
func (c *Conscious) duplicates(a, b *storage.MemoryRecord) bool {
	if a.Category != b.Category {
		return false
	}
	if len(a.Entities) > 0 && len(b.Entities) > 0 {
		for key, value := range a.Entities {
			if other, ok := b.Entities[key]; ok && other == value {
				return true
			}
		}
		return false
	}
	if len(a.Entities) > 0 || len(b.Entities) > 0 {
		return false
	}
	overlap := storage.TermOverlapScore(b.Content, storage.QueryTerms(a.Content))
	return overlap >= c.cfg.ContentOverlap
}

// summarize asks the LLM for a single merged statement covering a duplicate
// group. Without a provider, or on any failure, the winner's content stands.
func (c *Conscious) summarize(ctx context.Context, winner *storage.MemoryRecord, losers []*storage.MemoryRecord) (string, bool) {
	if c.llm == nil {
		return "", false
	}

	var b strings.Builder
	b.WriteString("Merge the following near-duplicate memory statements into one self-contained statement. Keep all distinct details and time references. Reply with the merged statement only.\n\n")
	b.WriteString("- " + winner.Content + "\n")
	for _, loser := range losers {
		b.WriteString("- " + loser.Content + "\n")
	}

	merged, err := c.llm.Generate(ctx, b.String(), llm.WithTemperature(0.1), llm.WithMaxTokens(200))
	if err != nil {
		c.logger.Debug("merge summarization skipped", "error", err)
		return "", false
	}
	merged = strings.TrimSpace(merged)
	if merged == "" {
		return "", false
	}
	return merged, true
}

// promote moves frequently accessed short-term records to long-term storage.
// Promotion clears the TTL so the record no longer expires.
func (c *Conscious) promote(ctx context.Context, namespace string, records []*storage.MemoryRecord) error {
	longTerm := storage.TierLongTerm
	for _, record := range records {
		if record.Tier != storage.TierShortTerm || record.AccessCount < c.cfg.PromoteAfterHits {
			continue
		}
		if err := c.store.UpdateRecord(ctx, namespace, record.ID, &storage.RecordUpdate{
			Tier:        &longTerm,
			ClearExpiry: true,
		}); err != nil {
			return err
		}
		record.Tier = longTerm
		record.ExpiresAt = nil
		c.logger.Debug("promoted short-term memory",
			"namespace", namespace, "record", record.ID, "hits", record.AccessCount)
	}
	return nil
}

// publish greedily packs survivors into the working-memory token budget and
// atomically replaces the namespace's essential set.
func (c *Conscious) publish(ctx context.Context, namespace string, survivors []*storage.MemoryRecord) error {
	now := time.Now()
	var members []*storage.MemoryRecord
	tokens := 0
	for _, record := range survivors {
		cost := EstimateTokens(record.Content)
		if tokens+cost > c.cfg.WorkingTokenBudget {
			continue
		}
		tokens += cost
		members = append(members, record)
	}

	for _, member := range members {
		promoted := now
		if err := c.store.UpdateRecord(ctx, namespace, member.ID, &storage.RecordUpdate{
			LastPromotedAt: &promoted,
		}); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.versions[namespace]++
	c.sets[namespace] = &EssentialSet{
		Namespace:   namespace,
		Records:     members,
		Version:     c.versions[namespace],
		PublishedAt: now,
		TokenCount:  tokens,
	}
	c.mu.Unlock()

	c.logger.Info("published essential set",
		"namespace", namespace, "members", len(members), "tokens", tokens)
	return nil
}

func (c *Conscious) setState(state ConsciousState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// EstimateTokens approximates the token footprint of a text. The rough
// 4-characters-per-token heuristic is enough for budget packing.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
