// Package storage provides interfaces and types for memory persistence backends.
//
// It defines the Store interface that all storage implementations must satisfy,
// along with the conversation turn and memory record types shared across the
// engine. Backends differ in native search capability (full-text ranking vs.
// substring fallback); every search result carries a strategy tag so callers
// can weight confidence without branching on backend identity.
package storage

import (
	"context"
	"errors"
	"time"
)

// Predefined errors for storage operations.
var (
	// ErrNotFound indicates that a requested turn or record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable indicates that the persistence backend is unreachable.
	// Callers on the hot path must degrade to empty context rather than fail.
	ErrUnavailable = errors.New("storage unavailable")
)

// Category classifies a memory record.
//
// The taxonomy is closed: extraction output that does not map onto one of
// these five categories is rejected before it reaches storage.
type Category string

const (
	// CategoryFact is objective information about the user or their world.
	CategoryFact Category = "fact"

	// CategoryPreference is a like, dislike, or stylistic choice.
	CategoryPreference Category = "preference"

	// CategorySkill is a capability or proficiency the user has.
	CategorySkill Category = "skill"

	// CategoryRule is a standing instruction that should always be honored.
	CategoryRule Category = "rule"

	// CategoryContext is situational information with a short useful life.
	CategoryContext Category = "context"
)

// Categories lists all valid categories in a fixed order.
var Categories = []Category{
	CategoryFact,
	CategoryPreference,
	CategorySkill,
	CategoryRule,
	CategoryContext,
}

// Valid reports whether c is one of the five known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryFact, CategoryPreference, CategorySkill, CategoryRule, CategoryContext:
		return true
	}
	return false
}

// RetentionTier governs expiry and injection priority of a memory record.
type RetentionTier string

const (
	// TierShortTerm records expire after a TTL (default 7 days).
	TierShortTerm RetentionTier = "short_term"

	// TierLongTerm records persist until explicitly cleared.
	TierLongTerm RetentionTier = "long_term"

	// TierPermanent records persist and their importance never decreases.
	TierPermanent RetentionTier = "permanent"
)

// Valid reports whether t is a known retention tier.
func (t RetentionTier) Valid() bool {
	switch t {
	case TierShortTerm, TierLongTerm, TierPermanent:
		return true
	}
	return false
}

// ShortTermTTL is the default time-to-live for short-term records.
const ShortTermTTL = 7 * 24 * time.Hour

// SearchStrategy tags how a backend executed a search.
type SearchStrategy string

const (
	// StrategyNative means the backend used its full-text index with ranking.
	StrategyNative SearchStrategy = "native"

	// StrategyFallback means the backend fell back to case-insensitive
	// substring matching. Scores are lower-confidence than native ranking.
	StrategyFallback SearchStrategy = "fallback"
)

// ConversationTurn is one recorded exchange between the user and a model.
//
// Turns are immutable once written and are the source of truth for replay
// and audit. Memory records reference their source turn by ID only; deleting
// a turn never cascades into memory records.
type ConversationTurn struct {
	// ID is the unique identifier of the turn.
	ID int64

	// Namespace isolates the turn to one logical user or project.
	Namespace string

	// UserInput is the raw user input of the exchange.
	UserInput string

	// ModelOutput is the raw model output of the exchange.
	ModelOutput string

	// Model identifies the model that produced the output.
	Model string

	// CreatedAt is when the turn was recorded.
	CreatedAt time.Time

	// InputTokens and OutputTokens are token counts reported by the caller.
	InputTokens  int
	OutputTokens int
}

// MemoryRecord is one durable, categorized memory extracted from a turn.
type MemoryRecord struct {
	// ID is the unique identifier of the record.
	ID int64

	// Namespace isolates the record to one logical user or project.
	Namespace string

	// Category is one of the five taxonomy categories.
	Category Category

	// Tier is the retention tier governing expiry.
	Tier RetentionTier

	// Importance is the heuristic importance score in [0, 1].
	Importance float64

	// Content is the searchable text of the memory.
	Content string

	// Entities maps extracted entity keys to values.
	Entities map[string]string

	// TurnID is a weak reference to the source conversation turn.
	TurnID int64

	// ExtractionIndex is the position of this record within its turn's
	// extraction output. (Namespace, TurnID, ExtractionIndex) is unique and
	// keys idempotent ingestion.
	ExtractionIndex int

	// CreatedAt is when the record was created.
	CreatedAt time.Time

	// ExpiresAt is when a short-term record expires (nil for other tiers).
	ExpiresAt *time.Time

	// LastPromotedAt is when the record last entered an essential set
	// (nil if never published).
	LastPromotedAt *time.Time

	// AccessCount is how many times the record matched a retrieval query.
	AccessCount int

	// LastAccessedAt is when the record last matched a query.
	LastAccessedAt *time.Time

	// SupersededBy is the ID of the record that absorbed this one during
	// consolidation (0 for live records). Superseded records are excluded
	// from search but retained for audit.
	SupersededBy int64
}

// Expired reports whether the record's TTL has passed at the given time.
// Only short-term records carry a TTL.
func (r *MemoryRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// ScoredRecord pairs a memory record with a search relevance score.
type ScoredRecord struct {
	// Record is the matched memory record.
	Record *MemoryRecord

	// Score is the backend's relevance score, normalized to [0, 1].
	Score float64
}

// SearchQuery describes a search against one namespace.
type SearchQuery struct {
	// Namespace scopes the search. Required; searches never cross namespaces.
	Namespace string

	// Text is the query text to match against record content.
	Text string

	// Limit bounds the number of results (0 means backend default).
	Limit int

	// Categories restricts results to the given categories (empty = all).
	Categories []Category
}

// SearchResult carries ranked matches plus the strategy the backend used,
// so the retrieval layer can weight confidence accordingly.
type SearchResult struct {
	// Records are the matches, ordered by backend relevance (highest first).
	Records []*ScoredRecord

	// Strategy reports whether native ranking or substring fallback was used.
	Strategy SearchStrategy
}

// ListFilter restricts a ListRecords scan.
type ListFilter struct {
	// Categories restricts the scan to the given categories (empty = all).
	Categories []Category

	// Tier restricts the scan to one retention tier (empty = all).
	Tier RetentionTier

	// IncludeSuperseded includes soft-deleted records (audit access).
	IncludeSuperseded bool
}

// RecordUpdate describes a revision applied by the conscious agent during
// consolidation. Nil fields are left unchanged.
type RecordUpdate struct {
	// Tier replaces the record's retention tier when set.
	Tier *RetentionTier

	// Importance replaces the importance score when set.
	Importance *float64

	// Content replaces the record content when set, e.g. with a merged
	// statement absorbing superseded duplicates.
	Content *string

	// ExpiresAt replaces the TTL deadline; set ClearExpiry to void the TTL.
	ExpiresAt   *time.Time
	ClearExpiry bool

	// LastPromotedAt stamps the record as published when set.
	LastPromotedAt *time.Time
}

// NamespaceStats aggregates record counts for one namespace.
type NamespaceStats struct {
	// Namespace is the namespace the counts describe.
	Namespace string

	// Turns is the number of recorded conversation turns.
	Turns int

	// Records is the number of live (non-superseded) memory records.
	Records int

	// Superseded is the number of soft-deleted records retained for audit.
	Superseded int

	// ByTier counts live records per retention tier.
	ByTier map[RetentionTier]int

	// ByCategory counts live records per category.
	ByCategory map[Category]int
}

// Store defines the interface for memory persistence backends.
//
// All implementations (SQLite, PostgreSQL, MySQL) must satisfy this
// interface. Every operation is namespace-scoped; implementations must
// support concurrent readers with a single in-flight consolidation writer.
// Expired short-term records are filtered out of Search and ListRecords
// lazily, even when SweepExpired has not yet physically removed them.
type Store interface {
	// InsertTurn appends a conversation turn. Turns are immutable.
	InsertTurn(ctx context.Context, turn *ConversationTurn) error

	// GetTurn retrieves a turn by ID within a namespace.
	// Returns ErrNotFound if no such turn exists.
	GetTurn(ctx context.Context, namespace string, id int64) (*ConversationTurn, error)

	// InsertRecord inserts a memory record. Inserts are idempotent on
	// (Namespace, TurnID, ExtractionIndex): re-inserting the same key is a
	// no-op and returns nil.
	InsertRecord(ctx context.Context, record *MemoryRecord) error

	// UpdateRecord applies a consolidation revision to a record.
	// Returns ErrNotFound if the record does not exist in the namespace.
	UpdateRecord(ctx context.Context, namespace string, id int64, update *RecordUpdate) error

	// SupersedeRecord soft-deletes loser in favor of winner. The loser is
	// excluded from future search and scans but retained for audit.
	SupersedeRecord(ctx context.Context, namespace string, loser, winner int64) error

	// TouchRecords increments access counters for records that matched a
	// retrieval query.
	TouchRecords(ctx context.Context, namespace string, ids []int64) error

	// Search matches query text against live, non-expired record content and
	// returns ranked results with the strategy tag.
	Search(ctx context.Context, query *SearchQuery) (*SearchResult, error)

	// ListRecords scans live, non-expired records in a namespace ordered by
	// (importance desc, created desc). Used by the conscious agent.
	ListRecords(ctx context.Context, namespace string, filter *ListFilter) ([]*MemoryRecord, error)

	// SweepExpired physically deletes expired short-term records.
	// Returns the number of records removed.
	SweepExpired(ctx context.Context, namespace string) (int, error)

	// Clear removes all turns and records in a namespace.
	Clear(ctx context.Context, namespace string) error

	// Namespaces lists all namespaces that have at least one record or turn.
	Namespaces(ctx context.Context) ([]string, error)

	// Stats aggregates per-tier and per-category counts for a namespace.
	Stats(ctx context.Context, namespace string) (*NamespaceStats, error)

	// Close closes the store and releases resources.
	Close() error
}
