// Package agents implements the three cooperating agents of the memory
// engine: the extractor turns conversation turns into categorized memory
// records, the conscious agent consolidates stored records and maintains the
// published essential set, and the retriever answers ranked context queries.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/engramlabs/engram-go/pkg/llm"
	"github.com/engramlabs/engram-go/pkg/storage"
)

// Category base weights used for importance scoring. The confidence reported
// by the model shifts the score within its category band.
var categoryBaseWeights = map[storage.Category]float64{
	storage.CategoryRule:       0.5,
	storage.CategoryPreference: 0.35,
	storage.CategorySkill:      0.3,
	storage.CategoryFact:       0.3,
	storage.CategoryContext:    0.15,
}

// confidenceWeight scales model confidence when combined with the category
// base weight.
const confidenceWeight = 0.5

// ExtractorConfig contains tunables for the extractor agent.
type ExtractorConfig struct {
	// PromotionThreshold is the importance above which a context-category
	// record is stored as long-term instead of short-term.
	PromotionThreshold float64

	// ShortTermTTL is the expiry window applied to short-term records.
	ShortTermTTL time.Duration

	// CustomPrompt overrides the default extraction prompt when non-empty.
	CustomPrompt string
}

// DefaultExtractorConfig returns the default extractor configuration.
func DefaultExtractorConfig() *ExtractorConfig {
	return &ExtractorConfig{
		PromotionThreshold: 0.8,
		ShortTermTTL:       storage.ShortTermTTL,
	}
}

// Extractor turns a recorded conversation turn into categorized memory
// records and persists them.
//
// Extraction is idempotent: each record carries the (namespace, turn ID,
// extraction index) key, and re-processing the same turn inserts nothing new.
//
// Example usage:
//
//	extractor := agents.NewExtractor(store, provider, node, nil)
//	records, err := extractor.ProcessTurn(ctx, turn)
type Extractor struct {
	store storage.Store
	llm   llm.Provider
	node  *snowflake.Node
	cfg   *ExtractorConfig
}

// NewExtractor creates a new extractor agent.
//
// Parameters:
//   - store: Persistent record store (required)
//   - provider: LLM provider used for extraction (required)
//   - node: Snowflake node used to mint record IDs (required)
//   - cfg: Extractor configuration (nil uses defaults)
func NewExtractor(store storage.Store, provider llm.Provider, node *snowflake.Node, cfg *ExtractorConfig) *Extractor {
	if cfg == nil {
		cfg = DefaultExtractorConfig()
	}
	return &Extractor{
		store: store,
		llm:   provider,
		node:  node,
		cfg:   cfg,
	}
}

// extractedEntry is one entry of the extraction model output.
type extractedEntry struct {
	Content    string            `json:"content"`
	Category   string            `json:"category"`
	Entities   map[string]string `json:"entities"`
	Confidence float64           `json:"confidence"`
}

type extractionResponse struct {
	Memories []extractedEntry `json:"memories"`
}

// ProcessTurn extracts memory records from a turn and persists them.
//
// The process:
//  1. Skips turns with no user input and no model output (returns nil, nil)
//  2. Calls the LLM with the extraction prompt
//  3. Validates each entry against the category taxonomy, dropping invalid ones
//  4. Scores importance, assigns a retention tier and persists each record
//
// Each record is persisted independently; a failure on one does not roll back
// the others. LLM failures are reported as ErrExtractionUnavailable and
// unparseable output as ErrMalformedExtraction.
func (e *Extractor) ProcessTurn(ctx context.Context, turn *storage.ConversationTurn) ([]*storage.MemoryRecord, error) {
	if strings.TrimSpace(turn.UserInput) == "" && strings.TrimSpace(turn.ModelOutput) == "" {
		return nil, nil
	}

	response, err := e.llm.GenerateWithMessages(ctx, []llm.Message{
		{Role: "system", Content: e.systemPrompt()},
		{Role: "user", Content: e.formatTurn(turn)},
	}, llm.WithJSONMode(), llm.WithTemperature(0.2))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionUnavailable, err)
	}

	entries, err := parseExtraction(response)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	records := make([]*storage.MemoryRecord, 0, len(entries))
	index := 0
	for _, entry := range entries {
		record, ok := e.buildRecord(turn, entry, index, now)
		if !ok {
			continue
		}
		index++

		if err := e.store.InsertRecord(ctx, record); err != nil {
			return records, fmt.Errorf("persist record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// buildRecord validates an extracted entry and turns it into a memory record.
// Entries with unknown categories or empty content are dropped.
func (e *Extractor) buildRecord(turn *storage.ConversationTurn, entry extractedEntry, index int, now time.Time) (*storage.MemoryRecord, bool) {
	content := strings.TrimSpace(entry.Content)
	if content == "" {
		return nil, false
	}
	category := storage.Category(strings.ToLower(strings.TrimSpace(entry.Category)))
	if !category.Valid() {
		return nil, false
	}

	importance := scoreImportance(category, entry.Confidence)
	tier := e.assignTier(category, importance)

	record := &storage.MemoryRecord{
		ID:              e.node.Generate().Int64(),
		Namespace:       turn.Namespace,
		Category:        category,
		Tier:            tier,
		Importance:      importance,
		Content:         content,
		Entities:        entry.Entities,
		TurnID:          turn.ID,
		ExtractionIndex: index,
		CreatedAt:       now,
	}
	if tier == storage.TierShortTerm {
		expires := now.Add(e.cfg.ShortTermTTL)
		record.ExpiresAt = &expires
	}
	return record, true
}

// scoreImportance combines the category base weight with model confidence,
// clamped to [0, 1].
func scoreImportance(category storage.Category, confidence float64) float64 {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	score := categoryBaseWeights[category] + confidence*confidenceWeight
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// assignTier maps a category and importance to a retention tier. Rules are
// always permanent; context records start short-term unless important enough
// to keep.
func (e *Extractor) assignTier(category storage.Category, importance float64) storage.RetentionTier {
	switch category {
	case storage.CategoryRule:
		return storage.TierPermanent
	case storage.CategoryContext:
		if importance > e.cfg.PromotionThreshold {
			return storage.TierLongTerm
		}
		return storage.TierShortTerm
	default:
		return storage.TierLongTerm
	}
}

// formatTurn renders a turn as the extraction prompt input.
func (e *Extractor) formatTurn(turn *storage.ConversationTurn) string {
	var b strings.Builder
	b.WriteString("Input:\n")
	if turn.UserInput != "" {
		b.WriteString("user: ")
		b.WriteString(turn.UserInput)
		b.WriteString("\n")
	}
	if turn.ModelOutput != "" {
		b.WriteString("assistant: ")
		b.WriteString(turn.ModelOutput)
		b.WriteString("\n")
	}
	return b.String()
}

// systemPrompt returns the system prompt for memory extraction.
func (e *Extractor) systemPrompt() string {
	if e.cfg.CustomPrompt != "" {
		return e.cfg.CustomPrompt
	}

	today := time.Now().Format("2006-01-02")
	return fmt.Sprintf(`You are a Memory Curator. Extract durable memories from the conversation into distinct, self-contained records.

Each memory has a category:
- "fact": objective statements about the user or their world ("Works at Acme", "Lives in Berlin")
- "preference": likes, dislikes, and stylistic choices ("Prefers concise answers", "Uses tabs over spaces")
- "skill": abilities and proficiency levels ("Fluent in Rust", "Beginner at SQL")
- "rule": constraints the assistant must always honor ("Never suggest paid tools", "Always reply in French")
- "context": situational state that will go stale ("Currently debugging a login issue", "Traveling until Friday")

CRITICAL Rules:
1. TEMPORAL: ALWAYS keep time info in the content (dates, relative refs like "yesterday").
2. COMPLETE: Each record must stand on its own with who/what/when where available.
3. SEPARATE: Distinct memories become distinct records.
4. ENTITIES: Extract named entities as a flat string map (e.g. {"person": "John", "city": "Berlin"}).
5. CONFIDENCE: Report confidence in [0,1] for each record.

Examples:
Input: Hi.
Output: {"memories": []}

Input: user: I'm Dana, I work at Acme as a data engineer. Please always answer in English.
Output: {"memories": [{"content": "Name is Dana", "category": "fact", "entities": {"person": "Dana"}, "confidence": 0.95}, {"content": "Works at Acme as a data engineer", "category": "fact", "entities": {"company": "Acme", "role": "data engineer"}, "confidence": 0.9}, {"content": "Always answer in English", "category": "rule", "entities": {}, "confidence": 0.95}]}

Rules:
- Today: %s
- Return JSON: {"memories": [{"content": "...", "category": "...", "entities": {}, "confidence": 0.0}]}
- Extract from user and assistant messages only
- If nothing is worth remembering, return an empty list
- Preserve input language

Extract memories from the conversation below:`, today)
}

// parseExtraction parses the model output into extraction entries. Code
// fences are stripped before parsing.
func parseExtraction(response string) ([]extractedEntry, error) {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	response = strings.TrimSpace(response)

	var parsed extractionResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedExtraction, err)
	}
	return parsed.Memories, nil
}
