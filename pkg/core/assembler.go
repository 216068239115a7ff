package core

import (
	"context"
	"log/slog"
	"sort"

	"github.com/engramlabs/engram-go/pkg/agents"
	"github.com/engramlabs/engram-go/pkg/storage"
)

// defaultContextTokenBudget caps assembled context blocks when the
// configuration does not set a budget.
const defaultContextTokenBudget = 600

// assembler builds context blocks from the two memory modes.
//
// The conscious block (one-shot per session) comes first, retrieval results
// second. Entries are de-duplicated by record ID and the block is truncated
// to the token budget by dropping the lowest-relevance whole records. A
// storage failure degrades the block to empty instead of failing the
// request.
type assembler struct {
	conscious *agents.Conscious
	retriever *agents.Retriever
	sessions  *sessionTracker
	modes     ModesConfig
	budget    int
	logger    *slog.Logger
}

func newAssembler(conscious *agents.Conscious, retriever *agents.Retriever, modes ModesConfig, budget int, logger *slog.Logger) *assembler {
	if budget <= 0 {
		budget = defaultContextTokenBudget
	}
	return &assembler{
		conscious: conscious,
		retriever: retriever,
		sessions:  newSessionTracker(),
		modes:     modes,
		budget:    budget,
		logger:    logger,
	}
}

// build assembles the context block for the next query of a session.
func (a *assembler) build(ctx context.Context, namespace, sessionID, nextQuery string, opts *contextOptions) (*ContextBlock, error) {
	block := &ContextBlock{Namespace: namespace, SessionID: sessionID}

	useConscious := a.modes.Conscious && !opts.disableConscious
	useAuto := a.modes.Auto && !opts.disableAuto && nextQuery != ""
	if !useConscious && !useAuto {
		return block, nil
	}

	var autoResults []*storage.ScoredRecord
	if useAuto {
		results, err := a.retriever.Search(ctx, namespace, nextQuery, a.retriever.DefaultLimit())
		if err != nil {
			// Memory must never break the conversation. The session keeps
			// its one-shot injection for a later, healthy build.
			a.logger.Warn("context retrieval degraded", "namespace", namespace, "error", err)
			block.Degraded = true
			return block, nil
		}
		autoResults = results
	}

	var entries []*ContextEntry
	seen := make(map[int64]bool)

	if useConscious {
		if set, ok := a.conscious.EssentialSet(namespace); ok && a.sessions.consume(namespace, sessionID) {
			for _, record := range set.Records {
				if seen[record.ID] {
					continue
				}
				seen[record.ID] = true
				entries = append(entries, &ContextEntry{
					Record:    record,
					Source:    SourceConscious,
					Relevance: record.Importance,
				})
			}
		}
	}

	for _, scored := range autoResults {
		if seen[scored.Record.ID] {
			continue
		}
		seen[scored.Record.ID] = true
		entries = append(entries, &ContextEntry{
			Record:    scored.Record,
			Source:    SourceAuto,
			Relevance: scored.Score,
		})
	}

	budget := a.budget
	if opts.tokenBudget > 0 {
		budget = opts.tokenBudget
	}
	block.Entries, block.TokenCount = fitBudget(entries, budget)
	return block, nil
}

// fitBudget drops whole entries, lowest relevance first, until the estimated
// token footprint fits the budget. Surviving entries keep their original
// order.
func fitBudget(entries []*ContextEntry, budget int) ([]*ContextEntry, int) {
	total := 0
	costs := make(map[*ContextEntry]int, len(entries))
	for _, entry := range entries {
		cost := agents.EstimateTokens(entry.Record.Content)
		costs[entry] = cost
		total += cost
	}
	if total <= budget {
		return entries, total
	}

	byRelevance := make([]*ContextEntry, len(entries))
	copy(byRelevance, entries)
	sort.SliceStable(byRelevance, func(i, j int) bool {
		return byRelevance[i].Relevance < byRelevance[j].Relevance
	})

	dropped := make(map[*ContextEntry]bool)
	for _, entry := range byRelevance {
		if total <= budget {
			break
		}
		dropped[entry] = true
		total -= costs[entry]
	}

	kept := entries[:0:0]
	for _, entry := range entries {
		if !dropped[entry] {
			kept = append(kept, entry)
		}
	}
	return kept, total
}
