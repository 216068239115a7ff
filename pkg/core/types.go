package core

import (
	"strings"

	"github.com/engramlabs/engram-go/pkg/agents"
	"github.com/engramlabs/engram-go/pkg/storage"
)

// EssentialSet is the published working-memory snapshot for a namespace.
type EssentialSet = agents.EssentialSet

// TurnInput is one completed conversation exchange handed to RecordTurn.
type TurnInput struct {
	// Namespace isolates the turn (typically a user or agent ID).
	Namespace string

	// UserInput is the user's message for the turn.
	UserInput string

	// ModelOutput is the assistant's reply for the turn.
	ModelOutput string

	// Model optionally names the model that produced the reply.
	Model string

	// InputTokens and OutputTokens are optional usage counts.
	InputTokens  int
	OutputTokens int
}

// ContextSource tags which mode contributed a context entry.
type ContextSource string

const (
	// SourceConscious marks entries injected from the essential set.
	SourceConscious ContextSource = "conscious"

	// SourceAuto marks entries retrieved for the upcoming query.
	SourceAuto ContextSource = "auto"
)

// ContextEntry is one memory selected into a context block.
type ContextEntry struct {
	// Record is the underlying memory record.
	Record *storage.MemoryRecord

	// Source tags the contributing mode.
	Source ContextSource

	// Relevance is the retrieval score for auto entries; conscious entries
	// carry their importance.
	Relevance float64
}

// ContextBlock is the assembled memory context for one LLM call.
//
// A block is always safe to use: when storage is unreachable it comes back
// empty with Degraded set, never as an error.
type ContextBlock struct {
	// Namespace the block was assembled for.
	Namespace string

	// SessionID the block was assembled for.
	SessionID string

	// Entries are the selected memories, conscious entries first.
	Entries []*ContextEntry

	// TokenCount is the estimated token footprint of the entry contents.
	TokenCount int

	// Degraded is true when storage was unavailable and the block was
	// returned empty instead of failing the request.
	Degraded bool
}

// Empty reports whether the block carries no memories.
func (b *ContextBlock) Empty() bool {
	return len(b.Entries) == 0
}

// Render formats the block as a prompt fragment, one memory per line.
// An empty block renders as the empty string.
func (b *ContextBlock) Render() string {
	if b.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant memories:\n")
	for _, entry := range b.Entries {
		sb.WriteString("- ")
		sb.WriteString(entry.Record.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
