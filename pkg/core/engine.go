package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/engramlabs/engram-go/pkg/agents"
	"github.com/engramlabs/engram-go/pkg/llm"
	llmopenai "github.com/engramlabs/engram-go/pkg/llm/openai"
	"github.com/engramlabs/engram-go/pkg/storage"
	"github.com/engramlabs/engram-go/pkg/storage/mysql"
	"github.com/engramlabs/engram-go/pkg/storage/postgres"
	"github.com/engramlabs/engram-go/pkg/storage/sqlite"
)

// Engine is the main entry point of the memory system.
//
// It records conversation turns, extracts memories asynchronously, runs
// background consolidation, and assembles per-call context blocks from the
// enabled memory modes. An Engine is safe for concurrent use.
//
// Example:
//
//	config, _ := core.LoadConfigFromEnv()
//	engine, err := core.NewEngine(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//	engine.Start()
//
//	turn, _ := engine.RecordTurn(ctx, &core.TurnInput{
//	    Namespace: "user-42", UserInput: "...", ModelOutput: "...",
//	})
//	block, _ := engine.BuildContext(ctx, "user-42", sessionID, "next question")
type Engine struct {
	config *Config
	store  storage.Store
	llm    llm.Provider
	node   *snowflake.Node
	logger *slog.Logger

	extractor *agents.Extractor
	conscious *agents.Conscious
	retriever *agents.Retriever
	ingest    *ingestPipeline
	assembler *assembler

	mu            sync.RWMutex
	closed        bool
	started       bool
	consciousStop context.CancelFunc
}

// NewEngine creates an Engine from configuration, constructing the storage
// backend and LLM provider it names.
//
// Parameters:
//   - config: Engine configuration (required)
//
// Returns the engine, or an error if the configuration is invalid or a
// backend cannot be initialized.
func NewEngine(config *Config) (*Engine, error) {
	if config == nil {
		return nil, NewMemoryError("NewEngine", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := buildStore(&config.Storage)
	if err != nil {
		return nil, NewMemoryError("NewEngine", err)
	}

	provider, err := buildLLM(&config.LLM)
	if err != nil {
		_ = store.Close()
		return nil, NewMemoryError("NewEngine", err)
	}

	engine, err := NewEngineWithBackends(store, provider, config)
	if err != nil {
		_ = store.Close()
		_ = provider.Close()
		return nil, err
	}
	return engine, nil
}

// NewEngineWithBackends creates an Engine with pre-built backends.
//
// Useful for tests and for callers that manage their own store or provider
// instances. The engine takes ownership and closes both on Close.
func NewEngineWithBackends(store storage.Store, provider llm.Provider, config *Config) (*Engine, error) {
	if store == nil {
		return nil, NewMemoryError("NewEngine", fmt.Errorf("%w: store is required", ErrInvalidConfig))
	}
	if config == nil {
		config = &Config{Modes: ModesConfig{Conscious: true, Auto: true}}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, NewMemoryError("NewEngine", err)
	}

	logger := slog.Default().With("component", "engram")

	extractor := agents.NewExtractor(store, provider, node, nil)
	conscious := agents.NewConscious(store, provider, consciousConfig(config.Conscious), logger)
	retriever := agents.NewRetriever(store, retrieverConfig(config.Retrieval))

	engine := &Engine{
		config:    config,
		store:     store,
		llm:       provider,
		node:      node,
		logger:    logger,
		extractor: extractor,
		conscious: conscious,
		retriever: retriever,
		ingest:    newIngestPipeline(extractor, config.Ingest, logger),
		assembler: newAssembler(conscious, retriever, config.Modes, config.ContextTokenBudget, logger),
	}
	return engine, nil
}

// Start launches the background consolidation loop. It is a no-op when
// conscious mode is disabled or Start was already called.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.started || !e.config.Modes.Conscious {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.consciousStop = cancel
	e.conscious.Start(ctx)
	e.started = true
}

// Close stops background work and releases the storage and LLM backends.
// It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stop := e.consciousStop
	e.mu.Unlock()

	if stop != nil {
		stop()
		e.conscious.Wait()
	}
	e.ingest.close()

	var closeErr error
	if e.llm != nil {
		if err := e.llm.Close(); err != nil {
			closeErr = err
		}
	}
	if err := e.store.Close(); err != nil {
		closeErr = err
	}
	return NewMemoryError("Close", closeErr)
}

// RecordTurn persists a completed conversation exchange and schedules memory
// extraction.
//
// The turn itself is stored synchronously; extraction runs on the ingest
// workers unless WithSyncExtraction is passed. The returned turn carries the
// assigned ID.
func (e *Engine) RecordTurn(ctx context.Context, input *TurnInput, opts ...RecordOption) (*storage.ConversationTurn, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if input == nil || strings.TrimSpace(input.Namespace) == "" {
		return nil, NewMemoryError("RecordTurn", fmt.Errorf("%w: namespace is required", ErrInvalidConfig))
	}

	options := &recordOptions{}
	for _, opt := range opts {
		opt(options)
	}

	turn := &storage.ConversationTurn{
		ID:           e.node.Generate().Int64(),
		Namespace:    input.Namespace,
		UserInput:    input.UserInput,
		ModelOutput:  input.ModelOutput,
		Model:        input.Model,
		CreatedAt:    time.Now(),
		InputTokens:  input.InputTokens,
		OutputTokens: input.OutputTokens,
	}
	if err := e.store.InsertTurn(ctx, turn); err != nil {
		return nil, NewMemoryError("RecordTurn", err)
	}

	if options.syncExtraction {
		if _, err := e.extractor.ProcessTurn(ctx, turn); err != nil {
			return turn, NewMemoryError("RecordTurn", err)
		}
		return turn, nil
	}

	e.ingest.enqueue(turn)
	return turn, nil
}

// BuildContext assembles the memory context block for the next query of a
// session.
//
// The block combines the essential set (conscious mode, once per session)
// with retrieval results for nextQuery (auto mode). Storage failures degrade
// the block to empty with Degraded set; BuildContext never fails the
// caller's LLM request over memory trouble.
func (e *Engine) BuildContext(ctx context.Context, namespace, sessionID, nextQuery string, opts ...ContextOption) (*ContextBlock, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	options := &contextOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return e.assembler.build(ctx, namespace, sessionID, nextQuery, options)
}

// Search returns ranked memories matching the query.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - namespace: Namespace to search in
//   - query: Query text
//   - opts: Optional limit and category filters
//
// Returns scored records ordered best-first.
func (e *Engine) Search(ctx context.Context, namespace, query string, opts ...SearchOption) ([]*storage.ScoredRecord, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	options := &searchOptions{}
	for _, opt := range opts {
		opt(options)
	}
	limit := options.limit
	if limit == 0 {
		limit = e.retriever.DefaultLimit()
	}

	results, err := e.retriever.Search(ctx, namespace, query, limit, options.categories...)
	if err != nil {
		return nil, NewMemoryError("Search", err)
	}
	return results, nil
}

// TriggerConsolidation runs one synchronous consolidation cycle for a
// namespace.
func (e *Engine) TriggerConsolidation(ctx context.Context, namespace string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return NewMemoryError("TriggerConsolidation", e.conscious.Cycle(ctx, namespace))
}

// EssentialSet returns the currently published essential set for a
// namespace, or false when no consolidation cycle has published one yet.
func (e *Engine) EssentialSet(namespace string) (*EssentialSet, bool) {
	return e.conscious.EssentialSet(namespace)
}

// Stats returns record and turn counts for a namespace.
func (e *Engine) Stats(ctx context.Context, namespace string) (*storage.NamespaceStats, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	stats, err := e.store.Stats(ctx, namespace)
	if err != nil {
		return nil, NewMemoryError("Stats", err)
	}
	return stats, nil
}

// SweepExpired physically removes expired short-term records from a
// namespace and returns how many were deleted. Search and listing already
// exclude expired records; the sweep only reclaims space.
func (e *Engine) SweepExpired(ctx context.Context, namespace string) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	n, err := e.store.SweepExpired(ctx, namespace)
	if err != nil {
		return 0, NewMemoryError("SweepExpired", err)
	}
	return n, nil
}

// ClearNamespace removes all turns and records in a namespace, drops its
// published essential set, and resets session injection state for it.
func (e *Engine) ClearNamespace(ctx context.Context, namespace string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.store.Clear(ctx, namespace); err != nil {
		return NewMemoryError("ClearNamespace", err)
	}
	e.conscious.Forget(namespace)
	e.assembler.sessions.forgetNamespace(namespace)
	return nil
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return NewMemoryError("Engine", ErrClosed)
	}
	return nil
}

// buildStore constructs the storage backend named by the configuration.
func buildStore(cfg *StorageConfig) (storage.Store, error) {
	switch cfg.Provider {
	case "sqlite":
		return sqlite.NewClient(&sqlite.Config{
			DBPath:     configString(cfg.Config, "db_path", "./engram.db"),
			DisableFTS: configBool(cfg.Config, "disable_fts"),
		})
	case "postgres":
		return postgres.NewClient(&postgres.Config{
			Host:     configString(cfg.Config, "host", "localhost"),
			Port:     configInt(cfg.Config, "port", 5432),
			User:     configString(cfg.Config, "user", "postgres"),
			Password: configString(cfg.Config, "password", ""),
			DBName:   configString(cfg.Config, "db_name", "engram"),
			SSLMode:  configString(cfg.Config, "ssl_mode", "disable"),
		})
	case "mysql":
		return mysql.NewClient(&mysql.Config{
			Host:     configString(cfg.Config, "host", "127.0.0.1"),
			Port:     configInt(cfg.Config, "port", 3306),
			User:     configString(cfg.Config, "user", "root"),
			Password: configString(cfg.Config, "password", ""),
			DBName:   configString(cfg.Config, "db_name", "engram"),
		})
	default:
		return nil, fmt.Errorf("%w: unknown storage provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// buildLLM constructs the LLM provider named by the configuration.
func buildLLM(cfg *LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return llmopenai.NewClient(&llmopenai.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// consciousConfig maps the public configuration onto agent defaults.
func consciousConfig(cfg *ConsciousConfig) *agents.ConsciousConfig {
	out := agents.DefaultConsciousConfig()
	if cfg == nil {
		return out
	}
	if cfg.Interval > 0 {
		out.Interval = cfg.Interval
	}
	if cfg.WorkingTokenBudget > 0 {
		out.WorkingTokenBudget = cfg.WorkingTokenBudget
	}
	if cfg.PromoteAfterHits > 0 {
		out.PromoteAfterHits = cfg.PromoteAfterHits
	}
	return out
}

// retrieverConfig maps the public configuration onto agent defaults.
func retrieverConfig(cfg *RetrievalConfig) *agents.RetrieverConfig {
	out := agents.DefaultRetrieverConfig()
	if cfg == nil {
		return out
	}
	if cfg.DefaultLimit > 0 {
		out.DefaultLimit = cfg.DefaultLimit
	}
	if cfg.Timeout > 0 {
		out.Timeout = cfg.Timeout
	}
	if cfg.RecencyHalfLife > 0 {
		out.RecencyHalfLife = cfg.RecencyHalfLife
	}
	return out
}

func configString(m map[string]interface{}, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func configInt(m map[string]interface{}, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func configBool(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}
