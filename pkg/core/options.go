package core

import "github.com/engramlabs/engram-go/pkg/storage"

// recordOptions collects per-call options for RecordTurn.
type recordOptions struct {
	syncExtraction bool
}

// RecordOption configures a single RecordTurn call.
type RecordOption func(*recordOptions)

// WithSyncExtraction runs extraction inline instead of enqueueing it.
//
// Useful in tests and batch imports where the caller wants records visible
// immediately after RecordTurn returns.
func WithSyncExtraction() RecordOption {
	return func(opts *recordOptions) {
		opts.syncExtraction = true
	}
}

// searchOptions collects per-call options for Search.
type searchOptions struct {
	limit      int
	categories []storage.Category
}

// SearchOption configures a single Search call.
type SearchOption func(*searchOptions)

// WithLimit caps the number of results. Zero or unset uses the retrieval
// agent's default.
func WithLimit(limit int) SearchOption {
	return func(opts *searchOptions) {
		opts.limit = limit
	}
}

// WithCategories restricts results to the given categories.
//
// Example:
//
//	results, _ := engine.Search(ctx, ns, "deploy rules",
//	    core.WithCategories(storage.CategoryRule))
func WithCategories(categories ...storage.Category) SearchOption {
	return func(opts *searchOptions) {
		opts.categories = append(opts.categories, categories...)
	}
}

// contextOptions collects per-call options for BuildContext.
type contextOptions struct {
	tokenBudget      int
	disableConscious bool
	disableAuto      bool
}

// ContextOption configures a single BuildContext call.
type ContextOption func(*contextOptions)

// WithTokenBudget overrides the configured context token budget for one call.
func WithTokenBudget(budget int) ContextOption {
	return func(opts *contextOptions) {
		opts.tokenBudget = budget
	}
}

// WithoutConscious skips the essential set for one call even when conscious
// mode is enabled.
func WithoutConscious() ContextOption {
	return func(opts *contextOptions) {
		opts.disableConscious = true
	}
}

// WithoutAuto skips retrieval for one call even when auto mode is enabled.
func WithoutAuto() ContextOption {
	return func(opts *contextOptions) {
		opts.disableAuto = true
	}
}
