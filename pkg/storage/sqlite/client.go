// Package sqlite provides the SQLite implementation of the memory store.
//
// SQLite is a lightweight, file-based database suitable for local development
// and single-process deployments. Search uses an FTS5 index with bm25 ranking
// when the loaded SQLite build supports FTS5 (mattn/go-sqlite3 needs the
// sqlite_fts5 build tag for that), and falls back to case-insensitive
// substring matching otherwise. The strategy actually used is reported on
// every search result, and FTSEnabled exposes the detected capability.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/engramlabs/engram-go/pkg/storage"
)

// Client implements storage.Store using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB

	// ftsEnabled reports whether the FTS5 index is available. When false,
	// Search uses substring fallback and tags results accordingly.
	ftsEnabled bool
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// DisableFTS forces substring fallback search even when the SQLite
	// build supports FTS5. Mainly useful for tests and comparisons.
	DisableFTS bool
}

// NewClient creates a new SQLite store.
//
// Parameters:
//   - cfg: Configuration containing the database path
//
// Returns:
//   - *Client: The SQLite store instance
//   - error: Error if the database cannot be opened or migrated
func NewClient(cfg *Config) (*Client, error) {
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w: %v", storage.ErrUnavailable, err)
	}

	client := &Client{db: db}

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if !cfg.DisableFTS {
		// Detect FTS5 support. Builds without the fts5 extension fail
		// here, in which case search degrades to substring matching.
		client.ftsEnabled = client.initFTS(context.Background()) == nil
	}

	return client, nil
}

// initTables initializes the turn and memory tables.
func (c *Client) initTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id             INTEGER PRIMARY KEY,
		namespace      TEXT NOT NULL,
		user_input     TEXT NOT NULL,
		model_output   TEXT NOT NULL,
		model          TEXT,
		created_at     DATETIME NOT NULL,
		input_tokens   INTEGER NOT NULL DEFAULT 0,
		output_tokens  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_namespace ON turns(namespace, created_at);

	CREATE TABLE IF NOT EXISTS memories (
		id               INTEGER PRIMARY KEY,
		namespace        TEXT NOT NULL,
		category         TEXT NOT NULL,
		tier             TEXT NOT NULL,
		importance       REAL NOT NULL DEFAULT 0,
		content          TEXT NOT NULL,
		entities         TEXT,
		turn_id          INTEGER NOT NULL,
		extraction_index INTEGER NOT NULL,
		created_at       DATETIME NOT NULL,
		expires_at       DATETIME,
		last_promoted_at DATETIME,
		access_count     INTEGER NOT NULL DEFAULT 0,
		last_accessed_at DATETIME,
		superseded_by    INTEGER NOT NULL DEFAULT 0,
		UNIQUE(namespace, turn_id, extraction_index)
	);
	CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace, superseded_by);
	CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(namespace, tier);
	CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	return nil
}

// initFTS creates the external-content FTS5 index and its sync triggers.
func (c *Client) initFTS(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content=memories,
			content_rowid=id
		)`); err != nil {
		return err
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
		END`,
	}
	for _, t := range triggers {
		if _, err := c.db.ExecContext(ctx, t); err != nil {
			return err
		}
	}

	// Backfill rows inserted while FTS was unavailable.
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memories_fts(rowid, content) SELECT id, content FROM memories`)
	return err
}

// InsertTurn appends a conversation turn.
func (c *Client) InsertTurn(ctx context.Context, turn *storage.ConversationTurn) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO turns (id, namespace, user_input, model_output, model, created_at, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.Namespace, turn.UserInput, turn.ModelOutput, turn.Model,
		turn.CreatedAt, turn.InputTokens, turn.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("InsertTurn: %w", err)
	}
	return nil
}

// GetTurn retrieves a turn by ID within a namespace.
func (c *Client) GetTurn(ctx context.Context, namespace string, id int64) (*storage.ConversationTurn, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, namespace, user_input, model_output, model, created_at, input_tokens, output_tokens
		FROM turns WHERE namespace = ? AND id = ?`, namespace, id)

	var turn storage.ConversationTurn
	var model sql.NullString
	err := row.Scan(&turn.ID, &turn.Namespace, &turn.UserInput, &turn.ModelOutput,
		&model, &turn.CreatedAt, &turn.InputTokens, &turn.OutputTokens)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTurn: %w", err)
	}
	turn.Model = model.String
	return &turn, nil
}

// InsertRecord inserts a memory record, idempotent on
// (namespace, turn_id, extraction_index).
func (c *Client) InsertRecord(ctx context.Context, record *storage.MemoryRecord) error {
	entitiesJSON, err := json.Marshal(record.Entities)
	if err != nil {
		return fmt.Errorf("InsertRecord: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO memories
		(id, namespace, category, tier, importance, content, entities, turn_id, extraction_index,
		 created_at, expires_at, access_count, superseded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT(namespace, turn_id, extraction_index) DO NOTHING`,
		record.ID, record.Namespace, string(record.Category), string(record.Tier),
		record.Importance, record.Content, string(entitiesJSON),
		record.TurnID, record.ExtractionIndex, record.CreatedAt, nullableTime(record.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("InsertRecord: %w", err)
	}
	return nil
}

// UpdateRecord applies a consolidation revision to a record.
func (c *Client) UpdateRecord(ctx context.Context, namespace string, id int64, update *storage.RecordUpdate) error {
	sets, args := buildUpdateClause(update)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, namespace, id)

	res, err := c.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE memories SET %s WHERE namespace = ? AND id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("UpdateRecord: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateRecord: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SupersedeRecord soft-deletes loser in favor of winner.
func (c *Client) SupersedeRecord(ctx context.Context, namespace string, loser, winner int64) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE memories SET superseded_by = ? WHERE namespace = ? AND id = ? AND superseded_by = 0`,
		winner, namespace, loser)
	if err != nil {
		return fmt.Errorf("SupersedeRecord: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SupersedeRecord: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TouchRecords increments access counters for matched records.
func (c *Client) TouchRecords(ctx context.Context, namespace string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := []interface{}{time.Now(), namespace}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		 WHERE namespace = ? AND id IN (%s)`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return fmt.Errorf("TouchRecords: %w", err)
	}
	return nil
}

// Search matches query text against live, non-expired record content.
//
// When FTS5 is available the match uses bm25 ranking and the result is
// tagged StrategyNative; otherwise a case-insensitive substring scan is used
// and the result is tagged StrategyFallback.
func (c *Client) Search(ctx context.Context, query *storage.SearchQuery) (*storage.SearchResult, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	terms := queryTerms(query.Text)
	if len(terms) == 0 {
		return &storage.SearchResult{Strategy: c.strategy()}, nil
	}

	if c.ftsEnabled {
		return c.searchFTS(ctx, query, terms, limit)
	}
	return c.searchLike(ctx, query, terms, limit)
}

// searchFTS runs an FTS5 match ranked by bm25.
func (c *Client) searchFTS(ctx context.Context, query *storage.SearchQuery, terms []string, limit int) (*storage.SearchResult, error) {
	match := buildMatchQuery(terms)

	where, args := liveWhere("m", query.Namespace, query.Categories)
	args = append([]interface{}{match}, args...)
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, bm25(memories_fts) AS rank
		FROM memories_fts f
		JOIN memories m ON m.id = f.rowid
		WHERE memories_fts MATCH ? AND %s
		ORDER BY rank
		LIMIT ?`, recordColumns("m"), where), args...)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := &storage.SearchResult{Strategy: storage.StrategyNative}
	for rows.Next() {
		record, rank, err := scanRecordWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("Search: %w", err)
		}
		result.Records = append(result.Records, &storage.ScoredRecord{
			Record: record,
			Score:  bm25Score(rank),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	return result, nil
}

// searchLike runs the substring fallback: any term matching qualifies a row,
// scored by the fraction of query terms present in the content.
func (c *Client) searchLike(ctx context.Context, query *storage.SearchQuery, terms []string, limit int) (*storage.SearchResult, error) {
	where, args := liveWhere("m", query.Namespace, query.Categories)

	likes := make([]string, len(terms))
	for i, term := range terms {
		likes[i] = "lower(m.content) LIKE ?"
		args = append(args, "%"+strings.ToLower(term)+"%")
	}
	args = append(args, limit*4) // over-fetch, final ordering happens in Go

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories m
		WHERE %s AND (%s)
		ORDER BY m.created_at DESC
		LIMIT ?`, recordColumns("m"), where, strings.Join(likes, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := &storage.SearchResult{Strategy: storage.StrategyFallback}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("Search: %w", err)
		}
		result.Records = append(result.Records, &storage.ScoredRecord{
			Record: record,
			Score:  termOverlapScore(record.Content, terms),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	sortScoredRecords(result.Records)
	if len(result.Records) > limit {
		result.Records = result.Records[:limit]
	}
	return result, nil
}

// ListRecords scans live, non-expired records ordered by
// (importance desc, created desc).
func (c *Client) ListRecords(ctx context.Context, namespace string, filter *storage.ListFilter) ([]*storage.MemoryRecord, error) {
	if filter == nil {
		filter = &storage.ListFilter{}
	}

	var where string
	var args []interface{}
	if filter.IncludeSuperseded {
		where = "m.namespace = ? AND (m.expires_at IS NULL OR m.expires_at > ?)"
		args = []interface{}{namespace, time.Now()}
	} else {
		where, args = liveWhere("m", namespace, filter.Categories)
	}
	if filter.IncludeSuperseded && len(filter.Categories) > 0 {
		clause, catArgs := categoryClause("m", filter.Categories)
		where += " AND " + clause
		args = append(args, catArgs...)
	}
	if filter.Tier != "" {
		where += " AND m.tier = ?"
		args = append(args, string(filter.Tier))
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM memories m
		WHERE %s
		ORDER BY m.importance DESC, m.created_at DESC`, recordColumns("m"), where), args...)
	if err != nil {
		return nil, fmt.Errorf("ListRecords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.MemoryRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRecords: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListRecords: %w", err)
	}
	return records, nil
}

// SweepExpired physically deletes expired short-term records.
func (c *Client) SweepExpired(ctx context.Context, namespace string) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM memories WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		namespace, time.Now())
	if err != nil {
		return 0, fmt.Errorf("SweepExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("SweepExpired: %w", err)
	}
	return int(n), nil
}

// Clear removes all turns and records in a namespace.
func (c *Client) Clear(ctx context.Context, namespace string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM memories WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("Clear: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM turns WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("Clear: %w", err)
	}
	return nil
}

// Namespaces lists all namespaces with at least one record or turn.
func (c *Client) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT namespace FROM memories
		UNION
		SELECT namespace FROM turns
		ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("Namespaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("Namespaces: %w", err)
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}

// Stats aggregates per-tier and per-category counts for a namespace.
func (c *Client) Stats(ctx context.Context, namespace string) (*storage.NamespaceStats, error) {
	stats := &storage.NamespaceStats{
		Namespace:  namespace,
		ByTier:     make(map[storage.RetentionTier]int),
		ByCategory: make(map[storage.Category]int),
	}

	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE namespace = ?`, namespace).Scan(&stats.Turns); err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE namespace = ? AND superseded_by != 0`, namespace).Scan(&stats.Superseded); err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT tier, category, COUNT(*) FROM memories
		WHERE namespace = ? AND superseded_by = 0
		GROUP BY tier, category`, namespace)
	if err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tier, category string
		var count int
		if err := rows.Scan(&tier, &category, &count); err != nil {
			return nil, fmt.Errorf("Stats: %w", err)
		}
		stats.ByTier[storage.RetentionTier(tier)] += count
		stats.ByCategory[storage.Category(category)] += count
		stats.Records += count
	}
	return stats, rows.Err()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// FTSEnabled reports whether the FTS5 index is in use. False means the
// SQLite build lacks FTS5 (or DisableFTS was set) and searches run the
// substring fallback.
func (c *Client) FTSEnabled() bool {
	return c.ftsEnabled
}

// strategy reports which search strategy this client will use.
func (c *Client) strategy() storage.SearchStrategy {
	if c.ftsEnabled {
		return storage.StrategyNative
	}
	return storage.StrategyFallback
}
