// Package postgres provides the PostgreSQL implementation of the memory store.
//
// Search uses tsvector full-text matching ranked with ts_rank, so results are
// always tagged with the native strategy. A GIN expression index over the
// record content keeps matching efficient for large namespaces.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/engramlabs/engram-go/pkg/storage"
)

// Client implements storage.Store using PostgreSQL as the backend.
type Client struct {
	db *sql.DB
}

// Config contains configuration for creating a PostgreSQL store.
type Config struct {
	// Host is the database host.
	Host string

	// Port is the database port.
	Port int

	// User is the database user.
	User string

	// Password is the database password.
	Password string

	// DBName is the database name.
	DBName string

	// SSLMode is the sslmode connection parameter (defaults to "disable").
	SSLMode string
}

// NewClient creates a new PostgreSQL store.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w: %v", storage.ErrUnavailable, err)
	}

	client := &Client{db: db}
	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return client, nil
}

// initTables initializes the turn and memory tables plus the full-text index.
func (c *Client) initTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id             BIGINT PRIMARY KEY,
		namespace      TEXT NOT NULL,
		user_input     TEXT NOT NULL,
		model_output   TEXT NOT NULL,
		model          TEXT,
		created_at     TIMESTAMPTZ NOT NULL,
		input_tokens   INTEGER NOT NULL DEFAULT 0,
		output_tokens  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_namespace ON turns(namespace, created_at);

	CREATE TABLE IF NOT EXISTS memories (
		id               BIGINT PRIMARY KEY,
		namespace        TEXT NOT NULL,
		category         TEXT NOT NULL,
		tier             TEXT NOT NULL,
		importance       DOUBLE PRECISION NOT NULL DEFAULT 0,
		content          TEXT NOT NULL,
		entities         JSONB,
		turn_id          BIGINT NOT NULL,
		extraction_index INTEGER NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		expires_at       TIMESTAMPTZ,
		last_promoted_at TIMESTAMPTZ,
		access_count     INTEGER NOT NULL DEFAULT 0,
		last_accessed_at TIMESTAMPTZ,
		superseded_by    BIGINT NOT NULL DEFAULT 0,
		UNIQUE(namespace, turn_id, extraction_index)
	);
	CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace, superseded_by);
	CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(namespace, tier);
	CREATE INDEX IF NOT EXISTS idx_memories_content_fts ON memories
		USING GIN (to_tsvector('english', content));
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	return nil
}

// InsertTurn appends a conversation turn.
func (c *Client) InsertTurn(ctx context.Context, turn *storage.ConversationTurn) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO turns (id, namespace, user_input, model_output, model, created_at, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
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
		FROM turns WHERE namespace = $1 AND id = $2`, namespace, id)

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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, 0)
		ON CONFLICT (namespace, turn_id, extraction_index) DO NOTHING`,
		record.ID, record.Namespace, string(record.Category), string(record.Tier),
		record.Importance, record.Content, string(entitiesJSON),
		record.TurnID, record.ExtractionIndex, record.CreatedAt, record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("InsertRecord: %w", err)
	}
	return nil
}

// UpdateRecord applies a consolidation revision to a record.
func (c *Client) UpdateRecord(ctx context.Context, namespace string, id int64, update *storage.RecordUpdate) error {
	var sets []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Tier != nil {
		sets = append(sets, "tier = "+arg(string(*update.Tier)))
	}
	if update.Importance != nil {
		sets = append(sets, "importance = "+arg(*update.Importance))
	}
	if update.Content != nil {
		sets = append(sets, "content = "+arg(*update.Content))
	}
	if update.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	} else if update.ExpiresAt != nil {
		sets = append(sets, "expires_at = "+arg(*update.ExpiresAt))
	}
	if update.LastPromotedAt != nil {
		sets = append(sets, "last_promoted_at = "+arg(*update.LastPromotedAt))
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE memories SET %s WHERE namespace = %s AND id = %s",
		strings.Join(sets, ", "), arg(namespace), arg(id))

	res, err := c.db.ExecContext(ctx, query, args...)
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
		`UPDATE memories SET superseded_by = $1 WHERE namespace = $2 AND id = $3 AND superseded_by = 0`,
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
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = $1
		 WHERE namespace = $2 AND id IN (%s)`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return fmt.Errorf("TouchRecords: %w", err)
	}
	return nil
}

// Search matches query text using tsvector full-text search ranked with
// ts_rank. The rank is normalized into [0, 1] and results are always tagged
// with the native strategy.
func (c *Client) Search(ctx context.Context, query *storage.SearchQuery) (*storage.SearchResult, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	terms := storage.QueryTerms(query.Text)
	if len(terms) == 0 {
		return &storage.SearchResult{Strategy: storage.StrategyNative}, nil
	}

	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	queryArg := arg(strings.Join(terms, " "))
	where := fmt.Sprintf(
		"m.namespace = %s AND m.superseded_by = 0 AND (m.expires_at IS NULL OR m.expires_at > %s)",
		arg(query.Namespace), arg(time.Now()))

	if len(query.Categories) > 0 {
		placeholders := make([]string, len(query.Categories))
		for i, cat := range query.Categories {
			placeholders[i] = arg(string(cat))
		}
		where += fmt.Sprintf(" AND m.category IN (%s)", strings.Join(placeholders, ", "))
	}

	// ts_rank normalization flag 32 maps the rank into [0, 1).
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s,
			ts_rank(to_tsvector('english', m.content), plainto_tsquery('english', %s), 32) AS rank
		FROM memories m
		WHERE to_tsvector('english', m.content) @@ plainto_tsquery('english', %s) AND %s
		ORDER BY rank DESC, m.created_at DESC
		LIMIT %s`, recordColumns("m"), queryArg, queryArg, where, arg(limit)), args...)
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
		result.Records = append(result.Records, &storage.ScoredRecord{Record: record, Score: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	return result, nil
}

// ListRecords scans live, non-expired records ordered by
// (importance desc, created desc).
func (c *Client) ListRecords(ctx context.Context, namespace string, filter *storage.ListFilter) ([]*storage.MemoryRecord, error) {
	if filter == nil {
		filter = &storage.ListFilter{}
	}

	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := fmt.Sprintf("m.namespace = %s AND (m.expires_at IS NULL OR m.expires_at > %s)",
		arg(namespace), arg(time.Now()))
	if !filter.IncludeSuperseded {
		where += " AND m.superseded_by = 0"
	}
	if len(filter.Categories) > 0 {
		placeholders := make([]string, len(filter.Categories))
		for i, cat := range filter.Categories {
			placeholders[i] = arg(string(cat))
		}
		where += fmt.Sprintf(" AND m.category IN (%s)", strings.Join(placeholders, ", "))
	}
	if filter.Tier != "" {
		where += " AND m.tier = " + arg(string(filter.Tier))
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
	return records, rows.Err()
}

// SweepExpired physically deletes expired short-term records.
func (c *Client) SweepExpired(ctx context.Context, namespace string) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM memories WHERE namespace = $1 AND expires_at IS NOT NULL AND expires_at <= $2`,
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
	if _, err := c.db.ExecContext(ctx, `DELETE FROM memories WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("Clear: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM turns WHERE namespace = $1`, namespace); err != nil {
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
		`SELECT COUNT(*) FROM turns WHERE namespace = $1`, namespace).Scan(&stats.Turns); err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE namespace = $1 AND superseded_by != 0`, namespace).Scan(&stats.Superseded); err != nil {
		return nil, fmt.Errorf("Stats: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT tier, category, COUNT(*) FROM memories
		WHERE namespace = $1 AND superseded_by = 0
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
