// Package mysql provides the MySQL implementation of the memory store.
//
// Search uses an InnoDB FULLTEXT index in natural language mode, so results
// are tagged with the native strategy. The relevance score reported by
// MATCH ... AGAINST is unbounded and is normalized into [0, 1).
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/engramlabs/engram-go/pkg/storage"
)

// Client implements storage.Store using MySQL as the backend.
type Client struct {
	db *sql.DB
}

// Config contains configuration for creating a MySQL store.
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
}

// NewClient creates a new MySQL store.
func NewClient(cfg *Config) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewMySQLClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewMySQLClient: %w: %v", storage.ErrUnavailable, err)
	}

	client := &Client{db: db}
	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return client, nil
}

// initTables initializes the turn and memory tables. The FULLTEXT key on
// content backs native search.
func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id             BIGINT PRIMARY KEY,
			namespace      VARCHAR(255) NOT NULL,
			user_input     TEXT NOT NULL,
			model_output   TEXT NOT NULL,
			model          VARCHAR(255),
			created_at     DATETIME(6) NOT NULL,
			input_tokens   INT NOT NULL DEFAULT 0,
			output_tokens  INT NOT NULL DEFAULT 0,
			KEY idx_turns_namespace (namespace, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id               BIGINT PRIMARY KEY,
			namespace        VARCHAR(255) NOT NULL,
			category         VARCHAR(32) NOT NULL,
			tier             VARCHAR(32) NOT NULL,
			importance       DOUBLE NOT NULL DEFAULT 0,
			content          TEXT NOT NULL,
			entities         JSON,
			turn_id          BIGINT NOT NULL,
			extraction_index INT NOT NULL,
			created_at       DATETIME(6) NOT NULL,
			expires_at       DATETIME(6),
			last_promoted_at DATETIME(6),
			access_count     INT NOT NULL DEFAULT 0,
			last_accessed_at DATETIME(6),
			superseded_by    BIGINT NOT NULL DEFAULT 0,
			UNIQUE KEY uniq_extraction (namespace, turn_id, extraction_index),
			KEY idx_memories_namespace (namespace, superseded_by),
			KEY idx_memories_tier (namespace, tier),
			FULLTEXT KEY ft_memories_content (content)
		)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
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
		ON DUPLICATE KEY UPDATE id = id`,
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

	if update.Tier != nil {
		sets = append(sets, "tier = ?")
		args = append(args, string(*update.Tier))
	}
	if update.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, *update.Importance)
	}
	if update.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *update.Content)
	}
	if update.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	} else if update.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, *update.ExpiresAt)
	}
	if update.LastPromotedAt != nil {
		sets = append(sets, "last_promoted_at = ?")
		args = append(args, *update.LastPromotedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, namespace, id)

	res, err := c.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE memories SET %s WHERE namespace = ? AND id = ?", strings.Join(sets, ", ")), args...)
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

// Search matches query text using FULLTEXT natural language mode. The raw
// relevance is normalized as score/(score+1).
func (c *Client) Search(ctx context.Context, query *storage.SearchQuery) (*storage.SearchResult, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	terms := storage.QueryTerms(query.Text)
	if len(terms) == 0 {
		return &storage.SearchResult{Strategy: storage.StrategyNative}, nil
	}
	matchText := strings.Join(terms, " ")

	where := "m.namespace = ? AND m.superseded_by = 0 AND (m.expires_at IS NULL OR m.expires_at > ?)"
	args := []interface{}{matchText, query.Namespace, time.Now()}
	if len(query.Categories) > 0 {
		placeholders := make([]string, len(query.Categories))
		for i, cat := range query.Categories {
			placeholders[i] = "?"
			args = append(args, string(cat))
		}
		where += fmt.Sprintf(" AND m.category IN (%s)", strings.Join(placeholders, ", "))
	}
	args = append(args, matchText, limit)

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, MATCH(m.content) AGAINST (? IN NATURAL LANGUAGE MODE) AS rank
		FROM memories m
		WHERE %s AND MATCH(m.content) AGAINST (? IN NATURAL LANGUAGE MODE)
		ORDER BY rank DESC, m.created_at DESC
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
			Score:  rank / (rank + 1),
		})
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

	where := "m.namespace = ? AND (m.expires_at IS NULL OR m.expires_at > ?)"
	args := []interface{}{namespace, time.Now()}
	if !filter.IncludeSuperseded {
		where += " AND m.superseded_by = 0"
	}
	if len(filter.Categories) > 0 {
		placeholders := make([]string, len(filter.Categories))
		for i, cat := range filter.Categories {
			placeholders[i] = "?"
			args = append(args, string(cat))
		}
		where += fmt.Sprintf(" AND m.category IN (%s)", strings.Join(placeholders, ", "))
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
	return records, rows.Err()
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
