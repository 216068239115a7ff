package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/engramlabs/engram-go/pkg/storage"
)

// recordColumns returns the memory record column list for SELECT statements.
func recordColumns(alias string) string {
	cols := []string{
		"id", "namespace", "category", "tier", "importance", "content", "entities",
		"turn_id", "extraction_index", "created_at", "expires_at", "last_promoted_at",
		"access_count", "last_accessed_at", "superseded_by",
	}
	for i, col := range cols {
		cols[i] = alias + "." + col
	}
	return strings.Join(cols, ", ")
}

// liveWhere builds the WHERE clause that restricts a query to live,
// non-expired records in one namespace.
func liveWhere(alias, namespace string, categories []storage.Category) (string, []interface{}) {
	where := fmt.Sprintf(
		"%s.namespace = ? AND %s.superseded_by = 0 AND (%s.expires_at IS NULL OR %s.expires_at > ?)",
		alias, alias, alias, alias)
	args := []interface{}{namespace, time.Now()}

	if len(categories) > 0 {
		clause, catArgs := categoryClause(alias, categories)
		where += " AND " + clause
		args = append(args, catArgs...)
	}
	return where, args
}

// categoryClause builds an IN clause over the given categories.
func categoryClause(alias string, categories []storage.Category) (string, []interface{}) {
	placeholders := make([]string, len(categories))
	args := make([]interface{}, len(categories))
	for i, cat := range categories {
		placeholders[i] = "?"
		args[i] = string(cat)
	}
	return fmt.Sprintf("%s.category IN (%s)", alias, strings.Join(placeholders, ", ")), args
}

// buildUpdateClause translates a RecordUpdate into SET fragments.
func buildUpdateClause(update *storage.RecordUpdate) ([]string, []interface{}) {
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
	return sets, args
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans a memory record from the recordColumns column order.
func scanRecord(scanner rowScanner) (*storage.MemoryRecord, error) {
	var record storage.MemoryRecord
	var category, tier string
	var entitiesStr sql.NullString
	var expiresAt, lastPromotedAt, lastAccessedAt sql.NullTime

	err := scanner.Scan(
		&record.ID, &record.Namespace, &category, &tier, &record.Importance,
		&record.Content, &entitiesStr, &record.TurnID, &record.ExtractionIndex,
		&record.CreatedAt, &expiresAt, &lastPromotedAt,
		&record.AccessCount, &lastAccessedAt, &record.SupersededBy,
	)
	if err != nil {
		return nil, err
	}

	record.Category = storage.Category(category)
	record.Tier = storage.RetentionTier(tier)
	if entitiesStr.Valid && entitiesStr.String != "" && entitiesStr.String != "null" {
		if err := json.Unmarshal([]byte(entitiesStr.String), &record.Entities); err != nil {
			return nil, fmt.Errorf("parse entities: %w", err)
		}
	}
	if expiresAt.Valid {
		record.ExpiresAt = &expiresAt.Time
	}
	if lastPromotedAt.Valid {
		record.LastPromotedAt = &lastPromotedAt.Time
	}
	if lastAccessedAt.Valid {
		record.LastAccessedAt = &lastAccessedAt.Time
	}
	return &record, nil
}

// scanRecordWithRank scans a record plus a trailing bm25 rank column.
func scanRecordWithRank(rows *sql.Rows) (*storage.MemoryRecord, float64, error) {
	var record storage.MemoryRecord
	var category, tier string
	var entitiesStr sql.NullString
	var expiresAt, lastPromotedAt, lastAccessedAt sql.NullTime
	var rank float64

	err := rows.Scan(
		&record.ID, &record.Namespace, &category, &tier, &record.Importance,
		&record.Content, &entitiesStr, &record.TurnID, &record.ExtractionIndex,
		&record.CreatedAt, &expiresAt, &lastPromotedAt,
		&record.AccessCount, &lastAccessedAt, &record.SupersededBy,
		&rank,
	)
	if err != nil {
		return nil, 0, err
	}

	record.Category = storage.Category(category)
	record.Tier = storage.RetentionTier(tier)
	if entitiesStr.Valid && entitiesStr.String != "" && entitiesStr.String != "null" {
		if err := json.Unmarshal([]byte(entitiesStr.String), &record.Entities); err != nil {
			return nil, 0, fmt.Errorf("parse entities: %w", err)
		}
	}
	if expiresAt.Valid {
		record.ExpiresAt = &expiresAt.Time
	}
	if lastPromotedAt.Valid {
		record.LastPromotedAt = &lastPromotedAt.Time
	}
	if lastAccessedAt.Valid {
		record.LastAccessedAt = &lastAccessedAt.Time
	}
	return &record, rank, nil
}

// nullableTime converts an optional time into a driver-friendly value.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// queryTerms splits query text into lowercase search terms.
func queryTerms(text string) []string {
	return storage.QueryTerms(text)
}

// buildMatchQuery builds an FTS5 MATCH expression ORing the quoted terms.
// Quoting keeps user text from being parsed as FTS5 syntax.
func buildMatchQuery(terms []string) string {
	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// bm25Score normalizes an FTS5 bm25 rank into [0, 1]. FTS5 assigns better
// matches numerically lower (negative) ranks.
func bm25Score(rank float64) float64 {
	raw := -rank
	if raw <= 0 {
		return 0
	}
	return raw / (raw + 1)
}

// termOverlapScore scores content by the fraction of query terms it contains.
func termOverlapScore(content string, terms []string) float64 {
	return storage.TermOverlapScore(content, terms)
}

// sortScoredRecords orders results by score descending, most recent first on ties.
func sortScoredRecords(records []*storage.ScoredRecord) {
	storage.SortScored(records)
}
