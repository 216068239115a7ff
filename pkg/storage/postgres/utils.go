package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

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

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans a memory record from the recordColumns column order.
func scanRecord(scanner rowScanner) (*storage.MemoryRecord, error) {
	var record storage.MemoryRecord
	var category, tier string
	var entities []byte
	var expiresAt, lastPromotedAt, lastAccessedAt sql.NullTime

	err := scanner.Scan(
		&record.ID, &record.Namespace, &category, &tier, &record.Importance,
		&record.Content, &entities, &record.TurnID, &record.ExtractionIndex,
		&record.CreatedAt, &expiresAt, &lastPromotedAt,
		&record.AccessCount, &lastAccessedAt, &record.SupersededBy,
	)
	if err != nil {
		return nil, err
	}

	record.Category = storage.Category(category)
	record.Tier = storage.RetentionTier(tier)
	if len(entities) > 0 && string(entities) != "null" {
		if err := json.Unmarshal(entities, &record.Entities); err != nil {
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

// scanRecordWithRank scans a record plus a trailing ts_rank column.
func scanRecordWithRank(rows *sql.Rows) (*storage.MemoryRecord, float64, error) {
	var record storage.MemoryRecord
	var category, tier string
	var entities []byte
	var expiresAt, lastPromotedAt, lastAccessedAt sql.NullTime
	var rank float64

	err := rows.Scan(
		&record.ID, &record.Namespace, &category, &tier, &record.Importance,
		&record.Content, &entities, &record.TurnID, &record.ExtractionIndex,
		&record.CreatedAt, &expiresAt, &lastPromotedAt,
		&record.AccessCount, &lastAccessedAt, &record.SupersededBy,
		&rank,
	)
	if err != nil {
		return nil, 0, err
	}

	record.Category = storage.Category(category)
	record.Tier = storage.RetentionTier(tier)
	if len(entities) > 0 && string(entities) != "null" {
		if err := json.Unmarshal(entities, &record.Entities); err != nil {
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
