package mysql

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/engramlabs/engram-go/pkg/storage"
)

// recordColumns returns the memory record column list with the given table
// alias. All scan helpers depend on this exact order.
func recordColumns(alias string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.namespace, %[1]s.category, %[1]s.tier, %[1]s.importance,
		%[1]s.content, %[1]s.entities, %[1]s.turn_id, %[1]s.extraction_index, %[1]s.created_at,
		%[1]s.expires_at, %[1]s.last_promoted_at, %[1]s.access_count, %[1]s.last_accessed_at,
		%[1]s.superseded_by`, alias)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(scanner rowScanner) (*storage.MemoryRecord, error) {
	var record storage.MemoryRecord
	var category, tier string
	var entities []byte
	var expiresAt, lastPromotedAt, lastAccessedAt sql.NullTime

	err := scanner.Scan(&record.ID, &record.Namespace, &category, &tier, &record.Importance,
		&record.Content, &entities, &record.TurnID, &record.ExtractionIndex, &record.CreatedAt,
		&expiresAt, &lastPromotedAt, &record.AccessCount, &lastAccessedAt, &record.SupersededBy)
	if err != nil {
		return nil, err
	}

	record.Category = storage.Category(category)
	record.Tier = storage.RetentionTier(tier)
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &record.Entities); err != nil {
			return nil, err
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

func scanRecordWithRank(scanner rowScanner) (*storage.MemoryRecord, float64, error) {
	var record storage.MemoryRecord
	var category, tier string
	var entities []byte
	var expiresAt, lastPromotedAt, lastAccessedAt sql.NullTime
	var rank float64

	err := scanner.Scan(&record.ID, &record.Namespace, &category, &tier, &record.Importance,
		&record.Content, &entities, &record.TurnID, &record.ExtractionIndex, &record.CreatedAt,
		&expiresAt, &lastPromotedAt, &record.AccessCount, &lastAccessedAt, &record.SupersededBy, &rank)
	if err != nil {
		return nil, 0, err
	}

	record.Category = storage.Category(category)
	record.Tier = storage.RetentionTier(tier)
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &record.Entities); err != nil {
			return nil, 0, err
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
