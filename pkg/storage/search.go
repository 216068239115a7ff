package storage

import (
	"sort"
	"strings"
	"unicode"
)

// QueryTerms splits query text into lowercase search terms, dropping
// punctuation and single-character fragments.
func QueryTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

// TermOverlapScore scores content by the fraction of query terms present in
// it. This is the scoring used by substring-fallback search, where the
// backend provides no native ranking.
func TermOverlapScore(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	contentLower := strings.ToLower(content)

	matched := 0
	for _, term := range terms {
		if strings.Contains(contentLower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// SortScored orders results by score descending; ties break most-recent-first.
func SortScored(records []*ScoredRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].Record.CreatedAt.After(records[j].Record.CreatedAt)
	})
}
