package filter

import (
	"collab-sync-server/internal/database"
	"collab-sync-server/internal/decoder"
)

// Evaluator applies a view's filters to rows, decoding cells through a
// shared cache.
type Evaluator struct {
	cache *decoder.Cache
}

func NewEvaluator(cache *decoder.Cache) *Evaluator {
	if cache == nil {
		cache = decoder.NewCache()
	}
	return &Evaluator{cache: cache}
}

// Include reports whether row passes every filter. Filters whose field is
// gone or whose field changed type since the filter was created are
// skipped.
func (e *Evaluator) Include(fields map[string]database.Field, filters []database.Filter, row *database.Row) bool {
	for _, f := range filters {
		field, ok := fields[f.FieldID]
		if !ok || field.Type != f.FieldType {
			continue
		}
		cell, ok := row.Cell(field)
		v := e.cache.Value(row.ID(), field, cell, ok)
		if !Matches(field.Type, v, f.Condition, f.Content) {
			return false
		}
	}
	return true
}
