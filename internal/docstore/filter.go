package docstore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Matches reports whether a document satisfies every filter. An absent field
// never satisfies an equality or range filter.
func Matches(doc Doc, filters []Filter) bool {
	for _, f := range filters {
		cmp, comparable := Compare(doc[f.Field], f.Value)
		switch f.Op {
		case OpEqual:
			if !comparable || cmp != 0 {
				return false
			}
		case OpNotEqual:
			if comparable && cmp == 0 {
				return false
			}
		case OpLess:
			if !comparable || cmp >= 0 {
				return false
			}
		case OpLessEqual:
			if !comparable || cmp > 0 {
				return false
			}
		case OpGreater:
			if !comparable || cmp <= 0 {
				return false
			}
		case OpGreaterEqual:
			if !comparable || cmp < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// SortAndLimit orders records by the query's OrderBy field (created_at when
// unset) and applies the limit. Ties break on record id for stable output.
func SortAndLimit(records []Record, q Query) []Record {
	field := q.OrderBy
	if field == "" {
		field = "created_at"
	}
	sort.SliceStable(records, func(i, j int) bool {
		cmp, ok := Compare(records[i].Data[field], records[j].Data[field])
		if !ok {
			return records[i].ID < records[j].ID
		}
		if q.Descending {
			return cmp > 0
		}
		return cmp < 0
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records
}

// Compare orders two document values. Numbers are normalized to float64 so
// values that survived a JSON round trip compare equal to their originals.
func Compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		// RFC 3339 strings are compared as instants: lexicographic order
		// breaks across fractional-second precision differences.
		if at, err := time.Parse(time.RFC3339Nano, av); err == nil {
			if bt, err := time.Parse(time.RFC3339Nano, bv); err == nil {
				return at.Compare(bt), true
			}
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
		return 0, false
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	default:
		if fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) {
			return 0, true
		}
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// CloneDoc returns a deep copy of a document.
func CloneDoc(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Doc:
		return CloneDoc(t)
	case map[string]any:
		return map[string]any(CloneDoc(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
