package vectordb

import (
	"strings"
)

// ConditionKind is the predicate type of a Condition.
type ConditionKind int

const (
	// CondRange holds when the numeric field lies within [GTE, LTE]; a nil
	// bound is open.
	CondRange ConditionKind = iota
	// CondMatch holds when the field equals Value, or, for array fields,
	// when any element does.
	CondMatch
	// CondText holds when the string field contains Text.
	CondText
	// CondAny holds when the field (string or array of strings) shares at
	// least one value with Any.
	CondAny
)

// Condition is a predicate on one payload field. A missing field never
// satisfies a condition.
type Condition struct {
	Key   string
	Kind  ConditionKind
	GTE   *float64
	LTE   *float64
	Value any
	Text  string
	Any   []string
}

func Range(key string, gte, lte *float64) Condition {
	return Condition{Key: key, Kind: CondRange, GTE: gte, LTE: lte}
}

func Match(key string, value any) Condition {
	return Condition{Key: key, Kind: CondMatch, Value: value}
}

func Text(key, substr string) Condition {
	return Condition{Key: key, Kind: CondText, Text: substr}
}

func MatchAny(key string, values []string) Condition {
	return Condition{Key: key, Kind: CondAny, Any: values}
}

// Filter is a conjunction of Must conditions; a point matching any MustNot
// condition is excluded.
type Filter struct {
	Must    []Condition
	MustNot []Condition
}

// Empty reports whether the filter constrains nothing. A nil filter is empty.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.MustNot) == 0)
}

// Matches evaluates the filter against a JSON-normalised payload.
func (f *Filter) Matches(payload map[string]any) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !c.Matches(payload) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if c.Matches(payload) {
			return false
		}
	}
	return true
}

func (c Condition) Matches(payload map[string]any) bool {
	v, ok := payload[c.Key]
	if !ok || v == nil {
		return false
	}
	switch c.Kind {
	case CondRange:
		n, ok := toFloat(v)
		if !ok {
			return false
		}
		if c.GTE != nil && n < *c.GTE {
			return false
		}
		if c.LTE != nil && n > *c.LTE {
			return false
		}
		return true
	case CondMatch:
		if arr, ok := v.([]any); ok {
			for _, e := range arr {
				if equalScalar(e, c.Value) {
					return true
				}
			}
			return false
		}
		return equalScalar(v, c.Value)
	case CondText:
		s, ok := v.(string)
		return ok && strings.Contains(s, c.Text)
	case CondAny:
		for _, s := range stringsOf(v) {
			for _, want := range c.Any {
				if s == want {
					return true
				}
			}
		}
		return false
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func equalScalar(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch x := a.(type) {
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	}
	return false
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
