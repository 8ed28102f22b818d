package rules

import (
	"windowwatch/internal/events"
)

// Filter operators usable as {"field": {"gt": 3}}.
const (
	OpGT  = "gt"
	OpGTE = "gte"
	OpLT  = "lt"
	OpLTE = "lte"
	OpNE  = "ne"
	OpIn  = "in"
)

// Matches reports whether an event of sourceType with payload counts toward spec.
func Matches(spec MetricSpec, sourceType string, payload map[string]any) bool {
	if spec.SourceType != sourceType {
		return false
	}
	return MatchFilter(spec.Filter, payload)
}

// MatchFilter requires every filter key to be present in payload and to satisfy the
// expected value. Scalars compare by equality without type coercion; operator objects
// apply each of their operators. An empty filter matches everything.
func MatchFilter(filter map[string]any, payload map[string]any) bool {
	for key, want := range filter {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if ops, isOps := want.(map[string]any); isOps {
			if !matchOperators(ops, got) {
				return false
			}
			continue
		}
		if !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

func matchOperators(ops map[string]any, got any) bool {
	for op, arg := range ops {
		switch op {
		case OpGT, OpGTE, OpLT, OpLTE:
			left, ok := asNumber(got)
			if !ok {
				return false
			}
			right, ok := asNumber(arg)
			if !ok {
				return false
			}
			if !compareNumbers(op, left, right) {
				return false
			}
		case OpNE:
			if scalarEqual(got, arg) {
				return false
			}
		case OpIn:
			list, ok := arg.([]any)
			if !ok {
				return false
			}
			found := false
			for _, candidate := range list {
				if scalarEqual(got, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func compareNumbers(op string, left, right float64) bool {
	switch op {
	case OpGT:
		return left > right
	case OpGTE:
		return left >= right
	case OpLT:
		return left < right
	case OpLTE:
		return left <= right
	}
	return false
}

func scalarEqual(a, b any) bool {
	na, okA := events.NormalizeValue(a)
	nb, okB := events.NormalizeValue(b)
	if !okA || !okB {
		return false
	}
	switch x := na.(type) {
	case nil:
		return nb == nil
	case string:
		y, ok := nb.(string)
		return ok && x == y
	case bool:
		y, ok := nb.(bool)
		return ok && x == y
	case float64:
		y, ok := nb.(float64)
		return ok && x == y
	}
	return false
}

func asNumber(v any) (float64, bool) {
	n, ok := events.NormalizeValue(v)
	if !ok {
		return 0, false
	}
	f, ok := n.(float64)
	return f, ok
}
