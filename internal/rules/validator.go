package rules

import (
	"fmt"
	"strings"

	"windowwatch/internal/events"
	"windowwatch/internal/security"
)

type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint"`
}

// ValidationError is returned for a MetricSpec that must not be persisted.
type ValidationError struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details"`
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Problem)
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

const CodeMetricInvalid = "METRIC_SPEC_INVALID"

// Validate checks a normalized spec against limits.
func Validate(spec MetricSpec, limits security.Limits) *ValidationError {
	var details []ErrorDetail
	if spec.SourceType == "" {
		details = append(details, ErrorDetail{Field: "source_type", Problem: "required", Hint: "Name the event source type to count"})
	}
	if spec.WindowSec <= 0 {
		details = append(details, ErrorDetail{Field: "window_sec", Problem: "must be positive", Hint: "Use a window of at least 1 second"})
	} else if limits.MaxWindowSeconds > 0 && spec.WindowSec > limits.MaxWindowSeconds {
		details = append(details, ErrorDetail{Field: "window_sec", Problem: "out of range", Hint: fmt.Sprintf("max %d", limits.MaxWindowSeconds)})
	}
	if spec.Threshold < 1 {
		details = append(details, ErrorDetail{Field: "threshold", Problem: "must be at least 1", Hint: "Use a positive event count"})
	} else if limits.MaxThreshold > 0 && spec.Threshold > limits.MaxThreshold {
		details = append(details, ErrorDetail{Field: "threshold", Problem: "out of range", Hint: fmt.Sprintf("max %d", limits.MaxThreshold)})
	}
	if !spec.Severity.Valid() {
		details = append(details, ErrorDetail{Field: "severity", Problem: "unknown", Hint: "Use low, medium, high or critical"})
	}
	if limits.MaxFilterKeys > 0 && len(spec.Filter) > limits.MaxFilterKeys {
		details = append(details, ErrorDetail{Field: "filter", Problem: "too many keys", Hint: fmt.Sprintf("max %d", limits.MaxFilterKeys)})
	}
	for key, value := range spec.Filter {
		details = append(details, validateFilterValue(key, value)...)
	}

	if len(details) > 0 {
		return &ValidationError{Code: CodeMetricInvalid, Message: "metric spec failed validation", Details: details}
	}
	return nil
}

func validateFilterValue(key string, value any) []ErrorDetail {
	field := "filter." + key
	if strings.TrimSpace(key) == "" {
		return []ErrorDetail{{Field: "filter", Problem: "empty key", Hint: "Filter keys name payload fields"}}
	}
	ops, isOps := value.(map[string]any)
	if !isOps {
		if _, ok := events.NormalizeValue(value); !ok {
			return []ErrorDetail{{Field: field, Problem: "not a scalar", Hint: "Use a string, number, bool, null or operator object"}}
		}
		return nil
	}
	if len(ops) == 0 {
		return []ErrorDetail{{Field: field, Problem: "empty operator object", Hint: "Use gt, gte, lt, lte, ne or in"}}
	}
	var details []ErrorDetail
	for op, arg := range ops {
		opField := field + "." + op
		switch op {
		case OpGT, OpGTE, OpLT, OpLTE:
			if _, ok := asNumber(arg); !ok {
				details = append(details, ErrorDetail{Field: opField, Problem: "not a number", Hint: "Comparison operators take numbers"})
			}
		case OpNE:
			if _, ok := events.NormalizeValue(arg); !ok {
				details = append(details, ErrorDetail{Field: opField, Problem: "not a scalar", Hint: "ne takes a scalar"})
			}
		case OpIn:
			list, ok := arg.([]any)
			if !ok || len(list) == 0 {
				details = append(details, ErrorDetail{Field: opField, Problem: "not a list", Hint: "in takes a non-empty list of scalars"})
				continue
			}
			for i, item := range list {
				if _, ok := events.NormalizeValue(item); !ok {
					details = append(details, ErrorDetail{Field: fmt.Sprintf("%s[%d]", opField, i), Problem: "not a scalar", Hint: "in takes a list of scalars"})
				}
			}
		default:
			details = append(details, ErrorDetail{Field: opField, Problem: "unknown operator", Hint: "Use gt, gte, lt, lte, ne or in"})
		}
	}
	return details
}
