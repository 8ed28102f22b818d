package rules

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MetricSpec is a monitored rule: count events of SourceType matching Filter inside
// a sliding window of WindowSec seconds and alert once the count reaches Threshold.
type MetricSpec struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	SourceType  string         `json:"source_type"`
	Filter      map[string]any `json:"filter"`
	WindowSec   int            `json:"window_sec"`
	Threshold   int            `json:"threshold"`
	Severity    Severity       `json:"severity"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (m MetricSpec) Window() time.Duration {
	return time.Duration(m.WindowSec) * time.Second
}

// Normalize trims text fields, lowercases the severity and fills defaults.
func Normalize(spec MetricSpec) MetricSpec {
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Description = strings.TrimSpace(spec.Description)
	spec.SourceType = strings.TrimSpace(spec.SourceType)
	spec.Severity = Severity(strings.ToLower(strings.TrimSpace(string(spec.Severity))))
	if spec.Severity == "" {
		spec.Severity = SeverityMedium
	}
	if spec.Name == "" {
		spec.Name = spec.SourceType
	}
	if spec.Filter == nil {
		spec.Filter = map[string]any{}
	}
	return spec
}
