package alerts

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"windowwatch/internal/rules"
)

// DefaultBaselineRate is reported when no resolved window is available to compare against.
const DefaultBaselineRate = 0.7

// FailureSpike compares the failure rate of an ACTIVE failure metric against the
// rate it had when it last resolved.
type FailureSpike struct {
	MetricID          string         `json:"metric_id"`
	MetricName        string         `json:"metric_name"`
	SourceType        string         `json:"source_type"`
	Severity          rules.Severity `json:"severity"`
	SeverityLabel     string         `json:"severity_label"`
	CurrentCount      int            `json:"current_count"`
	Threshold         int            `json:"threshold"`
	CurrentRatePct    float64        `json:"current_rate_pct"`
	BaselineRatePct   float64        `json:"baseline_rate_pct"`
	CurrentVsBaseline string         `json:"current_vs_baseline"`
	DetectedAt        time.Time      `json:"detected_at"`
	DurationMins      int            `json:"duration_mins"`
}

// SpikeCounts are the event totals a spike is computed from. WindowTotal counts
// every event of the source type in the current window; the baseline pair
// describes the window that ended at the last resolve.
type SpikeCounts struct {
	WindowTotal    int
	BaselineFailed int
	BaselineTotal  int
}

// IsFailureMetric reports whether a spec tracks failures, by name or by filter value.
func IsFailureMetric(spec rules.MetricSpec) bool {
	if strings.Contains(strings.ToLower(spec.Name), "fail") {
		return true
	}
	if len(spec.Filter) == 0 {
		return false
	}
	raw, err := json.Marshal(spec.Filter)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), "fail")
}

// Rate is part/total as a percentage rounded to one decimal. It is 0 when total is 0.
func Rate(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*1000) / 10
}

// NewFailureSpike builds the spike card for an ACTIVE state. It reports false
// when the state carries no detection instant.
func NewFailureSpike(spec rules.MetricSpec, st AnomalyState, counts SpikeCounts, now time.Time) (FailureSpike, bool) {
	var detected time.Time
	switch {
	case st.DetectedAt != nil:
		detected = *st.DetectedAt
	case st.LastSeenAt != nil:
		detected = *st.LastSeenAt
	default:
		return FailureSpike{}, false
	}
	baseline := DefaultBaselineRate
	if counts.BaselineTotal > 0 {
		baseline = Rate(counts.BaselineFailed, counts.BaselineTotal)
	}
	current := Rate(st.CurrentCount, counts.WindowTotal)
	mins := int(now.Sub(detected) / time.Minute)
	if mins < 0 {
		mins = 0
	}
	label := "High"
	if spec.Severity == rules.SeverityCritical {
		label = "Critical"
	}
	return FailureSpike{
		MetricID:          spec.ID,
		MetricName:        spec.Name,
		SourceType:        spec.SourceType,
		Severity:          spec.Severity,
		SeverityLabel:     label,
		CurrentCount:      st.CurrentCount,
		Threshold:         spec.Threshold,
		CurrentRatePct:    current,
		BaselineRatePct:   baseline,
		CurrentVsBaseline: fmt.Sprintf("%.1f%% vs %.1f%%", current, baseline),
		DetectedAt:        detected.UTC(),
		DurationMins:      mins,
	}, true
}
