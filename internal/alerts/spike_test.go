package alerts

import (
	"testing"
	"time"

	"windowwatch/internal/rules"
)

func TestIsFailureMetric(t *testing.T) {
	cases := []struct {
		spec rules.MetricSpec
		want bool
	}{
		{rules.MetricSpec{Name: "Failed logins"}, true},
		{rules.MetricSpec{Name: "logins", Filter: map[string]any{"status": "FAILED"}}, true},
		{rules.MetricSpec{Name: "logins", Filter: map[string]any{"status": map[string]any{"in": []any{"failed", "error"}}}}, true},
		{rules.MetricSpec{Name: "kyc_rejected", Filter: map[string]any{"kyc_status": "rejected"}}, false},
		{rules.MetricSpec{Name: "signups"}, false},
	}
	for _, tc := range cases {
		if got := IsFailureMetric(tc.spec); got != tc.want {
			t.Fatalf("%s %v: got %v", tc.spec.Name, tc.spec.Filter, got)
		}
	}
}

func TestRate(t *testing.T) {
	if got := Rate(1, 3); got != 33.3 {
		t.Fatalf("Rate(1,3) = %v", got)
	}
	if got := Rate(5, 0); got != 0 {
		t.Fatalf("empty total should be 0, got %v", got)
	}
}

func TestNewFailureSpike(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	spec := rules.MetricSpec{ID: "m1", Name: "failed_tx", SourceType: "transaction", Threshold: 5, Severity: rules.SeverityCritical}
	st := AnomalyState{MetricID: "m1", Status: StatusActive, CurrentCount: 6, DetectedAt: ptr(base)}

	spike, ok := NewFailureSpike(spec, st, SpikeCounts{WindowTotal: 24, BaselineFailed: 2, BaselineTotal: 40}, base.Add(7*time.Minute+30*time.Second))
	if !ok {
		t.Fatalf("expected a spike")
	}
	if spike.CurrentRatePct != 25 || spike.BaselineRatePct != 5 {
		t.Fatalf("rates = %v vs %v", spike.CurrentRatePct, spike.BaselineRatePct)
	}
	if spike.CurrentVsBaseline != "25.0% vs 5.0%" || spike.SeverityLabel != "Critical" || spike.DurationMins != 7 {
		t.Fatalf("unexpected spike %+v", spike)
	}

	spec.Severity = rules.SeverityMedium
	spike, _ = NewFailureSpike(spec, st, SpikeCounts{WindowTotal: 6}, base)
	if spike.BaselineRatePct != DefaultBaselineRate || spike.SeverityLabel != "High" || spike.CurrentRatePct != 100 {
		t.Fatalf("unexpected fallback spike %+v", spike)
	}

	if _, ok := NewFailureSpike(spec, AnomalyState{Status: StatusActive}, SpikeCounts{}, base); ok {
		t.Fatalf("state without instants should not produce a spike")
	}
}
