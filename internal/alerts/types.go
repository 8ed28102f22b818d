package alerts

import (
	"fmt"
	"sort"
	"time"

	"windowwatch/internal/rules"
)

type Status string

const (
	StatusInactive Status = "INACTIVE"
	StatusActive   Status = "ACTIVE"
)

type Action string

const (
	ActionTriggered Action = "TRIGGERED"
	ActionResolved  Action = "RESOLVED"
)

// AnomalyState is the current lifecycle snapshot of one metric.
// DetectedAt is set exactly when Status is ACTIVE.
type AnomalyState struct {
	MetricID       string         `json:"metric_id"`
	MetricName     string         `json:"metric_name"`
	Severity       rules.Severity `json:"severity"`
	Status         Status         `json:"status"`
	CurrentCount   int            `json:"current_count"`
	TriggerCount   int            `json:"trigger_count"`
	Version        int64          `json:"version"`
	DetectedAt     *time.Time     `json:"detected_at,omitempty"`
	LastSeenAt     *time.Time     `json:"last_seen_at,omitempty"`
	LastResolvedAt *time.Time     `json:"last_resolved_at,omitempty"`
}

// NewState returns the initial INACTIVE snapshot for a metric.
func NewState(spec rules.MetricSpec) AnomalyState {
	return AnomalyState{
		MetricID:   spec.ID,
		MetricName: spec.Name,
		Severity:   spec.Severity,
		Status:     StatusInactive,
	}
}

func (s AnomalyState) Active() bool {
	return s.Status == StatusActive
}

// Equal compares every persisted field, pointers by value.
func (s AnomalyState) Equal(o AnomalyState) bool {
	return s.MetricID == o.MetricID &&
		s.MetricName == o.MetricName &&
		s.Severity == o.Severity &&
		s.Status == o.Status &&
		s.CurrentCount == o.CurrentCount &&
		s.TriggerCount == o.TriggerCount &&
		s.Version == o.Version &&
		timeEqual(s.DetectedAt, o.DetectedAt) &&
		timeEqual(s.LastSeenAt, o.LastSeenAt) &&
		timeEqual(s.LastResolvedAt, o.LastResolvedAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// LedgerEntry is one append-only transition record. Seq is unique per metric.
type LedgerEntry struct {
	ID         int64     `json:"id"`
	MetricID   string    `json:"metric_id"`
	Seq        int64     `json:"seq"`
	Action     Action    `json:"action"`
	EventCount int       `json:"event_count"`
	Threshold  int       `json:"threshold_at_time"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transition pairs a committed ledger entry with the metric's resulting state.
type Transition struct {
	Entry LedgerEntry  `json:"entry"`
	State AnomalyState `json:"state"`
}

func TriggerMessage(spec rules.MetricSpec, count int) string {
	return fmt.Sprintf("ALERT TRIGGERED: %s - count %d reached threshold %d within %ds", spec.Name, count, spec.Threshold, spec.WindowSec)
}

func ResolveMessage(spec rules.MetricSpec, count int) string {
	return fmt.Sprintf("ALERT RESOLVED: %s - count %d fell below threshold %d within %ds", spec.Name, count, spec.Threshold, spec.WindowSec)
}

// SortActive orders states by severity, critical first, then by detection time, oldest first.
func SortActive(states []AnomalyState) {
	sort.SliceStable(states, func(i, j int) bool {
		ri, rj := states[i].Severity.Rank(), states[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		di, dj := states[i].DetectedAt, states[j].DetectedAt
		switch {
		case di != nil && dj != nil && !di.Equal(*dj):
			return di.Before(*dj)
		case di != nil && dj == nil:
			return true
		case di == nil && dj != nil:
			return false
		}
		return states[i].MetricID < states[j].MetricID
	})
}

// SortLedger orders entries by timestamp, then metric and sequence.
func SortLedger(entries []LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		if entries[i].MetricID != entries[j].MetricID {
			return entries[i].MetricID < entries[j].MetricID
		}
		return entries[i].Seq < entries[j].Seq
	})
}

// TimeRange bounds ledger queries. Zero bounds are open; both bounds are inclusive.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

type Summary struct {
	Active         int `json:"active"`
	CriticalActive int `json:"critical_active"`
	ResolvedToday  int `json:"resolved_today"`
}

// StartOfDay is midnight UTC of the day containing now.
func StartOfDay(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// Summarize counts active anomalies and those resolved since midnight UTC of now.
func Summarize(states []AnomalyState, now time.Time) Summary {
	midnight := StartOfDay(now)
	var s Summary
	for _, st := range states {
		if st.Active() {
			s.Active++
			if st.Severity == rules.SeverityCritical {
				s.CriticalActive++
			}
			continue
		}
		if st.LastResolvedAt != nil && !st.LastResolvedAt.Before(midnight) {
			s.ResolvedToday++
		}
	}
	return s
}
