package engine

import (
	"time"

	"windowwatch/internal/alerts"
	"windowwatch/internal/events"
	"windowwatch/internal/rules"
	"windowwatch/internal/window"
)

// metricRun evaluates one active metric over one batch. It owns its tracker for the
// duration of the batch, so runs of different metrics can proceed concurrently.
type metricRun struct {
	spec    rules.MetricSpec
	tracker *window.Tracker
	before  alerts.AnomalyState
	state   alerts.AnomalyState
	floor   time.Time
	added   []window.Entry
	purged  bool
	ledger  []alerts.LedgerEntry
	cutoff  time.Time
}

func newMetricRun(spec rules.MetricSpec, tracker *window.Tracker, prev alerts.AnomalyState, known bool) *metricRun {
	state := prev
	if !known {
		state = alerts.NewState(spec)
	}
	state.MetricID = spec.ID
	state.MetricName = spec.Name
	state.Severity = spec.Severity
	run := &metricRun{spec: spec, tracker: tracker, before: prev, state: state}
	for _, t := range []*time.Time{state.DetectedAt, state.LastSeenAt, state.LastResolvedAt} {
		if t != nil && t.After(run.floor) {
			run.floor = *t
		}
	}
	return run
}

// clamp keeps this metric's transition instants non-decreasing. It returns the
// clamped instant and the floor that held before it.
func (r *metricRun) clamp(at time.Time) (time.Time, time.Time) {
	prev := r.floor
	if at.Before(prev) {
		return prev, prev
	}
	r.floor = at
	return at, prev
}

// resume raises the floor to the instant a deactivated metric came back, so no
// transition is stamped inside the period it was frozen.
func (r *metricRun) resume(at time.Time) {
	if at.After(r.floor) {
		r.floor = at
	}
}

// observe applies one matching event evaluated at instant at.
func (r *metricRun) observe(evt events.Event, at time.Time) {
	at, prev := r.clamp(at)
	r.advance(at, prev)
	ts := evt.IngestedAt
	if ts.After(at.Add(-r.spec.Window())) {
		entry := window.Entry{MetricID: r.spec.ID, EventID: evt.ID, Timestamp: ts}
		if r.tracker.Add(entry) {
			r.added = append(r.added, entry)
		}
	}
	count := r.tracker.Count()
	r.state.CurrentCount = count
	switch {
	case r.state.Active():
		r.state.LastSeenAt = timePtr(at)
	case count >= r.spec.Threshold:
		r.trigger(at, count)
	}
}

// finalize closes the batch at instant at.
func (r *metricRun) finalize(at time.Time) {
	at, prev := r.clamp(at)
	r.advance(at, prev)
	count := r.tracker.Count()
	if !r.state.Active() && count >= r.spec.Threshold {
		r.trigger(at, count)
	}
	r.state.CurrentCount = count
	r.cutoff = at.Add(-r.spec.Window())
	kept := r.added[:0]
	for _, e := range r.added {
		if e.Timestamp.After(r.cutoff) {
			kept = append(kept, e)
		}
	}
	r.added = kept
}

// advance purges the window up to at. An ACTIVE metric whose count drops below the
// threshold resolves at the instant the responsible entry expired, but never before
// floor, the last instant this metric was already evaluated at.
func (r *metricRun) advance(at, floor time.Time) {
	w := r.spec.Window()
	threshold := r.spec.Threshold
	if !r.state.Active() {
		r.purge(at)
		return
	}
	n := r.tracker.Count()
	if n < threshold {
		r.purge(at)
		r.resolve(at, r.tracker.Count())
		return
	}
	expiry := r.tracker.ExpiryOf(n-threshold, w)
	if expiry.After(at) {
		r.purge(at)
		return
	}
	resolvedAt := expiry
	if resolvedAt.Before(floor) {
		resolvedAt = floor
	}
	count := r.tracker.CountAt(resolvedAt, w)
	if count >= threshold {
		count = r.tracker.CountAt(at, w)
	}
	r.purge(at)
	r.resolve(resolvedAt, count)
}

func (r *metricRun) purge(at time.Time) {
	if removed := r.tracker.PurgeUntil(at, r.spec.Window()); len(removed) > 0 {
		r.purged = true
	}
}

func (r *metricRun) trigger(at time.Time, count int) {
	r.state.Status = alerts.StatusActive
	r.state.DetectedAt = timePtr(at)
	r.state.LastSeenAt = timePtr(at)
	r.state.TriggerCount++
	r.state.Version++
	r.ledger = append(r.ledger, alerts.LedgerEntry{
		MetricID:   r.spec.ID,
		Seq:        r.state.Version,
		Action:     alerts.ActionTriggered,
		EventCount: count,
		Threshold:  r.spec.Threshold,
		Message:    alerts.TriggerMessage(r.spec, count),
		Timestamp:  at,
	})
}

func (r *metricRun) resolve(at time.Time, count int) {
	r.state.Status = alerts.StatusInactive
	r.state.DetectedAt = nil
	r.state.LastResolvedAt = timePtr(at)
	r.state.CurrentCount = count
	r.state.Version++
	r.ledger = append(r.ledger, alerts.LedgerEntry{
		MetricID:   r.spec.ID,
		Seq:        r.state.Version,
		Action:     alerts.ActionResolved,
		EventCount: count,
		Threshold:  r.spec.Threshold,
		Message:    alerts.ResolveMessage(r.spec, count),
		Timestamp:  at,
	})
}

func (r *metricRun) windowChanged() bool {
	return r.purged || len(r.added) > 0
}

func timePtr(t time.Time) *time.Time {
	return &t
}
