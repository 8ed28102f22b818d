package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"windowwatch/internal/alerts"
	"windowwatch/internal/events"
	"windowwatch/internal/rules"
	"windowwatch/internal/window"
)

// Memory is a process-local Store for development and tests.
type Memory struct {
	mu         sync.RWMutex
	events     []events.Event
	eventIndex map[int64]int
	metrics    map[string]rules.MetricSpec
	windows    map[string]map[int64]window.Entry
	states     map[string]alerts.AnomalyState
	ledger     []alerts.LedgerEntry
	ledgerSeq  map[string]map[int64]bool
	checkpoint int64
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		eventIndex: map[int64]int{},
		metrics:    map[string]rules.MetricSpec{},
		windows:    map[string]map[int64]window.Entry{},
		states:     map[string]alerts.AnomalyState{},
		ledgerSeq:  map[string]map[int64]bool{},
		now:        time.Now,
	}
}

func (m *Memory) Close() {}

func (m *Memory) AppendEvent(ctx context.Context, evt events.Event) (events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var maxID int64
	var lastTS time.Time
	if n := len(m.events); n > 0 {
		maxID = m.events[n-1].ID
		lastTS = m.events[n-1].IngestedAt
	}
	switch {
	case evt.ID == 0:
		evt.ID = maxID + 1
	case evt.ID > maxID:
	default:
		if idx, ok := m.eventIndex[evt.ID]; ok {
			return m.events[idx], events.ErrDuplicateEvent
		}
		return events.Event{}, fmt.Errorf("%w: id %d, latest %d", events.ErrStaleEventID, evt.ID, maxID)
	}
	if evt.IngestedAt.Before(lastTS) {
		evt.IngestedAt = lastTS
	}
	evt.Payload = copyPayload(evt.Payload)
	m.eventIndex[evt.ID] = len(m.events)
	m.events = append(m.events, evt)
	return evt, nil
}

func (m *Memory) EventsAfter(ctx context.Context, afterID int64, limit int) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := sort.Search(len(m.events), func(i int) bool { return m.events[i].ID > afterID })
	end := len(m.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]events.Event, 0, end-start)
	for _, evt := range m.events[start:end] {
		evt.Payload = copyPayload(evt.Payload)
		out = append(out, evt)
	}
	return out, nil
}

func (m *Memory) LatestEventID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].ID, nil
}

// ListEvents returns events newest first.
func (m *Memory) ListEvents(ctx context.Context, sourceType string, limit, offset int) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []events.Event{}
	skipped := 0
	for i := len(m.events) - 1; i >= 0; i-- {
		evt := m.events[i]
		if sourceType != "" && evt.SourceType != sourceType {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		evt.Payload = copyPayload(evt.Payload)
		out = append(out, evt)
	}
	return out, nil
}

func (m *Memory) CreateMetric(ctx context.Context, spec rules.MetricSpec) (rules.MetricSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	spec.ID = uuid.NewString()
	spec.CreatedAt = now
	spec.UpdatedAt = now
	spec.Filter = copyFilter(spec.Filter)
	m.metrics[spec.ID] = spec
	return spec, nil
}

func (m *Memory) UpdateMetric(ctx context.Context, spec rules.MetricSpec) (rules.MetricSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.metrics[spec.ID]
	if !ok {
		return rules.MetricSpec{}, ErrNotFound
	}
	spec.CreatedAt = existing.CreatedAt
	spec.UpdatedAt = m.now().UTC()
	spec.Filter = copyFilter(spec.Filter)
	m.metrics[spec.ID] = spec
	return spec, nil
}

func (m *Memory) GetMetric(ctx context.Context, id string) (rules.MetricSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.metrics[id]
	if !ok {
		return rules.MetricSpec{}, ErrNotFound
	}
	spec.Filter = copyFilter(spec.Filter)
	return spec, nil
}

// ListMetrics returns specs newest first.
func (m *Memory) ListMetrics(ctx context.Context) ([]rules.MetricSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.MetricSpec, 0, len(m.metrics))
	for _, spec := range m.metrics {
		spec.Filter = copyFilter(spec.Filter)
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SetMetricActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.metrics[id]
	if !ok {
		return ErrNotFound
	}
	spec.Active = active
	spec.UpdatedAt = m.now().UTC()
	m.metrics[id] = spec
	return nil
}

// DeleteMetric removes the spec with its window and state. Ledger rows are kept.
func (m *Memory) DeleteMetric(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metrics[id]; !ok {
		return ErrNotFound
	}
	delete(m.metrics, id)
	delete(m.windows, id)
	delete(m.states, id)
	return nil
}

func (m *Memory) LoadCheckpoint(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint, nil
}

func (m *Memory) LoadWindows(ctx context.Context) ([]window.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []window.Entry{}
	for _, entries := range m.windows {
		for _, e := range entries {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) LoadAnomalyStates(ctx context.Context) ([]alerts.AnomalyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]alerts.AnomalyState, 0, len(m.states))
	for id, st := range m.states {
		out = append(out, m.decorate(id, st))
	}
	return out, nil
}

func (m *Memory) CommitBatch(ctx context.Context, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint != c.FromCheckpoint {
		return fmt.Errorf("%w: stored %d, batch read %d", ErrCheckpointConflict, m.checkpoint, c.FromCheckpoint)
	}
	if c.Checkpoint < c.FromCheckpoint {
		return fmt.Errorf("checkpoint cannot move backwards: %d < %d", c.Checkpoint, c.FromCheckpoint)
	}
	for _, w := range c.Windows {
		if _, ok := m.metrics[w.MetricID]; !ok {
			return fmt.Errorf("window for metric %s: %w", w.MetricID, ErrNotFound)
		}
	}
	for _, st := range c.States {
		if _, ok := m.metrics[st.MetricID]; !ok {
			return fmt.Errorf("state for metric %s: %w", st.MetricID, ErrNotFound)
		}
	}

	for _, w := range c.Windows {
		entries := m.windows[w.MetricID]
		if entries == nil {
			entries = map[int64]window.Entry{}
			m.windows[w.MetricID] = entries
		}
		if !w.Cutoff.IsZero() {
			for id, e := range entries {
				if !e.Timestamp.After(w.Cutoff) {
					delete(entries, id)
				}
			}
		}
		for _, e := range w.Added {
			if _, exists := entries[e.EventID]; !exists {
				entries[e.EventID] = e
			}
		}
	}
	for _, st := range c.States {
		m.states[st.MetricID] = cloneState(st)
	}
	for _, entry := range c.Ledger {
		seqs := m.ledgerSeq[entry.MetricID]
		if seqs == nil {
			seqs = map[int64]bool{}
			m.ledgerSeq[entry.MetricID] = seqs
		}
		if seqs[entry.Seq] {
			continue
		}
		seqs[entry.Seq] = true
		entry.ID = int64(len(m.ledger) + 1)
		m.ledger = append(m.ledger, entry)
	}
	m.checkpoint = c.Checkpoint
	return nil
}

func (m *Memory) GetAnomalyState(ctx context.Context, metricID string) (alerts.AnomalyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.metrics[metricID]
	if !ok {
		return alerts.AnomalyState{}, ErrNotFound
	}
	st, ok := m.states[metricID]
	if !ok {
		return alerts.NewState(spec), nil
	}
	return m.decorate(metricID, st), nil
}

func (m *Memory) ListAnomalies(ctx context.Context, status alerts.Status, limit int) ([]alerts.AnomalyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []alerts.AnomalyState{}
	for id, st := range m.states {
		if status != "" && st.Status != status {
			continue
		}
		out = append(out, m.decorate(id, st))
	}
	sort.Slice(out, func(i, j int) bool {
		return lastChange(out[i]).After(lastChange(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListActiveAnomalies(ctx context.Context) ([]alerts.AnomalyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []alerts.AnomalyState{}
	for id, st := range m.states {
		if st.Active() {
			out = append(out, m.decorate(id, st))
		}
	}
	alerts.SortActive(out)
	return out, nil
}

func (m *Memory) Summary(ctx context.Context, now time.Time) (alerts.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make([]alerts.AnomalyState, 0, len(m.states))
	for id, st := range m.states {
		states = append(states, m.decorate(id, st))
	}
	return alerts.Summarize(states, now), nil
}

func (m *Memory) CountEvents(ctx context.Context, sourceType string, after, until time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, evt := range m.events {
		if evt.SourceType == sourceType && evt.IngestedAt.After(after) && !evt.IngestedAt.After(until) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AlertHistory(ctx context.Context, metricID string, r alerts.TimeRange) ([]alerts.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []alerts.LedgerEntry{}
	for _, entry := range m.ledger {
		if entry.MetricID == metricID && r.Contains(entry.Timestamp) {
			out = append(out, entry)
		}
	}
	alerts.SortLedger(out)
	return out, nil
}

// RecentAlerts returns the newest ledger entries across all metrics, newest first.
func (m *Memory) RecentAlerts(ctx context.Context, limit int) ([]alerts.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]alerts.LedgerEntry, len(m.ledger))
	copy(out, m.ledger)
	alerts.SortLedger(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Events:        int64(len(m.events)),
		Metrics:       len(m.metrics),
		LedgerEntries: int64(len(m.ledger)),
	}
	if len(m.events) > 0 {
		s.LatestEventID = m.events[len(m.events)-1].ID
	}
	for _, spec := range m.metrics {
		if spec.Active {
			s.ActiveMetrics++
		}
	}
	for _, st := range m.states {
		if st.Active() {
			s.ActiveAnomalies++
		}
	}
	for _, entry := range m.ledger {
		if entry.Action == alerts.ActionTriggered {
			s.TotalTriggered++
		}
	}
	return s, nil
}

// decorate fills the denormalised name and severity from the current spec.
func (m *Memory) decorate(id string, st alerts.AnomalyState) alerts.AnomalyState {
	st = cloneState(st)
	st.MetricID = id
	if spec, ok := m.metrics[id]; ok {
		st.MetricName = spec.Name
		st.Severity = spec.Severity
	}
	return st
}

func lastChange(st alerts.AnomalyState) time.Time {
	var t time.Time
	for _, p := range []*time.Time{st.DetectedAt, st.LastSeenAt, st.LastResolvedAt} {
		if p != nil && p.After(t) {
			t = *p
		}
	}
	return t
}

func cloneState(st alerts.AnomalyState) alerts.AnomalyState {
	st.DetectedAt = cloneTime(st.DetectedAt)
	st.LastSeenAt = cloneTime(st.LastSeenAt)
	st.LastResolvedAt = cloneTime(st.LastResolvedAt)
	return st
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyPayload(p events.Payload) events.Payload {
	out := make(events.Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func copyFilter(f map[string]any) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
