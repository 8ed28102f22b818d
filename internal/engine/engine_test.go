package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"windowwatch/internal/alerts"
	"windowwatch/internal/events"
	"windowwatch/internal/rules"
	"windowwatch/internal/storage"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []alerts.Transition
}

func (n *recordingNotifier) PublishTransitions(ctx context.Context, ts []alerts.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, ts...)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transitions)
}

type flakyStore struct {
	*storage.Memory
	failures int
}

func (f *flakyStore) CommitBatch(ctx context.Context, c storage.Commit) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	return f.Memory.CommitBatch(ctx, c)
}

type harness struct {
	t        *testing.T
	store    *storage.Memory
	clock    *manualClock
	ingest   *events.Service
	engine   *Engine
	notifier *recordingNotifier
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()
	store := storage.NewMemory()
	return newHarnessWithStore(t, store, store, batchSize)
}

func newHarnessWithStore(t *testing.T, mem *storage.Memory, engineStore Store, batchSize int) *harness {
	t.Helper()
	clock := &manualClock{t: base}
	notifier := &recordingNotifier{}
	h := &harness{
		t:        t,
		store:    mem,
		clock:    clock,
		ingest:   events.NewService(mem, events.WithClock(clock.Now)),
		notifier: notifier,
	}
	h.engine = New(engineStore, Config{BatchSize: batchSize, Workers: 2}, WithClock(clock.Now), WithNotifier(notifier))
	return h
}

func (h *harness) at(sec float64) {
	h.clock.Set(base.Add(time.Duration(sec * float64(time.Second))))
}

func (h *harness) metric(spec rules.MetricSpec) rules.MetricSpec {
	h.t.Helper()
	spec.Active = true
	created, err := h.store.CreateMetric(context.Background(), rules.Normalize(spec))
	if err != nil {
		h.t.Fatalf("create metric: %v", err)
	}
	return created
}

func (h *harness) submit(sourceType string, payload map[string]any) int64 {
	h.t.Helper()
	id, err := h.ingest.Submit(context.Background(), sourceType, payload)
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return id
}

func (h *harness) sweep() SweepResult {
	h.t.Helper()
	res, err := h.engine.Sweep(context.Background())
	if err != nil {
		h.t.Fatalf("sweep: %v", err)
	}
	return res
}

func (h *harness) state(id string) alerts.AnomalyState {
	h.t.Helper()
	st, err := h.store.GetAnomalyState(context.Background(), id)
	if err != nil {
		h.t.Fatalf("state: %v", err)
	}
	return st
}

func (h *harness) ledger(id string) []alerts.LedgerEntry {
	h.t.Helper()
	entries, err := h.store.AlertHistory(context.Background(), id, alerts.TimeRange{})
	if err != nil {
		h.t.Fatalf("history: %v", err)
	}
	return entries
}

func failedLogins() rules.MetricSpec {
	return rules.MetricSpec{
		Name:       "failed_logins",
		SourceType: "auth_event",
		Filter:     map[string]any{"status": "failed"},
		WindowSec:  300,
		Threshold:  10,
		Severity:   rules.SeverityHigh,
	}
}

func TestFailedLoginsTriggerAndExpire(t *testing.T) {
	h := newHarness(t, 100)
	spec := h.metric(failedLogins())

	for i := 0; i < 9; i++ {
		h.at(float64(i))
		h.submit("auth_event", map[string]any{"status": "failed", "user": "alice"})
		h.submit("auth_event", map[string]any{"status": "success", "user": "bob"})
	}
	h.sweep()
	st := h.state(spec.ID)
	if st.Status != alerts.StatusInactive || st.CurrentCount != 9 {
		t.Fatalf("after 9 failures: %+v", st)
	}

	h.at(9)
	h.submit("auth_event", map[string]any{"status": "failed", "user": "alice"})
	h.sweep()
	st = h.state(spec.ID)
	if st.Status != alerts.StatusActive || st.CurrentCount != 10 {
		t.Fatalf("after 10 failures: %+v", st)
	}
	if st.DetectedAt == nil || !st.DetectedAt.Equal(base.Add(9*time.Second)) {
		t.Fatalf("detected_at = %v", st.DetectedAt)
	}
	ledger := h.ledger(spec.ID)
	if len(ledger) != 1 || ledger[0].Action != alerts.ActionTriggered || ledger[0].EventCount != 10 || ledger[0].Threshold != 10 {
		t.Fatalf("unexpected ledger %+v", ledger)
	}

	// No new events: the oldest three age out and the alert resolves at the exact expiry.
	h.at(302)
	h.sweep()
	st = h.state(spec.ID)
	if st.Status != alerts.StatusInactive || st.CurrentCount != 7 || st.DetectedAt != nil {
		t.Fatalf("after expiry: %+v", st)
	}
	if st.LastResolvedAt == nil || !st.LastResolvedAt.Equal(base.Add(300*time.Second)) {
		t.Fatalf("last_resolved_at = %v", st.LastResolvedAt)
	}
	ledger = h.ledger(spec.ID)
	if len(ledger) != 2 || ledger[1].Action != alerts.ActionResolved || ledger[1].EventCount != 9 {
		t.Fatalf("unexpected ledger %+v", ledger)
	}

	// Three more failures bring the count back to the threshold.
	for i := 0; i < 3; i++ {
		h.submit("auth_event", map[string]any{"status": "failed"})
	}
	h.sweep()
	ledger = h.ledger(spec.ID)
	wantActions := []alerts.Action{alerts.ActionTriggered, alerts.ActionResolved, alerts.ActionTriggered}
	if len(ledger) != len(wantActions) {
		t.Fatalf("expected %d ledger entries, got %+v", len(wantActions), ledger)
	}
	for i, entry := range ledger {
		if entry.Action != wantActions[i] || entry.Seq != int64(i+1) {
			t.Fatalf("entry %d: %+v", i, entry)
		}
	}
	st = h.state(spec.ID)
	if st.TriggerCount != 2 || st.Version != 3 {
		t.Fatalf("unexpected counters %+v", st)
	}
	if h.notifier.count() != 3 {
		t.Fatalf("expected 3 notifications, got %d", h.notifier.count())
	}
}

func TestEmptyAndSpecificFilters(t *testing.T) {
	h := newHarness(t, 100)
	all := h.metric(rules.MetricSpec{Name: "all_auth", SourceType: "auth_event", WindowSec: 60, Threshold: 3})
	failed := h.metric(rules.MetricSpec{Name: "failed_only", SourceType: "auth_event", Filter: map[string]any{"status": "failed"}, WindowSec: 60, Threshold: 2})

	h.submit("auth_event", map[string]any{"status": "failed"})
	h.submit("auth_event", map[string]any{"status": "success"})
	h.submit("auth_event", map[string]any{"action": "login"})
	h.submit("payment_event", map[string]any{"status": "failed"})
	h.sweep()

	if st := h.state(all.ID); st.Status != alerts.StatusActive || st.CurrentCount != 3 {
		t.Fatalf("all_auth: %+v", st)
	}
	if st := h.state(failed.ID); st.Status != alerts.StatusInactive || st.CurrentCount != 1 {
		t.Fatalf("failed_only: %+v", st)
	}
}

func TestDeactivateFreezesAndReactivateResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	spec := h.metric(rules.MetricSpec{Name: "m", SourceType: "s", WindowSec: 60, Threshold: 2})

	h.submit("s", nil)
	h.submit("s", nil)
	h.sweep()
	if st := h.state(spec.ID); st.Status != alerts.StatusActive {
		t.Fatalf("expected ACTIVE, got %+v", st)
	}

	if err := h.store.SetMetricActive(ctx, spec.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	h.at(120)
	for i := 0; i < 5; i++ {
		h.submit("s", nil)
	}
	h.sweep()
	st := h.state(spec.ID)
	if st.Status != alerts.StatusActive || st.CurrentCount != 2 {
		t.Fatalf("deactivated metric changed: %+v", st)
	}
	entries, _ := h.store.LoadWindows(ctx)
	if len(entries) != 2 {
		t.Fatalf("deactivated window changed: %d entries", len(entries))
	}

	if err := h.store.SetMetricActive(ctx, spec.ID, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	h.at(300)
	h.sweep()
	st = h.state(spec.ID)
	if st.Status != alerts.StatusInactive || st.CurrentCount != 0 {
		t.Fatalf("reactivated metric should resolve from its persisted window: %+v", st)
	}
	resumedAt := base.Add(300 * time.Second)
	if !st.LastResolvedAt.Equal(resumedAt) {
		t.Fatalf("last_resolved_at = %v, want %v", st.LastResolvedAt, resumedAt)
	}
	ledger := h.ledger(spec.ID)
	if len(ledger) != 2 || ledger[0].Action != alerts.ActionTriggered || ledger[1].Action != alerts.ActionResolved {
		t.Fatalf("ledger = %+v", ledger)
	}
	if !ledger[1].Timestamp.Equal(resumedAt) {
		t.Fatalf("resolve stamped at %v, inside the deactivated period", ledger[1].Timestamp)
	}

	h.submit("s", nil)
	h.submit("s", nil)
	h.sweep()
	if st := h.state(spec.ID); st.Status != alerts.StatusActive || st.CurrentCount != 2 {
		t.Fatalf("events after reactivation should count: %+v", st)
	}
}

func TestResolveNeverPrecedesLastSeenAfterWindowShrinks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	spec := h.metric(rules.MetricSpec{Name: "m", SourceType: "s", WindowSec: 60, Threshold: 2})

	h.submit("s", nil)
	h.at(30)
	h.submit("s", nil)
	h.sweep()
	h.at(40)
	h.submit("s", nil)
	h.sweep()
	st := h.state(spec.ID)
	if st.Status != alerts.StatusActive || !st.LastSeenAt.Equal(base.Add(40*time.Second)) {
		t.Fatalf("expected ACTIVE seen at 40s: %+v", st)
	}

	spec.WindowSec = 5
	if _, err := h.store.UpdateMetric(ctx, spec); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.at(45)
	h.sweep()
	st = h.state(spec.ID)
	if st.Status != alerts.StatusInactive {
		t.Fatalf("expected resolve after shrinking the window: %+v", st)
	}
	if st.LastResolvedAt.Before(*st.LastSeenAt) {
		t.Fatalf("resolved at %v before last seen %v", st.LastResolvedAt, st.LastSeenAt)
	}
	if !st.LastResolvedAt.Equal(base.Add(40 * time.Second)) {
		t.Fatalf("last_resolved_at = %v", st.LastResolvedAt)
	}
	ledger := h.ledger(spec.ID)
	if last := ledger[len(ledger)-1]; last.Action != alerts.ActionResolved || last.EventCount != 1 {
		t.Fatalf("resolve entry = %+v", last)
	}
}

func TestRestartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	spec := h.metric(failedLogins())
	for i := 0; i < 10; i++ {
		h.at(float64(i))
		h.submit("auth_event", map[string]any{"status": "failed"})
	}
	h.sweep()
	before := h.state(spec.ID)
	checkpoint, _ := h.store.LoadCheckpoint(ctx)
	latest, _ := h.store.LatestEventID(ctx)
	if checkpoint != latest {
		t.Fatalf("checkpoint %d should reach latest id %d", checkpoint, latest)
	}

	restarted := New(h.store, Config{BatchSize: 3}, WithClock(h.clock.Now))
	res, err := restarted.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep after restart: %v", err)
	}
	if len(res.Transitions) != 0 {
		t.Fatalf("restart produced transitions: %+v", res.Transitions)
	}
	after := h.state(spec.ID)
	if !before.Equal(after) {
		t.Fatalf("state changed across restart:\n%+v\n%+v", before, after)
	}
	if len(h.ledger(spec.ID)) != 1 {
		t.Fatalf("ledger grew on restart")
	}
	if got := restarted.Status().WindowEntries; got != 10 {
		t.Fatalf("restored window has %d entries", got)
	}
}

func TestFailedCommitIsRetried(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	flaky := &flakyStore{Memory: mem, failures: 1}
	h := newHarnessWithStore(t, mem, flaky, 100)
	spec := h.metric(rules.MetricSpec{Name: "m", SourceType: "s", WindowSec: 60, Threshold: 3})
	for i := 0; i < 3; i++ {
		h.submit("s", nil)
	}

	if _, err := h.engine.Sweep(ctx); err == nil {
		t.Fatalf("expected commit failure")
	}
	if cp, _ := mem.LoadCheckpoint(ctx); cp != 0 {
		t.Fatalf("checkpoint advanced on failure: %d", cp)
	}
	if len(h.ledger(spec.ID)) != 0 || h.notifier.count() != 0 {
		t.Fatalf("failed batch leaked transitions")
	}
	if h.engine.Status().LastError == "" {
		t.Fatalf("status should report the failure")
	}

	h.sweep()
	if cp, _ := mem.LoadCheckpoint(ctx); cp != 3 {
		t.Fatalf("checkpoint = %d, want 3", cp)
	}
	if got := h.ledger(spec.ID); len(got) != 1 || got[0].EventCount != 3 {
		t.Fatalf("unexpected ledger after retry %+v", got)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", h.notifier.count())
	}
}

func TestOutcomeIndependentOfBatching(t *testing.T) {
	schedule := []float64{0, 1, 2, 20, 21, 22}
	run := func(batchSize int, sweepEach bool) []alerts.LedgerEntry {
		h := newHarness(t, batchSize)
		spec := h.metric(rules.MetricSpec{Name: "m", SourceType: "s", WindowSec: 10, Threshold: 3})
		for _, sec := range schedule {
			h.at(sec)
			h.submit("s", map[string]any{"n": sec})
			if sweepEach {
				h.sweep()
			}
		}
		h.at(30)
		h.sweep()
		return h.ledger(spec.ID)
	}

	reference := run(100, false)
	want := []struct {
		action alerts.Action
		sec    int
		count  int
	}{
		{alerts.ActionTriggered, 2, 3},
		{alerts.ActionResolved, 10, 2},
		{alerts.ActionTriggered, 22, 3},
		{alerts.ActionResolved, 30, 2},
	}
	if len(reference) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), reference)
	}
	for i, w := range want {
		got := reference[i]
		if got.Action != w.action || !got.Timestamp.Equal(base.Add(time.Duration(w.sec)*time.Second)) || got.EventCount != w.count {
			t.Fatalf("entry %d: got %s at %s count %d", i, got.Action, got.Timestamp, got.EventCount)
		}
	}

	for _, variant := range []struct {
		name      string
		batchSize int
		sweepEach bool
	}{
		{"batch of one", 1, false},
		{"sweep per event", 100, true},
	} {
		got := run(variant.batchSize, variant.sweepEach)
		if len(got) != len(reference) {
			t.Fatalf("%s: %d entries, want %d", variant.name, len(got), len(reference))
		}
		for i := range got {
			a, b := got[i], reference[i]
			if a.Action != b.Action || a.Seq != b.Seq || a.EventCount != b.EventCount || !a.Timestamp.Equal(b.Timestamp) {
				t.Fatalf("%s: entry %d differs: %+v vs %+v", variant.name, i, a, b)
			}
		}
	}
}

func TestDeletedMetricIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	spec := h.metric(rules.MetricSpec{Name: "m", SourceType: "s", WindowSec: 60, Threshold: 1})
	h.submit("s", nil)
	h.sweep()
	if err := h.store.DeleteMetric(ctx, spec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	h.submit("s", nil)
	h.sweep()
	if got := h.engine.Status().TrackedMetrics; got != 0 {
		t.Fatalf("expected no tracked metrics, got %d", got)
	}
	if len(h.ledger(spec.ID)) != 1 {
		t.Fatalf("ledger should be retained after delete")
	}
}

func TestCheckpointIsMonotonic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	h.metric(rules.MetricSpec{Name: "m", SourceType: "s", WindowSec: 60, Threshold: 5})
	var last int64
	for round := 0; round < 4; round++ {
		for i := 0; i < 3; i++ {
			h.submit("s", nil)
		}
		res := h.sweep()
		cp, _ := h.store.LoadCheckpoint(ctx)
		if cp < last || cp != res.Checkpoint {
			t.Fatalf("round %d: checkpoint %d after %d (result %d)", round, cp, last, res.Checkpoint)
		}
		last = cp
	}
	if last != 12 {
		t.Fatalf("expected checkpoint 12, got %d", last)
	}
}

func TestRunLoopWakesOnIngest(t *testing.T) {
	h := newHarness(t, 100)
	h.engine = New(h.store, Config{TickInterval: time.Hour, BatchSize: 100}, WithClock(h.clock.Now))
	h.ingest = events.NewService(h.store, events.WithClock(h.clock.Now), events.WithNotifier(h.engine))
	spec := h.metric(rules.MetricSpec{Name: "m", SourceType: "s", WindowSec: 60, Threshold: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	h.submit("s", nil)
	h.submit("s", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := h.state(spec.ID)
		if st.Status == alerts.StatusActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("engine did not evaluate after wake-up: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if h.engine.Status().State != StateRunning {
		t.Fatalf("expected running state")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if h.engine.Status().State != StateStopped {
		t.Fatalf("expected stopped state")
	}
}
