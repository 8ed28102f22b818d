package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"windowwatch/internal/alerts"
	"windowwatch/internal/events"
	"windowwatch/internal/rules"
	"windowwatch/internal/window"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("append assigns increasing ids", func(t *testing.T) {
		first, err := store.AppendEvent(ctx, events.Event{SourceType: "auth_event", Payload: events.Payload{"status": "failed"}, IngestedAt: testBase})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		second, err := store.AppendEvent(ctx, events.Event{SourceType: "auth_event", Payload: events.Payload{}, IngestedAt: testBase.Add(-time.Minute)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if second.ID <= first.ID {
			t.Fatalf("ids not increasing: %d then %d", first.ID, second.ID)
		}
		if second.IngestedAt.Before(first.IngestedAt) {
			t.Fatalf("ingested_at went backwards: %s then %s", first.IngestedAt, second.IngestedAt)
		}

		dup, err := store.AppendEvent(ctx, events.Event{ID: first.ID, SourceType: "auth_event", IngestedAt: testBase})
		if !errors.Is(err, events.ErrDuplicateEvent) || dup.ID != first.ID {
			t.Fatalf("expected duplicate of %d, got %d %v", first.ID, dup.ID, err)
		}

		latest, err := store.LatestEventID(ctx)
		if err != nil || latest != second.ID {
			t.Fatalf("latest id = %d (%v), want %d", latest, err, second.ID)
		}
		supplied, err := store.AppendEvent(ctx, events.Event{ID: latest + 10, SourceType: "auth_event", IngestedAt: testBase})
		if err != nil || supplied.ID != latest+10 {
			t.Fatalf("supplied id not kept: %d %v", supplied.ID, err)
		}
		if _, err := store.AppendEvent(ctx, events.Event{ID: latest + 5, SourceType: "auth_event", IngestedAt: testBase}); !errors.Is(err, events.ErrStaleEventID) {
			t.Fatalf("expected stale id error, got %v", err)
		}

		page, err := store.EventsAfter(ctx, first.ID, 10)
		if err != nil {
			t.Fatalf("events after: %v", err)
		}
		if len(page) != 2 || page[0].ID != second.ID || page[1].ID != latest+10 {
			t.Fatalf("unexpected page %+v", page)
		}
		if page[0].Payload == nil {
			t.Fatalf("payload should never be nil")
		}
		listed, err := store.ListEvents(ctx, "auth_event", 1, 0)
		if err != nil || len(listed) != 1 || listed[0].ID != latest+10 {
			t.Fatalf("unexpected listing %+v %v", listed, err)
		}
	})

	t.Run("metrics crud and engine commit", func(t *testing.T) {
		spec, err := store.CreateMetric(ctx, rules.MetricSpec{
			Name:       "failed_logins",
			SourceType: "auth_event",
			Filter:     map[string]any{"status": "failed"},
			WindowSec:  60,
			Threshold:  2,
			Severity:   rules.SeverityHigh,
			Active:     true,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if spec.ID == "" || spec.CreatedAt.IsZero() {
			t.Fatalf("create should assign id and timestamps: %+v", spec)
		}
		got, err := store.GetMetric(ctx, spec.ID)
		if err != nil || got.Filter["status"] != "failed" {
			t.Fatalf("get: %+v %v", got, err)
		}
		if _, err := store.GetMetric(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}

		st, err := store.GetAnomalyState(ctx, spec.ID)
		if err != nil || st.Status != alerts.StatusInactive || st.MetricName != "failed_logins" {
			t.Fatalf("expected zero snapshot, got %+v %v", st, err)
		}

		cp, err := store.LoadCheckpoint(ctx)
		if err != nil {
			t.Fatalf("load checkpoint: %v", err)
		}
		active := alerts.AnomalyState{
			MetricID:     spec.ID,
			Status:       alerts.StatusActive,
			CurrentCount: 2,
			TriggerCount: 1,
			Version:      1,
			DetectedAt:   tp(testBase.Add(time.Second)),
			LastSeenAt:   tp(testBase.Add(time.Second)),
		}
		commit := Commit{
			FromCheckpoint: cp,
			Checkpoint:     cp + 2,
			Windows: []WindowChange{{
				MetricID: spec.ID,
				Cutoff:   testBase.Add(-time.Minute),
				Added: []window.Entry{
					{MetricID: spec.ID, EventID: cp + 1, Timestamp: testBase},
					{MetricID: spec.ID, EventID: cp + 2, Timestamp: testBase.Add(time.Second)},
				},
			}},
			States: []alerts.AnomalyState{active},
			Ledger: []alerts.LedgerEntry{{MetricID: spec.ID, Seq: 1, Action: alerts.ActionTriggered, EventCount: 2, Threshold: 2, Message: "triggered", Timestamp: testBase.Add(time.Second)}},
		}
		if err := store.CommitBatch(ctx, commit); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if err := store.CommitBatch(ctx, commit); !errors.Is(err, ErrCheckpointConflict) {
			t.Fatalf("replayed commit should conflict, got %v", err)
		}
		newCP, _ := store.LoadCheckpoint(ctx)
		if newCP != cp+2 {
			t.Fatalf("checkpoint = %d, want %d", newCP, cp+2)
		}

		entries, err := store.LoadWindows(ctx)
		if err != nil || len(entries) != 2 {
			t.Fatalf("expected 2 window entries, got %d %v", len(entries), err)
		}
		activeList, err := store.ListActiveAnomalies(ctx)
		if err != nil || len(activeList) != 1 || activeList[0].Severity != rules.SeverityHigh {
			t.Fatalf("unexpected active list %+v %v", activeList, err)
		}
		if !activeList[0].DetectedAt.Equal(testBase.Add(time.Second)) {
			t.Fatalf("detected_at not persisted: %v", activeList[0].DetectedAt)
		}

		purge := Commit{
			FromCheckpoint: cp + 2,
			Checkpoint:     cp + 2,
			Windows:        []WindowChange{{MetricID: spec.ID, Cutoff: testBase}},
		}
		if err := store.CommitBatch(ctx, purge); err != nil {
			t.Fatalf("purge commit: %v", err)
		}
		entries, _ = store.LoadWindows(ctx)
		if len(entries) != 1 || entries[0].EventID != cp+2 {
			t.Fatalf("expected only the newest entry after purge, got %+v", entries)
		}

		history, err := store.AlertHistory(ctx, spec.ID, alerts.TimeRange{From: testBase, To: testBase.Add(time.Minute)})
		if err != nil || len(history) != 1 || history[0].Action != alerts.ActionTriggered {
			t.Fatalf("unexpected history %+v %v", history, err)
		}
		outside, _ := store.AlertHistory(ctx, spec.ID, alerts.TimeRange{From: testBase.Add(time.Hour)})
		if len(outside) != 0 {
			t.Fatalf("range filter ignored: %+v", outside)
		}

		stats, err := store.Stats(ctx)
		if err != nil || stats.ActiveAnomalies != 1 || stats.TotalTriggered < 1 {
			t.Fatalf("unexpected stats %+v %v", stats, err)
		}

		if err := store.SetMetricActive(ctx, spec.ID, false); err != nil {
			t.Fatalf("deactivate: %v", err)
		}
		frozen, _ := store.GetAnomalyState(ctx, spec.ID)
		if frozen.Status != alerts.StatusActive {
			t.Fatalf("deactivation must not alter state: %+v", frozen)
		}

		if err := store.DeleteMetric(ctx, spec.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := store.GetAnomalyState(ctx, spec.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
		entries, _ = store.LoadWindows(ctx)
		for _, e := range entries {
			if e.MetricID == spec.ID {
				t.Fatalf("window entries should be removed with the metric")
			}
		}
		history, _ = store.AlertHistory(ctx, spec.ID, alerts.TimeRange{})
		if len(history) != 1 {
			t.Fatalf("ledger must survive metric delete, got %d entries", len(history))
		}
		if err := store.CommitBatch(ctx, Commit{FromCheckpoint: cp + 2, Checkpoint: cp + 2, States: []alerts.AnomalyState{active}}); err == nil {
			t.Fatalf("commit for a deleted metric should fail")
		}
	})

	t.Run("count events by source and interval", func(t *testing.T) {
		n, err := store.CountEvents(ctx, "auth_event", testBase.Add(-time.Minute), testBase)
		if err != nil || n != 3 {
			t.Fatalf("count in window = %d (%v), want 3", n, err)
		}
		if n, _ := store.CountEvents(ctx, "auth_event", testBase, testBase.Add(time.Minute)); n != 0 {
			t.Fatalf("lower bound must be exclusive, got %d", n)
		}
		if n, _ := store.CountEvents(ctx, "payment_event", testBase.Add(-time.Minute), testBase); n != 0 {
			t.Fatalf("other source types must not count, got %d", n)
		}
	})

	t.Run("summary and listing cover every state", func(t *testing.T) {
		const total, activeN, criticalN, resolvedN = 150, 120, 30, 25
		cp, err := store.LoadCheckpoint(ctx)
		if err != nil {
			t.Fatalf("load checkpoint: %v", err)
		}
		now := testBase.Add(6 * time.Hour)
		commit := Commit{FromCheckpoint: cp, Checkpoint: cp}
		for i := 0; i < total; i++ {
			severity := rules.SeverityMedium
			if i < criticalN {
				severity = rules.SeverityCritical
			}
			spec, err := store.CreateMetric(ctx, rules.MetricSpec{
				Name:       fmt.Sprintf("bulk_%03d", i),
				SourceType: "bulk_event",
				Filter:     map[string]any{},
				WindowSec:  60,
				Threshold:  1,
				Severity:   severity,
				Active:     true,
			})
			if err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
			st := alerts.AnomalyState{MetricID: spec.ID, Status: alerts.StatusInactive, Version: 1}
			switch {
			case i < activeN:
				st.Status = alerts.StatusActive
				st.CurrentCount = 1
				st.DetectedAt = tp(now.Add(-time.Duration(i) * time.Second))
				st.LastSeenAt = st.DetectedAt
			case i < activeN+resolvedN:
				st.LastResolvedAt = tp(now.Add(-time.Minute))
			default:
				st.LastResolvedAt = tp(now.Add(-24 * time.Hour))
			}
			commit.States = append(commit.States, st)
		}
		if err := store.CommitBatch(ctx, commit); err != nil {
			t.Fatalf("commit: %v", err)
		}

		summary, err := store.Summary(ctx, now)
		if err != nil {
			t.Fatalf("summary: %v", err)
		}
		if summary.Active != activeN || summary.CriticalActive != criticalN || summary.ResolvedToday != resolvedN {
			t.Fatalf("summary = %+v", summary)
		}
		all, err := store.ListAnomalies(ctx, "", 0)
		if err != nil || len(all) < total {
			t.Fatalf("unlimited listing returned %d rows (%v), want at least %d", len(all), err, total)
		}
		page, _ := store.ListAnomalies(ctx, alerts.StatusActive, 10)
		if len(page) != 10 {
			t.Fatalf("limit ignored: %d rows", len(page))
		}
	})
}
