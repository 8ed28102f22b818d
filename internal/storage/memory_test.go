package storage

import (
	"context"
	"testing"

	"windowwatch/internal/alerts"
	"windowwatch/internal/rules"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestMemoryLedgerSeqIsUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	spec, _ := store.CreateMetric(ctx, rules.MetricSpec{Name: "m", SourceType: "s", WindowSec: 1, Threshold: 1, Severity: rules.SeverityLow, Active: true})
	entry := alerts.LedgerEntry{MetricID: spec.ID, Seq: 1, Action: alerts.ActionTriggered, Timestamp: testBase}
	if err := store.CommitBatch(ctx, Commit{Ledger: []alerts.LedgerEntry{entry, entry}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	history, _ := store.AlertHistory(ctx, spec.ID, alerts.TimeRange{})
	if len(history) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(history))
	}
}

func TestMemoryCommitRejectsBackwardsCheckpoint(t *testing.T) {
	store := NewMemory()
	if err := store.CommitBatch(context.Background(), Commit{FromCheckpoint: 0, Checkpoint: -1}); err == nil {
		t.Fatalf("expected error for backwards checkpoint")
	}
}
