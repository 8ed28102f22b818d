package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"windowwatch/internal/alerts"
	"windowwatch/internal/events"
	"windowwatch/internal/rules"
	"windowwatch/internal/window"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrCheckpointConflict = errors.New("checkpoint moved since the batch was read")
)

// WindowChange describes how one metric's persisted window moves in a batch.
// Entries at or before Cutoff are deleted, then Added is inserted.
type WindowChange struct {
	MetricID string
	Cutoff   time.Time
	Added    []window.Entry
}

// Commit is everything one evaluated batch writes. It is applied atomically and
// only when the stored checkpoint still equals FromCheckpoint.
type Commit struct {
	FromCheckpoint int64
	Checkpoint     int64
	Windows        []WindowChange
	States         []alerts.AnomalyState
	Ledger         []alerts.LedgerEntry
}

func (c Commit) Empty() bool {
	return c.Checkpoint == c.FromCheckpoint && len(c.Windows) == 0 && len(c.States) == 0 && len(c.Ledger) == 0
}

type Stats struct {
	Events          int64 `json:"events"`
	LatestEventID   int64 `json:"latest_event_id"`
	Metrics         int   `json:"metrics"`
	ActiveMetrics   int   `json:"active_metrics"`
	ActiveAnomalies int   `json:"active_anomalies"`
	TotalTriggered  int64 `json:"total_triggered"`
	LedgerEntries   int64 `json:"ledger_entries"`
}

type EventStore interface {
	AppendEvent(ctx context.Context, evt events.Event) (events.Event, error)
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]events.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	ListEvents(ctx context.Context, sourceType string, limit, offset int) ([]events.Event, error)
}

type MetricStore interface {
	CreateMetric(ctx context.Context, spec rules.MetricSpec) (rules.MetricSpec, error)
	UpdateMetric(ctx context.Context, spec rules.MetricSpec) (rules.MetricSpec, error)
	GetMetric(ctx context.Context, id string) (rules.MetricSpec, error)
	ListMetrics(ctx context.Context) ([]rules.MetricSpec, error)
	SetMetricActive(ctx context.Context, id string, active bool) error
	DeleteMetric(ctx context.Context, id string) error
}

// EngineStore is owned by the evaluator.
type EngineStore interface {
	LoadCheckpoint(ctx context.Context) (int64, error)
	LoadWindows(ctx context.Context) ([]window.Entry, error)
	LoadAnomalyStates(ctx context.Context) ([]alerts.AnomalyState, error)
	CommitBatch(ctx context.Context, c Commit) error
}

// QueryStore is the read-only side used by the API.
type QueryStore interface {
	GetAnomalyState(ctx context.Context, metricID string) (alerts.AnomalyState, error)
	ListAnomalies(ctx context.Context, status alerts.Status, limit int) ([]alerts.AnomalyState, error)
	ListActiveAnomalies(ctx context.Context) ([]alerts.AnomalyState, error)
	// Summary counts over every stored state, never a page of them.
	Summary(ctx context.Context, now time.Time) (alerts.Summary, error)
	// CountEvents counts events of one source type ingested in (after, until].
	CountEvents(ctx context.Context, sourceType string, after, until time.Time) (int, error)
	AlertHistory(ctx context.Context, metricID string, r alerts.TimeRange) ([]alerts.LedgerEntry, error)
	RecentAlerts(ctx context.Context, limit int) ([]alerts.LedgerEntry, error)
	Stats(ctx context.Context) (Stats, error)
}

type Store interface {
	EventStore
	MetricStore
	EngineStore
	QueryStore
	Close()
}

// Open returns the store for a configured backend name.
func Open(ctx context.Context, backend, dsn string) (Store, error) {
	switch backend {
	case "postgres":
		pg, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", backend)
	}
}
