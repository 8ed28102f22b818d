package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"windowwatch/internal/alerts"
	"windowwatch/internal/events"
	"windowwatch/internal/rules"
	"windowwatch/internal/window"
)

// appendLockKey serialises event appends so ids follow commit order.
const appendLockKey int64 = 0x77696e646f77

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{Pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func (s *Postgres) AppendEvent(ctx context.Context, evt events.Event) (events.Event, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return events.Event{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return events.Event{}, fmt.Errorf("acquire append lock: %w", err)
	}
	var maxID int64
	var lastTS *time.Time
	if err := tx.QueryRow(ctx, `
		SELECT id, ingested_at FROM events ORDER BY id DESC LIMIT 1`).Scan(&maxID, &lastTS); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return events.Event{}, err
	}
	switch {
	case evt.ID == 0:
		evt.ID = maxID + 1
	case evt.ID > maxID:
	default:
		existing, err := scanEvent(tx.QueryRow(ctx, `
			SELECT id, source_type, payload, ingested_at FROM events WHERE id=$1`, evt.ID))
		if err == nil {
			return existing, events.ErrDuplicateEvent
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return events.Event{}, err
		}
		return events.Event{}, fmt.Errorf("%w: id %d, latest %d", events.ErrStaleEventID, evt.ID, maxID)
	}
	if lastTS != nil && evt.IngestedAt.Before(*lastTS) {
		evt.IngestedAt = *lastTS
	}
	if evt.Payload == nil {
		evt.Payload = events.Payload{}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO events (id, source_type, payload, ingested_at)
		VALUES ($1,$2,$3,$4)`,
		evt.ID, evt.SourceType, map[string]any(evt.Payload), evt.IngestedAt,
	); err != nil {
		return events.Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return events.Event{}, err
	}
	return evt, nil
}

func (s *Postgres) EventsAfter(ctx context.Context, afterID int64, limit int) ([]events.Event, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, source_type, payload, ingested_at
		FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *Postgres) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx, `SELECT COALESCE(max(id), 0) FROM events`).Scan(&id)
	return id, err
}

func (s *Postgres) ListEvents(ctx context.Context, sourceType string, limit, offset int) ([]events.Event, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, source_type, payload, ingested_at
		FROM events
		WHERE ($1 = '' OR source_type = $1)
		ORDER BY id DESC LIMIT $2 OFFSET $3`, sourceType, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]events.Event, error) {
	defer rows.Close()
	results := []events.Event{}
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, evt)
	}
	return results, rows.Err()
}

func scanEvent(row pgx.Row) (events.Event, error) {
	var evt events.Event
	var payload map[string]any
	if err := row.Scan(&evt.ID, &evt.SourceType, &payload, &evt.IngestedAt); err != nil {
		return events.Event{}, err
	}
	evt.Payload = events.Payload(payload)
	evt.IngestedAt = evt.IngestedAt.UTC()
	return evt, nil
}

const metricColumns = `id, name, description, source_type, filter, window_sec, threshold, severity, active, created_at, updated_at`

func scanMetric(row pgx.Row) (rules.MetricSpec, error) {
	var spec rules.MetricSpec
	var severity string
	if err := row.Scan(&spec.ID, &spec.Name, &spec.Description, &spec.SourceType, &spec.Filter, &spec.WindowSec, &spec.Threshold, &severity, &spec.Active, &spec.CreatedAt, &spec.UpdatedAt); err != nil {
		return rules.MetricSpec{}, err
	}
	spec.Severity = rules.Severity(severity)
	if spec.Filter == nil {
		spec.Filter = map[string]any{}
	}
	return spec, nil
}

func (s *Postgres) CreateMetric(ctx context.Context, spec rules.MetricSpec) (rules.MetricSpec, error) {
	spec.ID = uuid.NewString()
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO metric_specs (id, name, description, source_type, filter, window_sec, threshold, severity, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		RETURNING `+metricColumns,
		spec.ID, spec.Name, spec.Description, spec.SourceType, spec.Filter, spec.WindowSec, spec.Threshold, string(spec.Severity), spec.Active,
	)
	return scanMetric(row)
}

func (s *Postgres) UpdateMetric(ctx context.Context, spec rules.MetricSpec) (rules.MetricSpec, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE metric_specs
		SET name=$1, description=$2, source_type=$3, filter=$4, window_sec=$5, threshold=$6, severity=$7, active=$8, updated_at=now()
		WHERE id=$9
		RETURNING `+metricColumns,
		spec.Name, spec.Description, spec.SourceType, spec.Filter, spec.WindowSec, spec.Threshold, string(spec.Severity), spec.Active, spec.ID,
	)
	updated, err := scanMetric(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rules.MetricSpec{}, ErrNotFound
	}
	return updated, err
}

func (s *Postgres) GetMetric(ctx context.Context, id string) (rules.MetricSpec, error) {
	if _, err := uuid.Parse(id); err != nil {
		return rules.MetricSpec{}, ErrNotFound
	}
	spec, err := scanMetric(s.Pool.QueryRow(ctx, `SELECT `+metricColumns+` FROM metric_specs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rules.MetricSpec{}, ErrNotFound
	}
	return spec, err
}

func (s *Postgres) ListMetrics(ctx context.Context) ([]rules.MetricSpec, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+metricColumns+` FROM metric_specs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []rules.MetricSpec{}
	for rows.Next() {
		spec, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, spec)
	}
	return results, rows.Err()
}

func (s *Postgres) SetMetricActive(ctx context.Context, id string, active bool) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE metric_specs SET active=$1, updated_at=now() WHERE id=$2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMetric cascades to window_entries and anomaly_state. The ledger is kept.
func (s *Postgres) DeleteMetric(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.Pool.Exec(ctx, `DELETE FROM metric_specs WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) LoadCheckpoint(ctx context.Context) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx, `SELECT last_event_id FROM engine_checkpoint WHERE id=1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (s *Postgres) LoadWindows(ctx context.Context) ([]window.Entry, error) {
	rows, err := s.Pool.Query(ctx, `SELECT metric_id, event_id, event_ts FROM window_entries ORDER BY metric_id, event_ts, event_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []window.Entry{}
	for rows.Next() {
		var e window.Entry
		if err := rows.Scan(&e.MetricID, &e.EventID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		results = append(results, e)
	}
	return results, rows.Err()
}

const stateColumns = `a.metric_id, m.name, m.severity, a.status, a.current_count, a.trigger_count, a.version, a.detected_at, a.last_seen_at, a.last_resolved_at`

func scanState(row pgx.Row) (alerts.AnomalyState, error) {
	var st alerts.AnomalyState
	var severity, status string
	if err := row.Scan(&st.MetricID, &st.MetricName, &severity, &status, &st.CurrentCount, &st.TriggerCount, &st.Version, &st.DetectedAt, &st.LastSeenAt, &st.LastResolvedAt); err != nil {
		return alerts.AnomalyState{}, err
	}
	st.Severity = rules.Severity(severity)
	st.Status = alerts.Status(status)
	return st, nil
}

func collectStates(rows pgx.Rows) ([]alerts.AnomalyState, error) {
	defer rows.Close()
	results := []alerts.AnomalyState{}
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, st)
	}
	return results, rows.Err()
}

func (s *Postgres) LoadAnomalyStates(ctx context.Context) ([]alerts.AnomalyState, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+stateColumns+`
		FROM anomaly_state a JOIN metric_specs m ON m.id = a.metric_id`)
	if err != nil {
		return nil, err
	}
	return collectStates(rows)
}

func (s *Postgres) CommitBatch(ctx context.Context, c Commit) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE engine_checkpoint SET last_event_id=$1, updated_at=now()
		WHERE id=1 AND last_event_id=$2 AND $1 >= $2`, c.Checkpoint, c.FromCheckpoint)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: batch read %d", ErrCheckpointConflict, c.FromCheckpoint)
	}

	batch := &pgx.Batch{}
	for _, w := range c.Windows {
		if !w.Cutoff.IsZero() {
			batch.Queue(`DELETE FROM window_entries WHERE metric_id=$1 AND event_ts <= $2`, w.MetricID, w.Cutoff)
		}
		for _, e := range w.Added {
			batch.Queue(`
				INSERT INTO window_entries (metric_id, event_id, event_ts) VALUES ($1,$2,$3)
				ON CONFLICT (metric_id, event_id) DO NOTHING`, w.MetricID, e.EventID, e.Timestamp)
		}
	}
	for _, st := range c.States {
		batch.Queue(`
			INSERT INTO anomaly_state (metric_id, status, current_count, trigger_count, version, detected_at, last_seen_at, last_resolved_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
			ON CONFLICT (metric_id) DO UPDATE SET
				status=EXCLUDED.status,
				current_count=EXCLUDED.current_count,
				trigger_count=EXCLUDED.trigger_count,
				version=EXCLUDED.version,
				detected_at=EXCLUDED.detected_at,
				last_seen_at=EXCLUDED.last_seen_at,
				last_resolved_at=EXCLUDED.last_resolved_at,
				updated_at=now()`,
			st.MetricID, string(st.Status), st.CurrentCount, st.TriggerCount, st.Version, st.DetectedAt, st.LastSeenAt, st.LastResolvedAt,
		)
	}
	for _, entry := range c.Ledger {
		batch.Queue(`
			INSERT INTO alert_ledger (metric_id, seq, action, event_count, threshold_at_time, message, ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (metric_id, seq) DO NOTHING`,
			entry.MetricID, entry.Seq, string(entry.Action), entry.EventCount, entry.Threshold, entry.Message, entry.Timestamp,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetAnomalyState(ctx context.Context, metricID string) (alerts.AnomalyState, error) {
	spec, err := s.GetMetric(ctx, metricID)
	if err != nil {
		return alerts.AnomalyState{}, err
	}
	st, err := scanState(s.Pool.QueryRow(ctx, `
		SELECT `+stateColumns+`
		FROM anomaly_state a JOIN metric_specs m ON m.id = a.metric_id
		WHERE a.metric_id=$1`, metricID))
	if errors.Is(err, pgx.ErrNoRows) {
		return alerts.NewState(spec), nil
	}
	return st, err
}

// ListAnomalies returns every matching state when limit is not positive.
func (s *Postgres) ListAnomalies(ctx context.Context, status alerts.Status, limit int) ([]alerts.AnomalyState, error) {
	var capped any
	if limit > 0 {
		capped = limit
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+stateColumns+`
		FROM anomaly_state a JOIN metric_specs m ON m.id = a.metric_id
		WHERE ($1 = '' OR a.status = $1)
		ORDER BY GREATEST(a.detected_at, a.last_seen_at, a.last_resolved_at) DESC NULLS LAST
		LIMIT $2`, string(status), capped)
	if err != nil {
		return nil, err
	}
	return collectStates(rows)
}

func (s *Postgres) ListActiveAnomalies(ctx context.Context) ([]alerts.AnomalyState, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+stateColumns+`
		FROM anomaly_state a JOIN metric_specs m ON m.id = a.metric_id
		WHERE a.status = 'ACTIVE'`)
	if err != nil {
		return nil, err
	}
	states, err := collectStates(rows)
	if err != nil {
		return nil, err
	}
	alerts.SortActive(states)
	return states, nil
}

func (s *Postgres) Summary(ctx context.Context, now time.Time) (alerts.Summary, error) {
	var sum alerts.Summary
	err := s.Pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE a.status = 'ACTIVE'),
			count(*) FILTER (WHERE a.status = 'ACTIVE' AND m.severity = 'critical'),
			count(*) FILTER (WHERE a.status <> 'ACTIVE' AND a.last_resolved_at >= $1)
		FROM anomaly_state a JOIN metric_specs m ON m.id = a.metric_id`, alerts.StartOfDay(now)).
		Scan(&sum.Active, &sum.CriticalActive, &sum.ResolvedToday)
	return sum, err
}

func (s *Postgres) CountEvents(ctx context.Context, sourceType string, after, until time.Time) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM events
		WHERE source_type = $1 AND ingested_at > $2 AND ingested_at <= $3`, sourceType, after.UTC(), until.UTC()).Scan(&n)
	return n, err
}

const ledgerColumns = `id, metric_id, seq, action, event_count, threshold_at_time, message, ts`

func collectLedger(rows pgx.Rows) ([]alerts.LedgerEntry, error) {
	defer rows.Close()
	results := []alerts.LedgerEntry{}
	for rows.Next() {
		var entry alerts.LedgerEntry
		var action string
		if err := rows.Scan(&entry.ID, &entry.MetricID, &entry.Seq, &action, &entry.EventCount, &entry.Threshold, &entry.Message, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Action = alerts.Action(action)
		entry.Timestamp = entry.Timestamp.UTC()
		results = append(results, entry)
	}
	return results, rows.Err()
}

func (s *Postgres) AlertHistory(ctx context.Context, metricID string, r alerts.TimeRange) ([]alerts.LedgerEntry, error) {
	if _, err := uuid.Parse(metricID); err != nil {
		return []alerts.LedgerEntry{}, nil
	}
	var from, to *time.Time
	if !r.From.IsZero() {
		from = &r.From
	}
	if !r.To.IsZero() {
		to = &r.To
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM alert_ledger
		WHERE metric_id=$1
			AND ($2::timestamptz IS NULL OR ts >= $2)
			AND ($3::timestamptz IS NULL OR ts <= $3)
		ORDER BY ts ASC, seq ASC`, metricID, from, to)
	if err != nil {
		return nil, err
	}
	return collectLedger(rows)
}

func (s *Postgres) RecentAlerts(ctx context.Context, limit int) ([]alerts.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM alert_ledger ORDER BY ts DESC, metric_id DESC, seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectLedger(rows)
}

func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.Pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM events),
			(SELECT COALESCE(max(id), 0) FROM events),
			(SELECT count(*) FROM metric_specs),
			(SELECT count(*) FROM metric_specs WHERE active),
			(SELECT count(*) FROM anomaly_state WHERE status = 'ACTIVE'),
			(SELECT count(*) FROM alert_ledger WHERE action = 'TRIGGERED'),
			(SELECT count(*) FROM alert_ledger)`).
		Scan(&st.Events, &st.LatestEventID, &st.Metrics, &st.ActiveMetrics, &st.ActiveAnomalies, &st.TotalTriggered, &st.LedgerEntries)
	return st, err
}
