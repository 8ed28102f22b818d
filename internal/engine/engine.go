package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"windowwatch/internal/alerts"
	"windowwatch/internal/events"
	"windowwatch/internal/logger"
	"windowwatch/internal/metrics"
	"windowwatch/internal/rules"
	"windowwatch/internal/storage"
	"windowwatch/internal/window"
)

const (
	StateRunning = "running"
	StateStopped = "stopped"
)

// Store is the storage surface the evaluator needs.
type Store interface {
	ListMetrics(ctx context.Context) ([]rules.MetricSpec, error)
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]events.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	storage.EngineStore
}

// Notifier receives transitions after their batch has been committed.
type Notifier interface {
	PublishTransitions(ctx context.Context, transitions []alerts.Transition) error
}

type Config struct {
	TickInterval   time.Duration
	BatchSize      int
	Workers        int
	SweepTimeout   time.Duration
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:   time.Second,
		BatchSize:      500,
		Workers:        4,
		SweepTimeout:   30 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

type Status struct {
	State           string     `json:"state"`
	Checkpoint      int64      `json:"checkpoint"`
	LatestEventID   int64      `json:"latest_event_id"`
	Backlog         int64      `json:"backlog"`
	TrackedMetrics  int        `json:"tracked_metrics"`
	WindowEntries   int        `json:"window_entries"`
	ActiveAnomalies int        `json:"active_anomalies"`
	Sweeps          int64      `json:"sweeps"`
	EventsEvaluated int64      `json:"events_evaluated"`
	Transitions     int64      `json:"transitions"`
	LastSweepAt     *time.Time `json:"last_sweep_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

type SweepResult struct {
	Batches     int
	Events      int
	Checkpoint  int64
	Transitions []alerts.Transition
}

// Engine is the single evaluator. It owns the checkpoint, the in-memory windows and
// the anomaly states, and commits each batch atomically.
type Engine struct {
	store    Store
	notifier Notifier
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger
	wake     chan struct{}

	sweepMu    sync.Mutex
	loaded     bool
	checkpoint int64
	lastClose  time.Time
	trackers   map[string]*window.Tracker
	states     map[string]alerts.AnomalyState
	// frozen holds metrics last seen deactivated. It is not persisted.
	frozen     map[string]bool

	mu     sync.RWMutex
	status Status
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func New(store Store, cfg Config, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = defaults.SweepTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	e := &Engine{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		log:      logger.WithComponent("engine"),
		wake:     make(chan struct{}, 1),
		trackers: map[string]*window.Tracker{},
		states:   map[string]alerts.AnomalyState{},
		frozen:   map[string]bool{},
		status:   Status{State: StateStopped},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wake asks the run loop for an immediate sweep. It never blocks.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// NotifyIngested lets the engine act as the ingestion notifier when embedded.
func (e *Engine) NotifyIngested(events.Event) {
	e.Wake()
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.status
	if st.LastSweepAt != nil {
		t := *st.LastSweepAt
		st.LastSweepAt = &t
	}
	return st
}

// Run sweeps on every tick and wake-up until ctx is cancelled. A sweep in flight
// finishes its current batch before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.setState(StateRunning)
	defer e.setState(StateStopped)
	e.log.Info().
		Dur("tick_interval", e.cfg.TickInterval).
		Int("batch_size", e.cfg.BatchSize).
		Int("workers", e.cfg.Workers).
		Msg("engine started")

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SweepTimeout)
		if _, err := e.sweep(sweepCtx, ctx.Done()); err != nil {
			e.log.Error().Err(err).Msg("sweep failed")
		}
		cancel()
		select {
		case <-ctx.Done():
			e.log.Info().Msg("engine stopped")
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// Sweep drains the event backlog page by page and re-evaluates time-driven expiry.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	return e.sweep(ctx, ctx.Done())
}

func (e *Engine) sweep(ctx context.Context, stop <-chan struct{}) (SweepResult, error) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	result := SweepResult{Checkpoint: e.checkpoint}
	if !e.loaded {
		if err := e.restore(ctx); err != nil {
			return result, e.fail(fmt.Errorf("restore state: %w", err))
		}
		result.Checkpoint = e.checkpoint
	}
	now := e.now().UTC()
	for {
		specs, err := e.store.ListMetrics(ctx)
		if err != nil {
			return result, e.fail(fmt.Errorf("list metrics: %w", err))
		}
		page, err := e.store.EventsAfter(ctx, e.checkpoint, e.cfg.BatchSize)
		if err != nil {
			return result, e.fail(fmt.Errorf("read events after %d: %w", e.checkpoint, err))
		}
		last := len(page) < e.cfg.BatchSize
		batch, err := e.evaluate(ctx, specs, page, now, last)
		if err != nil {
			e.loaded = false
			return result, e.fail(fmt.Errorf("evaluate batch after %d: %w", e.checkpoint, err))
		}
		if !batch.commit.Empty() {
			if err := e.store.CommitBatch(ctx, batch.commit); err != nil {
				e.loaded = false
				return result, e.fail(fmt.Errorf("commit batch after %d: %w", e.checkpoint, err))
			}
		}
		e.apply(batch)
		metrics.EventsEvaluated.Add(float64(len(page)))
		result.Batches++
		result.Events += len(page)
		result.Checkpoint = e.checkpoint
		result.Transitions = append(result.Transitions, batch.transitions...)
		e.publish(batch.transitions)
		if len(page) > 0 {
			e.log.Debug().
				Int64("checkpoint", e.checkpoint).
				Int("batch_size", len(page)).
				Int("transitions", len(batch.transitions)).
				Msg("batch committed")
		}
		if last {
			break
		}
		select {
		case <-stop:
			e.recordSweep(result, -1)
			return result, nil
		default:
		}
	}
	latest, err := e.store.LatestEventID(ctx)
	if err != nil {
		latest = -1
	}
	e.recordSweep(result, latest)
	return result, nil
}

type batchOutcome struct {
	commit      storage.Commit
	runs        []*metricRun
	dropped     []string
	frozen      []string
	resumed     []string
	closeAt     time.Time
	transitions []alerts.Transition
}

// evaluate computes a batch without touching storage. Each event is evaluated at its
// own ingestion instant, kept non-decreasing; the batch closes at the last event's
// instant, or at now when the page ends the backlog.
func (e *Engine) evaluate(ctx context.Context, specs []rules.MetricSpec, page []events.Event, now time.Time, last bool) (batchOutcome, error) {
	out := batchOutcome{commit: storage.Commit{FromCheckpoint: e.checkpoint, Checkpoint: e.checkpoint}}
	if len(page) > 0 {
		out.commit.Checkpoint = page[len(page)-1].ID
	}

	instants := make([]time.Time, len(page))
	prev := e.lastClose
	for i, evt := range page {
		at := evt.IngestedAt.UTC()
		if at.Before(prev) {
			at = prev
		}
		instants[i] = at
		prev = at
	}
	out.closeAt = prev
	if last && now.After(out.closeAt) {
		out.closeAt = now
	}

	resumeAt := out.closeAt
	if len(instants) > 0 {
		resumeAt = instants[0]
	}

	known := make(map[string]bool, len(specs))
	for _, spec := range specs {
		known[spec.ID] = true
		if !spec.Active {
			out.frozen = append(out.frozen, spec.ID)
			continue
		}
		tracker, ok := e.trackers[spec.ID]
		if !ok {
			tracker = window.NewTracker(nil)
			e.trackers[spec.ID] = tracker
		}
		prevState, hasState := e.states[spec.ID]
		run := newMetricRun(spec, tracker, prevState, hasState)
		if e.frozen[spec.ID] {
			run.resume(resumeAt)
			out.resumed = append(out.resumed, spec.ID)
		}
		out.runs = append(out.runs, run)
	}
	for id := range e.trackers {
		if !known[id] {
			out.dropped = append(out.dropped, id)
		}
	}
	for id := range e.states {
		if !known[id] && e.trackers[id] == nil {
			out.dropped = append(out.dropped, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, run := range out.runs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i, evt := range page {
				if rules.Matches(run.spec, evt.SourceType, evt.Payload) {
					run.observe(evt, instants[i])
				}
			}
			run.finalize(out.closeAt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batchOutcome{}, err
	}

	for _, run := range out.runs {
		if run.windowChanged() {
			out.commit.Windows = append(out.commit.Windows, storage.WindowChange{
				MetricID: run.spec.ID,
				Cutoff:   run.cutoff,
				Added:    run.added,
			})
		}
		if !run.state.Equal(run.before) {
			out.commit.States = append(out.commit.States, run.state)
		}
		out.commit.Ledger = append(out.commit.Ledger, run.ledger...)
		for _, entry := range run.ledger {
			out.transitions = append(out.transitions, alerts.Transition{Entry: entry, State: run.state})
		}
	}
	return out, nil
}

// apply moves committed batch results into the engine's state.
func (e *Engine) apply(batch batchOutcome) {
	e.checkpoint = batch.commit.Checkpoint
	e.lastClose = batch.closeAt
	for _, id := range batch.frozen {
		e.frozen[id] = true
	}
	for _, id := range batch.resumed {
		delete(e.frozen, id)
	}
	for _, id := range batch.dropped {
		delete(e.trackers, id)
		delete(e.states, id)
		delete(e.frozen, id)
		metrics.WindowEntries.DeleteLabelValues(id)
	}
	for _, run := range batch.runs {
		e.states[run.spec.ID] = run.state
		metrics.WindowEntries.WithLabelValues(run.spec.ID).Set(float64(run.tracker.Count()))
	}
	for _, t := range batch.transitions {
		metrics.AlertTransitions.WithLabelValues(string(t.Entry.Action), string(t.State.Severity)).Inc()
		e.log.Info().
			Str("metric_id", t.Entry.MetricID).
			Str("metric_name", t.State.MetricName).
			Str("action", string(t.Entry.Action)).
			Int("event_count", t.Entry.EventCount).
			Int("threshold", t.Entry.Threshold).
			Int64("seq", t.Entry.Seq).
			Time("at", t.Entry.Timestamp).
			Msg("alert transition")
	}
	metrics.EvaluatorCheckpoint.Set(float64(e.checkpoint))
}

func (e *Engine) publish(transitions []alerts.Transition) {
	if e.notifier == nil || len(transitions) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PublishTimeout)
	defer cancel()
	if err := e.notifier.PublishTransitions(ctx, transitions); err != nil {
		e.log.Warn().Err(err).Int("transitions", len(transitions)).Msg("transition notification failed")
	}
}

// restore rebuilds in-memory state from storage only; event history is never replayed.
func (e *Engine) restore(ctx context.Context) error {
	checkpoint, err := e.store.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}
	entries, err := e.store.LoadWindows(ctx)
	if err != nil {
		return err
	}
	states, err := e.store.LoadAnomalyStates(ctx)
	if err != nil {
		return err
	}
	grouped := map[string][]window.Entry{}
	for _, entry := range entries {
		grouped[entry.MetricID] = append(grouped[entry.MetricID], entry)
	}
	trackers := make(map[string]*window.Tracker, len(grouped))
	for id, list := range grouped {
		trackers[id] = window.NewTracker(list)
	}
	stateMap := make(map[string]alerts.AnomalyState, len(states))
	for _, st := range states {
		stateMap[st.MetricID] = st
	}
	e.checkpoint = checkpoint
	e.lastClose = time.Time{}
	e.trackers = trackers
	e.states = stateMap
	e.loaded = true
	e.log.Info().
		Int64("checkpoint", checkpoint).
		Int("window_entries", len(entries)).
		Int("anomaly_states", len(states)).
		Msg("engine state restored")
	return nil
}

func (e *Engine) fail(err error) error {
	metrics.SweepFailures.Inc()
	e.mu.Lock()
	e.status.LastError = err.Error()
	e.mu.Unlock()
	if errors.Is(err, storage.ErrCheckpointConflict) {
		e.log.Warn().Err(err).Msg("checkpoint conflict, reloading state")
	}
	return err
}

func (e *Engine) recordSweep(result SweepResult, latest int64) {
	entries := 0
	for _, tr := range e.trackers {
		entries += tr.Count()
	}
	active := 0
	for _, st := range e.states {
		if st.Active() {
			active++
		}
	}
	metrics.ActiveAnomalies.Set(float64(active))

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().UTC()
	e.status.Checkpoint = e.checkpoint
	if latest >= 0 {
		e.status.LatestEventID = latest
		backlog := latest - e.checkpoint
		if backlog < 0 {
			backlog = 0
		}
		e.status.Backlog = backlog
		metrics.EvaluatorBacklog.Set(float64(backlog))
	}
	e.status.TrackedMetrics = len(e.trackers)
	e.status.WindowEntries = entries
	e.status.ActiveAnomalies = active
	e.status.Sweeps++
	e.status.EventsEvaluated += int64(result.Events)
	e.status.Transitions += int64(len(result.Transitions))
	e.status.LastSweepAt = &now
	e.status.LastError = ""
}

func (e *Engine) setState(state string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.State = state
}
