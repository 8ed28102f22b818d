package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"windowwatch/internal/logger"
	"windowwatch/internal/metrics"
)

// Store appends events to the log. An event with ID zero receives the next id;
// a non-zero ID is kept when it is greater than every existing id.
// Implementations clamp IngestedAt so timestamps never decrease along the id order.
type Store interface {
	AppendEvent(ctx context.Context, evt Event) (Event, error)
}

// Notifier is told about every appended event. It must not block.
type Notifier interface {
	NotifyIngested(evt Event)
}

// Notifiers fans one ingestion out to several notifiers.
type Notifiers []Notifier

func (n Notifiers) NotifyIngested(evt Event) {
	for _, notifier := range n {
		notifier.NotifyIngested(evt)
	}
}

type Service struct {
	store     Store
	notifier  Notifier
	maxFields int
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMaxPayloadFields(n int) Option {
	return func(s *Service) { s.maxFields = n }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
		log:   logger.WithComponent("ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submission is one item of a batch.
type Submission struct {
	ID         int64          `json:"id,omitempty"`
	SourceType string         `json:"source_type"`
	Payload    map[string]any `json:"payload"`
}

type Result struct {
	ID        int64  `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

func (s *Service) Submit(ctx context.Context, sourceType string, payload map[string]any) (int64, error) {
	return s.SubmitWithID(ctx, 0, sourceType, payload)
}

// SubmitWithID appends an event carrying a producer-assigned id. A zero id lets the
// store assign one. Resubmitting an existing id returns that id with ErrDuplicateEvent.
func (s *Service) SubmitWithID(ctx context.Context, id int64, sourceType string, payload map[string]any) (int64, error) {
	sourceType = strings.TrimSpace(sourceType)
	evt := Event{ID: id, SourceType: sourceType}
	if err := evt.Validate(); err != nil {
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		return 0, err
	}
	if s.maxFields > 0 && len(payload) > s.maxFields {
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		return 0, errors.Join(ErrInvalidEvent, errors.New("payload has too many fields"))
	}
	normalized, err := NormalizePayload(payload)
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		return 0, err
	}
	evt.Payload = normalized
	evt.IngestedAt = s.now().UTC()

	stored, err := s.store.AppendEvent(ctx, evt)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateEvent):
			metrics.EventsIngestedTotal.WithLabelValues("duplicate").Inc()
			return stored.ID, err
		case errors.Is(err, ErrStaleEventID):
			metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		default:
			metrics.EventsIngestedTotal.WithLabelValues("failed").Inc()
			s.log.Error().Err(err).Str("source_type", sourceType).Msg("event append failed")
		}
		return 0, err
	}
	metrics.EventsIngestedTotal.WithLabelValues("accepted").Inc()
	if s.notifier != nil {
		s.notifier.NotifyIngested(stored)
	}
	return stored.ID, nil
}

// SubmitBatch submits items in order and reports one result per item.
func (s *Service) SubmitBatch(ctx context.Context, items []Submission) []Result {
	metrics.IngestBatchSize.Observe(float64(len(items)))
	results := make([]Result, len(items))
	for i, item := range items {
		id, err := s.SubmitWithID(ctx, item.ID, item.SourceType, item.Payload)
		res := Result{ID: id, Err: err}
		if errors.Is(err, ErrDuplicateEvent) {
			res.Duplicate = true
			res.Err = nil
		} else if err != nil {
			res.Error = err.Error()
		}
		results[i] = res
	}
	return results
}
