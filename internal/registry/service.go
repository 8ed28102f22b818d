package registry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"windowwatch/internal/logger"
	"windowwatch/internal/rules"
	"windowwatch/internal/security"
	"windowwatch/internal/storage"
)

const (
	SubjectMetricCreated     = "metric.created"
	SubjectMetricUpdated     = "metric.updated"
	SubjectMetricActivated   = "metric.activated"
	SubjectMetricDeactivated = "metric.deactivated"
	SubjectMetricDeleted     = "metric.deleted"
)

// Publisher announces registry changes. Failures are logged, never returned.
type Publisher interface {
	Publish(subject string, payload any) error
}

type Service struct {
	store  storage.MetricStore
	bus    Publisher
	limits security.Limits
	log    zerolog.Logger
}

func NewService(store storage.MetricStore, bus Publisher, limits security.Limits) *Service {
	return &Service{
		store:  store,
		bus:    bus,
		limits: limits,
		log:    logger.WithComponent("registry"),
	}
}

// Create validates and stores a new metric. Validation failures return *rules.ValidationError.
func (s *Service) Create(ctx context.Context, spec rules.MetricSpec) (rules.MetricSpec, error) {
	spec = rules.Normalize(spec)
	if verr := rules.Validate(spec, s.limits); verr != nil {
		return rules.MetricSpec{}, verr
	}
	created, err := s.store.CreateMetric(ctx, spec)
	if err != nil {
		return rules.MetricSpec{}, err
	}
	s.log.Info().Str("metric_id", created.ID).Str("name", created.Name).Msg("metric created")
	s.publish(SubjectMetricCreated, created.ID)
	return created, nil
}

// Update replaces the definition of an existing metric. The window and anomaly state
// are kept; the new window and threshold apply from the next evaluation.
func (s *Service) Update(ctx context.Context, id string, spec rules.MetricSpec) (rules.MetricSpec, error) {
	if _, err := s.store.GetMetric(ctx, id); err != nil {
		return rules.MetricSpec{}, err
	}
	spec.ID = id
	spec = rules.Normalize(spec)
	if verr := rules.Validate(spec, s.limits); verr != nil {
		return rules.MetricSpec{}, verr
	}
	updated, err := s.store.UpdateMetric(ctx, spec)
	if err != nil {
		return rules.MetricSpec{}, err
	}
	s.log.Info().Str("metric_id", id).Msg("metric updated")
	s.publish(SubjectMetricUpdated, id)
	return updated, nil
}

// Deactivate excludes the metric from evaluation without touching its state or window.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	if err := s.store.SetMetricActive(ctx, id, false); err != nil {
		return err
	}
	s.publish(SubjectMetricDeactivated, id)
	return nil
}

func (s *Service) Activate(ctx context.Context, id string) error {
	if err := s.store.SetMetricActive(ctx, id, true); err != nil {
		return err
	}
	s.publish(SubjectMetricActivated, id)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (rules.MetricSpec, error) {
	return s.store.GetMetric(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]rules.MetricSpec, error) {
	return s.store.ListMetrics(ctx)
}

// Delete removes the metric, its window and its anomaly state. Ledger history is kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteMetric(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("metric_id", id).Msg("metric deleted")
	s.publish(SubjectMetricDeleted, id)
	return nil
}

func (s *Service) publish(subject, metricID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(subject, map[string]any{"metric_id": metricID}); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Str("metric_id", metricID).Msg("registry publish failed")
	}
}

// IsValidationError reports whether err is a rejected spec.
func IsValidationError(err error) (*rules.ValidationError, bool) {
	var verr *rules.ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
