package bus

import (
	"context"
	"errors"

	"windowwatch/internal/alerts"
)

type TransitionPublisher interface {
	PublishTransitions(ctx context.Context, transitions []alerts.Transition) error
}

// Fanout delivers transitions to every sink and joins their errors.
type Fanout []TransitionPublisher

func (f Fanout) PublishTransitions(ctx context.Context, transitions []alerts.Transition) error {
	var errs []error
	for _, sink := range f {
		if err := sink.PublishTransitions(ctx, transitions); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
