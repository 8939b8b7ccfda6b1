package kafka

import (
	"context"

	"stockflow/internal/domain"
)

// Chain runs sinks in order and stops at the first error. Sinks that already
// ran see the event again on redelivery.
func Chain(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev domain.Event) error {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Handle(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}
