package events

import (
	"context"
	"errors"
)

// MultiPublisher publishes every event to each of its publishers in turn.
// All publishers are attempted; their errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, subject string, event any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, subject, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
