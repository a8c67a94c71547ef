package publish

import (
	"context"
	"errors"
)

// Fanout publishes each fact to every member sink. A member failure
// does not stop the others; the joined error surfaces so the queue
// retries, and the redelivery to already-successful members is covered
// by the at-least-once contract.
type Fanout struct {
	sinks []Sink
}

// NewFanout composes sinks into one.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Publish delivers the fact to all member sinks.
func (f *Fanout) Publish(ctx context.Context, fact *Fact) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, fact); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every member sink.
func (f *Fanout) Close(ctx context.Context) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
