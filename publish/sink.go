package publish

import (
	"context"
	"errors"
)

// Sink delivers facts to one outbound transport. Implementations are
// safe for concurrent use; Publish returns once the transport accepted
// the fact or with the error that the retry queue acts on.
type Sink interface {
	Publish(ctx context.Context, fact *Fact) error
	Close(ctx context.Context) error
}

// Common errors for publisher operations.
var (
	// ErrPublishFailed indicates that publishing a fact failed.
	ErrPublishFailed = errors.New("failed to publish fact")

	// ErrNotConnected indicates the sink backend is not connected.
	ErrNotConnected = errors.New("sink is not connected")

	// ErrConnectionFailed indicates a connection failure to the sink backend.
	ErrConnectionFailed = errors.New("failed to connect to sink backend")

	// ErrInvalidConfiguration indicates invalid publisher configuration.
	ErrInvalidConfiguration = errors.New("invalid publisher configuration")

	// ErrShutdown indicates the publisher is shutting down.
	ErrShutdown = errors.New("publisher is shutting down")
)
