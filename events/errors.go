package events

import (
	"errors"
	"fmt"
)

// ErrUnsupportedEvent marks a log whose (contract, topic0) pair is not
// in the watch set. Such logs are skipped, never failed on.
var ErrUnsupportedEvent = errors.New("unsupported event")

// DecodeError reports a watched log whose payload did not match its
// ABI. The log is quarantined rather than applied.
type DecodeError struct {
	Provenance Provenance
	Event      string
	Err        error
}

func (e *DecodeError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("decode %s at %s: %v", e.Event, e.Provenance, e.Err)
	}
	return fmt.Sprintf("decode log at %s: %v", e.Provenance, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InvariantViolationError reports an event whose decoded values break a
// ledger invariant. The ledger must stay untouched by such events.
type InvariantViolationError struct {
	Provenance Provenance
	Reason     string
}

func (e *InvariantViolationError) Error() string {
	zero := Provenance{}
	if e.Provenance == zero {
		return fmt.Sprintf("invariant violation: %s", e.Reason)
	}
	return fmt.Sprintf("invariant violation at %s: %s", e.Provenance, e.Reason)
}

// IsDecodeError reports whether err is or wraps a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsInvariantViolation reports whether err is or wraps an
// InvariantViolationError.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolationError
	return errors.As(err, &iv)
}
