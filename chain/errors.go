package chain

import (
	"errors"
	"fmt"
)

// ChainUnavailable reports a failed JSON-RPC interaction. It is always
// transient from the process's point of view: the scheduler backs off
// and retries, and only the affected chain stalls.
type ChainUnavailable struct {
	ChainID  uint64
	Endpoint string
	Op       string
	Err      error
}

func (e *ChainUnavailable) Error() string {
	return fmt.Sprintf("chain %d unavailable during %s: %v", e.ChainID, e.Op, e.Err)
}

func (e *ChainUnavailable) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is or wraps a ChainUnavailable.
func IsUnavailable(err error) bool {
	var cu *ChainUnavailable
	return errors.As(err, &cu)
}
