package fetch

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/fundback/ledger-indexer/internal/constants"
)

// backoff holds explicit retry state for source outages: the current
// delay doubles per failed cycle up to a ceiling and resets on
// progress.
type backoff struct {
	delay time.Duration
}

func newBackoff() *backoff {
	return &backoff{delay: constants.InitialRetryDelay}
}

func (b *backoff) reset() {
	b.delay = constants.InitialRetryDelay
}

// sleep waits for the current delay plus random jitter, honoring
// context cancellation, then doubles the delay for the next call.
func (b *backoff) sleep(ctx context.Context) error {
	wait := b.delay
	// Jitter spreads reconnect storms across workers.
	if span := int64(float64(b.delay) * constants.RetryJitterFraction); span > 0 {
		wait += time.Duration(rand.Int64N(span))
	}

	b.delay *= 2
	if b.delay > constants.MaxRetryDelay {
		b.delay = constants.MaxRetryDelay
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
