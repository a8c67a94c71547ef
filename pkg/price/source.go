package price

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// UsdDecimals is the fixed-point scale of all USD rates and values.
const UsdDecimals = 8

// Source answers USD rates for tokens. A nil rate with a nil error
// means the source cannot price the token right now; the caller queues
// the entry for repricing instead of failing the apply.
type Source interface {
	// Available reports whether the source can currently answer.
	Available() bool

	// RateUSD returns the USD rate for one whole token, scaled by 1e8.
	// at is the block timestamp of the event being priced; sources that
	// only know the current rate may ignore it.
	RateUSD(ctx context.Context, chainID uint64, token common.Address, at time.Time) (*big.Int, error)
}

// ValueUSD converts a raw token amount to USD scaled by 1e8 using the
// given source. Returns nil when no rate is available.
func ValueUSD(ctx context.Context, src Source, chainID uint64, token common.Address, amount *big.Int, decimals uint8, at time.Time) (*big.Int, error) {
	if src == nil || amount == nil {
		return nil, nil
	}

	rate, err := src.RateUSD(ctx, chainID, token, at)
	if err != nil || rate == nil {
		return nil, err
	}

	// value = amount * rate / 10^decimals
	value := new(big.Int).Mul(amount, rate)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return value.Div(value, divisor), nil
}

// NoopSource prices nothing. Use it when no rate source is configured;
// every priced field stays nil and entries land in the reprice queue.
type NoopSource struct{}

// NewNoopSource creates a source that never answers.
func NewNoopSource() *NoopSource {
	return &NoopSource{}
}

// Available returns false.
func (s *NoopSource) Available() bool {
	return false
}

// RateUSD returns nil, no rate available.
func (s *NoopSource) RateUSD(ctx context.Context, chainID uint64, token common.Address, at time.Time) (*big.Int, error) {
	return nil, nil
}
