package price

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fundback/ledger-indexer/events"
)

// StaticSource serves rates from a fixed table keyed by token symbol.
// Token addresses are resolved to symbols through the registry, so the
// same table prices an asset on every chain it is deployed on.
type StaticSource struct {
	registry *events.Registry
	rates    map[string]*big.Int
}

// NewStaticSource creates a source over a symbol-to-rate table. Rates
// are USD per whole token, scaled by 1e8. The table is copied.
func NewStaticSource(registry *events.Registry, rates map[string]*big.Int) *StaticSource {
	copied := make(map[string]*big.Int, len(rates))
	for symbol, rate := range rates {
		if rate == nil {
			continue
		}
		copied[strings.ToUpper(symbol)] = new(big.Int).Set(rate)
	}
	return &StaticSource{
		registry: registry,
		rates:    copied,
	}
}

// Available reports whether the table holds any rates.
func (s *StaticSource) Available() bool {
	return len(s.rates) > 0
}

// RateUSD resolves the token to a symbol and looks up its rate. Tokens
// without registry metadata or without a table row return nil.
func (s *StaticSource) RateUSD(ctx context.Context, chainID uint64, token common.Address, at time.Time) (*big.Int, error) {
	if s.registry == nil {
		return nil, nil
	}

	info, ok := s.registry.Token(chainID, token)
	if !ok {
		return nil, nil
	}
	rate, ok := s.rates[strings.ToUpper(info.Symbol)]
	if !ok {
		return nil, nil
	}
	return new(big.Int).Set(rate), nil
}
