package events

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// TokenInfo is the display metadata for a known token.
type TokenInfo struct {
	Symbol   string
	Decimals uint8
}

// Registry holds the watch set: which contract addresses emit ledger
// events on each chain, plus token metadata for symbol resolution.
// Logs from unwatched addresses are ignored by the decoder.
type Registry struct {
	mu      sync.RWMutex
	watched map[uint64]map[common.Address]struct{}
	tokens  map[uint64]map[common.Address]TokenInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		watched: make(map[uint64]map[common.Address]struct{}),
		tokens:  make(map[uint64]map[common.Address]TokenInfo),
	}
}

// AddContract marks an address as watched on a chain.
func (r *Registry) AddContract(chainID uint64, addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.watched[chainID]
	if !ok {
		set = make(map[common.Address]struct{})
		r.watched[chainID] = set
	}
	set[addr] = struct{}{}
}

// AddToken registers token metadata for a chain. The zero address is
// used for the chain's native coin.
func (r *Registry) AddToken(chainID uint64, addr common.Address, symbol string, decimals uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.tokens[chainID]
	if !ok {
		set = make(map[common.Address]TokenInfo)
		r.tokens[chainID] = set
	}
	set[addr] = TokenInfo{Symbol: symbol, Decimals: decimals}
}

// Watched reports whether addr is in the watch set for chainID.
func (r *Registry) Watched(chainID uint64, addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.watched[chainID]
	if !ok {
		return false
	}
	_, ok = set[addr]
	return ok
}

// Token returns the metadata registered for a token address.
func (r *Registry) Token(chainID uint64, addr common.Address) (TokenInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.tokens[chainID]
	if !ok {
		return TokenInfo{}, false
	}
	info, ok := set[addr]
	return info, ok
}

// WatchedContracts returns the watch set for a chain.
func (r *Registry) WatchedContracts(chainID uint64) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.watched[chainID]
	if !ok {
		return nil
	}
	addrs := make([]common.Address, 0, len(set))
	for addr := range set {
		addrs = append(addrs, addr)
	}
	return addrs
}
