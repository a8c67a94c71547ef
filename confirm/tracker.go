package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/internal/constants"
	"github.com/fundback/ledger-indexer/storage"
)

// ErrReorgTooDeep means the divergence point sits further back than the
// configured maximum. The affected chain halts for operator review;
// other chains keep running.
var ErrReorgTooDeep = errors.New("reorg exceeds maximum depth")

// HeaderSource serves headers of the currently canonical branch. The
// ancestor walk uses it to follow the new branch's parent hashes.
type HeaderSource interface {
	HeaderAt(ctx context.Context, number uint64) (events.HeaderRef, error)
}

// ChainParams are the per-chain confirmation tuning knobs.
type ChainParams struct {
	// ConfirmationDepth is how many blocks must sit on top of a block
	// before its entries promote to confirmed.
	ConfirmationDepth uint64

	// MaxReorgDepth is the deepest rollback performed automatically.
	MaxReorgDepth uint64
}

// DefaultParams returns the stock tuning.
func DefaultParams() ChainParams {
	return ChainParams{
		ConfirmationDepth: constants.DefaultConfirmationDepth,
		MaxReorgDepth:     constants.DefaultMaxReorgDepth,
	}
}

// Reorg describes a resolved reorganization.
type Reorg struct {
	ChainID uint64

	// Ancestor is the highest block shared by both branches. Every
	// entry above it rolls back.
	Ancestor uint64

	// Observed is the incoming block whose parent failed to link.
	Observed uint64
}

// Depth returns how many indexed blocks the reorg invalidated.
func (r *Reorg) Depth() uint64 {
	return r.Observed - 1 - r.Ancestor
}

// Tracker maintains the per-chain header arena and answers the two
// confirmation questions: did a new block extend the branch we indexed,
// and which blocks are now buried deep enough to promote.
type Tracker struct {
	store  *storage.Store
	logger *zap.Logger

	mu     sync.RWMutex
	params map[uint64]ChainParams
}

// NewTracker creates a tracker over the given store.
func NewTracker(store *storage.Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		logger: logger.With(zap.String("component", "confirm")),
		params: make(map[uint64]ChainParams),
	}
}

// Configure sets per-chain parameters. Zero fields fall back to the
// defaults.
func (t *Tracker) Configure(chainID uint64, params ChainParams) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params[chainID] = params
}

// Params returns the effective parameters for a chain.
func (t *Tracker) Params(chainID uint64) ChainParams {
	t.mu.RLock()
	params, ok := t.params[chainID]
	t.mu.RUnlock()

	defaults := DefaultParams()
	if !ok {
		return defaults
	}
	if params.ConfirmationDepth == 0 {
		params.ConfirmationDepth = defaults.ConfirmationDepth
	}
	if params.MaxReorgDepth == 0 {
		params.MaxReorgDepth = defaults.MaxReorgDepth
	}
	return params
}

// CheckLink reports whether the incoming header extends the branch we
// indexed. A missing predecessor in the arena cannot be disputed and
// passes.
func (t *Tracker) CheckLink(ctx context.Context, chainID uint64, header events.HeaderRef) (bool, error) {
	if header.Number == 0 {
		return true, nil
	}

	prev, err := t.store.GetHeader(ctx, chainID, header.Number-1)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return prev.Hash == header.ParentHash, nil
}

// FindAncestor walks back from a non-linking header to the highest
// block shared with the indexed branch. The walk is bounded by the
// chain's MaxReorgDepth and by the header arena.
func (t *Tracker) FindAncestor(ctx context.Context, chainID uint64, observed events.HeaderRef, source HeaderSource) (*Reorg, error) {
	if observed.Number == 0 {
		return nil, fmt.Errorf("cannot reorganize at genesis")
	}

	maxDepth := t.Params(chainID).MaxReorgDepth
	number := observed.Number - 1
	want := observed.ParentHash

	for depth := uint64(1); depth <= maxDepth; depth++ {
		stored, err := t.store.GetHeader(ctx, chainID, number)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("chain %d: header %d missing from arena: %w", chainID, number, ErrReorgTooDeep)
			}
			return nil, err
		}

		if stored.Hash == want {
			reorg := &Reorg{ChainID: chainID, Ancestor: number, Observed: observed.Number}
			t.logger.Warn("reorg resolved",
				zap.Uint64("chain_id", chainID),
				zap.Uint64("ancestor", reorg.Ancestor),
				zap.Uint64("observed", reorg.Observed),
				zap.Uint64("depth", reorg.Depth()))
			return reorg, nil
		}

		if number == 0 {
			return nil, fmt.Errorf("chain %d: diverged at genesis: %w", chainID, ErrReorgTooDeep)
		}

		canonical, err := source.HeaderAt(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch header %d: %w", number, err)
		}
		want = canonical.ParentHash
		number--
	}

	return nil, fmt.Errorf("chain %d: no common ancestor within %d blocks: %w", chainID, maxDepth, ErrReorgTooDeep)
}

// RecordHeader stages the header into the arena as part of the block's
// batch.
func (t *Tracker) RecordHeader(batch *storage.Batch, chainID uint64, header events.HeaderRef) error {
	return batch.PutHeader(chainID, header)
}

// PromotionCutoff returns the highest block whose entries may promote
// to confirmed at the given head. ok is false while the chain is still
// shallower than the confirmation depth.
func (t *Tracker) PromotionCutoff(chainID, head uint64) (uint64, bool) {
	depth := t.Params(chainID).ConfirmationDepth
	if head < depth {
		return 0, false
	}
	return head - depth, true
}

// Prune drops arena headers too old to matter. The retained window is
// a multiple of the max reorg depth so the ancestor walk always has
// headers to compare against.
func (t *Tracker) Prune(chainID, head uint64) error {
	retain := t.Params(chainID).MaxReorgDepth * constants.HeaderArenaFactor
	if head <= retain {
		return nil
	}
	return t.store.PruneHeaders(chainID, head-retain)
}
