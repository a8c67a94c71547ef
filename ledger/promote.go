package ledger

import (
	"context"

	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/storage"
)

// ConfirmResult reports one promotion sweep.
type ConfirmResult struct {
	ChainID uint64
	UpTo    uint64

	// Promoted holds entries that reached confirmed in this sweep. The
	// publisher announces them.
	Promoted []*storage.Entry

	LegsConfirmed int
}

// Confirm marks every pending leg on a chain at or below the cutoff as
// confirmed. An entry whose legs are then all confirmed promotes, and
// its aggregate contribution moves from the pending bucket to the
// confirmed bucket. Cross-chain entries wait for the slower chain.
func (r *Reconciler) Confirm(ctx context.Context, chainID, upTo uint64) (*ConfirmResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs, err := r.store.PendingUpTo(ctx, chainID, upTo)
	if err != nil {
		return nil, err
	}

	batch := r.store.NewBatch()
	defer batch.Close()

	m, err := newMutation(ctx, r.store, batch, r.logger)
	if err != nil {
		return nil, err
	}

	res := &ConfirmResult{ChainID: chainID, UpTo: upTo}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := batch.DeletePendingMarker(chainID, ref.Block, ref.EntryID); err != nil {
			return nil, err
		}

		entry, err := m.entry(ctx, ref.EntryID)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			r.logger.Warn("pending marker without entry",
				zap.Uint64("chain_id", chainID),
				zap.String("entry_id", ref.EntryID))
			continue
		}
		if entry.Status == storage.EntryReverted {
			continue
		}

		leg := entry.Leg(chainID)
		if leg == nil {
			r.logger.Warn("pending marker without matching leg",
				zap.Uint64("chain_id", chainID),
				zap.String("entry_id", entry.ID))
			continue
		}
		if !leg.Confirmed {
			leg.Confirmed = true
			res.LegsConfirmed++
		}

		if entry.Status == storage.EntryPending && entry.AllLegsConfirmed() {
			bucketDebit(&m.stats.Pending, entry)
			bucketCredit(&m.stats.Confirmed, entry)
			entry.Status = storage.EntryConfirmed
			res.Promoted = append(res.Promoted, entry)
		}
		m.putEntry(entry)
	}

	state, err := r.chainState(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if upTo > state.LastPromoted {
		state.LastPromoted = upTo
	}
	state.UpdatedAt = m.now
	if err := batch.PutChainState(state); err != nil {
		return nil, err
	}

	if err := m.flush(); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	if len(res.Promoted) > 0 || res.LegsConfirmed > 0 {
		r.logger.Debug("entries promoted",
			zap.Uint64("chain_id", chainID),
			zap.Uint64("up_to", upTo),
			zap.Int("legs", res.LegsConfirmed),
			zap.Int("promoted", len(res.Promoted)))
	}
	return res, nil
}
