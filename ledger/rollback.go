package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/storage"
)

// RollbackResult reports what one rollback undid.
type RollbackResult struct {
	ChainID  uint64
	Ancestor uint64

	// Reverted holds entries whose last leg was rolled back. They stay
	// in the store marked reverted; the publisher announces them.
	Reverted []*storage.Entry

	// Detached counts cross-chain legs removed while the other leg
	// kept the entry alive.
	Detached int

	Retracted int
}

// RollbackTo undoes every admission on a chain above the common
// ancestor: dedup tuples retract, this chain's legs detach, entries
// with no legs left revert, and their aggregate contribution is
// subtracted exactly as it was added. Entries stay in the store for
// audit; only their status and the derived state change.
func (r *Reconciler) RollbackTo(ctx context.Context, chainID, ancestor uint64) (*RollbackResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	admissions, err := r.store.AdmissionsFrom(ctx, chainID, ancestor+1)
	if err != nil {
		return nil, err
	}

	batch := r.store.NewBatch()
	defer batch.Close()

	m, err := newMutation(ctx, r.store, batch, r.logger)
	if err != nil {
		return nil, err
	}

	res := &RollbackResult{ChainID: chainID, Ancestor: ancestor}

	// Newest first, the reverse of how the blocks applied.
	for i := len(admissions) - 1; i >= 0; i-- {
		rec := admissions[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := batch.DeleteAdmission(rec.Provenance); err != nil {
			return nil, err
		}
		res.Retracted++
		if err := batch.DeletePendingMarker(chainID, rec.Provenance.BlockNumber, rec.EntryID); err != nil {
			return nil, err
		}

		entry, err := m.entry(ctx, rec.EntryID)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			r.logger.Warn("admission without entry",
				zap.Uint64("chain_id", chainID),
				zap.String("entry_id", rec.EntryID))
			continue
		}
		if entry.Status == storage.EntryReverted {
			continue
		}

		removed := false
		for j := range entry.Legs {
			if entry.Legs[j].Provenance.Key() == rec.Provenance.Key() {
				entry.Legs = append(entry.Legs[:j], entry.Legs[j+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			r.logger.Warn("admission points at entry without matching leg",
				zap.String("entry_id", entry.ID),
				zap.String("provenance", rec.Provenance.Key()))
			continue
		}

		if len(entry.Legs) > 0 {
			// The other chain's leg keeps the entry and its counted
			// amount alive.
			m.putEntry(entry)
			res.Detached++
			continue
		}

		if entry.Status == storage.EntryConfirmed {
			r.logger.Error("confirmed entry rolled back, reorg deeper than confirmation depth",
				zap.Uint64("chain_id", chainID),
				zap.String("entry_id", entry.ID),
				zap.Uint64("block", rec.Provenance.BlockNumber))
		}

		bucketDebit(m.bucket(entry.Status), entry)
		if err := m.revertEffects(ctx, entry); err != nil {
			return nil, err
		}
		if isDonationKind(entry.Kind) && entry.AmountUSD == nil {
			if err := batch.DeleteReprice(entry.ID); err != nil {
				return nil, err
			}
		}
		entry.Status = storage.EntryReverted
		m.putEntry(entry)
		res.Reverted = append(res.Reverted, entry)
	}

	state, err := r.chainState(ctx, chainID)
	if err != nil {
		return nil, err
	}

	// The arena above the ancestor describes the dead branch; drop it
	// so replayed headers cannot link against it.
	for n := ancestor + 1; n <= state.LastProcessed; n++ {
		if err := batch.DeleteHeader(chainID, n); err != nil {
			return nil, err
		}
	}

	state.LastProcessed = ancestor
	header, err := r.store.GetHeader(ctx, chainID, ancestor)
	switch {
	case err == nil:
		state.LastHash = header.Hash
	case errors.Is(err, storage.ErrNotFound):
		state.LastHash = common.Hash{}
	default:
		return nil, err
	}
	if state.LastPromoted > ancestor {
		state.LastPromoted = ancestor
	}
	if state.Watermark > ancestor+1 {
		state.Watermark = ancestor + 1
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

	r.logger.Warn("rolled back",
		zap.Uint64("chain_id", chainID),
		zap.Uint64("ancestor", ancestor),
		zap.Int("retracted", res.Retracted),
		zap.Int("reverted", len(res.Reverted)),
		zap.Int("detached", res.Detached))
	return res, nil
}
