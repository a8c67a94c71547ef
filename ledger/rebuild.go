package ledger

import (
	"context"

	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/storage"
)

// RebuildResult reports a full aggregate rebuild.
type RebuildResult struct {
	Entries  int
	Unpriced int
}

// Rebuild wipes every derived keyspace and recomputes it by replaying
// the stored entries. It shares the credit arithmetic with the live
// path, so a rebuild after any history of applies, rollbacks, and
// promotions lands on the same totals the incremental path maintained.
// This is the disaster-recovery proof that aggregates are a cache.
func (r *Reconciler) Rebuild(ctx context.Context) (*RebuildResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.store.NewBatch()
	defer batch.Close()

	prefixes := [][]byte{
		storage.StatsKeyPrefix(),
		storage.DonorStatsKeyPrefix(),
		storage.SubLedgerKeyPrefix(),
		storage.RepriceKeyPrefix(),
	}
	for _, prefix := range prefixes {
		if err := batch.DeletePrefix(prefix); err != nil {
			return nil, err
		}
	}

	// The wipes above are only staged, so reads must not fall through
	// to the store's pre-wipe rows.
	m := emptyMutation(r.store, batch, r.logger)
	m.fresh = true

	res := &RebuildResult{}
	err := r.store.IterateEntries(ctx, func(e *storage.Entry) error {
		if e.Status == storage.EntryReverted {
			return nil
		}
		bucketCredit(m.bucket(e.Status), e)
		if err := m.applyEffects(ctx, e); err != nil {
			return err
		}
		if isDonationKind(e.Kind) && e.AmountUSD == nil {
			if err := m.queueReprice(e); err != nil {
				return err
			}
		}
		res.Entries++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.flush(); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}
	res.Unpriced = m.unpriced

	r.logger.Info("aggregates rebuilt",
		zap.Int("entries", res.Entries),
		zap.Int("unpriced", res.Unpriced))
	return res, nil
}

// RepriceResult reports one reprice sweep.
type RepriceResult struct {
	Repriced  int
	Remaining int
	Dropped   int
}

// Reprice retries USD valuation for entries admitted while the price
// source was unavailable. A priced entry's USD lands in its current
// status bucket and roll-ups; entries the source still cannot price
// stay queued.
func (r *Reconciler) Reprice(ctx context.Context, limit int) (*RepriceResult, error) {
	res := &RepriceResult{}
	if r.prices == nil {
		return res, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.store.RepriceQueue(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return res, nil
	}

	batch := r.store.NewBatch()
	defer batch.Close()

	m, err := newMutation(ctx, r.store, batch, r.logger)
	if err != nil {
		return nil, err
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := m.entry(ctx, rec.EntryID)
		if err != nil {
			return nil, err
		}
		stale := entry == nil ||
			entry.Status == storage.EntryReverted ||
			entry.AmountUSD != nil ||
			!isDonationKind(entry.Kind) ||
			len(entry.Legs) == 0
		if stale {
			if err := batch.DeleteReprice(rec.EntryID); err != nil {
				return nil, err
			}
			res.Dropped++
			continue
		}

		chainID := entry.Legs[0].Provenance.ChainID
		usd := r.priceUSD(ctx, chainID, entry.Token, entry.Amount, entry.BlockTime)
		if usd == nil {
			res.Remaining++
			continue
		}

		entry.AmountUSD = usd
		m.putEntry(entry)

		bucket := m.bucket(entry.Status)
		bucket.DonatedUSD.Add(bucket.DonatedUSD, usd)

		donor, created, err := m.donor(ctx, entry.Donor)
		if err != nil {
			return nil, err
		}
		if created {
			r.logger.Warn("repricing donation with no donor roll-up",
				zap.String("entry_id", entry.ID))
			m.stats.DonorCount++
		}
		donor.DonatedUSD.Add(donor.DonatedUSD, usd)

		fund, err := m.fundraiser(ctx, entry.FundraiserID)
		if err != nil {
			return nil, err
		}
		fund.RaisedUSD.Add(fund.RaisedUSD, usd)

		if err := batch.DeleteReprice(entry.ID); err != nil {
			return nil, err
		}
		res.Repriced++
	}

	if err := m.flush(); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	if res.Repriced > 0 {
		r.logger.Info("entries repriced",
			zap.Int("repriced", res.Repriced),
			zap.Int("remaining", res.Remaining))
	}
	return res, nil
}
