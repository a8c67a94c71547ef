package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/storage"
)

// mutation is the working set of one atomic batch. Every persisted row
// is read at most once and written at most once per commit, and reads
// observe the batch's own staged changes, which the store alone cannot
// provide before commit.
type mutation struct {
	store  *storage.Store
	batch  *storage.Batch
	logger *zap.Logger
	now    time.Time

	// fresh treats every derived row as absent instead of reading it
	// from the store. Rebuild sets it after staging the prefix wipes,
	// which the store's reads would not see yet.
	fresh bool

	stats    *storage.AggregateStats
	unpriced int

	// Cached rows. A nil value marks a row deleted or known absent
	// within this batch.
	entries     map[string]*storage.Entry
	dirty       map[string]struct{}
	corr        map[common.Hash]string
	fundraisers map[uint64]*storage.FundraiserStats
	donors      map[common.Address]*storage.DonorStats
	holdings    map[string]*storage.StockHolding
	stakes      map[string]*storage.StakeBalance
	burned      map[common.Address]*big.Int
}

func newMutation(ctx context.Context, store *storage.Store, batch *storage.Batch, logger *zap.Logger) (*mutation, error) {
	stats, err := store.GetAggregateStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregate stats: %w", err)
	}
	m := emptyMutation(store, batch, logger)
	m.stats = stats
	return m, nil
}

// emptyMutation starts from zeroed aggregates without touching the
// store. Rebuild uses it together with fresh mode.
func emptyMutation(store *storage.Store, batch *storage.Batch, logger *zap.Logger) *mutation {
	return &mutation{
		store:       store,
		batch:       batch,
		logger:      logger,
		now:         time.Now().UTC(),
		stats:       storage.NewAggregateStats(),
		entries:     make(map[string]*storage.Entry),
		dirty:       make(map[string]struct{}),
		corr:        make(map[common.Hash]string),
		fundraisers: make(map[uint64]*storage.FundraiserStats),
		donors:      make(map[common.Address]*storage.DonorStats),
		holdings:    make(map[string]*storage.StockHolding),
		stakes:      make(map[string]*storage.StakeBalance),
		burned:      make(map[common.Address]*big.Int),
	}
}

// flush stages every touched row into the batch. The caller commits.
func (m *mutation) flush() error {
	m.stats.UpdatedAt = m.now
	if err := m.batch.PutAggregateStats(m.stats); err != nil {
		return err
	}
	for id := range m.dirty {
		if e := m.entries[id]; e != nil {
			if err := m.batch.PutEntry(e); err != nil {
				return err
			}
		}
	}
	for _, f := range m.fundraisers {
		if f == nil {
			continue
		}
		f.UpdatedAt = m.now
		if err := m.batch.PutFundraiserStats(f); err != nil {
			return err
		}
	}
	for _, d := range m.donors {
		if d == nil {
			continue
		}
		if err := m.batch.PutDonorStats(d); err != nil {
			return err
		}
	}
	for _, h := range m.holdings {
		if h == nil {
			continue
		}
		h.UpdatedAt = m.now
		if err := m.batch.PutStockHolding(h); err != nil {
			return err
		}
	}
	for key, b := range m.stakes {
		if b == nil {
			continue
		}
		b.UpdatedAt = m.now
		pool, _ := splitStakeKey(key)
		if err := m.batch.PutStakeBalance(pool, b); err != nil {
			return err
		}
	}
	for addr, total := range m.burned {
		if total == nil {
			continue
		}
		if err := m.batch.PutBurned(addr, total); err != nil {
			return err
		}
	}
	return nil
}

func (m *mutation) bucket(status storage.EntryStatus) *storage.BucketTotals {
	return m.stats.Bucket(status)
}

func (m *mutation) queueReprice(e *storage.Entry) error {
	m.unpriced++
	return m.batch.PutReprice(&storage.RepriceRecord{EntryID: e.ID, QueuedAt: m.now})
}

// entry returns a cached or stored entry, nil when absent.
func (m *mutation) entry(ctx context.Context, id string) (*storage.Entry, error) {
	if e, ok := m.entries[id]; ok {
		return e, nil
	}
	e, err := m.store.GetEntry(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		m.entries[id] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.entries[id] = e
	return e, nil
}

func (m *mutation) putEntry(e *storage.Entry) {
	m.entries[e.ID] = e
	m.dirty[e.ID] = struct{}{}
}

// entryByCorrelation resolves a correlation id, observing correlations
// staged earlier in this batch.
func (m *mutation) entryByCorrelation(ctx context.Context, id common.Hash) (*storage.Entry, error) {
	if entryID, ok := m.corr[id]; ok {
		return m.entry(ctx, entryID)
	}
	e, err := m.store.EntryByCorrelation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.corr[id] = e.ID
	if _, ok := m.entries[e.ID]; !ok {
		m.entries[e.ID] = e
	}
	return m.entries[e.ID], nil
}

func (m *mutation) setCorrelation(id common.Hash, entryID string) error {
	m.corr[id] = entryID
	return m.batch.PutCorrelation(id, entryID)
}

func (m *mutation) fundraiser(ctx context.Context, id uint64) (*storage.FundraiserStats, error) {
	if f, ok := m.fundraisers[id]; ok {
		if f == nil {
			f = storage.NewFundraiserStats(id)
			m.fundraisers[id] = f
		}
		return f, nil
	}
	if !m.fresh {
		f, err := m.store.GetFundraiserStats(ctx, id)
		if err == nil {
			m.fundraisers[id] = f
			return f, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	f := storage.NewFundraiserStats(id)
	m.fundraisers[id] = f
	return f, nil
}

// donor returns the donor roll-up, creating it when absent. created
// reports whether this call brought the row into existence.
func (m *mutation) donor(ctx context.Context, addr common.Address) (*storage.DonorStats, bool, error) {
	if d, ok := m.donors[addr]; ok {
		if d == nil {
			d = &storage.DonorStats{Address: addr, DonatedUSD: new(big.Int)}
			m.donors[addr] = d
			return d, true, nil
		}
		return d, false, nil
	}
	if !m.fresh {
		d, err := m.store.GetDonorStats(ctx, addr)
		if err == nil {
			m.donors[addr] = d
			return d, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
	}
	d := &storage.DonorStats{Address: addr, DonatedUSD: new(big.Int)}
	m.donors[addr] = d
	return d, true, nil
}

func (m *mutation) creditDonor(ctx context.Context, addr common.Address, usd *big.Int, at time.Time) error {
	d, created, err := m.donor(ctx, addr)
	if err != nil {
		return err
	}
	if created {
		m.stats.DonorCount++
	}
	d.DonationCount++
	if usd != nil {
		d.DonatedUSD.Add(d.DonatedUSD, usd)
	}
	if d.FirstDonation.IsZero() || at.Before(d.FirstDonation) {
		d.FirstDonation = at
	}
	if at.After(d.LastDonation) {
		d.LastDonation = at
	}
	return nil
}

func (m *mutation) debitDonor(ctx context.Context, addr common.Address, usd *big.Int) error {
	d, created, err := m.donor(ctx, addr)
	if err != nil {
		return err
	}
	if created {
		m.logger.Warn("debiting donor with no roll-up", zap.Stringer("donor", addr))
	}
	if d.DonationCount > 0 {
		d.DonationCount--
	}
	if usd != nil {
		d.DonatedUSD.Sub(d.DonatedUSD, usd)
	}
	if d.DonationCount == 0 {
		m.donors[addr] = nil
		if m.stats.DonorCount > 0 {
			m.stats.DonorCount--
		}
		return m.batch.DeleteDonorStats(addr)
	}
	return nil
}

func (m *mutation) creditFundraiserDonation(ctx context.Context, id uint64, tokenKey string, amount, usd *big.Int) error {
	f, err := m.fundraiser(ctx, id)
	if err != nil {
		return err
	}
	f.DonationCount++
	if usd != nil {
		f.RaisedUSD.Add(f.RaisedUSD, usd)
	}
	addToken(f.RaisedByToken, tokenKey, amount)
	return nil
}

func (m *mutation) debitFundraiserDonation(ctx context.Context, id uint64, tokenKey string, amount, usd *big.Int) error {
	f, err := m.fundraiser(ctx, id)
	if err != nil {
		return err
	}
	if f.DonationCount > 0 {
		f.DonationCount--
	}
	if usd != nil {
		f.RaisedUSD.Sub(f.RaisedUSD, usd)
	}
	subToken(f.RaisedByToken, tokenKey, amount)
	return m.dropFundraiserIfEmpty(id, f)
}

func (m *mutation) creditFundraiserYield(ctx context.Context, id uint64, tokenKey string, total *big.Int) error {
	f, err := m.fundraiser(ctx, id)
	if err != nil {
		return err
	}
	addToken(f.YieldByToken, tokenKey, total)
	return nil
}

func (m *mutation) debitFundraiserYield(ctx context.Context, id uint64, tokenKey string, total *big.Int) error {
	f, err := m.fundraiser(ctx, id)
	if err != nil {
		return err
	}
	subToken(f.YieldByToken, tokenKey, total)
	return m.dropFundraiserIfEmpty(id, f)
}

// dropFundraiserIfEmpty removes a roll-up that rollback returned to
// its pristine state, so replaying the surviving entries reproduces
// the store byte for byte.
func (m *mutation) dropFundraiserIfEmpty(id uint64, f *storage.FundraiserStats) error {
	if f.DonationCount != 0 || f.RaisedUSD.Sign() != 0 || len(f.RaisedByToken) != 0 || len(f.YieldByToken) != 0 {
		return nil
	}
	m.fundraisers[id] = nil
	return m.batch.DeleteFundraiserStats(id)
}

func (m *mutation) adjustHolding(ctx context.Context, fundraiserID uint64, symbol string, dShares, dCost *big.Int) error {
	key := fmt.Sprintf("%d/%s", fundraiserID, symbol)
	h, ok := m.holdings[key]
	if !ok && !m.fresh {
		stored, err := m.store.GetStockHolding(ctx, fundraiserID, symbol)
		if err == nil {
			h = stored
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	if h == nil {
		h = &storage.StockHolding{
			FundraiserID: fundraiserID,
			Symbol:       symbol,
			Shares:       new(big.Int),
			Cost:         new(big.Int),
		}
	}
	if dShares != nil {
		h.Shares.Add(h.Shares, dShares)
	}
	if dCost != nil {
		h.Cost.Add(h.Cost, dCost)
	}
	if h.Shares.Sign() == 0 && h.Cost.Sign() == 0 {
		m.holdings[key] = nil
		return m.batch.DeleteStockHolding(fundraiserID, symbol)
	}
	m.holdings[key] = h
	return nil
}

func (m *mutation) adjustStake(ctx context.Context, pool storage.StakePool, addr common.Address, delta *big.Int) error {
	key := stakeKey(pool, addr)
	b, ok := m.stakes[key]
	if !ok && !m.fresh {
		stored, err := m.store.GetStakeBalance(ctx, pool, addr)
		if err == nil {
			b = stored
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	if b == nil {
		b = &storage.StakeBalance{Address: addr, Amount: new(big.Int)}
	}
	b.Amount.Add(b.Amount, delta)
	if b.Amount.Sign() == 0 {
		m.stakes[key] = nil
		return m.batch.DeleteStakeBalance(pool, addr)
	}
	m.stakes[key] = b
	return nil
}

func (m *mutation) adjustBurned(ctx context.Context, addr common.Address, delta *big.Int) error {
	total, ok := m.burned[addr]
	if !ok && !m.fresh {
		stored, err := m.store.GetBurned(ctx, addr)
		if err == nil {
			total = stored
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	if total == nil {
		total = new(big.Int)
	}
	total.Add(total, delta)
	if total.Sign() == 0 {
		m.burned[addr] = nil
		return m.batch.DeleteBurned(addr)
	}
	m.burned[addr] = total
	return nil
}

// applyEffects records an entry's roll-up and sub-ledger contribution.
// Forward application, rebuild replay, and reprice all funnel through
// the same arithmetic so the three agree by construction.
func (m *mutation) applyEffects(ctx context.Context, e *storage.Entry) error {
	switch e.Kind {
	case events.KindDonationMade, events.KindCrossChainDonation:
		if err := m.creditDonor(ctx, e.Donor, e.AmountUSD, e.BlockTime); err != nil {
			return err
		}
		return m.creditFundraiserDonation(ctx, e.FundraiserID, storage.TokenKey(e.TokenSymbol, e.Token), e.Amount, e.AmountUSD)

	case events.KindYieldHarvested:
		return m.creditFundraiserYield(ctx, e.FundraiserID, storage.TokenKey(e.TokenSymbol, e.Token), e.Amount)

	case events.KindStockPurchased:
		return m.adjustHolding(ctx, e.FundraiserID, e.StockSymbol, e.Shares, e.Cost)

	case events.KindFBTStaked:
		m.stats.TotalFBTStaked.Add(m.stats.TotalFBTStaked, e.Amount)
		return m.adjustStake(ctx, storage.StakePoolFBT, e.Staker, e.Amount)

	case events.KindVestingScheduleCreated:
		return m.batch.PutVestingSchedule(&storage.VestingSchedule{
			ScheduleID:  e.ScheduleID,
			Beneficiary: e.Beneficiary,
			Amount:      e.Amount,
			Start:       derefTime(e.VestStart),
			DurationSec: e.VestSeconds,
			CliffSec:    e.CliffSecs,
			CreatedAt:   e.BlockTime,
		})

	case events.KindTokensBurned:
		m.stats.TotalBurned.Add(m.stats.TotalBurned, e.Amount)
		return m.adjustBurned(ctx, e.Staker, e.Amount)

	case events.KindStaked:
		m.stats.TotalStaked.Add(m.stats.TotalStaked, e.Amount)
		return m.adjustStake(ctx, storage.StakePoolGeneral, e.Staker, e.Amount)

	case events.KindUnstaked:
		m.stats.TotalStaked.Sub(m.stats.TotalStaked, e.Amount)
		return m.adjustStake(ctx, storage.StakePoolGeneral, e.Staker, neg(e.Amount))
	}
	return nil
}

// revertEffects is the exact inverse of applyEffects.
func (m *mutation) revertEffects(ctx context.Context, e *storage.Entry) error {
	switch e.Kind {
	case events.KindDonationMade, events.KindCrossChainDonation:
		if err := m.debitDonor(ctx, e.Donor, e.AmountUSD); err != nil {
			return err
		}
		return m.debitFundraiserDonation(ctx, e.FundraiserID, storage.TokenKey(e.TokenSymbol, e.Token), e.Amount, e.AmountUSD)

	case events.KindYieldHarvested:
		return m.debitFundraiserYield(ctx, e.FundraiserID, storage.TokenKey(e.TokenSymbol, e.Token), e.Amount)

	case events.KindStockPurchased:
		return m.adjustHolding(ctx, e.FundraiserID, e.StockSymbol, neg(e.Shares), neg(e.Cost))

	case events.KindFBTStaked:
		m.stats.TotalFBTStaked.Sub(m.stats.TotalFBTStaked, e.Amount)
		return m.adjustStake(ctx, storage.StakePoolFBT, e.Staker, neg(e.Amount))

	case events.KindVestingScheduleCreated:
		return m.batch.DeleteVestingSchedule(e.ScheduleID)

	case events.KindTokensBurned:
		m.stats.TotalBurned.Sub(m.stats.TotalBurned, e.Amount)
		return m.adjustBurned(ctx, e.Staker, neg(e.Amount))

	case events.KindStaked:
		m.stats.TotalStaked.Sub(m.stats.TotalStaked, e.Amount)
		return m.adjustStake(ctx, storage.StakePoolGeneral, e.Staker, neg(e.Amount))

	case events.KindUnstaked:
		m.stats.TotalStaked.Add(m.stats.TotalStaked, e.Amount)
		return m.adjustStake(ctx, storage.StakePoolGeneral, e.Staker, e.Amount)
	}
	return nil
}

// bucketCredit adds an entry's aggregate contribution to a status
// bucket.
func bucketCredit(b *storage.BucketTotals, e *storage.Entry) {
	key := storage.TokenKey(e.TokenSymbol, e.Token)
	switch e.Kind {
	case events.KindDonationMade, events.KindCrossChainDonation:
		b.DonationCount++
		if e.AmountUSD != nil {
			b.DonatedUSD.Add(b.DonatedUSD, e.AmountUSD)
		}
		addToken(b.DonatedByToken, key, e.Amount)
	case events.KindYieldHarvested:
		addToken(b.YieldByToken, key, e.Amount)
		addToken(b.DAOByToken, key, e.DAOAmount)
		addToken(b.StakersByToken, key, e.StakerAmount)
		addToken(b.PlatformByToken, key, e.PlatformAmount)
	}
}

// bucketDebit is the exact inverse of bucketCredit.
func bucketDebit(b *storage.BucketTotals, e *storage.Entry) {
	key := storage.TokenKey(e.TokenSymbol, e.Token)
	switch e.Kind {
	case events.KindDonationMade, events.KindCrossChainDonation:
		if b.DonationCount > 0 {
			b.DonationCount--
		}
		if e.AmountUSD != nil {
			b.DonatedUSD.Sub(b.DonatedUSD, e.AmountUSD)
		}
		subToken(b.DonatedByToken, key, e.Amount)
	case events.KindYieldHarvested:
		subToken(b.YieldByToken, key, e.Amount)
		subToken(b.DAOByToken, key, e.DAOAmount)
		subToken(b.StakersByToken, key, e.StakerAmount)
		subToken(b.PlatformByToken, key, e.PlatformAmount)
	}
}

// addToken accumulates into a per-token total, skipping zero so maps
// never hold dead keys.
func addToken(m map[string]*big.Int, key string, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	cur, ok := m[key]
	if !ok {
		cur = new(big.Int)
		m[key] = cur
	}
	cur.Add(cur, amount)
}

// subToken removes from a per-token total and drops the key when it
// returns to zero, keeping rollback-then-replay byte-identical.
func subToken(m map[string]*big.Int, key string, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	cur, ok := m[key]
	if !ok {
		cur = new(big.Int)
		m[key] = cur
	}
	cur.Sub(cur, amount)
	if cur.Sign() == 0 {
		delete(m, key)
	}
}

func stakeKey(pool storage.StakePool, addr common.Address) string {
	return string(pool) + "/" + addr.Hex()
}

func splitStakeKey(key string) (storage.StakePool, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return storage.StakePool(key[:i]), key[i+1:]
		}
	}
	return storage.StakePool(key), ""
}

func neg(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Neg(v)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
