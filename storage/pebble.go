package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/events"
)

// Store is the PebbleDB-backed ledger store. All multi-key mutations go
// through a Batch so an event's admission, its entry, and its stats
// delta commit atomically or not at all.
type Store struct {
	db     *pebble.DB
	config *Config
	logger *zap.Logger
	closed atomic.Bool
}

var (
	_ StatsReader = (*Store)(nil)
	_ EntryReader = (*Store)(nil)
	_ StateReader = (*Store)(nil)
)

// NewStore opens a store at the configured path.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &pebble.Options{
		Cache:                    pebble.NewCache(int64(cfg.Cache) << 20),
		MaxOpenFiles:             cfg.MaxOpenFiles,
		MemTableSize:             uint64(cfg.WriteBuffer) << 20,
		DisableWAL:               cfg.DisableWAL,
		MaxConcurrentCompactions: func() int { return cfg.CompactionConcurrency },
		ErrorIfExists:            false,
		ErrorIfNotExists:         false,
	}
	if cfg.ReadOnly {
		opts.ReadOnly = true
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Store{
		db:     db,
		config: cfg,
		logger: zap.NewNop(),
	}, nil
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger *zap.Logger) {
	s.logger = logger
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Store) ensureNotReadOnly() error {
	if s.config.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// getJSON loads and decodes one value. Missing keys map to ErrNotFound.
func (s *Store) getJSON(key []byte, out interface{}) error {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(value, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, key, err)
	}
	return nil
}

func (s *Store) newIter(lower, upper []byte) (*pebble.Iterator, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	return iter, nil
}

// GetEntry returns an entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var entry Entry
	if err := s.getJSON(EntryKey(id), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// EntryByCorrelation resolves a cross-chain correlation id to its entry.
func (s *Store) EntryByCorrelation(ctx context.Context, id common.Hash) (*Entry, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(CorrelationKey(id))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get correlation: %w", err)
	}
	entryID := string(value)
	closer.Close()

	return s.GetEntry(ctx, entryID)
}

// IterateEntries visits every stored entry, the authoritative input for
// rebuilding derived state.
func (s *Store) IterateEntries(ctx context.Context, fn func(*Entry) error) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	prefix := EntryKeyPrefix()
	iter, err := s.newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return fmt.Errorf("%w: entry %s: %v", ErrInvalidData, iter.Key(), err)
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

// IsAdmitted reports whether a provenance tuple has been admitted.
func (s *Store) IsAdmitted(ctx context.Context, provKey string) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}

	_, closer, err := s.db.Get(DedupKey(provKey))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to get admission: %w", err)
	}
	closer.Close()
	return true, nil
}

// GetAdmission returns the admission record for a provenance tuple.
func (s *Store) GetAdmission(ctx context.Context, provKey string) (*AdmissionRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var rec AdmissionRecord
	if err := s.getJSON(DedupKey(provKey), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AdmissionsFrom returns every admission on a chain at or above the
// given block, in block order. Rollback walks this list backward.
func (s *Store) AdmissionsFrom(ctx context.Context, chainID, fromBlock uint64) ([]AdmissionRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	iter, err := s.newIter(
		DedupBlockKeyFrom(chainID, fromBlock),
		prefixUpperBound(DedupBlockKeyPrefix(chainID)),
	)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []AdmissionRecord
	for iter.First(); iter.Valid(); iter.Next() {
		provKey := string(iter.Value())

		rec, err := s.GetAdmission(ctx, provKey)
		if err != nil {
			return nil, fmt.Errorf("admission %s: %w", provKey, err)
		}
		records = append(records, *rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return records, nil
}

// NewBatch creates a new batch for atomic writes.
func (s *Store) NewBatch() *Batch {
	return &Batch{
		store: s,
		batch: s.db.NewBatch(),
	}
}

// Batch collects typed mutations and commits them atomically.
type Batch struct {
	store  *Store
	batch  *pebble.Batch
	count  int
	closed bool
	mu     sync.Mutex
}

// setJSON stages one encoded value. Callers hold b.mu.
func (b *Batch) setJSON(key []byte, v interface{}) error {
	if b.closed {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := b.batch.Set(key, data, nil); err != nil {
		return err
	}
	b.count++
	return nil
}

func (b *Batch) set(key, value []byte) error {
	if b.closed {
		return ErrClosed
	}
	if err := b.batch.Set(key, value, nil); err != nil {
		return err
	}
	b.count++
	return nil
}

func (b *Batch) delete(key []byte) error {
	if b.closed {
		return ErrClosed
	}
	if err := b.batch.Delete(key, nil); err != nil {
		return err
	}
	b.count++
	return nil
}

// PutEntry stages an entry write.
func (b *Batch) PutEntry(entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	return b.setJSON(EntryKey(entry.ID), entry)
}

// PutCorrelation stages a correlation id mapping.
func (b *Batch) PutCorrelation(id common.Hash, entryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set(CorrelationKey(id), []byte(entryID))
}

// PutAdmission stages an admission record and its block-ordered index.
func (b *Batch) PutAdmission(rec *AdmissionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec == nil {
		return fmt.Errorf("admission cannot be nil")
	}
	p := rec.Provenance
	if err := b.setJSON(DedupKey(p.Key()), rec); err != nil {
		return err
	}
	return b.set(DedupBlockKey(p.ChainID, p.BlockNumber, p.LogIndex, p.TxHash), []byte(p.Key()))
}

// DeleteAdmission retracts an admission record and its index, making
// the provenance tuple admittable again.
func (b *Batch) DeleteAdmission(p events.Provenance) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.delete(DedupKey(p.Key())); err != nil {
		return err
	}
	return b.delete(DedupBlockKey(p.ChainID, p.BlockNumber, p.LogIndex, p.TxHash))
}

// PutPendingMarker stages a confirmation marker for an entry leg.
func (b *Batch) PutPendingMarker(chainID, block uint64, entryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set(PendingKey(chainID, block, entryID), []byte(entryID))
}

// DeletePendingMarker removes a confirmation marker.
func (b *Batch) DeletePendingMarker(chainID, block uint64, entryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(PendingKey(chainID, block, entryID))
}

// PutChainState stages a chain cursor update.
func (b *Batch) PutChainState(state *ChainState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state == nil {
		return fmt.Errorf("chain state cannot be nil")
	}
	return b.setJSON(ChainStateKey(state.ChainID), state)
}

// PutHeader stages a tracked header write.
func (b *Batch) PutHeader(chainID uint64, header events.HeaderRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setJSON(HeaderKey(chainID, header.Number), header)
}

// DeleteHeader removes a tracked header.
func (b *Batch) DeleteHeader(chainID, number uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(HeaderKey(chainID, number))
}

// PutAggregateStats stages a totals cache write.
func (b *Batch) PutAggregateStats(stats *AggregateStats) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if stats == nil {
		return fmt.Errorf("stats cannot be nil")
	}
	return b.setJSON(AggregateStatsKey(), stats)
}

// PutFundraiserStats stages a fundraiser roll-up write.
func (b *Batch) PutFundraiserStats(stats *FundraiserStats) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if stats == nil {
		return fmt.Errorf("fundraiser stats cannot be nil")
	}
	return b.setJSON(FundraiserStatsKey(stats.FundraiserID), stats)
}

// DeleteFundraiserStats removes a fundraiser roll-up, used when
// rollback reverts a fundraiser's last remaining entry.
func (b *Batch) DeleteFundraiserStats(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(FundraiserStatsKey(id))
}

// PutDonorStats stages a donor roll-up write.
func (b *Batch) PutDonorStats(stats *DonorStats) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if stats == nil {
		return fmt.Errorf("donor stats cannot be nil")
	}
	return b.setJSON(DonorStatsKey(stats.Address), stats)
}

// DeleteDonorStats removes a donor roll-up, used when rollback takes a
// donor's entry count to zero.
func (b *Batch) DeleteDonorStats(addr common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(DonorStatsKey(addr))
}

// PutStockHolding stages an equity position write.
func (b *Batch) PutStockHolding(h *StockHolding) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h == nil {
		return fmt.Errorf("holding cannot be nil")
	}
	return b.setJSON(StockHoldingKey(h.FundraiserID, h.Symbol), h)
}

// DeleteStockHolding removes an equity position.
func (b *Batch) DeleteStockHolding(fundraiserID uint64, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(StockHoldingKey(fundraiserID, symbol))
}

// PutStakeBalance stages a stake balance write.
func (b *Batch) PutStakeBalance(pool StakePool, bal *StakeBalance) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bal == nil {
		return fmt.Errorf("balance cannot be nil")
	}
	return b.setJSON(StakeBalanceKey(pool, bal.Address), bal)
}

// DeleteStakeBalance removes a stake balance.
func (b *Batch) DeleteStakeBalance(pool StakePool, addr common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(StakeBalanceKey(pool, addr))
}

// PutVestingSchedule stages a vesting schedule write.
func (b *Batch) PutVestingSchedule(v *VestingSchedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if v == nil {
		return fmt.Errorf("schedule cannot be nil")
	}
	return b.setJSON(VestingScheduleKey(v.ScheduleID), v)
}

// DeleteVestingSchedule removes a vesting schedule.
func (b *Batch) DeleteVestingSchedule(scheduleID uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(VestingScheduleKey(scheduleID))
}

// PutBurned stages an account burn total write.
func (b *Batch) PutBurned(addr common.Address, total *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if total == nil {
		return fmt.Errorf("total cannot be nil")
	}
	return b.set(BurnKey(addr), []byte(total.String()))
}

// DeleteBurned removes an account burn total.
func (b *Batch) DeleteBurned(addr common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(BurnKey(addr))
}

// PutReprice stages a reprice queue insertion.
func (b *Batch) PutReprice(rec *RepriceRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec == nil {
		return fmt.Errorf("reprice record cannot be nil")
	}
	return b.setJSON(RepriceKey(rec.EntryID), rec)
}

// DeleteReprice removes an entry from the reprice queue.
func (b *Batch) DeleteReprice(entryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delete(RepriceKey(entryID))
}

// PutQuarantine stages a quarantine record.
func (b *Batch) PutQuarantine(rec *QuarantineRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec == nil {
		return fmt.Errorf("quarantine record cannot be nil")
	}
	return b.setJSON(QuarantineKey(rec.Log.Provenance().Key()), rec)
}

// DeletePrefix stages removal of every key under prefix.
func (b *Batch) DeletePrefix(prefix []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if err := b.batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return err
	}
	b.count++
	return nil
}

// Commit writes all staged operations atomically.
func (b *Batch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if err := b.store.ensureNotReadOnly(); err != nil {
		return err
	}
	return b.batch.Commit(pebble.Sync)
}

// Reset clears all staged operations.
func (b *Batch) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.batch.Reset()
	b.count = 0
}

// Count returns the number of staged operations.
func (b *Batch) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Close releases batch resources without committing.
func (b *Batch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.batch.Close()
}
