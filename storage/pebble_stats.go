package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// GetAggregateStats returns the totals cache. A store with no stats yet
// returns an empty, fully initialized struct.
func (s *Store) GetAggregateStats(ctx context.Context) (*AggregateStats, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var stats AggregateStats
	if err := s.getJSON(AggregateStatsKey(), &stats); err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewAggregateStats(), nil
		}
		return nil, err
	}
	return &stats, nil
}

// GetFundraiserStats returns the roll-up for one fundraiser.
func (s *Store) GetFundraiserStats(ctx context.Context, id uint64) (*FundraiserStats, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var stats FundraiserStats
	if err := s.getJSON(FundraiserStatsKey(id), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetDonorStats returns the roll-up for one donor.
func (s *Store) GetDonorStats(ctx context.Context, addr common.Address) (*DonorStats, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var stats DonorStats
	if err := s.getJSON(DonorStatsKey(addr), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// TopDonors returns donor roll-ups ordered by USD donated, largest
// first. Ties break on donation count, then address.
func (s *Store) TopDonors(ctx context.Context, limit int) ([]DonorStats, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	prefix := DonorStatsKeyPrefix()
	iter, err := s.newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var donors []DonorStats
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var stats DonorStats
		if err := json.Unmarshal(iter.Value(), &stats); err != nil {
			return nil, fmt.Errorf("%w: donor %s: %v", ErrInvalidData, iter.Key(), err)
		}
		donors = append(donors, stats)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}

	sort.Slice(donors, func(i, j int) bool {
		if c := cmpBig(donors[i].DonatedUSD, donors[j].DonatedUSD); c != 0 {
			return c > 0
		}
		if donors[i].DonationCount != donors[j].DonationCount {
			return donors[i].DonationCount > donors[j].DonationCount
		}
		return donors[i].Address.Hex() < donors[j].Address.Hex()
	})

	if len(donors) > limit {
		donors = donors[:limit]
	}
	return donors, nil
}

func cmpBig(a, b *big.Int) int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b)
}

// GetStockHolding returns one fundraiser's position in one symbol.
func (s *Store) GetStockHolding(ctx context.Context, fundraiserID uint64, symbol string) (*StockHolding, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var holding StockHolding
	if err := s.getJSON(StockHoldingKey(fundraiserID, symbol), &holding); err != nil {
		return nil, err
	}
	return &holding, nil
}

// StockHoldings returns every position held by one fundraiser.
func (s *Store) StockHoldings(ctx context.Context, fundraiserID uint64) ([]StockHolding, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := StockHoldingKeyPrefix(fundraiserID)
	iter, err := s.newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var holdings []StockHolding
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var holding StockHolding
		if err := json.Unmarshal(iter.Value(), &holding); err != nil {
			return nil, fmt.Errorf("%w: holding %s: %v", ErrInvalidData, iter.Key(), err)
		}
		holdings = append(holdings, holding)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return holdings, nil
}

// GetStakeBalance returns one staker's balance in one pool.
func (s *Store) GetStakeBalance(ctx context.Context, pool StakePool, addr common.Address) (*StakeBalance, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var bal StakeBalance
	if err := s.getJSON(StakeBalanceKey(pool, addr), &bal); err != nil {
		return nil, err
	}
	return &bal, nil
}

// GetVestingSchedule returns one vesting schedule.
func (s *Store) GetVestingSchedule(ctx context.Context, scheduleID uint64) (*VestingSchedule, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var schedule VestingSchedule
	if err := s.getJSON(VestingScheduleKey(scheduleID), &schedule); err != nil {
		return nil, err
	}
	return &schedule, nil
}

// GetBurned returns the cumulative burn total for one account.
func (s *Store) GetBurned(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(BurnKey(addr))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get burn total: %w", err)
	}
	defer closer.Close()

	total, ok := new(big.Int).SetString(string(value), 10)
	if !ok {
		return nil, fmt.Errorf("%w: burn total %q", ErrInvalidData, value)
	}
	return total, nil
}

// RepriceQueue returns up to limit queued unpriced entries.
func (s *Store) RepriceQueue(ctx context.Context, limit int) ([]RepriceRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := RepriceKeyPrefix()
	iter, err := s.newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []RepriceRecord
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(records) >= limit {
			break
		}

		var rec RepriceRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("%w: reprice %s: %v", ErrInvalidData, iter.Key(), err)
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return records, nil
}

// RepriceCount returns the reprice queue depth.
func (s *Store) RepriceCount(ctx context.Context) (int, error) {
	return s.countPrefix(ctx, RepriceKeyPrefix())
}

// Quarantined returns up to limit quarantined raw logs.
func (s *Store) Quarantined(ctx context.Context, limit int) ([]QuarantineRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := QuarantineKeyPrefix()
	iter, err := s.newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []QuarantineRecord
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if limit > 0 && len(records) >= limit {
			break
		}

		var rec QuarantineRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("%w: quarantine %s: %v", ErrInvalidData, iter.Key(), err)
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return records, nil
}

// QuarantineCount returns the number of quarantined logs.
func (s *Store) QuarantineCount(ctx context.Context) (int, error) {
	return s.countPrefix(ctx, QuarantineKeyPrefix())
}

func (s *Store) countPrefix(ctx context.Context, prefix []byte) (int, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}

	iter, err := s.newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterator error: %w", err)
	}
	return count, nil
}
