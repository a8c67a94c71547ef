package storage

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes. Numeric path segments are zero-padded to fixed width so
// lexicographic iteration order matches numeric order.
const (
	prefixEntry      = "/entry/"
	prefixCorr       = "/corr/"
	prefixDedup      = "/dedup/"
	prefixDedupBlock = "/dedupblk/"
	prefixPending    = "/pending/"
	prefixChainState = "/chainst/"
	prefixHeader     = "/hdr/"
	prefixStats      = "/stats/"
	prefixFund       = "/stats/fund/"
	prefixDonor      = "/donor/"
	prefixSub        = "/sub/"
	prefixStock      = "/sub/stock/"
	prefixStake      = "/sub/stake/"
	prefixVest       = "/sub/vest/"
	prefixBurn       = "/sub/burn/"
	prefixReprice    = "/reprice/"
	prefixQuar       = "/quar/"
)

const keyAggregateStats = "/stats/agg"

// EntryKey returns the key for a ledger entry.
// Format: /entry/{id}
func EntryKey(id string) []byte {
	return []byte(prefixEntry + id)
}

// EntryKeyPrefix returns the prefix covering all entries.
func EntryKeyPrefix() []byte {
	return []byte(prefixEntry)
}

// CorrelationKey returns the key mapping a correlation id to its entry.
// Format: /corr/{hash}
func CorrelationKey(id common.Hash) []byte {
	return []byte(prefixCorr + id.Hex())
}

// DedupKey returns the key for an admission record.
// Format: /dedup/{provenanceKey}
func DedupKey(provKey string) []byte {
	return []byte(prefixDedup + provKey)
}

// DedupBlockKey returns the block-ordered index key for an admission,
// used to find every admission above a block during rollback.
// Format: /dedupblk/{chain}/{block}/{logIndex}/{txhash}
func DedupBlockKey(chainID, block uint64, logIndex uint, txHash common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%d/%020d/%010d/%s", prefixDedupBlock, chainID, block, logIndex, txHash.Hex()))
}

// DedupBlockKeyFrom returns the lower bound for scanning a chain's
// admissions starting at the given block.
func DedupBlockKeyFrom(chainID, block uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/%020d/", prefixDedupBlock, chainID, block))
}

// DedupBlockKeyPrefix returns the prefix covering one chain's
// block-ordered admissions.
func DedupBlockKeyPrefix(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/", prefixDedupBlock, chainID))
}

// PendingKey returns the key marking an entry as pending at a block.
// Format: /pending/{chain}/{block}/{entryId}
func PendingKey(chainID, block uint64, entryID string) []byte {
	return []byte(fmt.Sprintf("%s%d/%020d/%s", prefixPending, chainID, block, entryID))
}

// PendingKeyPrefix returns the prefix covering one chain's pending
// markers.
func PendingKeyPrefix(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/", prefixPending, chainID))
}

// PendingKeyUpTo returns the exclusive upper bound covering pending
// markers at or below the given block.
func PendingKeyUpTo(chainID, block uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/%020d/", prefixPending, chainID, block+1))
}

// ParsePendingKey extracts the block number and entry id from a pending
// marker key.
func ParsePendingKey(key []byte) (uint64, string, error) {
	keyStr := string(key)
	if !strings.HasPrefix(keyStr, prefixPending) {
		return 0, "", fmt.Errorf("%w: bad pending prefix: %s", ErrInvalidKey, keyStr)
	}
	parts := strings.SplitN(strings.TrimPrefix(keyStr, prefixPending), "/", 3)
	if len(parts) != 3 {
		return 0, "", fmt.Errorf("%w: bad pending key: %s", ErrInvalidKey, keyStr)
	}
	block, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad pending block: %s", ErrInvalidKey, keyStr)
	}
	return block, parts[2], nil
}

// ChainStateKey returns the key for a chain's ingestion state.
// Format: /chainst/{chain}
func ChainStateKey(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixChainState, chainID))
}

// ChainStateKeyPrefix returns the prefix covering all chain states.
func ChainStateKeyPrefix() []byte {
	return []byte(prefixChainState)
}

// HeaderKey returns the key for a tracked block header.
// Format: /hdr/{chain}/{number}
func HeaderKey(chainID, number uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/%020d", prefixHeader, chainID, number))
}

// HeaderKeyPrefix returns the prefix covering one chain's headers.
func HeaderKeyPrefix(chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/", prefixHeader, chainID))
}

// AggregateStatsKey returns the key for the aggregate totals cache.
func AggregateStatsKey() []byte {
	return []byte(keyAggregateStats)
}

// FundraiserStatsKey returns the key for a fundraiser roll-up.
// Format: /stats/fund/{id}
func FundraiserStatsKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixFund, id))
}

// DonorStatsKey returns the key for a donor roll-up.
// Format: /donor/{address}
func DonorStatsKey(addr common.Address) []byte {
	return []byte(prefixDonor + addr.Hex())
}

// DonorStatsKeyPrefix returns the prefix covering all donor roll-ups.
func DonorStatsKeyPrefix() []byte {
	return []byte(prefixDonor)
}

// StockHoldingKey returns the key for a fundraiser's equity position.
// Format: /sub/stock/{fundraiser}/{symbol}
func StockHoldingKey(fundraiserID uint64, symbol string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefixStock, fundraiserID, symbol))
}

// StockHoldingKeyPrefix returns the prefix covering one fundraiser's
// equity positions.
func StockHoldingKeyPrefix(fundraiserID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", prefixStock, fundraiserID))
}

// StakeBalanceKey returns the key for a staker's balance in a pool.
// Format: /sub/stake/{pool}/{address}
func StakeBalanceKey(pool StakePool, addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixStake, pool, addr.Hex()))
}

// VestingScheduleKey returns the key for a vesting schedule.
// Format: /sub/vest/{id}
func VestingScheduleKey(scheduleID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixVest, scheduleID))
}

// BurnKey returns the key for an account's cumulative burn total.
// Format: /sub/burn/{address}
func BurnKey(addr common.Address) []byte {
	return []byte(prefixBurn + addr.Hex())
}

// RepriceKey returns the key queueing an entry for revaluation.
// Format: /reprice/{entryId}
func RepriceKey(entryID string) []byte {
	return []byte(prefixReprice + entryID)
}

// RepriceKeyPrefix returns the prefix covering the reprice queue.
func RepriceKeyPrefix() []byte {
	return []byte(prefixReprice)
}

// QuarantineKey returns the key for a quarantined log.
// Format: /quar/{provenanceKey}
func QuarantineKey(provKey string) []byte {
	return []byte(prefixQuar + provKey)
}

// QuarantineKeyPrefix returns the prefix covering quarantined logs.
func QuarantineKeyPrefix() []byte {
	return []byte(prefixQuar)
}

// StatsKeyPrefix covers the aggregate cache and fundraiser roll-ups.
func StatsKeyPrefix() []byte {
	return []byte(prefixStats)
}

// SubLedgerKeyPrefix covers every sub-ledger row.
func SubLedgerKeyPrefix() []byte {
	return []byte(prefixSub)
}

// EncodeUint64 encodes uint64 to bytes in big-endian format.
func EncodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// DecodeUint64 decodes big-endian bytes to uint64.
func DecodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: uint64 data length %d", ErrInvalidData, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// prefixUpperBound returns the exclusive upper bound for iterating all
// keys under prefix. Keys are ASCII, so a trailing 0xff is past any of
// their extensions.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix), len(prefix)+1)
	copy(upper, prefix)
	return append(upper, 0xff)
}
