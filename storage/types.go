package storage

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fundback/ledger-indexer/events"
)

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	// EntryPending means the entry's block has not reached the
	// confirmation depth yet.
	EntryPending EntryStatus = "pending"

	// EntryConfirmed means every observed leg is at or beyond the
	// confirmation depth. Only confirmed entries feed published totals.
	EntryConfirmed EntryStatus = "confirmed"

	// EntryReverted means the entry's block was reorged out. The entry
	// is kept for audit but excluded from all totals.
	EntryReverted EntryStatus = "reverted"
)

// LegRole says which side of a route an entry leg was observed on.
type LegRole string

const (
	LegSingle LegRole = "single"
	LegSource LegRole = "source"
	LegDest   LegRole = "dest"
)

// EntryLeg is one observed on-chain occurrence contributing to an
// entry. Single-chain entries have exactly one leg; cross-chain
// donations accumulate up to two.
type EntryLeg struct {
	Role       LegRole           `json:"role"`
	Provenance events.Provenance `json:"provenance"`
	Confirmed  bool              `json:"confirmed"`
}

// Entry is one normalized ledger row. Entries are the source of truth:
// every aggregate must be recomputable from them alone.
type Entry struct {
	ID     string        `json:"id"`
	Kind   events.Kind   `json:"kind"`
	Status EntryStatus   `json:"status"`
	Legs   []EntryLeg    `json:"legs"`
	Amount *big.Int      `json:"amount,omitempty"`
	// AmountUSD is scaled by 1e8. Nil means the price was unavailable
	// at apply time and the entry sits in the reprice queue.
	AmountUSD   *big.Int       `json:"amountUsd,omitempty"`
	Token       common.Address `json:"token"`
	TokenSymbol string         `json:"tokenSymbol,omitempty"`
	BlockTime   time.Time      `json:"blockTime"`

	// Donation fields
	FundraiserID uint64         `json:"fundraiserId,omitempty"`
	Donor        common.Address `json:"donor"`
	Anonymous    bool           `json:"anonymous,omitempty"`
	Message      string         `json:"message,omitempty"`

	// Cross-chain fields
	CorrelationID *common.Hash `json:"correlationId,omitempty"`
	SourceChainID uint64       `json:"sourceChainId,omitempty"`
	DestChainID   uint64       `json:"destChainId,omitempty"`

	// Yield fields
	Split          *events.YieldSplit `json:"split,omitempty"`
	DAOAmount      *big.Int           `json:"daoAmount,omitempty"`
	StakerAmount   *big.Int           `json:"stakerAmount,omitempty"`
	PlatformAmount *big.Int           `json:"platformAmount,omitempty"`

	// Stock fields
	StockSymbol string   `json:"stockSymbol,omitempty"`
	Shares      *big.Int `json:"shares,omitempty"`
	Cost        *big.Int `json:"cost,omitempty"`

	// Staking, vesting and burn fields
	Staker      common.Address `json:"staker"`
	UnlockTime  *time.Time     `json:"unlockTime,omitempty"`
	ScheduleID  uint64         `json:"scheduleId,omitempty"`
	Beneficiary common.Address `json:"beneficiary"`
	VestStart   *time.Time     `json:"vestStart,omitempty"`
	VestSeconds uint64         `json:"vestSeconds,omitempty"`
	CliffSecs   uint64         `json:"cliffSeconds,omitempty"`
}

// Leg returns the leg observed on the given chain, or nil.
func (e *Entry) Leg(chainID uint64) *EntryLeg {
	for i := range e.Legs {
		if e.Legs[i].Provenance.ChainID == chainID {
			return &e.Legs[i]
		}
	}
	return nil
}

// AllLegsConfirmed reports whether every observed leg is confirmed.
func (e *Entry) AllLegsConfirmed() bool {
	if len(e.Legs) == 0 {
		return false
	}
	for i := range e.Legs {
		if !e.Legs[i].Confirmed {
			return false
		}
	}
	return true
}

// AdmissionRecord is the dedup row for one admitted log. Its presence
// means the log's effects are in the ledger; retracting it re-opens the
// provenance tuple for replay.
type AdmissionRecord struct {
	Provenance events.Provenance `json:"provenance"`
	EntryID    string            `json:"entryId"`
	Kind       events.Kind       `json:"kind"`
	AdmittedAt time.Time         `json:"admittedAt"`
}

// ChainState is the per-chain ingestion cursor, persisted so a restart
// resumes exactly where processing stopped.
type ChainState struct {
	ChainID       uint64      `json:"chainId"`
	LastProcessed uint64      `json:"lastProcessed"`
	LastHash      common.Hash `json:"lastHash"`
	LastPromoted  uint64      `json:"lastPromoted"`
	// Watermark is the next block the backfill will fetch. It never
	// advances past a gap.
	Watermark  uint64    `json:"watermark"`
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"haltReason,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// PendingRef points at one unconfirmed entry leg awaiting promotion.
type PendingRef struct {
	Block   uint64
	EntryID string
}

// BucketTotals accumulates donation and yield sums for one status
// bucket. Map keys are token display keys from TokenKey.
type BucketTotals struct {
	DonationCount   uint64              `json:"donationCount"`
	DonatedUSD      *big.Int            `json:"donatedUsd"`
	DonatedByToken  map[string]*big.Int `json:"donatedByToken"`
	YieldByToken    map[string]*big.Int `json:"yieldByToken"`
	DAOByToken      map[string]*big.Int `json:"daoByToken"`
	StakersByToken  map[string]*big.Int `json:"stakersByToken"`
	PlatformByToken map[string]*big.Int `json:"platformByToken"`
}

// NewBucketTotals returns zeroed bucket totals with maps allocated.
func NewBucketTotals() BucketTotals {
	return BucketTotals{
		DonatedUSD:      new(big.Int),
		DonatedByToken:  make(map[string]*big.Int),
		YieldByToken:    make(map[string]*big.Int),
		DAOByToken:      make(map[string]*big.Int),
		StakersByToken:  make(map[string]*big.Int),
		PlatformByToken: make(map[string]*big.Int),
	}
}

// AggregateStats is the derived totals cache. It is never the source of
// truth: a full replay of the entries must reproduce it exactly.
type AggregateStats struct {
	Pending   BucketTotals `json:"pending"`
	Confirmed BucketTotals `json:"confirmed"`

	// DonorCount is the number of distinct donors with at least one
	// non-reverted donation.
	DonorCount uint64 `json:"donorCount"`

	TotalStaked    *big.Int  `json:"totalStaked"`
	TotalFBTStaked *big.Int  `json:"totalFbtStaked"`
	TotalBurned    *big.Int  `json:"totalBurned"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NewAggregateStats returns zeroed stats with all maps allocated.
func NewAggregateStats() *AggregateStats {
	return &AggregateStats{
		Pending:        NewBucketTotals(),
		Confirmed:      NewBucketTotals(),
		TotalStaked:    new(big.Int),
		TotalFBTStaked: new(big.Int),
		TotalBurned:    new(big.Int),
	}
}

// Bucket returns the totals bucket for a status. Reverted entries have
// no bucket.
func (s *AggregateStats) Bucket(status EntryStatus) *BucketTotals {
	switch status {
	case EntryPending:
		return &s.Pending
	case EntryConfirmed:
		return &s.Confirmed
	default:
		return nil
	}
}

// TokenKey is the display key used for per-token totals: the symbol
// when known, otherwise the token address. Keying by symbol folds the
// same asset across chains into one line.
func TokenKey(symbol string, token common.Address) string {
	if symbol != "" {
		return symbol
	}
	return token.Hex()
}

// DonorStats is the per-donor roll-up behind the leaderboard.
type DonorStats struct {
	Address       common.Address `json:"address"`
	DonatedUSD    *big.Int       `json:"donatedUsd"`
	DonationCount uint64         `json:"donationCount"`
	FirstDonation time.Time      `json:"firstDonation"`
	LastDonation  time.Time      `json:"lastDonation"`
}

// FundraiserStats is the per-fundraiser roll-up.
type FundraiserStats struct {
	FundraiserID  uint64              `json:"fundraiserId"`
	RaisedUSD     *big.Int            `json:"raisedUsd"`
	DonationCount uint64              `json:"donationCount"`
	RaisedByToken map[string]*big.Int `json:"raisedByToken"`
	YieldByToken  map[string]*big.Int `json:"yieldByToken"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// NewFundraiserStats returns a zeroed roll-up for a fundraiser.
func NewFundraiserStats(id uint64) *FundraiserStats {
	return &FundraiserStats{
		FundraiserID:  id,
		RaisedUSD:     new(big.Int),
		RaisedByToken: make(map[string]*big.Int),
		YieldByToken:  make(map[string]*big.Int),
	}
}

// StakePool distinguishes the two staking sub-ledgers.
type StakePool string

const (
	// StakePoolGeneral tracks Staked/Unstaked pool balances.
	StakePoolGeneral StakePool = "stake"

	// StakePoolFBT tracks locked platform-token stakes.
	StakePoolFBT StakePool = "fbt"
)

// StockHolding is the position a fundraiser holds in one equity symbol.
type StockHolding struct {
	FundraiserID uint64    `json:"fundraiserId"`
	Symbol       string    `json:"symbol"`
	Shares       *big.Int  `json:"shares"`
	Cost         *big.Int  `json:"cost"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// StakeBalance is one staker's balance in one pool.
type StakeBalance struct {
	Address   common.Address `json:"address"`
	Amount    *big.Int       `json:"amount"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// VestingSchedule is one recorded vesting grant.
type VestingSchedule struct {
	ScheduleID  uint64         `json:"scheduleId"`
	Beneficiary common.Address `json:"beneficiary"`
	Amount      *big.Int       `json:"amount"`
	Start       time.Time      `json:"start"`
	DurationSec uint64         `json:"durationSeconds"`
	CliffSec    uint64         `json:"cliffSeconds"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// RepriceRecord marks an entry admitted without a USD valuation,
// waiting for the price source to recover.
type RepriceRecord struct {
	EntryID  string    `json:"entryId"`
	QueuedAt time.Time `json:"queuedAt"`
}

// QuarantineRecord preserves a watched log that could not be applied,
// with the raw payload kept for offline inspection.
type QuarantineRecord struct {
	Log    events.RawLog `json:"log"`
	Reason string        `json:"reason"`
	At     time.Time     `json:"at"`
}
