package events

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fundback/ledger-indexer/internal/constants"
)

// Provenance uniquely identifies one emitted log across all chains.
// It is the natural primary key for deduplication.
type Provenance struct {
	ChainID     uint64      `json:"chainId"`
	TxHash      common.Hash `json:"txHash"`
	LogIndex    uint        `json:"logIndex"`
	BlockNumber uint64      `json:"blockNumber"`
}

// Key returns the canonical dedup key (chain, tx, log index).
// BlockNumber is not part of the key. A log replayed after a reorg
// lands in a different block but is still the same log.
func (p Provenance) Key() string {
	return fmt.Sprintf("%d:%s:%d", p.ChainID, p.TxHash.Hex(), p.LogIndex)
}

func (p Provenance) String() string {
	return p.Key()
}

// RawLog is one undecoded log as delivered by a chain client, carrying
// enough block context for confirmation tracking.
type RawLog struct {
	ChainID     uint64
	Address     common.Address
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	BlockHash   common.Hash
	ParentHash  common.Hash
	// BlockTime is the block timestamp in unix seconds
	BlockTime uint64
	Topics    []common.Hash
	Data      []byte
}

// Provenance returns the log's provenance tuple.
func (r RawLog) Provenance() Provenance {
	return Provenance{
		ChainID:     r.ChainID,
		TxHash:      r.TxHash,
		LogIndex:    r.LogIndex,
		BlockNumber: r.BlockNumber,
	}
}

// EventSig returns topic0, the event signature hash, or the zero hash
// for anonymous logs.
func (r RawLog) EventSig() common.Hash {
	if len(r.Topics) == 0 {
		return common.Hash{}
	}
	return r.Topics[0]
}

// HeaderRef is the minimal block header view the pipeline tracks.
type HeaderRef struct {
	Number     uint64      `json:"number"`
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parentHash"`
	// Time is the block timestamp in unix seconds
	Time uint64 `json:"time"`
}

// BlockBundle is the ordered unit a chain client emits: one header plus
// the watched-contract logs of that block. Event-less blocks still
// produce a bundle so the header chain stays contiguous.
type BlockBundle struct {
	ChainID uint64
	Header  HeaderRef
	Logs    []RawLog
}

// Kind tags a domain event variant.
type Kind string

const (
	KindDonationMade           Kind = "donation_made"
	KindCrossChainDonation     Kind = "cross_chain_donation"
	KindYieldHarvested         Kind = "yield_harvested"
	KindStockPurchased         Kind = "stock_purchased"
	KindFBTStaked              Kind = "fbt_staked"
	KindVestingScheduleCreated Kind = "vesting_schedule_created"
	KindTokensBurned           Kind = "tokens_burned"
	KindStaked                 Kind = "staked"
	KindUnstaked               Kind = "unstaked"
)

// EventMeta carries the fields shared by every domain event.
type EventMeta struct {
	Provenance Provenance
	BlockTime  time.Time
}

// Meta returns the shared event metadata.
func (m EventMeta) Meta() EventMeta { return m }

// DomainEvent is the decoded, strongly-typed form of one on-chain log.
// The set of variants is fixed; the reconciler switches over it
// exhaustively.
type DomainEvent interface {
	Kind() Kind
	Meta() EventMeta
}

// YieldSplit is the basis-point division of harvested yield across the
// DAO treasury, the staker pool, and the platform.
type YieldSplit struct {
	DAOBps      uint16 `json:"daoBps"`
	StakerBps   uint16 `json:"stakerBps"`
	PlatformBps uint16 `json:"platformBps"`
}

// Validate checks the split invariant: shares sum to exactly 10000 bp
// and the platform share meets its minimum. A violating split is
// rejected, never clamped.
func (s YieldSplit) Validate() error {
	sum := int(s.DAOBps) + int(s.StakerBps) + int(s.PlatformBps)
	if sum != constants.BasisPointsDenominator {
		return &InvariantViolationError{
			Reason: fmt.Sprintf("yield split shares sum to %d bp, want %d", sum, constants.BasisPointsDenominator),
		}
	}
	if s.PlatformBps < constants.MinPlatformShareBps {
		return &InvariantViolationError{
			Reason: fmt.Sprintf("platform share %d bp below minimum %d", s.PlatformBps, constants.MinPlatformShareBps),
		}
	}
	return nil
}

// Distribute divides total across the three buckets. DAO and staker
// amounts round down; the remainder goes to the platform so the three
// parts always sum exactly to total. The split must already be valid.
func (s YieldSplit) Distribute(total *big.Int) (dao, staker, platform *big.Int) {
	denom := big.NewInt(constants.BasisPointsDenominator)

	dao = new(big.Int).Mul(total, big.NewInt(int64(s.DAOBps)))
	dao.Quo(dao, denom)

	staker = new(big.Int).Mul(total, big.NewInt(int64(s.StakerBps)))
	staker.Quo(staker, denom)

	platform = new(big.Int).Sub(total, dao)
	platform.Sub(platform, staker)
	return dao, staker, platform
}

// DonationMade is a direct donation to a fundraiser.
type DonationMade struct {
	EventMeta
	FundraiserID uint64
	Donor        common.Address
	Amount       *big.Int
	Token        common.Address
	TokenSymbol  string
	Anonymous    bool
	Message      string
}

func (e *DonationMade) Kind() Kind { return KindDonationMade }

// DonationLeg identifies which side of a cross-chain route an observed
// CrossChainDonation event belongs to.
type DonationLeg string

const (
	LegSource      DonationLeg = "source"
	LegDestination DonationLeg = "destination"
	LegUnknown     DonationLeg = "unknown"
)

// CrossChainDonation is one leg of a donation bridged between chains.
// Both legs share a correlation id; either may be observed first.
type CrossChainDonation struct {
	EventMeta
	CorrelationID common.Hash
	FundraiserID  uint64
	Donor         common.Address
	Amount        *big.Int
	Token         common.Address
	TokenSymbol   string
	SourceChainID uint64
	DestChainID   uint64
}

func (e *CrossChainDonation) Kind() Kind { return KindCrossChainDonation }

// Leg reports which side of the route emitted this event, judged by the
// chain the log was observed on.
func (e *CrossChainDonation) Leg() DonationLeg {
	switch e.Provenance.ChainID {
	case e.SourceChainID:
		return LegSource
	case e.DestChainID:
		return LegDestination
	default:
		return LegUnknown
	}
}

// YieldHarvested reports yield realized on a fundraiser's deposited
// funds, with its declared split.
type YieldHarvested struct {
	EventMeta
	FundraiserID uint64
	Token        common.Address
	TokenSymbol  string
	TotalYield   *big.Int
	Split        YieldSplit
}

func (e *YieldHarvested) Kind() Kind { return KindYieldHarvested }

// StockPurchased reports an equity purchase made with fundraiser funds.
type StockPurchased struct {
	EventMeta
	FundraiserID uint64
	Symbol       string
	Shares       *big.Int
	Cost         *big.Int
	Token        common.Address
	TokenSymbol  string
}

func (e *StockPurchased) Kind() Kind { return KindStockPurchased }

// FBTStaked reports platform-token staking with a lock period.
type FBTStaked struct {
	EventMeta
	Staker     common.Address
	Amount     *big.Int
	UnlockTime time.Time
}

func (e *FBTStaked) Kind() Kind { return KindFBTStaked }

// VestingScheduleCreated reports a new vesting schedule.
type VestingScheduleCreated struct {
	EventMeta
	ScheduleID  uint64
	Beneficiary common.Address
	Amount      *big.Int
	Start       time.Time
	Duration    time.Duration
	Cliff       time.Duration
}

func (e *VestingScheduleCreated) Kind() Kind { return KindVestingScheduleCreated }

// TokensBurned reports a platform-token burn.
type TokensBurned struct {
	EventMeta
	Account common.Address
	Amount  *big.Int
}

func (e *TokensBurned) Kind() Kind { return KindTokensBurned }

// Staked reports a deposit into the staking pool.
type Staked struct {
	EventMeta
	Staker common.Address
	Amount *big.Int
}

func (e *Staked) Kind() Kind { return KindStaked }

// Unstaked reports a withdrawal from the staking pool.
type Unstaked struct {
	EventMeta
	Staker common.Address
	Amount *big.Int
}

func (e *Unstaked) Kind() Kind { return KindUnstaked }
