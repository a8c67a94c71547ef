package publish

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/storage"
)

// Fact is one ledger-change notification. Delivery is at-least-once:
// the consumer must dedupe on EntryID plus Status, not on the message
// id, which changes per delivery attempt chain.
type Fact struct {
	// ID is a unique message id for this emission.
	ID string `json:"id"`

	// EntryID is the ledger entry the fact describes. Redeliveries and
	// later status transitions reuse it.
	EntryID string `json:"entryId"`

	Kind   events.Kind         `json:"kind"`
	Status storage.EntryStatus `json:"status"`

	// Recipient hints for the notification layer.
	FundraiserID uint64         `json:"fundraiserId,omitempty"`
	Donor        common.Address `json:"donor"`

	Amount      *big.Int `json:"amount,omitempty"`
	AmountUSD   *big.Int `json:"amountUsd,omitempty"`
	TokenSymbol string   `json:"tokenSymbol,omitempty"`

	// ChainIDs lists every chain carrying a leg of the entry.
	ChainIDs []uint64 `json:"chainIds"`

	BlockTime   time.Time `json:"blockTime"`
	PublishedAt time.Time `json:"publishedAt"`
}

// FactFromEntry builds the outbound fact for an entry's current status.
func FactFromEntry(e *storage.Entry) *Fact {
	chains := make([]uint64, 0, len(e.Legs))
	for _, leg := range e.Legs {
		chains = append(chains, leg.Provenance.ChainID)
	}
	return &Fact{
		ID:           uuid.NewString(),
		EntryID:      e.ID,
		Kind:         e.Kind,
		Status:       e.Status,
		FundraiserID: e.FundraiserID,
		Donor:        e.Donor,
		Amount:       e.Amount,
		AmountUSD:    e.AmountUSD,
		TokenSymbol:  e.TokenSymbol,
		ChainIDs:     chains,
		BlockTime:    e.BlockTime,
		PublishedAt:  time.Now().UTC(),
	}
}

// FactsFromEntries builds one fact per entry, preserving order.
func FactsFromEntries(entries []*storage.Entry) []*Fact {
	facts := make([]*Fact, 0, len(entries))
	for _, e := range entries {
		facts = append(facts, FactFromEntry(e))
	}
	return facts
}
