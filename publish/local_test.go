package publish

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/storage"
)

func testEntry(id string) *storage.Entry {
	return &storage.Entry{
		ID:     id,
		Kind:   events.KindDonationMade,
		Status: storage.EntryPending,
		Legs: []storage.EntryLeg{{
			Role: storage.LegSingle,
			Provenance: events.Provenance{
				ChainID:     1,
				TxHash:      common.HexToHash("0xabc"),
				LogIndex:    0,
				BlockNumber: 100,
			},
		}},
		Amount:       big.NewInt(500_000000),
		AmountUSD:    big.NewInt(500_00000000),
		TokenSymbol:  "USDC",
		FundraiserID: 7,
		Donor:        common.HexToAddress("0xaa"),
		BlockTime:    time.Unix(1700000100, 0).UTC(),
	}
}

func TestFactFromEntry(t *testing.T) {
	entry := testEntry("1:0xabc:0")
	fact := FactFromEntry(entry)

	require.NotNil(t, fact)
	assert.NotEmpty(t, fact.ID)
	assert.Equal(t, "1:0xabc:0", fact.EntryID)
	assert.Equal(t, events.KindDonationMade, fact.Kind)
	assert.Equal(t, storage.EntryPending, fact.Status)
	assert.Equal(t, uint64(7), fact.FundraiserID)
	assert.Equal(t, []uint64{1}, fact.ChainIDs)
	assert.Equal(t, 0, fact.Amount.Cmp(big.NewInt(500_000000)))
	assert.False(t, fact.PublishedAt.IsZero())

	// Each emission carries a fresh message id.
	again := FactFromEntry(entry)
	assert.NotEqual(t, fact.ID, again.ID)
	assert.Equal(t, fact.EntryID, again.EntryID)
}

func TestLocalBusPublishSubscribe(t *testing.T) {
	bus := NewLocalBus(10)
	ch := bus.Subscribe("test-sub")
	require.Equal(t, 1, bus.SubscriberCount())

	fact := FactFromEntry(testEntry("1:0xabc:0"))
	require.NoError(t, bus.Publish(context.Background(), fact))

	select {
	case received := <-ch:
		assert.Equal(t, fact.EntryID, received.EntryID)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for fact")
	}

	published, delivered, dropped := bus.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Equal(t, uint64(1), delivered)
	assert.Equal(t, uint64(0), dropped)
}

func TestLocalBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewLocalBus(1)
	bus.Subscribe("slow-sub")

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, FactFromEntry(testEntry("1:0xa:0"))))
	require.NoError(t, bus.Publish(ctx, FactFromEntry(testEntry("1:0xa:1"))))

	_, delivered, dropped := bus.Stats()
	assert.Equal(t, uint64(1), delivered)
	assert.Equal(t, uint64(1), dropped)
}

func TestLocalBusUnsubscribe(t *testing.T) {
	bus := NewLocalBus(10)
	ch := bus.Subscribe("test-sub")
	bus.Unsubscribe("test-sub")

	assert.Equal(t, 0, bus.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)

	// Publishing with no subscribers still succeeds.
	require.NoError(t, bus.Publish(context.Background(), FactFromEntry(testEntry("1:0xa:0"))))
}

func TestLocalBusRecent(t *testing.T) {
	bus := NewLocalBus(10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := testEntry(fmt.Sprintf("1:0xa:%d", i))
		require.NoError(t, bus.Publish(ctx, FactFromEntry(entry)))
	}

	recent := bus.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "1:0xa:4", recent[0].EntryID)
	assert.Equal(t, "1:0xa:3", recent[1].EntryID)
	assert.Equal(t, "1:0xa:2", recent[2].EntryID)

	// Asking for more than was published returns what exists.
	assert.Len(t, bus.Recent(100), 5)
}

func TestLocalBusClose(t *testing.T) {
	bus := NewLocalBus(10)
	ch := bus.Subscribe("test-sub")
	ctx := context.Background()

	require.NoError(t, bus.Close(ctx))
	_, open := <-ch
	assert.False(t, open)

	err := bus.Publish(ctx, FactFromEntry(testEntry("1:0xa:0")))
	assert.ErrorIs(t, err, ErrShutdown)

	// Closing twice is fine.
	require.NoError(t, bus.Close(ctx))
}
