package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/fundback/ledger-indexer/pkg/price"
	"github.com/fundback/ledger-indexer/storage"
)

func TestRebuildMatchesIncremental(t *testing.T) {
	rec, store, dec := setupTestLedger(t)
	ctx := context.Background()

	// A history with every status: confirmed, pending, reverted and an
	// unpriced pending donation.
	head, tail := mixedHistory(t, rec, dec)
	for _, bundle := range head {
		applyBundle(t, rec, bundle)
	}
	for _, bundle := range tail {
		applyBundle(t, rec, bundle)
	}
	if _, err := rec.Confirm(ctx, chainA, 101); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if _, err := rec.RollbackTo(ctx, chainA, 102); err != nil {
		t.Fatalf("RollbackTo() error = %v", err)
	}
	weth := donationLog(t, dec, chainA, 103, 0x20, 9, donorB, wethToken, 1_500_000_000_000_000_000)
	res := applyBundle(t, rec, bundleFor(chainA, 103, weth))
	if res.Unpriced != 1 {
		t.Fatalf("Unpriced = %d, want 1 for unrated token", res.Unpriced)
	}

	snapStats, err := store.GetAggregateStats(ctx)
	if err != nil {
		t.Fatalf("GetAggregateStats() error = %v", err)
	}
	snapDonorB, err := store.GetDonorStats(ctx, donorB)
	if err != nil {
		t.Fatalf("GetDonorStats(donorB) error = %v", err)
	}
	snapFund7, err := store.GetFundraiserStats(ctx, 7)
	if err != nil {
		t.Fatalf("GetFundraiserStats(7) error = %v", err)
	}
	snapHolding, err := store.GetStockHolding(ctx, 7, "VTI")
	if err != nil {
		t.Fatalf("GetStockHolding() error = %v", err)
	}
	snapStake, err := store.GetStakeBalance(ctx, storage.StakePoolGeneral, stakerA)
	if err != nil {
		t.Fatalf("GetStakeBalance() error = %v", err)
	}
	queued, err := store.RepriceCount(ctx)
	if err != nil {
		t.Fatalf("RepriceCount() error = %v", err)
	}
	if queued != 1 {
		t.Fatalf("RepriceCount = %d before rebuild, want 1", queued)
	}

	rebuilt, err := rec.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	// 4 confirmed + 3 pending from block 102 + the unpriced donation.
	// Reverted entries are not replayed.
	if rebuilt.Entries != 8 {
		t.Errorf("Rebuild replayed %d entries, want 8", rebuilt.Entries)
	}
	if rebuilt.Unpriced != 1 {
		t.Errorf("Rebuild found %d unpriced, want 1", rebuilt.Unpriced)
	}

	got, err := store.GetAggregateStats(ctx)
	if err != nil {
		t.Fatalf("GetAggregateStats() error = %v", err)
	}
	assertStatsEqual(t, snapStats, got)

	gotDonorB, err := store.GetDonorStats(ctx, donorB)
	if err != nil {
		t.Fatalf("GetDonorStats(donorB) error = %v", err)
	}
	if gotDonorB.DonationCount != snapDonorB.DonationCount || gotDonorB.DonatedUSD.Cmp(snapDonorB.DonatedUSD) != 0 {
		t.Errorf("donorB = %d/%s, want %d/%s",
			gotDonorB.DonationCount, gotDonorB.DonatedUSD, snapDonorB.DonationCount, snapDonorB.DonatedUSD)
	}

	gotFund7, err := store.GetFundraiserStats(ctx, 7)
	if err != nil {
		t.Fatalf("GetFundraiserStats(7) error = %v", err)
	}
	if gotFund7.RaisedUSD.Cmp(snapFund7.RaisedUSD) != 0 || gotFund7.DonationCount != snapFund7.DonationCount {
		t.Errorf("fund 7 = %d/%s, want %d/%s",
			gotFund7.DonationCount, gotFund7.RaisedUSD, snapFund7.DonationCount, snapFund7.RaisedUSD)
	}
	assertTokenMapsEqual(t, "fund 7 RaisedByToken", snapFund7.RaisedByToken, gotFund7.RaisedByToken)
	assertTokenMapsEqual(t, "fund 7 YieldByToken", snapFund7.YieldByToken, gotFund7.YieldByToken)

	gotHolding, err := store.GetStockHolding(ctx, 7, "VTI")
	if err != nil {
		t.Fatalf("GetStockHolding() error = %v", err)
	}
	if gotHolding.Shares.Cmp(snapHolding.Shares) != 0 || gotHolding.Cost.Cmp(snapHolding.Cost) != 0 {
		t.Errorf("holding = %s/%s, want %s/%s",
			gotHolding.Shares, gotHolding.Cost, snapHolding.Shares, snapHolding.Cost)
	}

	gotStake, err := store.GetStakeBalance(ctx, storage.StakePoolGeneral, stakerA)
	if err != nil {
		t.Fatalf("GetStakeBalance() error = %v", err)
	}
	if gotStake.Amount.Cmp(snapStake.Amount) != 0 {
		t.Errorf("stake = %s, want %s", gotStake.Amount, snapStake.Amount)
	}

	// The reprice queue is rebuilt too, still holding the WETH entry.
	queued, err = store.RepriceCount(ctx)
	if err != nil {
		t.Fatalf("RepriceCount() error = %v", err)
	}
	if queued != 1 {
		t.Errorf("RepriceCount = %d after rebuild, want 1", queued)
	}

	// Entry rows and chain state are inputs, not derived: untouched.
	entry, err := store.GetEntry(ctx, weth.Provenance().Key())
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry.Status != storage.EntryPending || entry.AmountUSD != nil {
		t.Errorf("weth entry status = %s, usd = %v, want pending and nil", entry.Status, entry.AmountUSD)
	}
	state, err := store.GetChainState(ctx, chainA)
	if err != nil {
		t.Fatalf("GetChainState() error = %v", err)
	}
	if state.LastProcessed != 103 {
		t.Errorf("LastProcessed = %d, want 103", state.LastProcessed)
	}
}

func TestReprice(t *testing.T) {
	rec, store, dec := setupTestLedger(t)
	ctx := context.Background()

	// 1.5 WETH with no WETH rate configured.
	raw := donationLog(t, dec, chainA, 100, 0x01, 7, donorA, wethToken, 1_500_000_000_000_000_000)
	res := applyBundle(t, rec, bundleFor(chainA, 100, raw))
	if res.Admitted != 1 || res.Unpriced != 1 {
		t.Fatalf("admitted = %d, unpriced = %d, want 1 and 1", res.Admitted, res.Unpriced)
	}

	entry, err := store.GetEntry(ctx, raw.Provenance().Key())
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry.AmountUSD != nil {
		t.Fatalf("AmountUSD = %s before repricing, want nil", entry.AmountUSD)
	}

	stats, err := store.GetAggregateStats(ctx)
	if err != nil {
		t.Fatalf("GetAggregateStats() error = %v", err)
	}
	// Counted by token immediately, in USD only once priced.
	if stats.Pending.DonationCount != 1 || stats.Pending.DonatedUSD.Sign() != 0 {
		t.Errorf("pending = %d/%s, want 1 donation with zero USD",
			stats.Pending.DonationCount, stats.Pending.DonatedUSD)
	}
	assertTokenMap(t, "Pending.DonatedByToken", stats.Pending.DonatedByToken, "WETH", 1_500_000_000_000_000_000)

	// A sweep without the missing rate leaves the queue alone.
	swept, err := rec.Reprice(ctx, 10)
	if err != nil {
		t.Fatalf("Reprice() error = %v", err)
	}
	if swept.Repriced != 0 || swept.Remaining != 1 {
		t.Errorf("repriced = %d, remaining = %d without a rate, want 0 and 1", swept.Repriced, swept.Remaining)
	}

	// The rate source learns WETH at $2000.
	rates := usdRates()
	rates["WETH"] = big.NewInt(2000_00000000)
	registry := testRegistry()
	priced := NewReconciler(store, dec, registry, price.NewStaticSource(registry, rates), nil)

	swept, err = priced.Reprice(ctx, 10)
	if err != nil {
		t.Fatalf("Reprice() error = %v", err)
	}
	if swept.Repriced != 1 || swept.Remaining != 0 || swept.Dropped != 0 {
		t.Fatalf("repriced = %d, remaining = %d, dropped = %d, want 1/0/0",
			swept.Repriced, swept.Remaining, swept.Dropped)
	}

	entry, err = store.GetEntry(ctx, raw.Provenance().Key())
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	// 1.5 WETH * $2000 = $3000 at 1e8 scale.
	assertAmount(t, "AmountUSD", entry.AmountUSD, 3000_00000000)

	stats, err = store.GetAggregateStats(ctx)
	if err != nil {
		t.Fatalf("GetAggregateStats() error = %v", err)
	}
	assertAmount(t, "Pending.DonatedUSD", stats.Pending.DonatedUSD, 3000_00000000)

	donor, err := store.GetDonorStats(ctx, donorA)
	if err != nil {
		t.Fatalf("GetDonorStats() error = %v", err)
	}
	assertAmount(t, "donor DonatedUSD", donor.DonatedUSD, 3000_00000000)
	if donor.DonationCount != 1 {
		t.Errorf("donor DonationCount = %d, want 1 (repricing is not a new donation)", donor.DonationCount)
	}

	fund, err := store.GetFundraiserStats(ctx, 7)
	if err != nil {
		t.Fatalf("GetFundraiserStats() error = %v", err)
	}
	assertAmount(t, "fundraiser RaisedUSD", fund.RaisedUSD, 3000_00000000)

	queued, err := store.RepriceCount(ctx)
	if err != nil {
		t.Fatalf("RepriceCount() error = %v", err)
	}
	if queued != 0 {
		t.Errorf("RepriceCount = %d after repricing, want 0", queued)
	}
}

func TestRepriceDropsRevertedEntries(t *testing.T) {
	rec, store, dec := setupTestLedger(t)
	ctx := context.Background()

	raw := donationLog(t, dec, chainA, 100, 0x01, 7, donorA, wethToken, 1_000_000_000_000_000_000)
	applyBundle(t, rec, bundleFor(chainA, 100, raw))
	if _, err := rec.RollbackTo(ctx, chainA, 99); err != nil {
		t.Fatalf("RollbackTo() error = %v", err)
	}

	// Rollback already retracts the queue entry alongside the dedup row.
	queued, err := store.RepriceCount(ctx)
	if err != nil {
		t.Fatalf("RepriceCount() error = %v", err)
	}
	if queued != 0 {
		t.Errorf("RepriceCount = %d after rollback, want 0", queued)
	}

	swept, err := rec.Reprice(ctx, 10)
	if err != nil {
		t.Fatalf("Reprice() error = %v", err)
	}
	if swept.Repriced != 0 || swept.Remaining != 0 || swept.Dropped != 0 {
		t.Errorf("sweep = %+v over empty queue, want zeroes", swept)
	}
}
