package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fundback/ledger-indexer/confirm"
	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/internal/config"
	"github.com/fundback/ledger-indexer/internal/testutil"
	"github.com/fundback/ledger-indexer/ledger"
	"github.com/fundback/ledger-indexer/pkg/price"
	"github.com/fundback/ledger-indexer/publish"
	"github.com/fundback/ledger-indexer/storage"
)

var (
	testContract = common.HexToAddress("0x49048044D57e1C92A77f79988d21Fa8fAF74E97e")
	usdcToken    = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	donorA       = common.HexToAddress("0x00000000000000000000000000000000000000Aa")
)

type harness struct {
	store      *storage.Store
	tracker    *confirm.Tracker
	reconciler *ledger.Reconciler
	decoder    *events.Decoder
	queue      *publish.Queue
	sink       *publish.RecordingSink
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	return setupHarnessWith(t, nil)
}

// setupHarnessWith builds the full stack over a throwaway store. A nil
// price source defaults to USDC at $1.
func setupHarnessWith(t *testing.T, prices price.Source) *harness {
	t.Helper()

	store := testutil.TempStore(t)

	registry := events.NewRegistry()
	registry.AddContract(1, testContract)
	registry.AddContract(10, testContract)
	registry.AddToken(1, usdcToken, "USDC", 6)
	registry.AddToken(10, usdcToken, "USDC", 6)
	decoder, err := events.NewDecoder(registry)
	if err != nil {
		t.Fatalf("Failed to create decoder: %v", err)
	}
	if prices == nil {
		prices = price.NewStaticSource(registry, map[string]*big.Int{"USDC": big.NewInt(100_000_000)})
	}

	reconciler := ledger.NewReconciler(store, decoder, registry, prices, nil)
	tracker := confirm.NewTracker(store, nil)

	sink := publish.NewRecordingSink()
	queue := publish.NewQueue(sink, config.PublisherConfig{
		QueueSize:   64,
		Workers:     1,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}, nil)
	queue.Start()
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		queue.Stop(stopCtx)
	})

	return &harness{
		store:      store,
		tracker:    tracker,
		reconciler: reconciler,
		decoder:    decoder,
		queue:      queue,
		sink:       sink,
	}
}

// branchHash gives every (branch, number) pair a distinct hash so
// tests can build competing chains.
func branchHash(seed byte, number uint64) common.Hash {
	var h common.Hash
	h[0] = 0xcc
	h[1] = seed
	binary.BigEndian.PutUint64(h[24:], number)
	return h
}

func refOn(seed byte, number uint64, parent common.Hash) events.HeaderRef {
	return events.HeaderRef{
		Number:     number,
		Hash:       branchHash(seed, number),
		ParentHash: parent,
		Time:       1700000000 + number,
	}
}

// canonRef is a header on branch 0 linked to its branch-0 parent.
func canonRef(number uint64) events.HeaderRef {
	return refOn(0, number, branchHash(0, number-1))
}

func bundleWith(chainID uint64, ref events.HeaderRef, logs ...events.RawLog) events.BlockBundle {
	return events.BlockBundle{ChainID: chainID, Header: ref, Logs: logs}
}

func donationLog(t *testing.T, dec *events.Decoder, chainID, block uint64, txSeed byte, amount int64) events.RawLog {
	t.Helper()

	ev, ok := dec.ABI().Events["DonationMade"]
	if !ok {
		t.Fatal("DonationMade not in ABI")
	}
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(amount), usdcToken, false, "")
	if err != nil {
		t.Fatalf("Failed to pack DonationMade data: %v", err)
	}
	return events.RawLog{
		ChainID:     chainID,
		Address:     testContract,
		TxHash:      common.BytesToHash([]byte{txSeed}),
		LogIndex:    0,
		BlockNumber: block,
		BlockTime:   1700000000 + block,
		Topics:      []common.Hash{ev.ID, common.BigToHash(big.NewInt(7)), common.BytesToHash(donorA.Bytes())},
		Data:        data,
	}
}

// fakeHeaders serves branch headers for ancestor walks.
type fakeHeaders struct {
	mu   sync.Mutex
	refs map[uint64]events.HeaderRef
}

func newFakeHeaders() *fakeHeaders {
	return &fakeHeaders{refs: make(map[uint64]events.HeaderRef)}
}

func (f *fakeHeaders) serve(refs ...events.HeaderRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ref := range refs {
		f.refs[ref.Number] = ref
	}
}

func (f *fakeHeaders) HeaderAt(ctx context.Context, number uint64) (events.HeaderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refs[number]
	if !ok {
		return events.HeaderRef{}, errors.New("header not found")
	}
	return ref, nil
}

func waitFacts(t *testing.T, sink *publish.RecordingSink, n int) []*publish.Fact {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Count() >= n {
			return sink.Facts()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("published facts = %d, want %d", sink.Count(), n)
	return nil
}

func processBundle(t *testing.T, p *Processor, bundle events.BlockBundle) uint64 {
	t.Helper()
	resume, err := p.ProcessBundle(context.Background(), bundle)
	if err != nil {
		t.Fatalf("ProcessBundle(%d) error = %v", bundle.Header.Number, err)
	}
	return resume
}

func mustChainState(t *testing.T, store *storage.Store, chainID uint64) *storage.ChainState {
	t.Helper()
	state, err := store.GetChainState(context.Background(), chainID)
	if err != nil {
		t.Fatalf("GetChainState(%d) error = %v", chainID, err)
	}
	return state
}

func TestProcessorPublishesPendingFacts(t *testing.T) {
	h := setupHarness(t)
	h.tracker.Configure(1, confirm.ChainParams{ConfirmationDepth: 2, MaxReorgDepth: 10})
	p := NewProcessor(1, h.tracker, h.reconciler, newFakeHeaders(), h.queue, nil)

	bundle := bundleWith(1, canonRef(100), donationLog(t, h.decoder, 1, 100, 0x01, 250_000000))
	if resume := processBundle(t, p, bundle); resume != 0 {
		t.Fatalf("resume = %d, want 0", resume)
	}

	facts := waitFacts(t, h.sink, 1)
	fact := facts[0]
	if fact.Status != storage.EntryPending {
		t.Errorf("fact status = %s, want %s", fact.Status, storage.EntryPending)
	}
	if fact.Kind != events.KindDonationMade {
		t.Errorf("fact kind = %s, want %s", fact.Kind, events.KindDonationMade)
	}
	if fact.FundraiserID != 7 {
		t.Errorf("fact fundraiser = %d, want 7", fact.FundraiserID)
	}
	wantUSD := big.NewInt(250_00000000)
	if fact.AmountUSD == nil || fact.AmountUSD.Cmp(wantUSD) != 0 {
		t.Errorf("fact USD = %v, want %s", fact.AmountUSD, wantUSD)
	}

	state := mustChainState(t, h.store, 1)
	if state.LastProcessed != 100 {
		t.Errorf("LastProcessed = %d, want 100", state.LastProcessed)
	}
}

func TestProcessorPromotesAtDepth(t *testing.T) {
	h := setupHarness(t)
	h.tracker.Configure(1, confirm.ChainParams{ConfirmationDepth: 2, MaxReorgDepth: 10})
	p := NewProcessor(1, h.tracker, h.reconciler, newFakeHeaders(), h.queue, nil)

	processBundle(t, p, bundleWith(1, canonRef(100), donationLog(t, h.decoder, 1, 100, 0x01, 100_000000)))
	processBundle(t, p, bundleWith(1, canonRef(101)))
	processBundle(t, p, bundleWith(1, canonRef(102)))

	facts := waitFacts(t, h.sink, 2)
	if facts[0].Status != storage.EntryPending {
		t.Errorf("first fact status = %s, want %s", facts[0].Status, storage.EntryPending)
	}
	if facts[1].Status != storage.EntryConfirmed {
		t.Errorf("second fact status = %s, want %s", facts[1].Status, storage.EntryConfirmed)
	}
	if facts[0].EntryID != facts[1].EntryID {
		t.Errorf("confirmed fact entry %s does not match pending %s", facts[1].EntryID, facts[0].EntryID)
	}

	state := mustChainState(t, h.store, 1)
	if state.LastPromoted != 100 {
		t.Errorf("LastPromoted = %d, want 100", state.LastPromoted)
	}
}

func TestProcessorRewindsOnReorg(t *testing.T) {
	h := setupHarness(t)
	h.tracker.Configure(1, confirm.ChainParams{ConfirmationDepth: 6, MaxReorgDepth: 10})
	headers := newFakeHeaders()
	p := NewProcessor(1, h.tracker, h.reconciler, headers, h.queue, nil)

	processBundle(t, p, bundleWith(1, canonRef(100)))
	processBundle(t, p, bundleWith(1, canonRef(101), donationLog(t, h.decoder, 1, 101, 0x01, 100_000000)))
	processBundle(t, p, bundleWith(1, canonRef(102)))

	// A competing branch forked after 100 replaces 101 and 102.
	headers.serve(
		refOn(1, 101, branchHash(0, 100)),
		refOn(1, 102, branchHash(1, 101)),
	)
	observed := bundleWith(1, refOn(1, 103, branchHash(1, 102)))
	resume := processBundle(t, p, observed)
	if resume != 101 {
		t.Fatalf("resume = %d, want 101", resume)
	}

	facts := waitFacts(t, h.sink, 2)
	if facts[1].Status != storage.EntryReverted {
		t.Errorf("rollback fact status = %s, want %s", facts[1].Status, storage.EntryReverted)
	}
	if facts[1].EntryID != facts[0].EntryID {
		t.Errorf("reverted fact entry %s does not match pending %s", facts[1].EntryID, facts[0].EntryID)
	}

	state := mustChainState(t, h.store, 1)
	if state.LastProcessed != 100 {
		t.Errorf("LastProcessed after rollback = %d, want 100", state.LastProcessed)
	}

	// Refetching the new branch re-admits the same log in its new
	// block.
	processBundle(t, p, bundleWith(1, refOn(1, 101, branchHash(0, 100)),
		donationLog(t, h.decoder, 1, 101, 0x01, 100_000000)))
	processBundle(t, p, bundleWith(1, refOn(1, 102, branchHash(1, 101))))
	processBundle(t, p, bundleWith(1, refOn(1, 103, branchHash(1, 102))))

	facts = waitFacts(t, h.sink, 3)
	if facts[2].Status != storage.EntryPending {
		t.Errorf("readmitted fact status = %s, want %s", facts[2].Status, storage.EntryPending)
	}
	if facts[2].EntryID != facts[0].EntryID {
		t.Errorf("readmitted entry %s does not match original %s", facts[2].EntryID, facts[0].EntryID)
	}

	state = mustChainState(t, h.store, 1)
	if state.LastProcessed != 103 {
		t.Errorf("LastProcessed after refetch = %d, want 103", state.LastProcessed)
	}
}

func TestProcessorHaltsOnTooDeepReorg(t *testing.T) {
	h := setupHarness(t)
	h.tracker.Configure(1, confirm.ChainParams{ConfirmationDepth: 1, MaxReorgDepth: 2})
	headers := newFakeHeaders()
	p := NewProcessor(1, h.tracker, h.reconciler, headers, h.queue, nil)

	for n := uint64(100); n <= 105; n++ {
		processBundle(t, p, bundleWith(1, canonRef(n)))
	}

	// The competing branch diverges further back than the walk is
	// allowed to look.
	headers.serve(
		refOn(1, 104, branchHash(1, 103)),
		refOn(1, 105, branchHash(1, 104)),
	)
	observed := bundleWith(1, refOn(1, 106, branchHash(1, 105)))
	_, err := p.ProcessBundle(context.Background(), observed)
	if !errors.Is(err, confirm.ErrReorgTooDeep) {
		t.Fatalf("ProcessBundle() error = %v, want ErrReorgTooDeep", err)
	}

	// The ledger must be untouched.
	state := mustChainState(t, h.store, 1)
	if state.LastProcessed != 105 {
		t.Errorf("LastProcessed = %d, want 105", state.LastProcessed)
	}
}

func TestProcessorRejectsForeignBundle(t *testing.T) {
	h := setupHarness(t)
	h.tracker.Configure(1, confirm.ChainParams{ConfirmationDepth: 2, MaxReorgDepth: 10})
	p := NewProcessor(1, h.tracker, h.reconciler, newFakeHeaders(), h.queue, nil)

	if _, err := p.ProcessBundle(context.Background(), bundleWith(10, canonRef(100))); err == nil {
		t.Fatal("ProcessBundle() accepted a bundle for another chain")
	}
}
