package confirm

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/internal/testutil"
	"github.com/fundback/ledger-indexer/storage"
)

func setupTestTracker(t *testing.T) (*Tracker, *storage.Store) {
	t.Helper()

	store := testutil.TempStore(t)
	return NewTracker(store, nil), store
}

// hashFor builds a deterministic hash for block n on a branch. Blocks
// at or below the fork point are shared by every branch.
func hashFor(branch byte, n, fork uint64) common.Hash {
	if n <= fork {
		branch = 'A'
	}
	return common.BytesToHash([]byte{branch, byte(n >> 8), byte(n)})
}

func headerFor(branch byte, n, fork uint64) events.HeaderRef {
	h := events.HeaderRef{
		Number: n,
		Hash:   hashFor(branch, n, fork),
		Time:   1700000000 + n,
	}
	if n > 0 {
		h.ParentHash = hashFor(branch, n-1, fork)
	}
	return h
}

// seedArena stores branch A headers for [from, to] on chain 1.
func seedArena(t *testing.T, store *storage.Store, from, to uint64) {
	t.Helper()

	batch := store.NewBatch()
	defer batch.Close()
	for n := from; n <= to; n++ {
		if err := batch.PutHeader(1, headerFor('A', n, 0)); err != nil {
			t.Fatalf("PutHeader() error = %v", err)
		}
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

type fakeHeaderSource struct {
	branch byte
	fork   uint64
	err    error
}

func (f *fakeHeaderSource) HeaderAt(ctx context.Context, number uint64) (events.HeaderRef, error) {
	if f.err != nil {
		return events.HeaderRef{}, f.err
	}
	return headerFor(f.branch, number, f.fork), nil
}

func TestCheckLink(t *testing.T) {
	tracker, store := setupTestTracker(t)
	ctx := context.Background()

	seedArena(t, store, 100, 110)

	tests := []struct {
		name   string
		header events.HeaderRef
		want   bool
	}{
		{"genesis always links", headerFor('A', 0, 0), true},
		{"no stored predecessor passes", headerFor('A', 200, 0), true},
		{"extending the indexed branch", headerFor('A', 111, 0), true},
		{"parent from another branch", headerFor('B', 111, 105), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tracker.CheckLink(ctx, 1, tt.header)
			if err != nil {
				t.Fatalf("CheckLink() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckLink() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindAncestor(t *testing.T) {
	tracker, store := setupTestTracker(t)
	ctx := context.Background()

	// Indexed branch A up to 110; branch B diverges after block 105 and
	// arrives with block 111.
	seedArena(t, store, 100, 110)
	source := &fakeHeaderSource{branch: 'B', fork: 105}
	observed := headerFor('B', 111, 105)

	reorg, err := tracker.FindAncestor(ctx, 1, observed, source)
	if err != nil {
		t.Fatalf("FindAncestor() error = %v", err)
	}
	if reorg.Ancestor != 105 {
		t.Errorf("Ancestor = %d, want 105", reorg.Ancestor)
	}
	if reorg.Observed != 111 {
		t.Errorf("Observed = %d, want 111", reorg.Observed)
	}
	if reorg.Depth() != 5 {
		t.Errorf("Depth() = %d, want 5", reorg.Depth())
	}
}

func TestFindAncestorSingleBlock(t *testing.T) {
	tracker, store := setupTestTracker(t)
	ctx := context.Background()

	// Only the tip was replaced: B's block 111 links to A's 109 sibling
	// fork at 109 means block 110 differs between branches.
	seedArena(t, store, 100, 110)
	source := &fakeHeaderSource{branch: 'B', fork: 109}

	reorg, err := tracker.FindAncestor(ctx, 1, headerFor('B', 111, 109), source)
	if err != nil {
		t.Fatalf("FindAncestor() error = %v", err)
	}
	if reorg.Ancestor != 109 {
		t.Errorf("Ancestor = %d, want 109", reorg.Ancestor)
	}
	if reorg.Depth() != 1 {
		t.Errorf("Depth() = %d, want 1", reorg.Depth())
	}
}

func TestFindAncestorTooDeep(t *testing.T) {
	tracker, store := setupTestTracker(t)
	ctx := context.Background()

	seedArena(t, store, 100, 110)
	tracker.Configure(1, ChainParams{MaxReorgDepth: 3})
	source := &fakeHeaderSource{branch: 'B', fork: 105}

	_, err := tracker.FindAncestor(ctx, 1, headerFor('B', 111, 105), source)
	if !errors.Is(err, ErrReorgTooDeep) {
		t.Errorf("FindAncestor() error = %v, want ErrReorgTooDeep", err)
	}
}

func TestFindAncestorArenaExhausted(t *testing.T) {
	tracker, store := setupTestTracker(t)
	ctx := context.Background()

	// Arena starts at 108, divergence is at 105: the walk runs out of
	// stored headers before finding the ancestor.
	seedArena(t, store, 108, 110)
	source := &fakeHeaderSource{branch: 'B', fork: 105}

	_, err := tracker.FindAncestor(ctx, 1, headerFor('B', 111, 105), source)
	if !errors.Is(err, ErrReorgTooDeep) {
		t.Errorf("FindAncestor() error = %v, want ErrReorgTooDeep", err)
	}
}

func TestFindAncestorSourceError(t *testing.T) {
	tracker, store := setupTestTracker(t)
	ctx := context.Background()

	seedArena(t, store, 100, 110)
	sourceErr := errors.New("rpc down")
	source := &fakeHeaderSource{branch: 'B', fork: 105, err: sourceErr}

	_, err := tracker.FindAncestor(ctx, 1, headerFor('B', 111, 105), source)
	if !errors.Is(err, sourceErr) {
		t.Errorf("FindAncestor() error = %v, want wrapped source error", err)
	}
}

func TestFindAncestorGenesis(t *testing.T) {
	tracker, _ := setupTestTracker(t)

	_, err := tracker.FindAncestor(context.Background(), 1, events.HeaderRef{Number: 0}, &fakeHeaderSource{})
	if err == nil {
		t.Error("FindAncestor() should reject a genesis header")
	}
}

func TestPromotionCutoff(t *testing.T) {
	tracker, _ := setupTestTracker(t)

	tests := []struct {
		name    string
		chainID uint64
		head    uint64
		want    uint64
		wantOK  bool
	}{
		{"head below default depth", 1, 11, 0, false},
		{"head at default depth", 1, 12, 0, true},
		{"head above default depth", 1, 112, 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tracker.PromotionCutoff(tt.chainID, tt.head)
			if ok != tt.wantOK {
				t.Fatalf("PromotionCutoff() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("PromotionCutoff() = %d, want %d", got, tt.want)
			}
		})
	}

	t.Run("configured depth", func(t *testing.T) {
		tracker.Configure(5, ChainParams{ConfirmationDepth: 3})
		got, ok := tracker.PromotionCutoff(5, 10)
		if !ok || got != 7 {
			t.Errorf("PromotionCutoff() = %d, %v, want 7, true", got, ok)
		}
	})
}

func TestParamsFallback(t *testing.T) {
	tracker, _ := setupTestTracker(t)

	defaults := DefaultParams()

	got := tracker.Params(99)
	if got != defaults {
		t.Errorf("Params(unconfigured) = %+v, want defaults %+v", got, defaults)
	}

	tracker.Configure(1, ChainParams{ConfirmationDepth: 6})
	got = tracker.Params(1)
	if got.ConfirmationDepth != 6 {
		t.Errorf("ConfirmationDepth = %d, want 6", got.ConfirmationDepth)
	}
	if got.MaxReorgDepth != defaults.MaxReorgDepth {
		t.Errorf("MaxReorgDepth = %d, want default %d", got.MaxReorgDepth, defaults.MaxReorgDepth)
	}
}

func TestPrune(t *testing.T) {
	tracker, store := setupTestTracker(t)
	ctx := context.Background()

	// Retained window = MaxReorgDepth * HeaderArenaFactor = 10 blocks.
	tracker.Configure(1, ChainParams{MaxReorgDepth: 5})
	seedArena(t, store, 0, 50)

	if err := tracker.Prune(1, 50); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}

	if _, err := store.GetHeader(ctx, 1, 39); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetHeader(39) error = %v, want ErrNotFound after prune", err)
	}
	if _, err := store.GetHeader(ctx, 1, 40); err != nil {
		t.Errorf("GetHeader(40) error = %v, want kept", err)
	}

	// A shallow chain prunes nothing.
	if err := tracker.Prune(1, 9); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if _, err := store.GetHeader(ctx, 1, 40); err != nil {
		t.Errorf("GetHeader(40) error = %v after shallow prune", err)
	}
}

func TestRecordHeader(t *testing.T) {
	tracker, store := setupTestTracker(t)
	ctx := context.Background()

	header := headerFor('A', 42, 0)
	batch := store.NewBatch()
	defer batch.Close()
	if err := tracker.RecordHeader(batch, 1, header); err != nil {
		t.Fatalf("RecordHeader() error = %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := store.GetHeader(ctx, 1, 42)
	if err != nil {
		t.Fatalf("GetHeader() error = %v", err)
	}
	if got.Hash != header.Hash {
		t.Errorf("Hash = %s, want %s", got.Hash.Hex(), header.Hash.Hex())
	}
}
