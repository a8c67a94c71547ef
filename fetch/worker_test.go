package fetch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/chain"
	"github.com/fundback/ledger-indexer/confirm"
	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/internal/constants"
	"github.com/fundback/ledger-indexer/storage"
)

func numHash(number uint64) common.Hash {
	var h common.Hash
	h[0] = 0xaa
	binary.BigEndian.PutUint64(h[24:], number)
	return h
}

func bundleAt(number uint64) events.BlockBundle {
	return events.BlockBundle{
		ChainID: 1,
		Header: events.HeaderRef{
			Number:     number,
			Hash:       numHash(number),
			ParentHash: numHash(number - 1),
			Time:       1700000000 + number*12,
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// scriptedSource serves a fixed set of bundles and lets tests inject
// outages and live tail deliveries.
type scriptedSource struct {
	mu         sync.Mutex
	head       uint64
	bundles    map[uint64]events.BlockBundle
	headFails  int
	rangeFails int
	headCalls  int
	fetches    [][2]uint64
	subscribes []uint64

	tailc      chan events.BlockBundle
	tailActive atomic.Int32
}

func newScriptedSource(head uint64) *scriptedSource {
	return &scriptedSource{
		head:    head,
		bundles: make(map[uint64]events.BlockBundle),
		tailc:   make(chan events.BlockBundle),
	}
}

func (s *scriptedSource) addBlocks(from, to uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := from; n <= to; n++ {
		s.bundles[n] = bundleAt(n)
	}
}

func (s *scriptedSource) outage(op string) error {
	return &chain.ChainUnavailable{ChainID: 1, Op: op, Err: errors.New("connection refused")}
}

func (s *scriptedSource) CurrentHead(ctx context.Context) (events.HeaderRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headCalls++
	if s.headFails > 0 {
		s.headFails--
		return events.HeaderRef{}, s.outage("currentHead")
	}
	return s.bundles[s.head].Header, nil
}

func (s *scriptedSource) FetchRange(ctx context.Context, from, to uint64) ([]events.BlockBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, [2]uint64{from, to})
	if s.rangeFails > 0 {
		s.rangeFails--
		return nil, s.outage("fetchRange")
	}
	out := make([]events.BlockBundle, 0, to-from+1)
	for n := from; n <= to; n++ {
		bundle, ok := s.bundles[n]
		if !ok {
			return nil, s.outage("fetchRange")
		}
		out = append(out, bundle)
	}
	return out, nil
}

func (s *scriptedSource) Subscribe(ctx context.Context, fromBlock uint64) (<-chan events.BlockBundle, <-chan error) {
	s.mu.Lock()
	s.subscribes = append(s.subscribes, fromBlock)
	s.mu.Unlock()

	bundles := make(chan events.BlockBundle)
	errc := make(chan error, 1)
	s.tailActive.Add(1)
	go func() {
		defer s.tailActive.Add(-1)
		defer close(bundles)
		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case bundle := <-s.tailc:
				select {
				case bundles <- bundle:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()
	return bundles, errc
}

func (s *scriptedSource) fetchedRanges() [][2]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint64(nil), s.fetches...)
}

func (s *scriptedSource) subscribed() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.subscribes...)
}

func (s *scriptedSource) headCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headCalls
}

// scriptedPipeline records processed block numbers and can script a
// one-shot rewind or error for a given block.
type scriptedPipeline struct {
	mu        sync.Mutex
	processed []uint64
	rewinds   map[uint64]uint64
	errs      map[uint64]error
	onRewind  func(resume uint64)
}

func newScriptedPipeline() *scriptedPipeline {
	return &scriptedPipeline{
		rewinds: make(map[uint64]uint64),
		errs:    make(map[uint64]error),
	}
}

func (p *scriptedPipeline) ProcessBundle(ctx context.Context, bundle events.BlockBundle) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := bundle.Header.Number
	if err, ok := p.errs[n]; ok {
		delete(p.errs, n)
		return 0, err
	}
	if resume, ok := p.rewinds[n]; ok {
		delete(p.rewinds, n)
		if p.onRewind != nil {
			p.onRewind(resume)
		}
		return resume, nil
	}
	p.processed = append(p.processed, n)
	return 0, nil
}

func (p *scriptedPipeline) blocks() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.processed...)
}

type memStates struct {
	mu     sync.Mutex
	states map[uint64]storage.ChainState
}

func newMemStates() *memStates {
	return &memStates{states: make(map[uint64]storage.ChainState)}
}

func (m *memStates) GetChainState(ctx context.Context, chainID uint64) (*storage.ChainState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[chainID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := state
	return &out, nil
}

func (m *memStates) PutChainState(ctx context.Context, state *storage.ChainState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ChainID] = *state
	return nil
}

func (m *memStates) seed(state storage.ChainState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ChainID] = state
}

func (m *memStates) snapshot(chainID uint64) storage.ChainState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[chainID]
}

func newTestWorker(t *testing.T, cfg Config, source Source, pipeline Pipeline, states StateStore) *Worker {
	t.Helper()
	w, err := NewWorker(cfg, source, pipeline, states, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	return w
}

func runInBackground(w *Worker) (context.CancelFunc, chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return cancel, done
}

func stopWorker(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{ChainID: 1, StartHeight: 100, Window: 200}, false},
		{"missing chain id", Config{Window: 200}, true},
		{"window too small", Config{ChainID: 1, Window: 0}, true},
		{"window too large", Config{ChainID: 1, Window: constants.MaxFetchWindow + 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewWorkerRequiresDeps(t *testing.T) {
	cfg := Config{ChainID: 1, Window: 10}
	if _, err := NewWorker(cfg, nil, nil, nil, nil); err == nil {
		t.Fatal("NewWorker() with nil deps should fail")
	}
}

func TestResumePoint(t *testing.T) {
	ctx := context.Background()
	source := newScriptedSource(0)
	pipe := newScriptedPipeline()

	t.Run("no cursor starts at configured height", func(t *testing.T) {
		states := newMemStates()
		w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 10}, source, pipe, states)
		next, err := w.resumePoint(ctx)
		if err != nil {
			t.Fatalf("resumePoint() error = %v", err)
		}
		if next != 100 {
			t.Errorf("resumePoint() = %d, want 100", next)
		}
	})

	t.Run("cursor record without applied block starts at configured height", func(t *testing.T) {
		states := newMemStates()
		states.seed(storage.ChainState{ChainID: 1, Watermark: 7})
		w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 10}, source, pipe, states)
		next, err := w.resumePoint(ctx)
		if err != nil {
			t.Fatalf("resumePoint() error = %v", err)
		}
		if next != 100 {
			t.Errorf("resumePoint() = %d, want 100", next)
		}
	})

	t.Run("continues after last processed", func(t *testing.T) {
		states := newMemStates()
		states.seed(storage.ChainState{ChainID: 1, LastProcessed: 102, LastHash: numHash(102)})
		w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 10}, source, pipe, states)
		next, err := w.resumePoint(ctx)
		if err != nil {
			t.Fatalf("resumePoint() error = %v", err)
		}
		if next != 103 {
			t.Errorf("resumePoint() = %d, want 103", next)
		}
	})

	t.Run("bounded below by configured height", func(t *testing.T) {
		states := newMemStates()
		states.seed(storage.ChainState{ChainID: 1, LastProcessed: 50, LastHash: numHash(50)})
		w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 10}, source, pipe, states)
		next, err := w.resumePoint(ctx)
		if err != nil {
			t.Fatalf("resumePoint() error = %v", err)
		}
		if next != 100 {
			t.Errorf("resumePoint() = %d, want 100", next)
		}
	})
}

func TestWorkerBackfillsAndTails(t *testing.T) {
	source := newScriptedSource(104)
	source.addBlocks(100, 104)
	pipe := newScriptedPipeline()
	states := newMemStates()
	w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 2}, source, pipe, states)

	cancel, done := runInBackground(w)
	defer cancel()

	waitFor(t, func() bool { return len(pipe.blocks()) == 5 })
	want := []uint64{100, 101, 102, 103, 104}
	got := pipe.blocks()
	for i, n := range want {
		if got[i] != n {
			t.Fatalf("processed blocks = %v, want %v", got, want)
		}
	}

	wantRanges := [][2]uint64{{100, 101}, {102, 103}, {104, 104}}
	waitFor(t, func() bool { return len(source.fetchedRanges()) == len(wantRanges) })
	for i, r := range source.fetchedRanges() {
		if r != wantRanges[i] {
			t.Errorf("fetch %d = %v, want %v", i, r, wantRanges[i])
		}
	}

	waitFor(t, func() bool { return states.snapshot(1).Watermark == 105 })
	waitFor(t, func() bool { return len(source.subscribed()) == 1 })
	if from := source.subscribed()[0]; from != 105 {
		t.Errorf("tail started from %d, want 105", from)
	}

	stopWorker(t, cancel, done)
}

func TestWorkerTailDelivers(t *testing.T) {
	source := newScriptedSource(100)
	source.addBlocks(100, 100)
	pipe := newScriptedPipeline()
	states := newMemStates()
	w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 5}, source, pipe, states)

	cancel, done := runInBackground(w)
	defer cancel()

	waitFor(t, func() bool { return len(source.subscribed()) == 1 })

	source.tailc <- bundleAt(101)
	waitFor(t, func() bool { return states.snapshot(1).Watermark == 102 })

	source.tailc <- bundleAt(102)
	waitFor(t, func() bool { return states.snapshot(1).Watermark == 103 })

	got := pipe.blocks()
	want := []uint64{100, 101, 102}
	for i, n := range want {
		if got[i] != n {
			t.Fatalf("processed blocks = %v, want %v", got, want)
		}
	}

	stopWorker(t, cancel, done)
}

func TestWorkerRewindRefetches(t *testing.T) {
	source := newScriptedSource(104)
	source.addBlocks(100, 104)
	pipe := newScriptedPipeline()
	states := newMemStates()
	pipe.rewinds[103] = 101
	pipe.onRewind = func(resume uint64) {
		states.seed(storage.ChainState{ChainID: 1, LastProcessed: resume - 1, LastHash: numHash(resume - 1)})
	}
	w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 5}, source, pipe, states)

	cancel, done := runInBackground(w)
	defer cancel()

	waitFor(t, func() bool { return len(pipe.blocks()) == 7 })
	want := []uint64{100, 101, 102, 101, 102, 103, 104}
	got := pipe.blocks()
	for i, n := range want {
		if got[i] != n {
			t.Fatalf("processed blocks = %v, want %v", got, want)
		}
	}

	ranges := source.fetchedRanges()
	if len(ranges) < 2 || ranges[0] != [2]uint64{100, 104} || ranges[1] != [2]uint64{101, 104} {
		t.Errorf("fetched ranges = %v, want [[100 104] [101 104]]", ranges)
	}

	stopWorker(t, cancel, done)
}

func TestWorkerTailRewindReenters(t *testing.T) {
	source := newScriptedSource(100)
	source.addBlocks(100, 100)
	pipe := newScriptedPipeline()
	states := newMemStates()
	pipe.rewinds[101] = 101
	pipe.onRewind = func(resume uint64) {
		states.seed(storage.ChainState{ChainID: 1, LastProcessed: resume - 1, LastHash: numHash(resume - 1)})
	}
	w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 5}, source, pipe, states)

	cancel, done := runInBackground(w)
	defer cancel()

	waitFor(t, func() bool { return len(source.subscribed()) == 1 })
	source.tailc <- bundleAt(101)

	// The rewind tears the first subscription down and opens a second
	// from the same block.
	waitFor(t, func() bool {
		return len(source.subscribed()) == 2 && source.tailActive.Load() == 1
	})
	if from := source.subscribed()[1]; from != 101 {
		t.Errorf("second tail started from %d, want 101", from)
	}

	source.tailc <- bundleAt(101)
	waitFor(t, func() bool {
		blocks := pipe.blocks()
		return len(blocks) == 2 && blocks[1] == 101
	})

	stopWorker(t, cancel, done)
}

func TestWorkerHaltsOnDeepReorg(t *testing.T) {
	source := newScriptedSource(104)
	source.addBlocks(100, 104)
	pipe := newScriptedPipeline()
	states := newMemStates()
	pipe.errs[102] = fmt.Errorf("ancestor search at block 102: %w", confirm.ErrReorgTooDeep)
	w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 5}, source, pipe, states)

	cancel, done := runInBackground(w)
	defer cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on halt", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not halt")
	}

	state := states.snapshot(1)
	if !state.Halted {
		t.Fatal("chain state not marked halted")
	}
	if !strings.Contains(state.HaltReason, "reorg") {
		t.Errorf("halt reason %q does not name the reorg", state.HaltReason)
	}

	// A restarted worker refuses a halted chain without touching the
	// source.
	heads := source.headCount()
	w2 := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 5}, source, pipe, states)
	if err := w2.Run(context.Background()); err != nil {
		t.Fatalf("Run() on halted chain error = %v", err)
	}
	if source.headCount() != heads {
		t.Error("halted worker still queried the source")
	}
}

func TestWorkerRetriesAfterOutage(t *testing.T) {
	source := newScriptedSource(101)
	source.addBlocks(100, 101)
	source.headFails = 2
	source.rangeFails = 1
	pipe := newScriptedPipeline()
	states := newMemStates()
	w := newTestWorker(t, Config{ChainID: 1, StartHeight: 100, Window: 5}, source, pipe, states)

	cancel, done := runInBackground(w)
	defer cancel()

	waitFor(t, func() bool { return len(pipe.blocks()) == 2 })
	if calls := source.headCount(); calls < 3 {
		t.Errorf("head calls = %d, want at least 3 across retries", calls)
	}
	ranges := source.fetchedRanges()
	if len(ranges) != 2 || ranges[0] != ranges[1] {
		t.Errorf("fetched ranges = %v, want the failed window refetched", ranges)
	}

	stopWorker(t, cancel, done)
}
