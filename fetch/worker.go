// Package fetch drives per-chain ingestion: backfill from the stored
// cursor to the chain head in bounded windows, then a live tail, with
// every bundle flowing through the same pipeline. One worker per chain.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/chain"
	"github.com/fundback/ledger-indexer/confirm"
	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/internal/constants"
	"github.com/fundback/ledger-indexer/storage"
)

// Source supplies headers and log bundles for one chain.
type Source interface {
	CurrentHead(ctx context.Context) (events.HeaderRef, error)
	FetchRange(ctx context.Context, from, to uint64) ([]events.BlockBundle, error)
	Subscribe(ctx context.Context, fromBlock uint64) (<-chan events.BlockBundle, <-chan error)
}

// Pipeline consumes bundles in block order. A nonzero resume block
// means the bundle revealed a reorg and the ledger was rolled back;
// the worker must restart fetching from that block.
type Pipeline interface {
	ProcessBundle(ctx context.Context, bundle events.BlockBundle) (uint64, error)
}

// StateStore persists per-chain ingestion cursors.
type StateStore interface {
	GetChainState(ctx context.Context, chainID uint64) (*storage.ChainState, error)
	PutChainState(ctx context.Context, state *storage.ChainState) error
}

var (
	_ Source     = (*chain.Adapter)(nil)
	_ StateStore = (*storage.Store)(nil)
)

// Config holds worker configuration for one chain.
type Config struct {
	// ChainID is the chain the worker ingests.
	ChainID uint64

	// StartHeight is the first block worth ingesting. The cursor never
	// resumes below it.
	StartHeight uint64

	// Window is the number of blocks fetched per backfill request.
	Window uint64
}

// Validate validates the worker configuration.
func (c *Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain id must be set")
	}
	if c.Window < constants.MinFetchWindow || c.Window > constants.MaxFetchWindow {
		return fmt.Errorf("fetch window must be between %d and %d, got %d",
			constants.MinFetchWindow, constants.MaxFetchWindow, c.Window)
	}
	return nil
}

// Worker ingests one chain. It backfills from the stored cursor in
// windows, switches to the live tail when caught up, and drops back to
// backfill after a reorg rewind. Source outages back off and retry
// forever; a reorg past the configured maximum depth halts the chain.
type Worker struct {
	cfg      Config
	source   Source
	pipeline Pipeline
	states   StateStore
	metrics  *Metrics
	logger   *zap.Logger
}

// NewWorker creates a worker for one chain.
func NewWorker(cfg Config, source Source, pipeline Pipeline, states StateStore, logger *zap.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || pipeline == nil || states == nil {
		return nil, fmt.Errorf("source, pipeline and state store must be set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		source:   source,
		pipeline: pipeline,
		states:   states,
		logger:   logger.With(zap.String("component", "fetch"), zap.Uint64("chain_id", cfg.ChainID)),
	}, nil
}

// SetMetrics enables Prometheus metrics for the worker.
// This is optional - if not called, metrics will not be collected.
func (w *Worker) SetMetrics(metrics *Metrics) {
	w.metrics = metrics
}

// Run ingests until the context ends or the chain halts. A halted
// chain returns nil so sibling chains keep running.
func (w *Worker) Run(ctx context.Context) error {
	state, err := w.states.GetChainState(ctx, w.cfg.ChainID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if state != nil && state.Halted {
		w.logger.Warn("chain is halted, refusing to ingest",
			zap.String("reason", state.HaltReason))
		return nil
	}

	retry := newBackoff()
	for {
		err := w.cycle(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
			// A rollback rewound the cursor. Re-enter from the stored
			// state.
			retry.reset()
		case errors.Is(err, confirm.ErrReorgTooDeep):
			return w.halt(ctx, err)
		case chain.IsUnavailable(err):
			if w.metrics != nil {
				w.metrics.RecordRetry(w.cfg.ChainID)
			}
			w.logger.Warn("source unavailable, backing off",
				zap.Duration("delay", retry.delay),
				zap.Error(err))
			if err := retry.sleep(ctx); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// cycle backfills from the stored cursor to the head, then tails the
// chain. It returns nil when a rewind requires re-reading the cursor.
func (w *Worker) cycle(ctx context.Context) error {
	next, err := w.resumePoint(ctx)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		head, err := w.source.CurrentHead(ctx)
		if err != nil {
			return err
		}
		if w.metrics != nil {
			w.metrics.ObserveHead(w.cfg.ChainID, head.Number, next)
		}
		if next > head.Number {
			break
		}

		to := next + w.cfg.Window - 1
		if to > head.Number {
			to = head.Number
		}
		rewound, err := w.window(ctx, next, to)
		if err != nil {
			return err
		}
		if rewound {
			return nil
		}
		next = to + 1
		if err := w.persistWatermark(ctx, next); err != nil {
			return err
		}
	}

	return w.tail(ctx, next)
}

// window fetches and processes one backfill window. It reports whether
// a bundle inside the window triggered a rollback.
func (w *Worker) window(ctx context.Context, from, to uint64) (bool, error) {
	bundles, err := w.source.FetchRange(ctx, from, to)
	if err != nil {
		return false, err
	}
	for _, bundle := range bundles {
		resume, err := w.pipeline.ProcessBundle(ctx, bundle)
		if err != nil {
			return false, err
		}
		if resume != 0 {
			return true, nil
		}
	}
	if w.metrics != nil {
		w.metrics.RecordWindow(w.cfg.ChainID)
	}
	return false, nil
}

// tail processes the live subscription until it ends. Cancelling the
// subscription context on return stops the source goroutine.
func (w *Worker) tail(ctx context.Context, from uint64) error {
	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.logger.Info("caught up, tailing live blocks", zap.Uint64("from", from))
	if w.metrics != nil {
		w.metrics.RecordTail(w.cfg.ChainID)
	}

	bundles, errc := w.source.Subscribe(tailCtx, from)
	for bundle := range bundles {
		resume, err := w.pipeline.ProcessBundle(ctx, bundle)
		if err != nil {
			return err
		}
		if resume != 0 {
			return nil
		}
		next := bundle.Header.Number + 1
		if err := w.persistWatermark(ctx, next); err != nil {
			return err
		}
		if w.metrics != nil {
			w.metrics.ObserveHead(w.cfg.ChainID, bundle.Header.Number, next)
		}
	}
	return <-errc
}

// resumePoint determines the next block to fetch from the stored
// cursor, bounded below by the configured start height.
func (w *Worker) resumePoint(ctx context.Context) (uint64, error) {
	state, err := w.states.GetChainState(ctx, w.cfg.ChainID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Info("no cursor yet, starting from configured height",
			zap.Uint64("start_height", w.cfg.StartHeight))
		return w.cfg.StartHeight, nil
	}
	if err != nil {
		return 0, err
	}
	if state.LastHash == (common.Hash{}) && state.LastProcessed == 0 {
		// A cursor record exists but no block was ever applied.
		return w.cfg.StartHeight, nil
	}

	next := state.LastProcessed + 1
	if next < w.cfg.StartHeight {
		next = w.cfg.StartHeight
	}
	return next, nil
}

// persistWatermark advances the stored fetch cursor. Block application
// already persists per-block progress; the watermark marks window
// boundaries for operators and never moves backwards here.
func (w *Worker) persistWatermark(ctx context.Context, next uint64) error {
	state, err := w.states.GetChainState(ctx, w.cfg.ChainID)
	if errors.Is(err, storage.ErrNotFound) {
		state = &storage.ChainState{ChainID: w.cfg.ChainID}
	} else if err != nil {
		return err
	}
	if state.Watermark >= next {
		return nil
	}
	state.Watermark = next
	state.UpdatedAt = time.Now().UTC()
	return w.states.PutChainState(ctx, state)
}

// halt marks the chain stopped in the store and returns nil so the
// worker's siblings keep running. Clearing the flag is an operator
// action.
func (w *Worker) halt(ctx context.Context, cause error) error {
	state, err := w.states.GetChainState(ctx, w.cfg.ChainID)
	if errors.Is(err, storage.ErrNotFound) {
		state = &storage.ChainState{ChainID: w.cfg.ChainID}
	} else if err != nil {
		return err
	}
	state.Halted = true
	state.HaltReason = cause.Error()
	state.UpdatedAt = time.Now().UTC()
	if err := w.states.PutChainState(ctx, state); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.RecordHalt(w.cfg.ChainID)
	}
	w.logger.Error("chain halted, operator intervention required",
		zap.Uint64("last_processed", state.LastProcessed),
		zap.Error(cause))
	return nil
}
