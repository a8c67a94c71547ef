package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/confirm"
	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/fetch"
	"github.com/fundback/ledger-indexer/ledger"
	"github.com/fundback/ledger-indexer/publish"
	"github.com/fundback/ledger-indexer/storage"
)

var _ fetch.Pipeline = (*Processor)(nil)

// Processor drives one chain's bundles through the full ingestion
// path: link check, reorg rollback, admission, application, promotion
// and fact publication. Backfill and live tail share it, so both share
// one correctness argument.
type Processor struct {
	chainID    uint64
	tracker    *confirm.Tracker
	reconciler *ledger.Reconciler
	source     confirm.HeaderSource
	queue      *publish.Queue
	metrics    *Metrics
	logger     *zap.Logger
}

// NewProcessor creates a processor for one chain. The queue may be nil
// when no facts should leave the process.
func NewProcessor(chainID uint64, tracker *confirm.Tracker, reconciler *ledger.Reconciler, source confirm.HeaderSource, queue *publish.Queue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		chainID:    chainID,
		tracker:    tracker,
		reconciler: reconciler,
		source:     source,
		queue:      queue,
		logger:     logger.With(zap.String("component", "pipeline"), zap.Uint64("chain_id", chainID)),
	}
}

// SetMetrics enables Prometheus metrics for the processor.
// This is optional - if not called, metrics will not be collected.
func (p *Processor) SetMetrics(metrics *Metrics) {
	p.metrics = metrics
}

// ProcessBundle applies one bundle. A nonzero resume block means the
// bundle revealed a reorg: the ledger was rolled back and fetching must
// restart at that block instead of advancing.
func (p *Processor) ProcessBundle(ctx context.Context, bundle events.BlockBundle) (uint64, error) {
	if bundle.ChainID != p.chainID {
		return 0, fmt.Errorf("bundle for chain %d handed to chain %d processor", bundle.ChainID, p.chainID)
	}

	linked, err := p.tracker.CheckLink(ctx, p.chainID, bundle.Header)
	if err != nil {
		return 0, err
	}
	if !linked {
		return p.handleReorg(ctx, bundle.Header)
	}

	start := time.Now()
	res, err := p.reconciler.ApplyBlock(ctx, bundle)
	if err != nil {
		return 0, err
	}
	p.announce(res.Entries)
	if p.metrics != nil {
		p.metrics.RecordBlock(p.chainID, res.Admitted, res.Duplicates, res.Quarantined, res.Unpriced, time.Since(start).Seconds())
	}

	if cutoff, ok := p.tracker.PromotionCutoff(p.chainID, bundle.Header.Number); ok {
		promoted, err := p.reconciler.Confirm(ctx, p.chainID, cutoff)
		if err != nil {
			return 0, err
		}
		p.announce(promoted.Promoted)
		if p.metrics != nil {
			p.metrics.RecordPromotion(p.chainID, len(promoted.Promoted))
		}
	}

	if err := p.tracker.Prune(p.chainID, bundle.Header.Number); err != nil {
		return 0, err
	}
	return 0, nil
}

// handleReorg resolves a non-linking header: find the common ancestor,
// roll the ledger back to it, announce the reverted entries and tell
// the caller where to refetch from.
func (p *Processor) handleReorg(ctx context.Context, observed events.HeaderRef) (uint64, error) {
	reorg, err := p.tracker.FindAncestor(ctx, p.chainID, observed, p.source)
	if err != nil {
		return 0, err
	}

	rolled, err := p.reconciler.RollbackTo(ctx, p.chainID, reorg.Ancestor)
	if err != nil {
		return 0, err
	}
	p.announce(rolled.Reverted)
	if p.metrics != nil {
		p.metrics.RecordReorg(p.chainID, reorg.Depth(), len(rolled.Reverted))
	}

	p.logger.Warn("chain reorganization rolled back",
		zap.Uint64("observed", reorg.Observed),
		zap.Uint64("ancestor", reorg.Ancestor),
		zap.Uint64("depth", reorg.Depth()),
		zap.Int("reverted", len(rolled.Reverted)),
		zap.Int("detached", rolled.Detached))
	return reorg.Ancestor + 1, nil
}

// announce turns entries into facts and hands them to the publish
// queue.
func (p *Processor) announce(entries []*storage.Entry) {
	if p.queue == nil || len(entries) == 0 {
		return
	}
	p.queue.EnqueueAll(publish.FactsFromEntries(entries))
}
