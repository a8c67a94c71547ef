package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fundback/ledger-indexer/chain"
	"github.com/fundback/ledger-indexer/confirm"
	"github.com/fundback/ledger-indexer/fetch"
	"github.com/fundback/ledger-indexer/internal/config"
	"github.com/fundback/ledger-indexer/internal/constants"
	"github.com/fundback/ledger-indexer/ledger"
	"github.com/fundback/ledger-indexer/publish"
)

// ChainSource is everything one chain's processor and worker need from
// the node connection.
type ChainSource interface {
	fetch.Source
	confirm.HeaderSource
}

var _ ChainSource = (*chain.Adapter)(nil)

// gaugeInterval is how often the queue depth gauge refreshes.
const gaugeInterval = time.Second

// Coordinator runs one fetch worker per chain plus a shared sweep
// goroutine that reprices deferred entries and refreshes gauges. A
// halted chain stops its own worker; the rest keep running.
type Coordinator struct {
	states       fetch.StateStore
	tracker      *confirm.Tracker
	reconciler   *ledger.Reconciler
	queue        *publish.Queue
	metrics      *Metrics
	fetchMetrics *fetch.Metrics
	logger       *zap.Logger

	repriceInterval time.Duration
	repriceBatch    int

	workers []*fetch.Worker
}

// NewCoordinator creates a coordinator over shared pipeline parts. The
// queue may be nil when no facts should leave the process.
func NewCoordinator(states fetch.StateStore, tracker *confirm.Tracker, reconciler *ledger.Reconciler, queue *publish.Queue, priceCfg config.PriceConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := priceCfg.RepriceInterval
	if interval <= 0 {
		interval = constants.DefaultRepriceInterval
	}
	batch := priceCfg.RepriceBatch
	if batch <= 0 {
		batch = constants.DefaultRepriceBatch
	}
	return &Coordinator{
		states:          states,
		tracker:         tracker,
		reconciler:      reconciler,
		queue:           queue,
		logger:          logger.With(zap.String("component", "pipeline")),
		repriceInterval: interval,
		repriceBatch:    batch,
	}
}

// SetMetrics enables pipeline metrics. Call it before AddChain so the
// processors pick it up.
func (c *Coordinator) SetMetrics(metrics *Metrics) {
	c.metrics = metrics
}

// SetFetchMetrics enables fetch metrics. Call it before AddChain so
// the workers pick it up.
func (c *Coordinator) SetFetchMetrics(metrics *fetch.Metrics) {
	c.fetchMetrics = metrics
}

// AddChain wires one chain into the coordinator: confirmation tuning,
// a processor and a fetch worker.
func (c *Coordinator) AddChain(cfg config.ChainConfig, source ChainSource) error {
	params := confirm.DefaultParams()
	if cfg.ConfirmationDepth > 0 {
		params.ConfirmationDepth = cfg.ConfirmationDepth
	}
	if cfg.MaxReorgDepth > 0 {
		params.MaxReorgDepth = cfg.MaxReorgDepth
	}
	c.tracker.Configure(cfg.ChainID, params)

	processor := NewProcessor(cfg.ChainID, c.tracker, c.reconciler, source, c.queue, c.logger)
	if c.metrics != nil {
		processor.SetMetrics(c.metrics)
	}

	window := uint64(cfg.FetchWindow)
	if window == 0 {
		window = constants.DefaultFetchWindow
	}
	worker, err := fetch.NewWorker(fetch.Config{
		ChainID:     cfg.ChainID,
		StartHeight: cfg.StartHeight,
		Window:      window,
	}, source, processor, c.states, c.logger)
	if err != nil {
		return fmt.Errorf("chain %d: %w", cfg.ChainID, err)
	}
	if c.fetchMetrics != nil {
		worker.SetMetrics(c.fetchMetrics)
	}
	c.workers = append(c.workers, worker)

	c.logger.Info("chain added",
		zap.Uint64("chain_id", cfg.ChainID),
		zap.Uint64("start_height", cfg.StartHeight),
		zap.Uint64("confirmation_depth", params.ConfirmationDepth),
		zap.Uint64("max_reorg_depth", params.MaxReorgDepth),
		zap.Uint64("fetch_window", window))
	return nil
}

// Run ingests all configured chains until the context ends or a worker
// fails fatally. Halted chains stop quietly without cancelling the
// group.
func (c *Coordinator) Run(ctx context.Context) error {
	if len(c.workers) == 0 {
		return fmt.Errorf("no chains configured")
	}

	c.logger.Info("starting ingestion", zap.Int("chains", len(c.workers)))

	g, ctx := errgroup.WithContext(ctx)
	for _, worker := range c.workers {
		g.Go(func() error { return worker.Run(ctx) })
	}
	g.Go(func() error { return c.sweep(ctx) })
	return g.Wait()
}

// sweep periodically reprices entries deferred on price availability
// and keeps the queue depth gauge fresh.
func (c *Coordinator) sweep(ctx context.Context) error {
	reprice := time.NewTicker(c.repriceInterval)
	defer reprice.Stop()
	gauges := time.NewTicker(gaugeInterval)
	defer gauges.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reprice.C:
			res, err := c.reconciler.Reprice(ctx, c.repriceBatch)
			if err != nil {
				c.logger.Warn("reprice sweep failed", zap.Error(err))
				continue
			}
			if c.metrics != nil {
				c.metrics.RecordReprice(res.Repriced, res.Remaining)
			}
		case <-gauges.C:
			if c.metrics != nil && c.queue != nil {
				c.metrics.SetFactQueueDepth(c.queue.Stats().Depth)
			}
		}
	}
}
