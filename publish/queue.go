package publish

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/internal/config"
)

// maxRetryDelay caps the exponential backoff between delivery attempts.
const maxRetryDelay = 10 * time.Second

// deliverTimeout bounds a single sink call.
const deliverTimeout = 10 * time.Second

// Queue decouples the apply path from sink latency. Enqueue never
// blocks; workers drain the buffer and retry failed publishes with
// exponential backoff, giving at-least-once delivery as long as the
// process lives. A fact that exhausts its attempts is dropped and
// counted; the ledger remains the source of truth for replay.
type Queue struct {
	sink        Sink
	logger      *zap.Logger
	ch          chan *Fact
	workers     int
	maxAttempts int
	retryDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes Enqueue sends against Stop closing the channel.
	mu     sync.RWMutex
	closed bool

	stats struct {
		enqueued  atomic.Uint64
		published atomic.Uint64
		retries   atomic.Uint64
		dropped   atomic.Uint64
		failed    atomic.Uint64
	}
}

// NewQueue creates a queue in front of sink. Depth, worker count and
// retry policy come from cfg; the config layer fills defaults.
func NewQueue(sink Sink, cfg config.PublisherConfig, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sink:        sink,
		logger:      logger.With(zap.String("component", "publish")),
		ch:          make(chan *Fact, cfg.QueueSize),
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the drain workers.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.drain()
	}
}

// Enqueue queues a fact for delivery. It returns false, counting the
// fact as dropped, when the buffer is full or the queue is stopped.
func (q *Queue) Enqueue(fact *Fact) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.stats.dropped.Add(1)
		return false
	}
	select {
	case q.ch <- fact:
		q.stats.enqueued.Add(1)
		return true
	default:
		q.stats.dropped.Add(1)
		q.logger.Warn("fact queue full, dropping",
			zap.String("entry", fact.EntryID),
			zap.String("status", string(fact.Status)))
		return false
	}
}

// EnqueueAll queues each fact, returning how many were accepted.
func (q *Queue) EnqueueAll(facts []*Fact) int {
	accepted := 0
	for _, fact := range facts {
		if q.Enqueue(fact) {
			accepted++
		}
	}
	return accepted
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for fact := range q.ch {
		q.deliver(fact)
	}
}

// deliver pushes one fact through the sink, retrying with backoff.
func (q *Queue) deliver(fact *Fact) {
	delay := q.retryDelay
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(q.ctx, deliverTimeout)
		err := q.sink.Publish(ctx, fact)
		cancel()

		if err == nil {
			q.stats.published.Add(1)
			return
		}
		if q.ctx.Err() != nil {
			q.stats.failed.Add(1)
			return
		}

		q.logger.Warn("fact delivery failed",
			zap.String("entry", fact.EntryID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == q.maxAttempts {
			break
		}
		q.stats.retries.Add(1)
		select {
		case <-q.ctx.Done():
			q.stats.failed.Add(1)
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}

	q.stats.failed.Add(1)
	q.logger.Error("fact delivery exhausted attempts",
		zap.String("entry", fact.EntryID),
		zap.String("status", string(fact.Status)),
		zap.Int("attempts", q.maxAttempts))
}

// Stop fences new facts, drains the buffer, then closes the sink. If
// ctx expires first, in-flight deliveries are aborted.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
		drainErr = ctx.Err()
	}
	q.cancel()

	if err := q.sink.Close(ctx); err != nil {
		q.logger.Warn("sink close failed", zap.Error(err))
		if drainErr == nil {
			drainErr = err
		}
	}
	return drainErr
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Enqueued  uint64 `json:"enqueued"`
	Published uint64 `json:"published"`
	Retries   uint64 `json:"retries"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Depth     int    `json:"depth"`
}

// Stats returns current queue counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued:  q.stats.enqueued.Load(),
		Published: q.stats.published.Load(),
		Retries:   q.stats.retries.Load(),
		Dropped:   q.stats.dropped.Load(),
		Failed:    q.stats.failed.Load(),
		Depth:     len(q.ch),
	}
}
