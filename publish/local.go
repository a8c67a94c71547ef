package publish

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fundback/ledger-indexer/internal/constants"
)

// LocalBus fans facts out to in-process subscribers. Delivery is
// non-blocking: a subscriber that stops draining loses facts (the drop
// counter records it) rather than stalling the publisher. A small ring
// of recent facts is kept for the ops endpoint.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Fact
	bufferSize  int
	closed      bool

	// recent is a ring of the latest published facts.
	recent []*Fact
	next   int
	filled bool

	stats struct {
		published  atomic.Uint64
		deliveries atomic.Uint64
		dropped    atomic.Uint64
	}
}

// NewLocalBus creates a local bus. bufferSize is the per-subscriber
// channel depth; zero or negative selects the default.
func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = constants.DefaultFactBufferSize
	}
	return &LocalBus{
		subscribers: make(map[string]chan *Fact),
		bufferSize:  bufferSize,
		recent:      make([]*Fact, constants.DefaultRecentFactsSize),
	}
}

// Publish delivers the fact to every subscriber without blocking. The
// lock covers the fanout: Close must not close a channel mid-send.
func (b *LocalBus) Publish(ctx context.Context, fact *Fact) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrShutdown
	}
	b.recent[b.next] = fact
	b.next = (b.next + 1) % len(b.recent)
	if b.next == 0 {
		b.filled = true
	}
	b.stats.published.Add(1)

	for _, ch := range b.subscribers {
		select {
		case ch <- fact:
			b.stats.deliveries.Add(1)
		default:
			b.stats.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber under id and returns its channel.
// Subscribing twice under one id replaces the prior subscription.
func (b *LocalBus) Subscribe(id string) <-chan *Fact {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan *Fact)
		close(ch)
		return ch
	}
	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan *Fact, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *LocalBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Recent returns up to n of the most recently published facts, newest
// first.
func (b *LocalBus) Recent(n int) []*Fact {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := b.next
	if b.filled {
		size = len(b.recent)
	}
	if n > size {
		n = size
	}
	out := make([]*Fact, 0, n)
	for i := 0; i < n; i++ {
		idx := (b.next - 1 - i + len(b.recent)) % len(b.recent)
		out = append(out, b.recent[idx])
	}
	return out
}

// Stats returns the published, delivered and dropped counters.
func (b *LocalBus) Stats() (published, delivered, dropped uint64) {
	return b.stats.published.Load(),
		b.stats.deliveries.Load(),
		b.stats.dropped.Load()
}

// Close stops the bus and closes every subscriber channel.
func (b *LocalBus) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	return nil
}
