package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundback/ledger-indexer/internal/config"
)

func testQueueConfig(size int) config.PublisherConfig {
	return config.PublisherConfig{
		QueueSize:   size,
		Workers:     1,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}
}

// flakySink fails the first n publishes, then behaves like the
// embedded recorder.
type flakySink struct {
	*RecordingSink
	mu       sync.Mutex
	failures int
}

func (s *flakySink) Publish(ctx context.Context, fact *Fact) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("transient broker error")
	}
	s.mu.Unlock()
	return s.RecordingSink.Publish(ctx, fact)
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

func TestQueueDelivers(t *testing.T) {
	sink := NewRecordingSink()
	q := NewQueue(sink, testQueueConfig(16), nil)
	q.Start()

	fact := FactFromEntry(testEntry("1:0xabc:0"))
	require.True(t, q.Enqueue(fact))

	waitFor(t, func() bool { return sink.Count() == 1 })
	assert.Equal(t, fact.EntryID, sink.Facts()[0].EntryID)

	require.NoError(t, q.Stop(context.Background()))
	assert.True(t, sink.Closed())

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(0), stats.Dropped)
}

func TestQueueRetriesUntilSuccess(t *testing.T) {
	sink := &flakySink{RecordingSink: NewRecordingSink(), failures: 2}

	q := NewQueue(sink, testQueueConfig(16), nil)
	q.Start()
	require.True(t, q.Enqueue(FactFromEntry(testEntry("1:0xabc:0"))))

	waitFor(t, func() bool { return sink.Count() == 1 })
	require.NoError(t, q.Stop(context.Background()))

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, uint64(0), stats.Failed)
}

func TestQueueExhaustsAttempts(t *testing.T) {
	sink := NewRecordingSink()
	sink.SetPublishError(errors.New("broker down"))

	q := NewQueue(sink, testQueueConfig(16), nil)
	q.Start()
	require.True(t, q.Enqueue(FactFromEntry(testEntry("1:0xabc:0"))))

	waitFor(t, func() bool { return q.Stats().Failed == 1 })
	require.NoError(t, q.Stop(context.Background()))

	stats := q.Stats()
	assert.Equal(t, uint64(0), stats.Published)
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, 0, sink.Count())
}

func TestQueueDropsWhenFull(t *testing.T) {
	sink := NewRecordingSink()
	q := NewQueue(sink, testQueueConfig(1), nil)
	// Workers not started: the buffer fills and stays full.

	assert.True(t, q.Enqueue(FactFromEntry(testEntry("1:0xa:0"))))
	assert.False(t, q.Enqueue(FactFromEntry(testEntry("1:0xa:1"))))

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 1, stats.Depth)

	require.NoError(t, q.Stop(context.Background()))
}

func TestQueueStopDrains(t *testing.T) {
	sink := NewRecordingSink()
	q := NewQueue(sink, testQueueConfig(16), nil)
	q.Start()

	for i := 0; i < 10; i++ {
		entry := testEntry(fmt.Sprintf("1:0xabc:%d", i))
		require.True(t, q.Enqueue(FactFromEntry(entry)))
	}

	// Stop returns only after the buffer is flushed to the sink.
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, 10, sink.Count())

	// The queue refuses facts after Stop.
	assert.False(t, q.Enqueue(FactFromEntry(testEntry("1:0xdead:0"))))

	// Stopping twice is fine.
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueueEnqueueAll(t *testing.T) {
	sink := NewRecordingSink()
	q := NewQueue(sink, testQueueConfig(2), nil)

	facts := []*Fact{
		FactFromEntry(testEntry("1:0xa:0")),
		FactFromEntry(testEntry("1:0xa:1")),
		FactFromEntry(testEntry("1:0xa:2")),
	}
	assert.Equal(t, 2, q.EnqueueAll(facts))

	q.Start()
	waitFor(t, func() bool { return sink.Count() == 2 })
	require.NoError(t, q.Stop(context.Background()))
}
