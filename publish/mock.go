package publish

import (
	"context"
	"sync"
)

// RecordingSink captures published facts for tests.
type RecordingSink struct {
	mu         sync.RWMutex
	facts      []*Fact
	publishErr error
	closed     bool
}

// NewRecordingSink creates an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{facts: make([]*Fact, 0)}
}

// SetPublishError makes subsequent Publish calls fail with err. Pass
// nil to clear.
func (m *RecordingSink) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// Publish records the fact or returns the configured error.
func (m *RecordingSink) Publish(ctx context.Context, fact *Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishErr != nil {
		return m.publishErr
	}
	m.facts = append(m.facts, fact)
	return nil
}

// Close marks the sink as closed.
func (m *RecordingSink) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *RecordingSink) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Facts returns a copy of the recorded facts.
func (m *RecordingSink) Facts() []*Fact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Fact, len(m.facts))
	copy(out, m.facts)
	return out
}

// Count returns the number of recorded facts.
func (m *RecordingSink) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.facts)
}

// FactsForEntry returns recorded facts for one entry id.
func (m *RecordingSink) FactsForEntry(entryID string) []*Fact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Fact
	for _, fact := range m.facts {
		if fact.EntryID == entryID {
			out = append(out, fact)
		}
	}
	return out
}
