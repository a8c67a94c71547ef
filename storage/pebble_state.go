package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/fundback/ledger-indexer/events"
)

// GetChainState returns the ingestion cursor for one chain.
func (s *Store) GetChainState(ctx context.Context, chainID uint64) (*ChainState, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var state ChainState
	if err := s.getJSON(ChainStateKey(chainID), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// ChainStates returns the cursors of every chain the store has seen.
func (s *Store) ChainStates(ctx context.Context) ([]ChainState, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := ChainStateKeyPrefix()
	iter, err := s.newIter(prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var states []ChainState
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var state ChainState
		if err := json.Unmarshal(iter.Value(), &state); err != nil {
			return nil, fmt.Errorf("%w: chain state %s: %v", ErrInvalidData, iter.Key(), err)
		}
		states = append(states, state)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return states, nil
}

// PutChainState writes a cursor update outside any batch. Cursor-only
// advances use this path so a quiet chain still persists progress.
func (s *Store) PutChainState(ctx context.Context, state *ChainState) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if err := s.ensureNotReadOnly(); err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("chain state cannot be nil")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode chain state: %w", err)
	}
	return s.db.Set(ChainStateKey(state.ChainID), data, pebble.Sync)
}

// GetHeader returns one tracked header.
func (s *Store) GetHeader(ctx context.Context, chainID, number uint64) (*events.HeaderRef, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var header events.HeaderRef
	if err := s.getJSON(HeaderKey(chainID, number), &header); err != nil {
		return nil, err
	}
	return &header, nil
}

// PruneHeaders drops every tracked header below the given number. The
// confirmation depth bounds how far back a reorg walk can reach, so
// anything older is never consulted again.
func (s *Store) PruneHeaders(chainID, below uint64) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if err := s.ensureNotReadOnly(); err != nil {
		return err
	}

	return s.db.DeleteRange(HeaderKey(chainID, 0), HeaderKey(chainID, below), pebble.Sync)
}

// PendingUpTo returns the pending markers for one chain at or below the
// given block, in block order. The promotion sweep consumes these.
func (s *Store) PendingUpTo(ctx context.Context, chainID, uptoBlock uint64) ([]PendingRef, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	iter, err := s.newIter(PendingKeyPrefix(chainID), PendingKeyUpTo(chainID, uptoBlock))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var refs []PendingRef
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		block, entryID, err := ParsePendingKey(iter.Key())
		if err != nil {
			return nil, err
		}
		refs = append(refs, PendingRef{Block: block, EntryID: entryID})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return refs, nil
}
