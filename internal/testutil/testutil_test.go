package testutil

import (
	"context"
	"testing"

	"github.com/fundback/ledger-indexer/storage"
)

func TestTempStoreIsUsable(t *testing.T) {
	store := TempStore(t)

	err := store.PutChainState(context.Background(), &storage.ChainState{
		ChainID:       1,
		LastProcessed: 42,
	})
	if err != nil {
		t.Fatalf("PutChainState failed: %v", err)
	}

	state, err := store.GetChainState(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetChainState failed: %v", err)
	}
	if state.LastProcessed != 42 {
		t.Errorf("LastProcessed = %d, want 42", state.LastProcessed)
	}
}

func TestTempStoresAreIsolated(t *testing.T) {
	first := TempStore(t)
	second := TempStore(t)

	err := first.PutChainState(context.Background(), &storage.ChainState{ChainID: 7})
	if err != nil {
		t.Fatalf("PutChainState failed: %v", err)
	}

	if _, err := second.GetChainState(context.Background(), 7); err == nil {
		t.Error("second store sees the first store's writes")
	}
}

func TestLogger(t *testing.T) {
	if Logger(t) == nil {
		t.Fatal("Logger returned nil")
	}
}
