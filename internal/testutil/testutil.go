// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"

	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/storage"
)

// TempStore opens a Pebble store under a per-test temp directory and
// closes it when the test ends.
func TempStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.NewStore(storage.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return store
}

// Logger creates a development logger so component output shows up
// under go test -v.
func Logger(t *testing.T) *zap.Logger {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}
