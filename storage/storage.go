package storage

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Common errors
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned when a key format is invalid
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidData is returned when data cannot be decoded
	ErrInvalidData = errors.New("invalid data")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("store closed")

	// ErrReadOnly is returned when attempting to write to a read-only store
	ErrReadOnly = errors.New("store is read-only")
)

// StatsReader provides read access to derived ledger state. Query
// surfaces depend on this and never mutate anything.
type StatsReader interface {
	// GetAggregateStats returns the totals cache.
	GetAggregateStats(ctx context.Context) (*AggregateStats, error)

	// GetFundraiserStats returns the roll-up for one fundraiser.
	GetFundraiserStats(ctx context.Context, id uint64) (*FundraiserStats, error)

	// GetDonorStats returns the roll-up for one donor.
	GetDonorStats(ctx context.Context, addr common.Address) (*DonorStats, error)

	// TopDonors returns donor roll-ups ordered by USD donated.
	TopDonors(ctx context.Context, limit int) ([]DonorStats, error)
}

// EntryReader provides read access to ledger entries.
type EntryReader interface {
	// GetEntry returns an entry by id.
	GetEntry(ctx context.Context, id string) (*Entry, error)

	// EntryByCorrelation resolves a cross-chain correlation id.
	EntryByCorrelation(ctx context.Context, id common.Hash) (*Entry, error)

	// IterateEntries visits every stored entry. Returning an error from
	// fn stops the iteration.
	IterateEntries(ctx context.Context, fn func(*Entry) error) error
}

// StateReader provides read access to per-chain ingestion state.
type StateReader interface {
	// GetChainState returns one chain's cursor.
	GetChainState(ctx context.Context, chainID uint64) (*ChainState, error)

	// ChainStates returns the cursor of every known chain.
	ChainStates(ctx context.Context) ([]ChainState, error)
}

// Config holds store configuration
type Config struct {
	// Path to the database directory
	Path string

	// Cache size in MB (default: 128)
	Cache int

	// MaxOpenFiles is the maximum number of open files (default: 1000)
	MaxOpenFiles int

	// WriteBuffer size in MB (default: 64)
	WriteBuffer int

	// DisableWAL disables write-ahead log (not recommended)
	DisableWAL bool

	// ReadOnly opens the database in read-only mode
	ReadOnly bool

	// CompactionConcurrency for background compaction (default: 4)
	CompactionConcurrency int
}

// DefaultConfig returns a default configuration
func DefaultConfig(path string) *Config {
	return &Config{
		Path:                  path,
		Cache:                 128,
		MaxOpenFiles:          1000,
		WriteBuffer:           64,
		DisableWAL:            false,
		ReadOnly:              false,
		CompactionConcurrency: 4,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("path cannot be empty")
	}
	if c.Cache < 0 {
		return errors.New("cache size cannot be negative")
	}
	if c.MaxOpenFiles < 0 {
		return errors.New("max open files cannot be negative")
	}
	if c.WriteBuffer < 0 {
		return errors.New("write buffer size cannot be negative")
	}
	if c.CompactionConcurrency < 1 {
		return errors.New("compaction concurrency must be at least 1")
	}
	return nil
}
