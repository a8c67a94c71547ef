package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestProvenanceKey(t *testing.T) {
	p := Provenance{
		ChainID:     1,
		TxHash:      common.HexToHash("0xabc123"),
		LogIndex:    7,
		BlockNumber: 100,
	}

	want := "1:" + p.TxHash.Hex() + ":7"
	if got := p.Key(); got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}

	// The same log replayed in a different block keeps its key.
	replayed := p
	replayed.BlockNumber = 104
	if p.Key() != replayed.Key() {
		t.Error("key should not depend on block number")
	}

	// A different log index is a different log.
	other := p
	other.LogIndex = 8
	if p.Key() == other.Key() {
		t.Error("different log index should produce a different key")
	}
}

func TestYieldSplitValidate(t *testing.T) {
	tests := []struct {
		name    string
		split   YieldSplit
		wantErr bool
	}{
		{
			name:  "standard split",
			split: YieldSplit{DAOBps: 7900, StakerBps: 1900, PlatformBps: 200},
		},
		{
			name:  "platform at minimum",
			split: YieldSplit{DAOBps: 9800, StakerBps: 0, PlatformBps: 200},
		},
		{
			name:  "platform above minimum",
			split: YieldSplit{DAOBps: 5000, StakerBps: 2500, PlatformBps: 2500},
		},
		{
			name:    "sum below denominator",
			split:   YieldSplit{DAOBps: 7000, StakerBps: 1900, PlatformBps: 200},
			wantErr: true,
		},
		{
			name:    "sum above denominator",
			split:   YieldSplit{DAOBps: 8000, StakerBps: 1900, PlatformBps: 200},
			wantErr: true,
		},
		{
			name:    "platform below minimum",
			split:   YieldSplit{DAOBps: 8000, StakerBps: 1900, PlatformBps: 100},
			wantErr: true,
		},
		{
			name:    "zero platform share",
			split:   YieldSplit{DAOBps: 8000, StakerBps: 2000, PlatformBps: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.split.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !IsInvariantViolation(err) {
					t.Errorf("expected invariant violation, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestYieldSplitDistribute(t *testing.T) {
	tests := []struct {
		name         string
		split        YieldSplit
		total        int64
		wantDAO      int64
		wantStaker   int64
		wantPlatform int64
	}{
		{
			name:         "exact division",
			split:        YieldSplit{DAOBps: 7900, StakerBps: 1900, PlatformBps: 200},
			total:        10000,
			wantDAO:      7900,
			wantStaker:   1900,
			wantPlatform: 200,
		},
		{
			name:         "remainder goes to platform",
			split:        YieldSplit{DAOBps: 3333, StakerBps: 3333, PlatformBps: 3334},
			total:        1001,
			wantDAO:      333,
			wantStaker:   333,
			wantPlatform: 335,
		},
		{
			name:         "tiny total rounds shares to zero",
			split:        YieldSplit{DAOBps: 7900, StakerBps: 1900, PlatformBps: 200},
			total:        3,
			wantDAO:      2,
			wantStaker:   0,
			wantPlatform: 1,
		},
		{
			name:         "zero total",
			split:        YieldSplit{DAOBps: 7900, StakerBps: 1900, PlatformBps: 200},
			total:        0,
			wantDAO:      0,
			wantStaker:   0,
			wantPlatform: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dao, staker, platform := tt.split.Distribute(big.NewInt(tt.total))

			if dao.Int64() != tt.wantDAO {
				t.Errorf("dao = %s, want %d", dao, tt.wantDAO)
			}
			if staker.Int64() != tt.wantStaker {
				t.Errorf("staker = %s, want %d", staker, tt.wantStaker)
			}
			if platform.Int64() != tt.wantPlatform {
				t.Errorf("platform = %s, want %d", platform, tt.wantPlatform)
			}

			sum := new(big.Int).Add(dao, staker)
			sum.Add(sum, platform)
			if sum.Int64() != tt.total {
				t.Errorf("shares sum to %s, want %d", sum, tt.total)
			}
		})
	}
}

func TestCrossChainDonationLeg(t *testing.T) {
	base := CrossChainDonation{
		SourceChainID: 1,
		DestChainID:   8453,
	}

	src := base
	src.Provenance = Provenance{ChainID: 1}
	if got := src.Leg(); got != LegSource {
		t.Errorf("Leg() = %s, want %s", got, LegSource)
	}

	dst := base
	dst.Provenance = Provenance{ChainID: 8453}
	if got := dst.Leg(); got != LegDestination {
		t.Errorf("Leg() = %s, want %s", got, LegDestination)
	}

	stray := base
	stray.Provenance = Provenance{ChainID: 137}
	if got := stray.Leg(); got != LegUnknown {
		t.Errorf("Leg() = %s, want %s", got, LegUnknown)
	}
}
