package price

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// RateAggregatorABI is the ABI for the rate aggregator contract. The
// aggregator keys rates by token address across all watched chains and
// answers in USD scaled by 1e8; the zero address answers the native
// coin rate.
const RateAggregatorABI = `[
	{
		"inputs": [{"internalType": "address", "name": "token", "type": "address"}],
		"name": "getRate",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ContractSource queries USD rates from a deployed rate aggregator.
type ContractSource struct {
	client    *ethclient.Client
	contract  common.Address
	abi       abi.ABI
	logger    *zap.Logger
	available atomic.Bool
}

// NewContractSource creates a contract-backed source. If the aggregator
// is not deployed or not responding the source reports unavailable and
// rechecks on use.
func NewContractSource(client *ethclient.Client, contract common.Address, logger *zap.Logger) (*ContractSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	parsedABI, err := abi.JSON(strings.NewReader(RateAggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	src := &ContractSource{
		client:   client,
		contract: contract,
		abi:      parsedABI,
		logger:   logger,
	}
	src.probe(context.Background())
	return src, nil
}

// probe tests whether the aggregator is deployed and answering. It
// calls the contract directly so a failed probe cannot recurse.
func (s *ContractSource) probe(ctx context.Context) {
	if s.client == nil || s.contract == (common.Address{}) {
		s.available.Store(false)
		return
	}

	code, err := s.client.CodeAt(ctx, s.contract, nil)
	if err != nil || len(code) == 0 {
		s.logger.Info("rate aggregator not deployed",
			zap.String("address", s.contract.Hex()))
		s.available.Store(false)
		return
	}

	if _, err := s.callRate(ctx, common.Address{}); err != nil {
		s.logger.Info("rate aggregator not responding",
			zap.String("address", s.contract.Hex()),
			zap.Error(err))
		s.available.Store(false)
		return
	}

	s.logger.Info("rate aggregator available",
		zap.String("address", s.contract.Hex()))
	s.available.Store(true)
}

// Available reports whether the aggregator answered its last probe.
func (s *ContractSource) Available() bool {
	return s.available.Load()
}

// RateUSD queries the aggregator for a token's USD rate. The aggregator
// answers with its current rate, at is ignored. A zero rate means the
// aggregator does not know the token and maps to nil.
func (s *ContractSource) RateUSD(ctx context.Context, chainID uint64, token common.Address, at time.Time) (*big.Int, error) {
	if !s.available.Load() {
		s.probe(ctx)
		if !s.available.Load() {
			return nil, nil
		}
	}

	rate, err := s.callRate(ctx, token)
	if err != nil {
		s.logger.Warn("failed to get rate",
			zap.String("token", token.Hex()),
			zap.Error(err))
		return nil, err
	}
	if rate == nil || rate.Sign() == 0 {
		return nil, nil
	}
	return rate, nil
}

func (s *ContractSource) callRate(ctx context.Context, token common.Address) (*big.Int, error) {
	data, err := s.abi.Pack("getRate", token)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getRate call: %w", err)
	}

	result, err := s.client.CallContract(ctx, ethereum.CallMsg{
		To:   &s.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	var rate *big.Int
	if err := s.abi.UnpackIntoInterface(&rate, "getRate", result); err != nil {
		return nil, fmt.Errorf("failed to unpack getRate result: %w", err)
	}
	return rate, nil
}
