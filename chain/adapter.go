package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/internal/config"
	"github.com/fundback/ledger-indexer/internal/constants"
)

// Adapter is the JSON-RPC view of one chain. It turns the raw RPC
// surface into ordered BlockBundles: every block in a fetched range
// yields a bundle, logs or not, so the confirmation tracker sees an
// unbroken parent-hash sequence.
type Adapter struct {
	chainID   uint64
	endpoint  string
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	addresses []common.Address
	limiter   *rate.Limiter

	window       uint64
	pollInterval time.Duration
	rpcTimeout   time.Duration

	logger *zap.Logger
}

// Dial connects to the chain's RPC endpoint and verifies it serves the
// configured chain id.
func Dial(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*Adapter, error) {
	if cfg.RPCEndpoint == "" {
		return nil, fmt.Errorf("chain %s: rpc endpoint cannot be empty", cfg.ID)
	}
	if len(cfg.Contracts) == 0 {
		return nil, fmt.Errorf("chain %s: at least one watched contract is required", cfg.ID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = constants.DefaultRPCTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rpcClient, err := rpc.DialContext(dialCtx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("chain %s: failed to connect to RPC endpoint: %w", cfg.ID, err)
	}
	ethClient := ethclient.NewClient(rpcClient)

	remote, err := ethClient.ChainID(dialCtx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("chain %s: failed to ping RPC endpoint: %w", cfg.ID, err)
	}
	if cfg.ChainID != 0 && remote.Uint64() != cfg.ChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("chain %s: endpoint serves chain %s, config says %d",
			cfg.ID, remote, cfg.ChainID)
	}

	addresses := make([]common.Address, 0, len(cfg.Contracts))
	for _, contract := range cfg.Contracts {
		addresses = append(addresses, common.HexToAddress(contract))
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = cfg.RateLimit
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	window := uint64(cfg.FetchWindow)
	if window == 0 {
		window = constants.DefaultFetchWindow
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = constants.DefaultBlockTime
	}

	logger.Info("connected to chain RPC",
		zap.Uint64("chain_id", remote.Uint64()),
		zap.String("endpoint", cfg.RPCEndpoint),
		zap.Int("contracts", len(addresses)))

	return &Adapter{
		chainID:      remote.Uint64(),
		endpoint:     cfg.RPCEndpoint,
		ethClient:    ethClient,
		rpcClient:    rpcClient,
		addresses:    addresses,
		limiter:      limiter,
		window:       window,
		pollInterval: pollInterval,
		rpcTimeout:   timeout,
		logger:       logger.With(zap.String("component", "chain"), zap.Uint64("chain_id", remote.Uint64())),
	}, nil
}

// ChainID returns the chain id the endpoint reported at dial time.
func (a *Adapter) ChainID() uint64 {
	return a.chainID
}

// Close closes the underlying RPC connection.
func (a *Adapter) Close() {
	if a.rpcClient != nil {
		a.rpcClient.Close()
	}
}

// CurrentHead returns the chain's latest header.
func (a *Adapter) CurrentHead(ctx context.Context) (events.HeaderRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return events.HeaderRef{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	header, err := a.ethClient.HeaderByNumber(callCtx, nil)
	if err != nil {
		return events.HeaderRef{}, a.unavailable(ctx, "current_head", err)
	}
	return headerRef(header), nil
}

// HeaderAt returns the canonical header at the given height. It serves
// the confirmation tracker's ancestor walk.
func (a *Adapter) HeaderAt(ctx context.Context, number uint64) (events.HeaderRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return events.HeaderRef{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	header, err := a.ethClient.HeaderByNumber(callCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return events.HeaderRef{}, a.unavailable(ctx, "header_at", err)
	}
	return headerRef(header), nil
}

// FetchRange returns one bundle per block in [from, to], in order, with
// the watched contracts' logs attached. Logs and headers must come from
// one branch; a hash mismatch means the range read straddled a reorg
// and the caller should refetch.
func (a *Adapter) FetchRange(ctx context.Context, from, to uint64) ([]events.BlockBundle, error) {
	if from > to {
		return nil, fmt.Errorf("invalid block range [%d, %d]", from, to)
	}

	headers, err := a.headerRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	logs, err := a.filterLogs(ctx, from, to)
	if err != nil {
		return nil, err
	}

	byBlock := make(map[uint64][]types.Log)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		byBlock[lg.BlockNumber] = append(byBlock[lg.BlockNumber], lg)
	}

	bundles := make([]events.BlockBundle, 0, len(headers))
	for _, header := range headers {
		ref := headerRef(header)
		blockLogs := byBlock[ref.Number]

		raws := make([]events.RawLog, 0, len(blockLogs))
		for _, lg := range blockLogs {
			if lg.BlockHash != ref.Hash {
				return nil, a.unavailable(ctx, "fetch_range",
					fmt.Errorf("log at block %d carries hash %s, header is %s",
						ref.Number, lg.BlockHash.Hex(), ref.Hash.Hex()))
			}
			raws = append(raws, a.rawLog(lg, ref))
		}

		bundles = append(bundles, events.BlockBundle{
			ChainID: a.chainID,
			Header:  ref,
			Logs:    raws,
		})
	}
	return bundles, nil
}

// Subscribe streams bundles from fromBlock, polling the head once
// caught up. The stream ends on the first RPC failure; the error lands
// on the returned error channel and the caller restarts the
// subscription from its own cursor after backing off.
func (a *Adapter) Subscribe(ctx context.Context, fromBlock uint64) (<-chan events.BlockBundle, <-chan error) {
	bundles := make(chan events.BlockBundle)
	errc := make(chan error, 1)

	go func() {
		defer close(bundles)

		next := fromBlock
		for {
			head, err := a.CurrentHead(ctx)
			if err != nil {
				errc <- err
				return
			}

			if next > head.Number {
				select {
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				case <-time.After(a.pollInterval):
				}
				continue
			}

			to := head.Number
			if to > next+a.window-1 {
				to = next + a.window - 1
			}

			batch, err := a.FetchRange(ctx, next, to)
			if err != nil {
				errc <- err
				return
			}
			for _, bundle := range batch {
				select {
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				case bundles <- bundle:
				}
			}
			next = to + 1
		}
	}()

	return bundles, errc
}

// headerRange fetches headers [from, to] with batched RPC calls.
func (a *Adapter) headerRange(ctx context.Context, from, to uint64) ([]*types.Header, error) {
	count := to - from + 1
	headers := make([]*types.Header, 0, count)

	for start := from; start <= to; start += constants.HeaderBatchSize {
		end := start + constants.HeaderBatchSize - 1
		if end > to {
			end = to
		}

		chunk, err := a.headerBatch(ctx, start, end)
		if err != nil {
			return nil, err
		}
		headers = append(headers, chunk...)
	}
	return headers, nil
}

func (a *Adapter) headerBatch(ctx context.Context, from, to uint64) ([]*types.Header, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	count := int(to - from + 1)
	headers := make([]*types.Header, count)
	batch := make([]rpc.BatchElem, count)
	for i := range batch {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{fmt.Sprintf("0x%x", from+uint64(i)), false},
			Result: &headers[i],
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	if err := a.rpcClient.BatchCallContext(callCtx, batch); err != nil {
		return nil, a.unavailable(ctx, "header_batch", err)
	}
	for i, elem := range batch {
		if elem.Error != nil {
			return nil, a.unavailable(ctx, "header_batch",
				fmt.Errorf("header %d: %w", from+uint64(i), elem.Error))
		}
		if headers[i] == nil {
			return nil, a.unavailable(ctx, "header_batch",
				fmt.Errorf("header %d: %w", from+uint64(i), ethereum.NotFound))
		}
	}
	return headers, nil
}

func (a *Adapter) filterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	logs, err := a.ethClient.FilterLogs(callCtx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: a.addresses,
	})
	if err != nil {
		return nil, a.unavailable(ctx, "filter_logs", err)
	}
	return logs, nil
}

// unavailable wraps err as a ChainUnavailable unless the caller's own
// context ended, in which case shutdown must not read as an outage.
func (a *Adapter) unavailable(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ChainUnavailable{
		ChainID:  a.chainID,
		Endpoint: a.endpoint,
		Op:       op,
		Err:      err,
	}
}

func headerRef(h *types.Header) events.HeaderRef {
	return events.HeaderRef{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Time:       h.Time,
	}
}

func (a *Adapter) rawLog(lg types.Log, ref events.HeaderRef) events.RawLog {
	return events.RawLog{
		ChainID:     a.chainID,
		Address:     lg.Address,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		ParentHash:  ref.ParentHash,
		BlockTime:   ref.Time,
		Topics:      lg.Topics,
		Data:        lg.Data,
	}
}
