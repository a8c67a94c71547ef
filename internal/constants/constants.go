package constants

import "time"

// Ledger Constants
const (
	// BasisPointsDenominator is the full scale of a basis-point share (100%)
	BasisPointsDenominator = 10000

	// MinPlatformShareBps is the minimum platform share of a yield split, in basis points
	MinPlatformShareBps = 200

	// LeaderboardSize is the number of top donors kept in the leaderboard view
	LeaderboardSize = 100

	// UsdRateDecimals is the fixed-point scale of oracle USD rates (1e8 = 1 USD)
	UsdRateDecimals = 8
)

// Blockchain Constants
const (
	// GenesisBlockNumber is the block number of the genesis block
	GenesisBlockNumber = 0

	// DefaultConfirmationDepth is the default number of blocks on top of a
	// block before its entries are promoted to confirmed
	DefaultConfirmationDepth = 12

	// DefaultMaxReorgDepth is the deepest reorganization handled automatically;
	// anything deeper halts the affected chain for manual intervention
	DefaultMaxReorgDepth = 64

	// HeaderArenaFactor sizes the retained header window as a multiple of the
	// max reorg depth
	HeaderArenaFactor = 2

	// DefaultBlockTime is the typical block time (varies by chain)
	DefaultBlockTime = 12 * time.Second
)

// Fetch Constants
const (
	// DefaultFetchWindow is the default number of blocks per backfill window
	DefaultFetchWindow = 200

	// HeaderBatchSize is the number of headers requested per JSON-RPC batch call
	HeaderBatchSize = 256

	// MinFetchWindow is the minimum backfill window size
	MinFetchWindow = 1

	// MaxFetchWindow is the maximum backfill window size
	MaxFetchWindow = 2000

	// DefaultMaxRetries is the default maximum number of retries for failed operations
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the default delay between retries
	DefaultRetryDelay = 1 * time.Second

	// DefaultRetryBackoffMultiplier is the default backoff multiplier for exponential backoff
	DefaultRetryBackoffMultiplier = 2

	// DefaultRPCTimeout bounds a single RPC round trip
	DefaultRPCTimeout = 15 * time.Second

	// DefaultRateLimitPerSecond is the default per-chain RPC request rate
	DefaultRateLimitPerSecond = 10

	// DefaultRateLimitBurst is the default per-chain RPC burst size
	DefaultRateLimitBurst = 20
)

// Retry and Backoff Constants
const (
	// MaxRetryAttempts is the maximum number of retry attempts
	MaxRetryAttempts = 5

	// InitialRetryDelay is the initial delay for exponential backoff
	InitialRetryDelay = 100 * time.Millisecond

	// MaxRetryDelay is the maximum delay for exponential backoff
	MaxRetryDelay = 30 * time.Second

	// RetryJitterFraction is the fraction of the delay randomized as jitter
	RetryJitterFraction = 0.2
)

// Storage Constants
const (
	// DefaultCacheSize is the default cache size in MB for PebbleDB
	DefaultCacheSize = 128 // MB

	// DefaultMaxOpenFiles is the default maximum number of open files for PebbleDB
	DefaultMaxOpenFiles = 1000

	// DefaultWriteBuffer is the default write buffer size in MB for PebbleDB
	DefaultWriteBuffer = 64 // MB

	// DefaultCompactionConcurrency is the default number of concurrent compactions
	DefaultCompactionConcurrency = 4
)

// Publisher Constants
const (
	// DefaultPublishQueueSize is the default depth of the outbound fact queue
	DefaultPublishQueueSize = 1024

	// DefaultPublishWorkers is the default number of queue drain workers
	DefaultPublishWorkers = 2

	// DefaultPublishMaxAttempts is the default delivery attempt count per fact
	DefaultPublishMaxAttempts = 5

	// DefaultPublishRetryDelay is the initial delay between delivery attempts
	DefaultPublishRetryDelay = 500 * time.Millisecond

	// DefaultFactBufferSize is the default per-subscriber buffer of the local bus
	DefaultFactBufferSize = 100

	// DefaultRecentFactsSize is the size of the recent-facts ring kept for operators
	DefaultRecentFactsSize = 64
)

// Ops Server Constants
const (
	// DefaultOpsHost is the default operational server host
	DefaultOpsHost = "localhost"

	// DefaultOpsPort is the default operational server port
	DefaultOpsPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second
)

// Reprice Constants
const (
	// DefaultRepriceInterval is how often the null-USD queue is retried
	DefaultRepriceInterval = 10 * time.Minute

	// DefaultRepriceBatch is the maximum entries repriced per pass
	DefaultRepriceBatch = 100
)

// Size Constants
const (
	// BytesPerKB represents bytes in a kilobyte
	BytesPerKB = 1024

	// BytesPerMB represents bytes in a megabyte
	BytesPerMB = 1024 * BytesPerKB
)
