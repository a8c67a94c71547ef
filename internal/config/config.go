package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/fundback/ledger-indexer/internal/constants"
)

// Config holds all configuration for the ledger indexer.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Chains    []ChainConfig   `yaml:"chains"`
	Tokens    []TokenConfig   `yaml:"tokens"`
	Price     PriceConfig     `yaml:"price"`
	Publisher PublisherConfig `yaml:"publisher"`
	Ops       OpsConfig       `yaml:"ops"`
}

// DatabaseConfig holds the embedded store configuration.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readonly"`
	// CacheSize is the block cache size in MB
	CacheSize int `yaml:"cache_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ChainConfig defines one indexed chain.
type ChainConfig struct {
	// ID is a unique slug for this chain instance, e.g. "ethereum"
	ID string `yaml:"id"`
	// Name is a human-readable chain name
	Name string `yaml:"name"`
	// ChainID is the numeric EVM chain id
	ChainID uint64 `yaml:"chain_id"`
	// RPCEndpoint is the HTTP(S) JSON-RPC endpoint URL
	RPCEndpoint string `yaml:"rpc_endpoint"`
	// Contracts are the watched contract addresses emitting ledger events
	Contracts []string `yaml:"contracts"`
	// StartHeight is the block height indexing begins at on first run
	StartHeight uint64 `yaml:"start_height"`
	// ConfirmationDepth is the number of blocks on top of a block before
	// its entries are promoted to confirmed
	ConfirmationDepth uint64 `yaml:"confirmation_depth"`
	// MaxReorgDepth is the deepest reorganization handled automatically
	MaxReorgDepth uint64 `yaml:"max_reorg_depth"`
	// FetchWindow is the number of blocks per backfill window
	FetchWindow int `yaml:"fetch_window,omitempty"`
	// PollInterval is the head poll cadence once caught up
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	// RPCTimeout bounds a single RPC round trip
	RPCTimeout time.Duration `yaml:"rpc_timeout,omitempty"`
	// RateLimit is the per-chain RPC request rate (requests per second)
	RateLimit int `yaml:"rate_limit,omitempty"`
	// RateBurst is the per-chain RPC burst size
	RateBurst int `yaml:"rate_burst,omitempty"`
	// Enabled indicates whether this chain should be processed
	Enabled bool `yaml:"enabled"`
}

// TokenConfig maps a token contract to its display attributes.
type TokenConfig struct {
	ChainID  uint64 `yaml:"chain_id"`
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// PriceConfig holds price collaborator configuration.
type PriceConfig struct {
	// Source is the rate source: "none", "static", "contract"
	Source string `yaml:"source"`
	// Static maps token symbol to a USD rate scaled by 1e8
	Static map[string]string `yaml:"static,omitempty"`
	// Contract holds on-chain oracle settings when Source is "contract"
	Contract ContractPriceConfig `yaml:"contract"`
	// RepriceInterval is how often entries with a null USD value are retried
	RepriceInterval time.Duration `yaml:"reprice_interval"`
	// RepriceBatch is the maximum entries repriced per pass
	RepriceBatch int `yaml:"reprice_batch"`
}

// ContractPriceConfig points at an on-chain price oracle.
type ContractPriceConfig struct {
	ChainID uint64        `yaml:"chain_id"`
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// PublisherConfig holds outbound fact publisher configuration.
type PublisherConfig struct {
	// Type is the sink type: "local", "kafka", "redis", "nats", "fanout"
	Type string `yaml:"type"`
	// QueueSize is the depth of the outbound fact queue
	QueueSize int `yaml:"queue_size"`
	// Workers is the number of queue drain workers
	Workers int `yaml:"workers"`
	// MaxAttempts is the delivery attempt count per fact
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelay is the initial delay between delivery attempts
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Local holds in-process bus settings
	Local LocalPublisherConfig `yaml:"local"`
	// Kafka holds Kafka sink settings
	Kafka KafkaPublisherConfig `yaml:"kafka"`
	// Redis holds Redis sink settings
	Redis RedisPublisherConfig `yaml:"redis"`
	// NATS holds NATS JetStream sink settings
	NATS NATSPublisherConfig `yaml:"nats"`
}

// LocalPublisherConfig holds in-process bus settings.
type LocalPublisherConfig struct {
	// BufferSize is the per-subscriber channel buffer
	BufferSize int `yaml:"buffer_size"`
}

// KafkaPublisherConfig holds Kafka sink settings.
type KafkaPublisherConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	// Compression is one of: "none", "gzip", "snappy", "lz4", "zstd"
	Compression string `yaml:"compression"`
	// RequiredAcks is 0 (none), 1 (leader), or -1 (all)
	RequiredAcks int           `yaml:"required_acks"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// RedisPublisherConfig holds Redis pub/sub sink settings.
type RedisPublisherConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// NATSPublisherConfig holds NATS JetStream sink settings.
type NATSPublisherConfig struct {
	URL     string        `yaml:"url"`
	Stream  string        `yaml:"stream"`
	Subject string        `yaml:"subject"`
	MaxAge  time.Duration `yaml:"max_age"`
}

// OpsConfig holds the operational HTTP server configuration.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration.
func (c *Config) SetDefaults() {
	// Database defaults
	if c.Database.CacheSize == 0 {
		c.Database.CacheSize = constants.DefaultCacheSize
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Per-chain defaults
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.ConfirmationDepth == 0 {
			ch.ConfirmationDepth = constants.DefaultConfirmationDepth
		}
		if ch.MaxReorgDepth == 0 {
			ch.MaxReorgDepth = constants.DefaultMaxReorgDepth
		}
		if ch.FetchWindow == 0 {
			ch.FetchWindow = constants.DefaultFetchWindow
		}
		if ch.PollInterval == 0 {
			ch.PollInterval = constants.DefaultBlockTime
		}
		if ch.RPCTimeout == 0 {
			ch.RPCTimeout = constants.DefaultRPCTimeout
		}
		if ch.RateLimit == 0 {
			ch.RateLimit = constants.DefaultRateLimitPerSecond
		}
		if ch.RateBurst == 0 {
			ch.RateBurst = constants.DefaultRateLimitBurst
		}
	}

	// Price defaults
	if c.Price.Source == "" {
		c.Price.Source = "none"
	}
	if c.Price.Contract.Timeout == 0 {
		c.Price.Contract.Timeout = constants.DefaultRPCTimeout
	}
	if c.Price.RepriceInterval == 0 {
		c.Price.RepriceInterval = constants.DefaultRepriceInterval
	}
	if c.Price.RepriceBatch == 0 {
		c.Price.RepriceBatch = constants.DefaultRepriceBatch
	}

	// Publisher defaults
	if c.Publisher.Type == "" {
		c.Publisher.Type = "local"
	}
	if c.Publisher.QueueSize == 0 {
		c.Publisher.QueueSize = constants.DefaultPublishQueueSize
	}
	if c.Publisher.Workers == 0 {
		c.Publisher.Workers = constants.DefaultPublishWorkers
	}
	if c.Publisher.MaxAttempts == 0 {
		c.Publisher.MaxAttempts = constants.DefaultPublishMaxAttempts
	}
	if c.Publisher.RetryDelay == 0 {
		c.Publisher.RetryDelay = constants.DefaultPublishRetryDelay
	}
	if c.Publisher.Local.BufferSize == 0 {
		c.Publisher.Local.BufferSize = constants.DefaultFactBufferSize
	}
	if c.Publisher.Kafka.Topic == "" {
		c.Publisher.Kafka.Topic = "ledger-facts"
	}
	if c.Publisher.Kafka.Compression == "" {
		c.Publisher.Kafka.Compression = "snappy"
	}
	if c.Publisher.Kafka.RequiredAcks == 0 {
		c.Publisher.Kafka.RequiredAcks = -1
	}
	if c.Publisher.Kafka.BatchTimeout == 0 {
		c.Publisher.Kafka.BatchTimeout = 5 * time.Millisecond
	}
	if c.Publisher.Redis.Channel == "" {
		c.Publisher.Redis.Channel = "ledger:facts"
	}
	if c.Publisher.NATS.Stream == "" {
		c.Publisher.NATS.Stream = "LEDGER_FACTS"
	}
	if c.Publisher.NATS.Subject == "" {
		c.Publisher.NATS.Subject = "ledger.facts"
	}
	if c.Publisher.NATS.MaxAge == 0 {
		c.Publisher.NATS.MaxAge = 24 * time.Hour
	}

	// Ops defaults
	if c.Ops.Host == "" {
		c.Ops.Host = constants.DefaultOpsHost
	}
	if c.Ops.Port == 0 {
		c.Ops.Port = constants.DefaultOpsPort
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	// Database configuration
	if path := os.Getenv("LEDGER_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if readonly := os.Getenv("LEDGER_DB_READONLY"); readonly != "" {
		val, err := strconv.ParseBool(readonly)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_DB_READONLY: %w", err)
		}
		c.Database.ReadOnly = val
	}
	if cacheSize := os.Getenv("LEDGER_DB_CACHE_SIZE"); cacheSize != "" {
		val, err := strconv.Atoi(cacheSize)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_DB_CACHE_SIZE: %w", err)
		}
		c.Database.CacheSize = val
	}

	// Log configuration
	if level := os.Getenv("LEDGER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LEDGER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// Price configuration
	if source := os.Getenv("LEDGER_PRICE_SOURCE"); source != "" {
		c.Price.Source = source
	}
	if addr := os.Getenv("LEDGER_PRICE_ORACLE_ADDRESS"); addr != "" {
		c.Price.Contract.Address = addr
	}

	// Publisher configuration
	if pubType := os.Getenv("LEDGER_PUBLISHER_TYPE"); pubType != "" {
		c.Publisher.Type = pubType
	}
	if brokers := os.Getenv("LEDGER_KAFKA_BROKERS"); brokers != "" {
		list := make([]string, 0)
		for _, b := range strings.Split(brokers, ",") {
			b = strings.TrimSpace(b)
			if b != "" {
				list = append(list, b)
			}
		}
		c.Publisher.Kafka.Brokers = list
	}
	if topic := os.Getenv("LEDGER_KAFKA_TOPIC"); topic != "" {
		c.Publisher.Kafka.Topic = topic
	}
	if addr := os.Getenv("LEDGER_REDIS_ADDR"); addr != "" {
		c.Publisher.Redis.Addr = addr
	}
	if password := os.Getenv("LEDGER_REDIS_PASSWORD"); password != "" {
		c.Publisher.Redis.Password = password
	}
	if url := os.Getenv("LEDGER_NATS_URL"); url != "" {
		c.Publisher.NATS.URL = url
	}

	// Ops configuration
	if enabled := os.Getenv("LEDGER_OPS_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_OPS_ENABLED: %w", err)
		}
		c.Ops.Enabled = val
	}
	if host := os.Getenv("LEDGER_OPS_HOST"); host != "" {
		c.Ops.Host = host
	}
	if port := os.Getenv("LEDGER_OPS_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_OPS_PORT: %w", err)
		}
		c.Ops.Port = val
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if len(c.EnabledChains()) == 0 {
		return fmt.Errorf("at least one enabled chain is required")
	}

	seenIDs := make(map[string]bool)
	seenChainIDs := make(map[uint64]bool)
	for _, ch := range c.Chains {
		if ch.ID == "" {
			return fmt.Errorf("chain id is required")
		}
		if seenIDs[ch.ID] {
			return fmt.Errorf("duplicate chain id %q", ch.ID)
		}
		seenIDs[ch.ID] = true

		if !ch.Enabled {
			continue
		}
		if ch.ChainID == 0 {
			return fmt.Errorf("chain %q: chain_id is required", ch.ID)
		}
		if seenChainIDs[ch.ChainID] {
			return fmt.Errorf("chain %q: duplicate chain_id %d", ch.ID, ch.ChainID)
		}
		seenChainIDs[ch.ChainID] = true

		if ch.RPCEndpoint == "" {
			return fmt.Errorf("chain %q: rpc_endpoint is required", ch.ID)
		}
		if len(ch.Contracts) == 0 {
			return fmt.Errorf("chain %q: at least one watched contract is required", ch.ID)
		}
		for _, addr := range ch.Contracts {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("chain %q: invalid contract address %q", ch.ID, addr)
			}
		}
		if ch.ConfirmationDepth == 0 {
			return fmt.Errorf("chain %q: confirmation_depth must be positive", ch.ID)
		}
		if ch.MaxReorgDepth < ch.ConfirmationDepth {
			return fmt.Errorf("chain %q: max_reorg_depth must be at least confirmation_depth", ch.ID)
		}
		if ch.FetchWindow < constants.MinFetchWindow || ch.FetchWindow > constants.MaxFetchWindow {
			return fmt.Errorf("chain %q: fetch_window must be in [%d, %d]",
				ch.ID, constants.MinFetchWindow, constants.MaxFetchWindow)
		}
	}

	for _, tok := range c.Tokens {
		if !common.IsHexAddress(tok.Address) {
			return fmt.Errorf("token %q: invalid address %q", tok.Symbol, tok.Address)
		}
		if tok.Symbol == "" {
			return fmt.Errorf("token %s: symbol is required", tok.Address)
		}
	}

	validPriceSources := map[string]bool{
		"none":     true,
		"static":   true,
		"contract": true,
	}
	if !validPriceSources[c.Price.Source] {
		return fmt.Errorf("invalid price source %q, must be one of: none, static, contract", c.Price.Source)
	}
	if c.Price.Source == "contract" && !common.IsHexAddress(c.Price.Contract.Address) {
		return fmt.Errorf("contract price source requires a valid oracle address")
	}

	validPublisherTypes := map[string]bool{
		"local":  true,
		"kafka":  true,
		"redis":  true,
		"nats":   true,
		"fanout": true,
	}
	if !validPublisherTypes[c.Publisher.Type] {
		return fmt.Errorf("invalid publisher type %q, must be one of: local, kafka, redis, nats, fanout", c.Publisher.Type)
	}
	if c.Publisher.QueueSize <= 0 {
		return fmt.Errorf("publisher queue size must be positive")
	}
	if c.Publisher.Workers <= 0 {
		return fmt.Errorf("publisher worker count must be positive")
	}
	needKafka := c.Publisher.Type == "kafka"
	needRedis := c.Publisher.Type == "redis"
	needNATS := c.Publisher.Type == "nats"
	if c.Publisher.Type == "fanout" {
		// Fanout delivers to every sink with connection settings present.
		needKafka = len(c.Publisher.Kafka.Brokers) > 0
		needRedis = c.Publisher.Redis.Addr != ""
		needNATS = c.Publisher.NATS.URL != ""
	}
	if needKafka && len(c.Publisher.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka publisher enabled but no brokers configured")
	}
	if needKafka && c.Publisher.Kafka.Topic == "" {
		return fmt.Errorf("kafka publisher enabled but no topic configured")
	}
	if needRedis && c.Publisher.Redis.Addr == "" {
		return fmt.Errorf("redis publisher enabled but no address configured")
	}
	if needNATS && c.Publisher.NATS.URL == "" {
		return fmt.Errorf("nats publisher enabled but no url configured")
	}

	if c.Ops.Enabled {
		if c.Ops.Port < constants.MinPort || c.Ops.Port > constants.MaxPort {
			return fmt.Errorf("ops port must be in [%d, %d]", constants.MinPort, constants.MaxPort)
		}
	}

	return nil
}

// EnabledChains returns the chains marked enabled.
func (c *Config) EnabledChains() []ChainConfig {
	chains := make([]ChainConfig, 0, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.Enabled {
			chains = append(chains, ch)
		}
	}
	return chains
}

// ChainByID returns the chain config with the given numeric chain id.
func (c *Config) ChainByID(chainID uint64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// Load loads configuration in the following order:
// 1. Load from file (if provided)
// 2. Load from environment variables (override file)
// 3. Set defaults for missing values
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
