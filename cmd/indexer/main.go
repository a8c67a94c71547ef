package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/chain"
	"github.com/fundback/ledger-indexer/confirm"
	"github.com/fundback/ledger-indexer/events"
	"github.com/fundback/ledger-indexer/fetch"
	"github.com/fundback/ledger-indexer/internal/config"
	"github.com/fundback/ledger-indexer/internal/constants"
	"github.com/fundback/ledger-indexer/internal/logger"
	"github.com/fundback/ledger-indexer/ledger"
	"github.com/fundback/ledger-indexer/ops"
	"github.com/fundback/ledger-indexer/pipeline"
	"github.com/fundback/ledger-indexer/pkg/price"
	"github.com/fundback/ledger-indexer/publish"
	"github.com/fundback/ledger-indexer/storage"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	// Define command-line flags
	var (
		configFile   = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion  = flag.Bool("version", false, "Show version information and exit")
		dbPath       = flag.String("db", "", "Database path")
		logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat    = flag.String("log-format", "", "Log format (json, console)")
		rebuildStats = flag.Bool("rebuild-stats", false, "Rebuild aggregates from stored entries and exit")

		// Ops server flags
		enableOps = flag.Bool("ops", false, "Enable the operational HTTP server")
		opsHost   = flag.String("ops-host", "", "Ops server host")
		opsPort   = flag.Int("ops-port", 0, "Ops server port")
	)

	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		fmt.Printf("ledger-indexer version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Override config with command-line flags
	applyFlags(cfg, *dbPath, *logLevel, *logFormat)
	applyOpsFlags(cfg, *enableOps, *opsHost, *opsPort)

	// Fill defaults and validate after flags are in
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Log startup information
	log.Info("starting ledger indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("db_path", cfg.Database.Path),
		zap.Int("chains", len(cfg.EnabledChains())),
		zap.String("price_source", cfg.Price.Source),
		zap.String("publisher", cfg.Publisher.Type),
		zap.Bool("ops", cfg.Ops.Enabled),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize storage
	storageConfig := storage.DefaultConfig(cfg.Database.Path)
	storageConfig.Cache = cfg.Database.CacheSize
	storageConfig.ReadOnly = cfg.Database.ReadOnly
	store, err := storage.NewStore(storageConfig)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	store.SetLogger(log)
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close storage", zap.Error(err))
		}
	}()

	log.Info("storage initialized", zap.String("path", cfg.Database.Path))

	// Build the event surface: watched contracts and token metadata
	registry := buildRegistry(cfg)
	decoder, err := events.NewDecoder(registry)
	if err != nil {
		log.Fatal("failed to build event decoder", zap.Error(err))
	}

	// Build the price source
	prices, closePrices, err := buildPriceSource(ctx, cfg, registry, log)
	if err != nil {
		log.Fatal("failed to build price source", zap.Error(err))
	}
	defer closePrices()

	// Ledger core
	tracker := confirm.NewTracker(store, log)
	reconciler := ledger.NewReconciler(store, decoder, registry, prices, log)

	// Rebuild mode recomputes aggregates from stored entries and exits.
	if *rebuildStats {
		res, err := reconciler.Rebuild(ctx)
		if err != nil {
			log.Fatal("rebuild failed", zap.Error(err))
		}
		log.Info("rebuild complete",
			zap.Int("entries", res.Entries),
			zap.Int("unpriced", res.Unpriced))
		return
	}

	// Outbound fact publisher
	sink, bus, err := publish.NewSink(ctx, cfg.Publisher, log)
	if err != nil {
		log.Fatal("failed to build publisher sink", zap.Error(err))
	}
	queue := publish.NewQueue(sink, cfg.Publisher, log)
	queue.Start()

	log.Info("publisher started",
		zap.String("type", cfg.Publisher.Type),
		zap.Int("queue_size", cfg.Publisher.QueueSize),
		zap.Int("workers", cfg.Publisher.Workers))

	// Ingestion coordinator, one worker per enabled chain
	coord := pipeline.NewCoordinator(store, tracker, reconciler, queue, cfg.Price, log)
	coord.SetMetrics(pipeline.NewMetrics("", ""))
	coord.SetFetchMetrics(fetch.NewMetrics("", ""))

	for _, chainCfg := range cfg.EnabledChains() {
		adapter, err := chain.Dial(ctx, chainCfg, log)
		if err != nil {
			log.Fatal("failed to connect to chain",
				zap.String("chain", chainCfg.ID),
				zap.Error(err))
		}
		defer adapter.Close()

		if err := coord.AddChain(chainCfg, adapter); err != nil {
			log.Fatal("failed to add chain",
				zap.String("chain", chainCfg.ID),
				zap.Error(err))
		}
	}

	// Start ops server if enabled
	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer, err = ops.NewServer(cfg.Ops, log, store, queue, bus)
		if err != nil {
			log.Fatal("failed to create ops server", zap.Error(err))
		}

		go func() {
			if err := opsServer.Start(); err != nil {
				log.Error("ops server failed", zap.Error(err))
			}
		}()
	}

	// Start ingestion
	errChan := make(chan error, 1)
	go func() {
		errChan <- coord.Run(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			log.Error("ingestion stopped with error", zap.Error(err))
		}
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("ingestion stopped with error", zap.Error(err))
		}
		cancel()
	}

	log.Info("shutting down gracefully...")

	// Stop ops server if it was started
	if opsServer != nil {
		if err := opsServer.Stop(context.Background()); err != nil {
			log.Error("failed to stop ops server gracefully", zap.Error(err))
		}
	}

	// Drain outstanding facts
	drainCtx, drainCancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
	if err := queue.Stop(drainCtx); err != nil {
		log.Warn("fact queue drained incompletely", zap.Error(err))
	}
	drainCancel()

	// Final statistics
	states, err := store.ChainStates(context.Background())
	if err != nil {
		log.Warn("failed to read final chain cursors", zap.Error(err))
	}
	for _, st := range states {
		log.Info("final chain cursor",
			zap.Uint64("chain_id", st.ChainID),
			zap.Uint64("last_processed", st.LastProcessed),
			zap.Uint64("last_promoted", st.LastPromoted),
			zap.Bool("halted", st.Halted))
	}

	log.Info("indexer stopped")
}

// loadConfig loads configuration from file and environment variables.
// Defaults and validation run in main after flag overrides are applied.
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &config.Config{}
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, dbPath, logLevel, logFormat string) {
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}

// applyOpsFlags applies ops-related command-line flags to configuration
func applyOpsFlags(cfg *config.Config, enableOps bool, opsHost string, opsPort int) {
	if enableOps {
		cfg.Ops.Enabled = true
	}
	if opsHost != "" {
		cfg.Ops.Host = opsHost
	}
	if opsPort > 0 {
		cfg.Ops.Port = opsPort
	}
}

// buildRegistry loads watched contracts and token metadata from config.
func buildRegistry(cfg *config.Config) *events.Registry {
	registry := events.NewRegistry()
	for _, ch := range cfg.EnabledChains() {
		for _, contract := range ch.Contracts {
			registry.AddContract(ch.ChainID, common.HexToAddress(contract))
		}
	}
	for _, tok := range cfg.Tokens {
		registry.AddToken(tok.ChainID, common.HexToAddress(tok.Address), tok.Symbol, tok.Decimals)
	}
	return registry
}

// buildPriceSource builds the configured price source. The returned
// close function releases any connection the source holds.
func buildPriceSource(ctx context.Context, cfg *config.Config, registry *events.Registry, log *zap.Logger) (price.Source, func(), error) {
	noop := func() {}

	switch cfg.Price.Source {
	case "none":
		return price.NewNoopSource(), noop, nil

	case "static":
		rates := make(map[string]*big.Int, len(cfg.Price.Static))
		for symbol, raw := range cfg.Price.Static {
			rate, ok := new(big.Int).SetString(raw, 10)
			if !ok {
				return nil, nil, fmt.Errorf("invalid static rate %q for token %s", raw, symbol)
			}
			rates[symbol] = rate
		}
		return price.NewStaticSource(registry, rates), noop, nil

	case "contract":
		chainCfg, ok := cfg.ChainByID(cfg.Price.Contract.ChainID)
		if !ok {
			return nil, nil, fmt.Errorf("price oracle chain %d is not a configured chain", cfg.Price.Contract.ChainID)
		}

		dialCtx, cancel := context.WithTimeout(ctx, cfg.Price.Contract.Timeout)
		defer cancel()
		client, err := ethclient.DialContext(dialCtx, chainCfg.RPCEndpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial price oracle chain %d: %w", cfg.Price.Contract.ChainID, err)
		}

		source, err := price.NewContractSource(client, common.HexToAddress(cfg.Price.Contract.Address), log)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return source, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown price source %q", cfg.Price.Source)
	}
}

// initLogger initializes the logger based on configuration
func initLogger(level, format string) (*zap.Logger, error) {
	cfg := logger.Config{
		Level:       level,
		Encoding:    format,
		Development: format == "console",
	}
	return logger.NewWithConfig(&cfg)
}
