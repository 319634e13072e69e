package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"poolsync/internal/batch"
	"poolsync/internal/chain"
	"poolsync/internal/config"
	"poolsync/internal/events"
	"poolsync/internal/graph"
	"poolsync/internal/metrics"
	"poolsync/internal/model"
	"poolsync/internal/reconcile"
	"poolsync/internal/snapshot"
	"poolsync/internal/storage"
	"poolsync/internal/storage/leveldb"
	"poolsync/internal/storage/postgres"
	"poolsync/internal/storage/redis"
)

func main() {
	root := &cobra.Command{
		Use:          "poolsync",
		Short:        "Privacy pool event reconciler",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Bring event streams up to the chain head",
		RunE:  runSync,
	}
	addStoreFlags(syncCmd.Flags())
	syncCmd.Flags().String("rpc", "", "RPC URL")
	syncCmd.Flags().Uint64("chain-id", 0, "expected chain id of the RPC (0 skips the check)")
	syncCmd.Flags().String("subgraph", "", "subgraph GraphQL endpoint (optional)")
	syncCmd.Flags().Int("subgraph-page", graph.DefaultPageSize, "rows per subgraph page")
	syncCmd.Flags().String("snapshot", "", "snapshot archive base URL (optional)")
	syncCmd.Flags().Int("concurrency", 10, "chunks fetched concurrently")
	syncCmd.Flags().Int("batch-size", 10, "calls per JSON-RPC batch")
	syncCmd.Flags().Uint64("window-size", batch.DefaultWindowSize, "blocks per eth_getLogs window")
	syncCmd.Flags().Int("max-retries", 5, "attempts per chunk")
	syncCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "delay between attempts")
	syncCmd.Flags().Bool("degrade-failed-windows", true, "skip log windows that fail every attempt and resync them later")
	syncCmd.Flags().StringSlice("stream", nil, "only sync these streams (comma-separated)")
	syncCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	syncCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(syncCmd)

	root.AddCommand(newTreeCmd())
	root.AddCommand(newEventsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addStoreFlags(flags *pflag.FlagSet) {
	flags.String("store", config.StoreFile, "event store (file, leveldb, postgres, redis)")
	flags.String("data-dir", "./data", "directory of the file store")
	flags.String("leveldb-path", "./data/events.ldb", "leveldb directory")
	flags.String("pg-dsn", "", "Postgres DSN")
	flags.String("redis-addr", "127.0.0.1:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	streams := cfg.Selected()
	if len(streams) == 0 {
		return fmt.Errorf("no streams configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()
	if err := chainClient.CheckChainID(ctx, cfg.ChainID); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var indexer reconcile.Indexer
	if cfg.SubgraphURL != "" {
		client, err := graph.NewClient(cfg.SubgraphURL,
			graph.WithPageSize(cfg.SubgraphPage),
			graph.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		indexer = client
	}

	var snapshots reconcile.SnapshotSource
	if cfg.SnapshotURL != "" {
		fetcher, err := snapshot.NewFetcher(cfg.SnapshotURL,
			snapshot.WithDigests(cfg.SnapshotDigests),
			snapshot.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		snapshots = fetcher
	}

	batchCfg := batch.Config{
		ConcurrencySize: cfg.Concurrency,
		BatchSize:       cfg.BatchSize,
		ShouldRetry:     cfg.MaxRetries > 1,
		RetryMax:        cfg.MaxRetries,
		RetryOn:         cfg.RetryBackoff,
	}

	policies := make([]reconcile.Policy, 0, len(streams))
	for _, s := range streams {
		formatter, err := events.NewFormatter(s.KindValue(), chainClient, batchCfg)
		if err != nil {
			return fmt.Errorf("stream %s: %w", s.Name, err)
		}
		policies = append(policies, reconcile.Policy{
			Stream:               streamFromConfig(s),
			Store:                store,
			Snapshot:             snapshots,
			Indexer:              indexer,
			Logs:                 chainClient,
			Head:                 chainClient,
			Formatter:            formatter,
			Batch:                batchCfg,
			WindowSize:           cfg.WindowSize,
			DegradeFailedWindows: cfg.DegradeFailedWindows,
		})
	}

	opts := []reconcile.Option{reconcile.WithProgress(func(p model.Progress) {
		logger.Debug("sync progress",
			zap.Float64("percent", p.Percentage),
			zap.Uint64("from", p.FromBlock),
			zap.Uint64("to", p.ToBlock),
			zap.Int("logs", p.Count),
		)
	})}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, reconcile.WithObserver(metrics.New(reg)))
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg, logger); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("sync start",
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.String("store", cfg.Store),
		zap.Int("streams", len(policies)),
		zap.Bool("subgraph", indexer != nil),
		zap.Bool("snapshot", snapshots != nil),
		zap.Uint64("window_size", cfg.WindowSize),
	)

	results := reconcile.NewService(logger, opts...).SyncAll(ctx, policies)
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		cursor, _ := r.Set.Cursor()
		logger.Info("stream synced",
			zap.String("stream", r.Stream),
			zap.Int("events", len(r.Set.Events)),
			zap.Uint64("cursor", cursor),
		)
	}
	return reconcile.Failed(results)
}

func streamFromConfig(s config.StreamConfig) reconcile.Stream {
	return reconcile.Stream{
		Name:            s.Name,
		Kind:            s.KindValue(),
		Addresses:       s.ContractAddresses(),
		DeploymentBlock: s.DeploymentBlock,
		IndexerWhere:    s.Where,
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.EventStore, func(), error) {
	switch cfg.Store {
	case config.StoreLevelDB:
		store, err := leveldb.Open(cfg.LevelDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open leveldb: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case config.StorePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, store.Close, nil
	case config.StoreRedis:
		store, err := redis.NewStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return storage.NewFileStore(cfg.DataDir), func() {}, nil
	}
}

func findStream(cfg config.Config, name string) (config.StreamConfig, error) {
	for _, s := range cfg.Streams {
		if s.Name == name {
			return s, nil
		}
	}
	return config.StreamConfig{}, fmt.Errorf("unknown stream: %s", name)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
