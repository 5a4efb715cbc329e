package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loom/pkg/blobstore"
	"loom/pkg/component"
	"loom/pkg/config"
	"loom/pkg/limits"
	"loom/pkg/logstore"
	"loom/pkg/metrics"
	"loom/pkg/oplog"
	"loom/pkg/promise"
	"loom/pkg/protocol"
	"loom/pkg/shard"
	"loom/pkg/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite" // SQLite driver
)

// newServeCmd creates the "loom serve" subcommand.
func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an executor node",
		Long:  "Opens the journal store, recovers workers on demand and serves\nPrometheus metrics until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, newEngine())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "loom.yaml", "path to the node configuration file")
	return cmd
}

// loadConfig reads the configuration file. A missing file is only an
// error when the operator pointed at one explicitly.
func loadConfig(path string, explicit bool) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// node bundles the services a running executor owns.
type node struct {
	db         *sql.DB
	blobs      blobstore.Store
	promises   *promise.Registry
	limiter    *limits.Limiter
	components *component.DirStore
	cache      *worker.ActiveWorkers
	registry   *prometheus.Registry
}

func runServe(ctx context.Context, cfg config.Config, engine worker.Engine) error {
	logger := buildLogger(cfg.Log)

	n, err := buildNode(ctx, cfg, engine, logger)
	if err != nil {
		return err
	}
	defer n.shutdown(logger)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(n.registry))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}

	logger.Info("node started",
		"journal", cfg.Storage.Path,
		"blob_backend", cfg.Blobs.Backend,
		"components", cfg.Components.Dir,
		"limits_mode", cfg.Limits.Mode,
		"shard_count", cfg.Shard.Count)

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildNode(ctx context.Context, cfg config.Config, engine worker.Engine, logger *slog.Logger) (*node, error) {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	db, err := openDatabase(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	store := logstore.NewSQLiteStore(db)

	blobs, err := buildBlobStore(ctx, cfg.Blobs)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log := oplog.New(oplog.Config{InlineThreshold: cfg.Blobs.InlineThreshold}, store, blobs, logger, collector)
	promises := promise.NewRegistry(db, logger)

	limiter := limits.New(
		limits.Config{ReconcileInterval: cfg.Limits.ReconcileInterval.Std()},
		buildLimitsClient(cfg.Limits), logger, collector)

	components, err := component.NewDirStore(cfg.Components.Dir, logger)
	if err != nil {
		limiter.Close()
		_ = db.Close()
		return nil, err
	}

	shards := &shard.StaticSource{Assignment: shardAssignment(cfg.Shard)}

	workerCfg := worker.Config{
		Retry:          cfg.Workers.Retry.Policy(),
		QueueSize:      cfg.Workers.QueueSize,
		InvocationFuel: cfg.Workers.InvocationFuel,
	}
	factory := recoveryFactory(workerCfg, worker.Deps{
		Log:        log,
		Blobs:      blobs,
		Engine:     engine,
		Components: components,
		Promises:   promises,
		Logger:     logger,
		Collector:  collector,
	}, limiter)

	cache := worker.NewActiveWorkers(worker.CacheConfig{
		Capacity:        cfg.Workers.CacheCapacity,
		IdleTimeout:     cfg.Workers.IdleTimeout.Std(),
		JanitorInterval: cfg.Workers.JanitorInterval.Std(),
	}, factory, shards, logger, collector)

	return &node{
		db:         db,
		blobs:      blobs,
		promises:   promises,
		limiter:    limiter,
		components: components,
		cache:      cache,
		registry:   registry,
	}, nil
}

// recoveryFactory rebuilds workers from their journals on demand. The
// owning account comes from the journal's create entry, so the factory
// refuses workers that were never created on this node.
func recoveryFactory(cfg worker.Config, deps worker.Deps, limiter *limits.Limiter) worker.Factory {
	return func(ctx context.Context, id protocol.WorkerID) (*worker.Context, error) {
		entries, err := deps.Log.Read(ctx, id, protocol.FirstOplogIndex, protocol.FirstOplogIndex)
		if err != nil {
			return nil, fmt.Errorf("read journal head for %s: %w", id, err)
		}
		if len(entries) == 0 || entries[0].Entry.Kind != protocol.EntryCreate {
			return nil, fmt.Errorf("worker %s has no journal on this node", id)
		}

		account := entries[0].Entry.Account
		handle, err := limiter.InitializeAccount(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("initialize account %s: %w", account, err)
		}
		deps.Limiter = handle

		c := worker.NewContext(id, account, cfg, deps)
		if err := c.Recover(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return db, nil
}

func buildBlobStore(ctx context.Context, cfg config.BlobConfig) (blobstore.Store, error) {
	switch cfg.Backend {
	case config.BlobBackendFS:
		return blobstore.NewFS(cfg.Root)
	case config.BlobBackendS3:
		return blobstore.NewS3(ctx, cfg.S3)
	case config.BlobBackendMemory:
		return blobstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

func buildLimitsClient(cfg config.LimitsConfig) limits.RegistryClient {
	switch cfg.Mode {
	case config.LimitsStatic:
		return limits.Static{Limits: cfg.Static}
	case config.LimitsRemote:
		return limits.NewRemoteClient(cfg.Endpoint, cfg.RequestTimeout.Std())
	default:
		return limits.Disabled{}
	}
}

func shardAssignment(cfg config.ShardConfig) shard.Assignment {
	owned := make(map[protocol.ShardID]struct{}, len(cfg.Owned))
	for _, id := range cfg.Owned {
		owned[protocol.ShardID(id)] = struct{}{}
	}
	return shard.Assignment{ShardCount: cfg.Count, Owned: owned}
}

func (n *node) shutdown(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := n.cache.Close(ctx); err != nil {
		logger.Warn("worker cache shutdown", "error", err)
	}
	if err := n.limiter.Close(); err != nil {
		logger.Warn("limiter shutdown", "error", err)
	}
	if err := n.components.Close(); err != nil {
		logger.Warn("component store shutdown", "error", err)
	}
	if err := n.promises.Close(); err != nil {
		logger.Warn("promise registry shutdown", "error", err)
	}
	if closer, ok := n.blobs.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := n.db.Close(); err != nil {
		logger.Warn("journal store shutdown", "error", err)
	}
}
