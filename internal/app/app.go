// Package app wires the configured store, engine, aggregator and executor
// together for the server and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"transithub/internal/config"
	"transithub/internal/db"
	"transithub/internal/engine"
	"transithub/internal/executor"
	"transithub/internal/hub"
	"transithub/internal/observability"
	"transithub/internal/store"
	"transithub/internal/store/memory"
	"transithub/internal/store/postgres"
	"transithub/internal/store/sqlite"
	"transithub/internal/worker"
)

type App struct {
	Config     *config.Config
	Store      store.Store
	Engine     engine.Engine
	Aggregator hub.Aggregator
	Executor   executor.Executor
	Logger     *zap.Logger
	Metrics    *observability.Metrics

	closers []func() error
}

// Open builds every component from cfg. reg may be nil when metrics are not
// exported, as in one-shot CLI commands.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	if reg != nil {
		a.Metrics = observability.InitMetrics(reg)
	}

	st, countDB, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)
	if countDB != nil {
		a.closers = append(a.closers, countDB.Close)
	}

	a.Engine = engine.New(st, cfg).WithObservability(logger, a.Metrics)
	a.Executor = webhookExecutor(cfg)

	a.Aggregator = hub.Aggregator{
		Store:         st,
		CacheTTL:      cfg.CacheTTL(),
		ActivityLimit: cfg.Hub.ActivityLimit,
		Logger:        logger,
		Metrics:       a.Metrics,
	}
	if sqlDB, ok := st.(*sqlite.Store); ok && countDB == nil {
		countDB = sqlDB.DB
	}
	for _, src := range cfg.Hub.Sources {
		if countDB == nil {
			_ = a.Close()
			return nil, fmt.Errorf("hub source %s needs a sql store driver, not %s", src.Name, cfg.Store.Driver)
		}
		a.Aggregator.Extra = append(a.Aggregator.Extra, hub.SQLCountSource{SourceName: src.Name, Query: src.Query, DB: countDB})
	}
	if cfg.Hub.RedisURL != "" {
		client, err := hub.DialRedis(ctx, cfg.Hub.RedisURL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.Aggregator.Cache = hub.NewRedisCache(client)
	}
	logger.Info("hub opened",
		zap.String("store", cfg.Store.Driver),
		zap.Int("extra_sources", len(a.Aggregator.Extra)),
		zap.Bool("summary_cache", a.Aggregator.Cache != nil))
	return a, nil
}

// openStore returns the store and, for postgres, a database/sql handle over
// the same pool for count queries.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *sql.DB, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.New(), nil, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, stdlib.OpenDBFromPool(st.Pool()), nil
	default:
		st, err := sqlite.Open(ctx, db.Config{Workspace: cfg.Store.Workspace, DSN: cfg.Store.DSN})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil, nil
	}
}

func webhookExecutor(cfg *config.Config) executor.Webhook {
	dests := make(map[string]executor.Destination, len(cfg.Destinations))
	for area, d := range cfg.Destinations {
		dests[area] = executor.Destination{
			URL:     d.URL,
			Secret:  d.Secret,
			Timeout: time.Duration(d.TimeoutSeconds) * time.Second,
		}
	}
	return executor.Webhook{Destinations: dests}
}

// Worker returns the job runner configured for this app. An empty owner
// falls back to config, then to host and pid.
func (a *App) Worker(owner string) worker.Worker {
	if owner == "" {
		owner = a.Config.Worker.Owner
	}
	if owner == "" {
		owner = DefaultOwner()
	}
	return worker.Worker{
		Engine:   a.Engine,
		Executor: a.Executor,
		Owner:    owner,
		Interval: a.Config.WorkerInterval(),
		Batch:    a.Config.Worker.Batch,
		Logger:   a.Logger.With(zap.String("owner", owner)),
	}
}

// DefaultOwner names a lease owner after this process.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hub"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// Close releases everything Open acquired, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
