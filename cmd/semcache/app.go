package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/maqeel75/semcache/pkg/config"
	"github.com/maqeel75/semcache/pkg/engine"
	"github.com/maqeel75/semcache/pkg/ledger"
	"github.com/maqeel75/semcache/pkg/metrics"
	"github.com/maqeel75/semcache/pkg/settings"
	"github.com/maqeel75/semcache/pkg/store"
	"github.com/maqeel75/semcache/pkg/store/memory"
	storeredis "github.com/maqeel75/semcache/pkg/store/redis"
	"github.com/maqeel75/semcache/pkg/store/sqlite"
)

// app is the fully wired cache one command runs against.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    store.Store
	ledger   *ledger.SQLiteLedger
	persist  *settings.SQLitePersister
	engine   *engine.Engine
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp loads the config at path and opens every component. Callers must
// Close the returned app.
func openApp(ctx context.Context, path string, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: cfg.Log.Logger(logOut)}

	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	var err error
	a.store, err = openStore(ctx, a.cfg.Store, a.cfg.DBPath)
	if err != nil {
		return err
	}

	a.ledger, err = ledger.New(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}

	a.persist, err = settings.NewSQLite(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init settings: %w", err)
	}
	cfgStore, err := settings.New(ctx, a.cfg.Cache.Seeds(), a.persist)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	a.engine, err = engine.New(ctx, engine.Options{
		Store:    a.store,
		Ledger:   a.ledger,
		Settings: cfgStore,
		Logger:   a.log,
		Observer: a.metrics,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	a.registry.MustRegister(metrics.NewStatsCollector(a.engine, a.log))
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, dbPath string) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return storeredis.New(client, storeredis.WithKeyPrefix(cfg.Redis.KeyPrefix)), nil
	default:
		s, err := sqlite.New(dbPath, sqlite.WithVectorCacheSize(cfg.VectorCacheSize))
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		return s, nil
	}
}

// Close stops the engine and closes the stores it used, in reverse order of
// opening.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.persist != nil {
		errs = append(errs, a.persist.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// withApp opens the app for one short command and closes it afterwards.
func withApp(cmd *cobra.Command, path string, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, path, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}
