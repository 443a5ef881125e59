package main

import (
	"context"
	"errors"
	"maps"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maqeel75/semcache/pkg/config"
	"github.com/maqeel75/semcache/pkg/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var (
		listen string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with background auto-eviction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && *configPath == "" {
				return errors.New("--watch needs --config")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if listen != "" {
				a.cfg.Listen = listen
			}
			if watch {
				if err := config.Watch(ctx, *configPath, a.log, func(cfg *config.Config) {
					applySeeds(ctx, a, cfg.Cache.Seeds())
				}); err != nil {
					return err
				}
			}

			a.engine.Start()
			srv := server.New(a.engine, server.Options{
				Listen:      a.cfg.Listen,
				MetricsPath: a.cfg.MetricsPath,
				Metrics:     a.metrics,
				Gatherer:    a.registry,
				Logger:      a.log,
			})

			kind, dim, n := a.engine.IndexInfo()
			a.log.Info("starting semcache",
				"version", version,
				"listen", a.cfg.Listen,
				"backend", a.cfg.Store.Backend,
				"index_kind", string(kind),
				"dimension", dim,
				"entries", n)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides the config file)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload cache settings when the config file changes")
	return cmd
}

// applySeeds pushes reloaded cache settings into the running engine.
func applySeeds(ctx context.Context, a *app, seeds map[string]string) {
	for _, key := range slices.Sorted(maps.Keys(seeds)) {
		if err := a.engine.SetConfig(ctx, key, seeds[key]); err != nil {
			a.log.Error("apply reloaded setting failed", "key", key, "error", err)
		}
	}
}
