package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maqeel75/semcache/pkg/index"
)

func newEvictCmd(configPath *string) *cobra.Command {
	var (
		policy   string
		keep     int64
		budgetMB int64
	)

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Run an eviction policy once",
		Long: `Run an eviction policy once.

  expired  remove entries past their expiry
  auto     sweep expired entries, then apply the configured policy if over budget
  lru      keep the --keep most recently used entries, or shrink to --budget-mb
  lfu      keep the --keep most frequently used entries`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keepSet := cmd.Flags().Changed("keep")
			budgetSet := cmd.Flags().Changed("budget-mb")

			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				var (
					n   int64
					err error
				)
				switch policy {
				case "expired":
					n, err = a.engine.EvictExpired(ctx)
				case "auto":
					n, err = a.engine.AutoEvict(ctx)
				case "lru":
					switch {
					case keepSet == budgetSet:
						return errors.New("lru needs exactly one of --keep and --budget-mb")
					case keepSet:
						n, err = a.engine.EvictLRU(ctx, keep)
					default:
						n, err = a.engine.EvictLRUBudget(ctx, budgetMB)
					}
				case "lfu":
					if !keepSet {
						return errors.New("lfu needs --keep")
					}
					n, err = a.engine.EvictLFU(ctx, keep)
				default:
					return fmt.Errorf("unknown policy %q (use expired, auto, lru or lfu)", policy)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d entries (%s).\n", n, policy)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&policy, "policy", "expired", "expired, auto, lru or lfu")
	cmd.Flags().Int64Var(&keep, "keep", 0, "entries to keep (lru, lfu)")
	cmd.Flags().Int64Var(&budgetMB, "budget-mb", 0, "size budget in MB (lru)")
	return cmd
}

func newClearCmd(configPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache entry and reset the counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear the cache without --yes")
			}
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				n, err := a.engine.Clear(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d entries.\n", n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm clearing the cache")
	return cmd
}

func newInvalidateCmd(configPath *string) *cobra.Command {
	var pattern, tag string

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Remove entries by query text pattern or tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				n, err := a.engine.Invalidate(ctx, pattern, tag)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d entries.\n", n)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "", "SQL LIKE pattern over query text (% and _ wildcards)")
	cmd.Flags().StringVar(&tag, "tag", "", "tag to invalidate")
	cmd.MarkFlagsMutuallyExclusive("pattern", "tag")
	cmd.MarkFlagsOneRequired("pattern", "tag")
	return cmd
}

func newRebuildCmd(configPath *string) *cobra.Command {
	var (
		dim  int
		kind string
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the similarity index, optionally with a new kind or dimension",
		Long: `Rebuild the similarity index from the stored entries.

Entries whose embedding does not match the dimension are deleted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				curKind, curDim, _ := a.engine.IndexInfo()
				if dim == 0 {
					dim = curDim
				}
				k := curKind
				if kind != "" {
					var err error
					if k, err = index.ParseKind(kind); err != nil {
						return err
					}
				}

				removed, err := a.engine.RebuildIndex(ctx, dim, k)
				if err != nil {
					return err
				}
				_, _, n := a.engine.IndexInfo()
				fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %s index (dim %d): %d entries, %d removed.\n", k, dim, n, removed)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&dim, "dim", 0, "vector dimension (default: current)")
	cmd.Flags().StringVar(&kind, "kind", "", "flat, ivfflat or hnsw (default: current)")
	return cmd
}

func newReconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute the aggregate counters from the store and the access ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				if err := a.engine.Reconcile(ctx); err != nil {
					return err
				}
				stats, err := a.engine.Stats(ctx)
				if err != nil {
					return err
				}
				kind, dim, _ := a.engine.IndexInfo()
				return printStats(cmd.OutOrStdout(), stats, string(kind), dim)
			})
		},
	}
}
