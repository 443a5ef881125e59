package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/maqeel75/semcache/pkg/ledger"
	"github.com/maqeel75/semcache/pkg/models"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatsCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				stats, err := a.engine.Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), stats)
				}
				kind, dim, _ := a.engine.IndexInfo()
				return printStats(cmd.OutOrStdout(), stats, string(kind), dim)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStats(out io.Writer, s models.Stats, kind string, dim int) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Entries:\t%d\n", s.Entries)
	fmt.Fprintf(w, "Size:\t%.2f MB\n", s.SizeMB)
	fmt.Fprintf(w, "Avg entry:\t%.2f KB\n", s.AvgEntryKB)
	fmt.Fprintf(w, "Hits:\t%d\n", s.Hits)
	fmt.Fprintf(w, "Misses:\t%d\n", s.Misses)
	fmt.Fprintf(w, "Hit rate:\t%.2f%%\n", s.HitRatePct)
	fmt.Fprintf(w, "Evictions:\t%d\n", s.Evictions)
	fmt.Fprintf(w, "Cost saved:\t$%.4f\n", s.TotalCostSaved)
	fmt.Fprintf(w, "Index:\t%s (dim %d)\n", kind, dim)
	return w.Flush()
}

func newCostCmd(configPath *string) *cobra.Command {
	var (
		days   int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Show hit rate and cost saved over a recent window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				report, err := a.engine.CostReport(ctx, days)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				return printCostReport(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", ledger.DefaultWindowDays, "report window in days")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printCostReport(out io.Writer, r models.CostReport) error {
	if r.TotalQueries == 0 {
		_, err := fmt.Fprintf(out, "No lookups in the last %d days.\n", r.WindowDays)
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Window:\t%d days\n", r.WindowDays)
	fmt.Fprintf(w, "Queries:\t%d\n", r.TotalQueries)
	fmt.Fprintf(w, "Hits:\t%d\n", r.Hits)
	fmt.Fprintf(w, "Misses:\t%d\n", r.Misses)
	fmt.Fprintf(w, "Hit rate:\t%.2f%%\n", r.HitRatePct)
	fmt.Fprintf(w, "Cost saved:\t$%.4f\n", r.TotalCostSaved)
	fmt.Fprintf(w, "Avg cost per hit:\t$%.4f\n", r.AvgCostPerHit)
	fmt.Fprintf(w, "Cost without cache:\t$%.4f\n", r.TotalCostIfNoCache)
	return w.Flush()
}
