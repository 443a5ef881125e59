package mcp

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/maqeel75/semcache/pkg/engine"
	"github.com/maqeel75/semcache/pkg/models"
)

// formatLookup describes a lookup outcome followed by the cached payload.
func formatLookup(res engine.LookupResult) string {
	if !res.Hit {
		return "Cache miss."
	}
	return fmt.Sprintf("Cache hit: entry %d (similarity %.4f, age %.0fs)\nQuery: %s\nPayload: %s",
		res.EntryID, res.Similarity, res.AgeSeconds, res.QueryText, res.Payload)
}

// formatStats formats cache stats as text.
func formatStats(s models.Stats) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:    %d\n"+
		"  Size:       %.2f MB (avg %.2f KB)\n"+
		"  Hits:       %d\n"+
		"  Misses:     %d\n"+
		"  Hit Rate:   %.2f%%\n"+
		"  Evictions:  %d\n"+
		"  Cost Saved: $%.4f\n",
		s.Entries, s.SizeMB, s.AvgEntryKB, s.Hits, s.Misses, s.HitRatePct, s.Evictions, s.TotalCostSaved)
}

// formatCostReport formats a cost report as text.
func formatCostReport(r models.CostReport) string {
	if r.TotalQueries == 0 {
		return fmt.Sprintf("No lookups in the last %d days.", r.WindowDays)
	}
	return fmt.Sprintf("Cost Report (last %d days)\n"+
		"  Queries:       %d (%d hits, %d misses)\n"+
		"  Hit Rate:      %.2f%%\n"+
		"  Cost Saved:    $%.4f\n"+
		"  Avg Cost/Hit:  $%.4f\n"+
		"  Without Cache: $%.4f\n",
		r.WindowDays, r.TotalQueries, r.Hits, r.Misses, r.HitRatePct,
		r.TotalCostSaved, r.AvgCostPerHit, r.TotalCostIfNoCache)
}

// formatConfig lists settings sorted by key.
func formatConfig(cfg map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(cfg)) {
		fmt.Fprintf(&b, "%-32s %s\n", k, cfg[k])
	}
	return b.String()
}
