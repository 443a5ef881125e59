package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/maqeel75/semcache/pkg/index"
	"github.com/maqeel75/semcache/pkg/models"
	"github.com/maqeel75/semcache/pkg/store"
)

const (
	// MaxEvictBound caps keep counts and MiB budgets.
	MaxEvictBound = 10_000_000
	// evictBatch is how many victims one scan selects.
	evictBatch = 1000
	// budgetFill is the fraction of the budget a size eviction shrinks to.
	budgetFill = 0.8
)

func checkBound(name string, v int64) error {
	if v < 0 || v > MaxEvictBound {
		return models.Validationf("%s %d out of range [0, %d]", name, v, MaxEvictBound)
	}
	return nil
}

// stopFunc reports whether eviction may stop given the projected entry count
// and total size.
type stopFunc func(count, size int64) bool

// evictLocked removes entries in scan order until stop holds or the store
// runs out of candidates. Callers hold e.mu.
func (e *Engine) evictLocked(ctx context.Context, policy string, opts store.ScanOptions, stop stopFunc) (int64, error) {
	var removed int64
	for {
		count, size := e.entries.Load(), e.sizeBytes.Load()
		if stop(count, size) {
			break
		}
		opts.Limit = evictBatch
		batch, err := e.store.Scan(ctx, opts)
		if err != nil {
			return removed, err
		}
		if len(batch) == 0 {
			break
		}
		ids := make([]int64, 0, len(batch))
		for _, entry := range batch {
			if stop(count, size) {
				break
			}
			ids = append(ids, entry.ID)
			count--
			size -= entry.SizeBytes
		}
		rm, err := e.removeLocked(ctx, ids)
		if err != nil {
			return removed, err
		}
		e.evictions.Add(rm.Count)
		removed += rm.Count
		if rm.Count == 0 {
			break
		}
	}
	if removed > 0 {
		e.log.Info("evicted entries", "policy", policy, "removed", removed)
	}
	return removed, nil
}

// EvictExpired removes every entry whose TTL has run out.
func (e *Engine) EvictExpired(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evictExpiredLocked(ctx, e.clock.Now())
}

func (e *Engine) evictExpiredLocked(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	for {
		batch, err := e.store.Scan(ctx, store.ScanOptions{
			Order:     store.OrderExpiresAt,
			Limit:     evictBatch,
			ExpiredAt: now,
		})
		if err != nil {
			return removed, err
		}
		if len(batch) == 0 {
			break
		}
		ids := make([]int64, len(batch))
		for i, entry := range batch {
			ids[i] = entry.ID
		}
		rm, err := e.removeLocked(ctx, ids)
		if err != nil {
			return removed, err
		}
		e.evictions.Add(rm.Count)
		removed += rm.Count
		if rm.Count == 0 {
			break
		}
	}
	if removed > 0 {
		e.log.Info("evicted entries", "policy", models.PolicyTTL.String(), "removed", removed)
	}
	return removed, nil
}

// EvictLRU removes the least recently used entries until at most keep remain.
func (e *Engine) EvictLRU(ctx context.Context, keep int64) (int64, error) {
	if err := checkBound("keep", keep); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evictLocked(ctx, models.PolicyLRU.String(),
		store.ScanOptions{Order: store.OrderLastAccessed},
		func(count, _ int64) bool { return count <= keep })
}

// EvictLRUBudget removes the least recently used entries until the cache
// fits in 80% of budgetMB.
func (e *Engine) EvictLRUBudget(ctx context.Context, budgetMB int64) (int64, error) {
	if err := checkBound("budget_mb", budgetMB); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evictLRUBudgetLocked(ctx, budgetMB<<20)
}

func (e *Engine) evictLRUBudgetLocked(ctx context.Context, budget int64) (int64, error) {
	target := int64(float64(budget) * budgetFill)
	return e.evictLocked(ctx, models.PolicyLRU.String(),
		store.ScanOptions{Order: store.OrderLastAccessed},
		func(_, size int64) bool { return size <= target })
}

// EvictLFU removes the least frequently used entries until at most keep
// remain. Ties go to the least recently used.
func (e *Engine) EvictLFU(ctx context.Context, keep int64) (int64, error) {
	if err := checkBound("keep", keep); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evictLFULocked(ctx, keep)
}

func (e *Engine) evictLFULocked(ctx context.Context, keep int64) (int64, error) {
	return e.evictLocked(ctx, models.PolicyLFU.String(),
		store.ScanOptions{Order: store.OrderAccessCount},
		func(count, _ int64) bool { return count <= keep })
}

// evictLFUPercentLocked removes the bottom pct percent by access count, at
// least one entry.
func (e *Engine) evictLFUPercentLocked(ctx context.Context, pct int64) (int64, error) {
	count := e.entries.Load()
	if count == 0 {
		return 0, nil
	}
	n := max(1, count*pct/100)
	return e.evictLFULocked(ctx, count-n)
}

// evictSizeCappedLocked removes the largest entries first until the cache
// fits in 80% of budget.
func (e *Engine) evictSizeCappedLocked(ctx context.Context, budget int64) (int64, error) {
	target := int64(float64(budget) * budgetFill)
	return e.evictLocked(ctx, models.PolicySizeCapped.String(),
		store.ScanOptions{Order: store.OrderSize, Desc: true},
		func(_, size int64) bool { return size <= target })
}

// AutoEvict sweeps expired entries, then applies the configured policy when
// the cache is over max_cache_size_mb, then prunes the ledger. Concurrent
// calls share one run.
func (e *Engine) AutoEvict(ctx context.Context) (int64, error) {
	v, err, _ := e.autoEvict.Do("auto-evict", func() (any, error) {
		return e.autoEvictOnce(ctx)
	})
	n, _ := v.(int64)
	return n, err
}

func (e *Engine) autoEvictOnce(ctx context.Context) (int64, error) {
	cfg := e.settings.Values()
	now := e.clock.Now()

	removed, err := e.evictPolicy(ctx, cfg.EvictionPolicy, cfg.MaxCacheSizeBytes(), cfg.LFUEvictPercent, now)
	if err != nil {
		return removed, err
	}

	if cfg.LedgerRetentionDays > 0 {
		cutoff := now.Add(-time.Duration(cfg.LedgerRetentionDays) * 24 * time.Hour)
		pruned, err := e.ledger.Prune(ctx, cutoff)
		if err != nil {
			e.log.Warn("ledger retention prune failed", "error", err)
		} else if pruned > 0 {
			e.log.Info("pruned access ledger", "removed", pruned, "retention_days", cfg.LedgerRetentionDays)
		}
	}
	e.saveMetadata(ctx)
	return removed, nil
}

func (e *Engine) evictPolicy(ctx context.Context, policy models.EvictionPolicy, budget, lfuPct int64, now time.Time) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed, err := e.evictExpiredLocked(ctx, now)
	if err != nil || e.sizeBytes.Load() <= budget {
		return removed, err
	}

	var n int64
	switch policy {
	case models.PolicyLRU:
		n, err = e.evictLRUBudgetLocked(ctx, budget)
	case models.PolicyLFU:
		n, err = e.evictLFUPercentLocked(ctx, lfuPct)
	case models.PolicySizeCapped:
		n, err = e.evictSizeCappedLocked(ctx, budget)
	case models.PolicyTTL:
		// the expiry sweep above is the whole policy
	default:
		err = fmt.Errorf("%w: unknown eviction policy %v", models.ErrConfig, policy)
	}
	return removed + n, err
}

// Clear deletes every entry and zeroes all aggregate counters. The access
// ledger history is kept.
func (e *Engine) Clear(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rm, err := e.store.Truncate(ctx)
	if err != nil {
		return 0, err
	}
	idx, err := index.New(e.idx.Kind(), e.idx.Dimension())
	if err != nil {
		return rm.Count, err
	}
	e.idx = idx

	e.entries.Store(0)
	e.sizeBytes.Store(0)
	e.hits.Store(0)
	e.misses.Store(0)
	e.evictions.Store(0)
	e.costSaved.Store(0)
	if err := e.ledger.SaveMetadata(ctx, e.Metadata()); err != nil {
		return rm.Count, err
	}
	e.log.Info("cleared cache", "removed", rm.Count)
	return rm.Count, nil
}
