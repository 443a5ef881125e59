// Package ledger is the append-only access log behind hit/miss and cost
// reporting, plus the persisted cache metadata row.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maqeel75/semcache/pkg/models"
)

const (
	// DefaultWindowDays is the cost report window when none is given.
	DefaultWindowDays = 30
	// MaxWindowDays bounds the cost report window.
	MaxWindowDays = 3650
)

// Ledger records lookups and aggregates them.
type Ledger interface {
	// Record appends one lookup. CostSaved is derived from CacheHit and QueryCost.
	Record(ctx context.Context, rec models.AccessLogRecord) error
	// Aggregate reports the windowDays days up to now.
	Aggregate(ctx context.Context, now time.Time, windowDays int) (models.CostReport, error)
	// Totals returns all-time sums, used to reconcile in-memory counters.
	Totals(ctx context.Context) (models.LedgerTotals, error)
	// Prune deletes records older than before and returns how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// LoadMetadata reads the persisted metadata row.
	LoadMetadata(ctx context.Context) (models.CacheMetadata, error)
	// SaveMetadata overwrites the persisted metadata row.
	SaveMetadata(ctx context.Context, md models.CacheMetadata) error
	// Close releases resources.
	Close() error
}

// SQLiteLedger implements Ledger with a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

var _ Ledger = (*SQLiteLedger)(nil)

const createTables = `
CREATE TABLE IF NOT EXISTS access_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	query_hash TEXT,
	cache_hit INTEGER NOT NULL,
	similarity_score REAL,
	query_cost REAL NOT NULL DEFAULT 0,
	cost_saved REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_access_log_ts ON access_log(ts);

CREATE TABLE IF NOT EXISTS cache_metadata (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	total_entries INTEGER NOT NULL DEFAULT 0,
	total_size_bytes INTEGER NOT NULL DEFAULT 0,
	total_hits INTEGER NOT NULL DEFAULT 0,
	total_misses INTEGER NOT NULL DEFAULT 0,
	total_evictions INTEGER NOT NULL DEFAULT 0,
	total_cost_saved REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO cache_metadata (id) VALUES (1);
`

// New opens the ledger database and runs auto-migration.
func New(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Record appends rec.
func (l *SQLiteLedger) Record(ctx context.Context, rec models.AccessLogRecord) error {
	if rec.QueryCost < 0 || math.IsNaN(rec.QueryCost) || math.IsInf(rec.QueryCost, 0) {
		return models.Validationf("query cost %v must be a non-negative number", rec.QueryCost)
	}
	saved := 0.0
	if rec.CacheHit {
		saved = rec.QueryCost
	}
	hit := 0
	if rec.CacheHit {
		hit = 1
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO access_log (ts, query_hash, cache_hit, similarity_score, query_cost, cost_saved)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixNano(), rec.QueryHash, hit, rec.SimilarityScore, rec.QueryCost, saved,
	)
	if err != nil {
		return models.StorageError("record access", err)
	}
	return nil
}

// Aggregate reports the windowDays days up to now.
func (l *SQLiteLedger) Aggregate(ctx context.Context, now time.Time, windowDays int) (models.CostReport, error) {
	if windowDays == 0 {
		windowDays = DefaultWindowDays
	}
	if windowDays < 1 || windowDays > MaxWindowDays {
		return models.CostReport{}, models.Validationf("window of %d days out of range [1, %d]", windowDays, MaxWindowDays)
	}
	since := now.Add(-time.Duration(windowDays) * 24 * time.Hour)

	report := models.CostReport{WindowDays: windowDays}
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cache_hit), 0), COALESCE(SUM(cost_saved), 0), COALESCE(SUM(query_cost), 0)
		 FROM access_log WHERE ts >= ?`,
		since.UnixNano(),
	).Scan(&report.TotalQueries, &report.Hits, &report.TotalCostSaved, &report.TotalCostIfNoCache)
	if err != nil {
		return models.CostReport{}, models.StorageError("cost report", err)
	}

	report.Misses = report.TotalQueries - report.Hits
	report.HitRatePct = HitRatePct(report.Hits, report.TotalQueries)
	if report.Hits > 0 {
		report.AvgCostPerHit = report.TotalCostSaved / float64(report.Hits)
	}
	return report, nil
}

// Totals returns all-time sums.
func (l *SQLiteLedger) Totals(ctx context.Context) (models.LedgerTotals, error) {
	var t models.LedgerTotals
	var total int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(cache_hit), 0), COALESCE(SUM(cost_saved), 0) FROM access_log`,
	).Scan(&total, &t.Hits, &t.CostSaved)
	if err != nil {
		return models.LedgerTotals{}, models.StorageError("ledger totals", err)
	}
	t.Misses = total - t.Hits
	return t, nil
}

// Prune deletes records older than before.
func (l *SQLiteLedger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM access_log WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, models.StorageError("prune ledger", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LoadMetadata reads the persisted metadata row.
func (l *SQLiteLedger) LoadMetadata(ctx context.Context) (models.CacheMetadata, error) {
	var md models.CacheMetadata
	err := l.db.QueryRowContext(ctx,
		`SELECT total_entries, total_size_bytes, total_hits, total_misses, total_evictions, total_cost_saved
		 FROM cache_metadata WHERE id = 1`,
	).Scan(&md.TotalEntries, &md.TotalSizeBytes, &md.TotalHits, &md.TotalMisses, &md.TotalEvictions, &md.TotalCostSaved)
	if err != nil {
		return models.CacheMetadata{}, models.StorageError("load metadata", err)
	}
	return md, nil
}

// SaveMetadata overwrites the persisted metadata row.
func (l *SQLiteLedger) SaveMetadata(ctx context.Context, md models.CacheMetadata) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE cache_metadata SET total_entries = ?, total_size_bytes = ?, total_hits = ?, total_misses = ?,
			total_evictions = ?, total_cost_saved = ?, updated_at = ?
		 WHERE id = 1`,
		md.TotalEntries, md.TotalSizeBytes, md.TotalHits, md.TotalMisses,
		md.TotalEvictions, md.TotalCostSaved, time.Now().UnixNano(),
	)
	if err != nil {
		return models.StorageError("save metadata", err)
	}
	return nil
}

// Close releases the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// HitRatePct is hits/total as a percentage rounded to two decimals.
func HitRatePct(hits, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(hits)/float64(total)*10000) / 100
}
