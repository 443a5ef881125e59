package models

import "time"

// AccessLogRecord is one immutable lookup attempt in the access ledger.
type AccessLogRecord struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	QueryHash       *string   `json:"query_hash,omitempty"`
	CacheHit        bool      `json:"cache_hit"`
	SimilarityScore *float64  `json:"similarity_score,omitempty"`
	QueryCost       float64   `json:"query_cost"`
	CostSaved       float64   `json:"cost_saved"`
}

// CostReport aggregates the access ledger over a time window.
type CostReport struct {
	WindowDays         int     `json:"window_days"`
	TotalQueries       int64   `json:"total_queries"`
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	HitRatePct         float64 `json:"hit_rate_pct"`
	TotalCostSaved     float64 `json:"total_cost_saved"`
	AvgCostPerHit      float64 `json:"avg_cost_per_hit"`
	TotalCostIfNoCache float64 `json:"total_cost_if_no_cache"`
}

// LedgerTotals are all-time ledger sums used to reconcile CacheMetadata.
type LedgerTotals struct {
	Hits      int64
	Misses    int64
	CostSaved float64
}
