package models

import (
	"encoding/json"
	"time"
)

// CacheEntry stores a cached result keyed by its query embedding.
type CacheEntry struct {
	ID             int64           `json:"id"`
	QueryHash      string          `json:"query_hash"`
	QueryText      string          `json:"query_text"`
	Embedding      []float64       `json:"embedding,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SizeBytes      int64           `json:"size_bytes"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	AccessCount    int64           `json:"access_count"`
	TTLSeconds     int64           `json:"ttl_seconds"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
}

// Expired reports whether the entry's TTL has run out at now.
// Entries without an expiry never expire.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Age returns how long ago the entry was written.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// ExpiryFor computes expires_at for a TTL; zero TTL means no expiry.
func ExpiryFor(created time.Time, ttlSeconds int64) *time.Time {
	if ttlSeconds == 0 {
		return nil
	}
	t := created.Add(time.Duration(ttlSeconds) * time.Second)
	return &t
}

// CacheMetadata is the process-wide aggregate over the entry store and ledger.
type CacheMetadata struct {
	TotalEntries   int64   `json:"total_entries"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	TotalHits      int64   `json:"total_hits"`
	TotalMisses    int64   `json:"total_misses"`
	TotalEvictions int64   `json:"total_evictions"`
	TotalCostSaved float64 `json:"total_cost_saved"`
}

// Stats reports cache performance metrics.
type Stats struct {
	Entries        int64   `json:"entries"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Evictions      int64   `json:"evictions"`
	HitRatePct     float64 `json:"hit_rate_pct"`
	SizeBytes      int64   `json:"size_bytes"`
	SizeMB         float64 `json:"size_mb"`
	AvgEntryKB     float64 `json:"avg_entry_kb"`
	TotalCostSaved float64 `json:"total_cost_saved"`
}
