// Package store defines the entry store contract shared by the memory,
// SQLite and Redis backends.
package store

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/maqeel75/semcache/pkg/models"
)

const (
	// MaxPayloadBytes is the hard cap on a cached result payload.
	MaxPayloadBytes = 10 << 20
	// MaxTTLSeconds is the longest accepted TTL (one year).
	MaxTTLSeconds = 31536000
)

// Order is the column a scan sorts by.
type Order int

const (
	OrderLastAccessed Order = iota
	OrderAccessCount
	OrderExpiresAt
	OrderSize
)

func (o Order) String() string {
	switch o {
	case OrderLastAccessed:
		return "last_accessed_at"
	case OrderAccessCount:
		return "access_count"
	case OrderExpiresAt:
		return "expires_at"
	case OrderSize:
		return "size_bytes"
	default:
		return "unknown"
	}
}

// ScanOptions bounds and orders a scan.
type ScanOptions struct {
	Order Order
	Desc  bool
	// Limit caps the number of returned entries. Zero means no limit.
	Limit int
	// ExpiredAt, when set, restricts the scan to entries whose expires_at
	// is non-null and not after it.
	ExpiredAt time.Time
}

// UpsertParams carries one validated write.
type UpsertParams struct {
	Hash       string
	Text       string
	Embedding  []float64
	Payload    json.RawMessage
	TTLSeconds int64
	Tags       []string
	Now        time.Time
}

// UpsertResult describes what an upsert did.
type UpsertResult struct {
	ID       int64
	Inserted bool
	// Previous is the full entry that was replaced, nil on insert.
	Previous *models.CacheEntry
}

// SizeDelta is the change in total payload bytes caused by the upsert.
func (r UpsertResult) SizeDelta(newSize int64) int64 {
	if r.Previous == nil {
		return newSize
	}
	return newSize - r.Previous.SizeBytes
}

// Removed reports the outcome of a delete.
type Removed struct {
	Count int64
	Bytes int64
}

// Store is the durable record of cached entries.
type Store interface {
	// Upsert inserts a new entry or replaces the one with the same hash.
	Upsert(ctx context.Context, p UpsertParams) (UpsertResult, error)
	// Get returns the entry with the given id, or nil if there is none.
	Get(ctx context.Context, id int64) (*models.CacheEntry, error)
	// GetByHash returns the entry with the given query hash, or nil.
	GetByHash(ctx context.Context, hash string) (*models.CacheEntry, error)
	// Touch records a hit: last_accessed_at = at and access_count + 1.
	Touch(ctx context.Context, id int64, at time.Time) error
	// Delete removes the given ids. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...int64) (Removed, error)
	// Restore writes an entry verbatim, used to roll back a failed write.
	Restore(ctx context.Context, e models.CacheEntry) error
	// Scan returns entries in the requested order without payload or embedding.
	Scan(ctx context.Context, opts ScanOptions) ([]models.CacheEntry, error)
	// Match returns ids whose query text is LIKE pattern, or that carry tag.
	Match(ctx context.Context, pattern, tag string) ([]int64, error)
	// Walk visits every entry with its embedding but without payload.
	Walk(ctx context.Context, fn func(models.CacheEntry) error) error
	// Count returns the number of entries.
	Count(ctx context.Context) (int64, error)
	// TotalSize returns the sum of payload sizes.
	TotalSize(ctx context.Context) (int64, error)
	// Truncate removes every entry.
	Truncate(ctx context.Context) (Removed, error)
	// Close releases resources.
	Close() error
}

// NormalizeQuery trims the text and collapses whitespace runs to one space.
// Case is preserved.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// HashQuery computes the SHA-256 hash of the normalized query text.
func HashQuery(text string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(text)))
	return hex.EncodeToString(sum[:])
}

// Compare orders two entries the way a scan with opts would.
// Ties always fall back to ascending id.
func Compare(a, b *models.CacheEntry, opts ScanOptions) int {
	var c int
	switch opts.Order {
	case OrderLastAccessed:
		c = a.LastAccessedAt.Compare(b.LastAccessedAt)
	case OrderAccessCount:
		c = cmp.Compare(a.AccessCount, b.AccessCount)
		if c == 0 {
			c = a.LastAccessedAt.Compare(b.LastAccessedAt)
		}
	case OrderExpiresAt:
		c = compareExpiry(a.ExpiresAt, b.ExpiresAt)
	case OrderSize:
		c = cmp.Compare(a.SizeBytes, b.SizeBytes)
	}
	if opts.Desc {
		c = -c
	}
	if c == 0 {
		c = cmp.Compare(a.ID, b.ID)
	}
	return c
}

// compareExpiry treats a missing expiry as later than any time.
func compareExpiry(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return a.Compare(*b)
	}
}

// Selected reports whether e passes the scan's expiry filter.
func Selected(e *models.CacheEntry, opts ScanOptions) bool {
	if opts.ExpiredAt.IsZero() {
		return true
	}
	return e.Expired(opts.ExpiredAt)
}

// LikePattern compiles a SQL LIKE pattern (% and _ wildcards, backslash
// escape) into an anchored, case-sensitive regular expression.
func LikePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?s)^`)
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(`.*`)
		case r == '_':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		b.WriteString(regexp.QuoteMeta(`\`))
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}

// CheckParams re-validates the limits every backend enforces on writes.
func CheckParams(p UpsertParams) error {
	if p.TTLSeconds < 0 || p.TTLSeconds > MaxTTLSeconds {
		return models.Validationf("ttl_seconds %d out of range [0, %d]", p.TTLSeconds, MaxTTLSeconds)
	}
	if len(p.Payload) > MaxPayloadBytes {
		return models.Validationf("payload of %d bytes exceeds %d byte cap", len(p.Payload), MaxPayloadBytes)
	}
	if p.Hash == "" {
		return models.Validationf("query hash is empty")
	}
	return nil
}

// EncodeVector packs v as little-endian float64s.
func EncodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector. Trailing partial words are dropped.
func DecodeVector(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return v
}
