package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/models"
)

func TestHashQueryNormalizesWhitespace(t *testing.T) {
	assert.Equal(t, HashQuery("what is go"), HashQuery("  what   is\tgo\n"))
	assert.NotEqual(t, HashQuery("what is go"), HashQuery("What is go"))
	assert.Len(t, HashQuery("x"), 64)
}

func TestLikePattern(t *testing.T) {
	tests := []struct {
		pattern string
		text    string
		want    bool
	}{
		{"abc", "abc", true},
		{"abc", "abcd", false},
		{"a%", "abcd", true},
		{"%cd", "abcd", true},
		{"a_c", "abc", true},
		{"a_c", "abbc", false},
		{"A%", "abc", false},
		{`50\%`, "50%", true},
		{`50\%`, "500", false},
		{`a\_b`, "a_b", true},
		{`a\_b`, "axb", false},
		{"a.c", "abc", false},
		{"%", "multi\nline", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.text, func(t *testing.T) {
			re, err := LikePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, re.MatchString(tt.text))
		})
	}
}

func TestCompare(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := t0.Add(time.Hour)
	a := &models.CacheEntry{ID: 1, LastAccessedAt: t0, AccessCount: 3, SizeBytes: 10}
	b := &models.CacheEntry{ID: 2, LastAccessedAt: later, AccessCount: 3, SizeBytes: 10, ExpiresAt: &later}

	assert.Negative(t, Compare(a, b, ScanOptions{Order: OrderLastAccessed}))
	assert.Positive(t, Compare(a, b, ScanOptions{Order: OrderLastAccessed, Desc: true}))
	// Equal counts fall back to last access.
	assert.Negative(t, Compare(a, b, ScanOptions{Order: OrderAccessCount}))
	// Equal sizes fall back to id, ascending even when descending.
	assert.Negative(t, Compare(a, b, ScanOptions{Order: OrderSize, Desc: true}))
	// No expiry sorts after any expiry.
	assert.Positive(t, Compare(a, b, ScanOptions{Order: OrderExpiresAt}))
	assert.Negative(t, Compare(a, b, ScanOptions{Order: OrderExpiresAt, Desc: true}))
}

func TestCheckParams(t *testing.T) {
	ok := UpsertParams{Hash: "h", Payload: []byte(`1`), TTLSeconds: MaxTTLSeconds}
	require.NoError(t, CheckParams(ok))

	bad := ok
	bad.TTLSeconds = -1
	assert.ErrorIs(t, CheckParams(bad), models.ErrValidation)

	bad = ok
	bad.Hash = ""
	assert.ErrorIs(t, CheckParams(bad), models.ErrValidation)

	bad = ok
	bad.Payload = make([]byte, MaxPayloadBytes+1)
	assert.ErrorIs(t, CheckParams(bad), models.ErrValidation)
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float64{0, -1.5, 3.25e-10, 1e300}
	assert.Equal(t, v, DecodeVector(EncodeVector(v)))
	assert.Empty(t, DecodeVector(nil))
}
