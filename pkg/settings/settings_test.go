package settings

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/index"
	"github.com/maqeel75/semcache/pkg/models"
)

func TestDefaults(t *testing.T) {
	v := Defaults()
	assert.Equal(t, int64(1000), v.MaxCacheSizeMB)
	assert.Equal(t, int64(3600), v.DefaultTTLSeconds)
	assert.Equal(t, 0.95, v.DefaultSimilarityThreshold)
	assert.Equal(t, models.PolicyLRU, v.EvictionPolicy)
	assert.True(t, v.AutoEvictionEnabled)
	assert.Equal(t, 5*time.Minute, v.AutoEvictionInterval)
	assert.Equal(t, int64(10), v.LFUEvictPercent)
	assert.Equal(t, int64(90), v.LedgerRetentionDays)
	assert.Equal(t, 1536, v.VectorDimension)
	assert.Equal(t, index.KindIVFFlat, v.IndexKind)
	assert.Equal(t, int64(1000<<20), v.MaxCacheSizeBytes())
}

func TestSetAndGet(t *testing.T) {
	s, err := New(context.Background(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Set(context.Background(), KeyEvictionPolicy, "LFU"))
	got, ok := s.Get(KeyEvictionPolicy)
	require.True(t, ok)
	assert.Equal(t, "lfu", got)
	assert.Equal(t, models.PolicyLFU, s.Values().EvictionPolicy)

	_, ok = s.Get("no_such_key")
	assert.False(t, ok)
}

func TestSetRejectsInvalid(t *testing.T) {
	s, err := New(context.Background(), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct{ key, value string }{
		{"no_such_key", "1"},
		{KeyMaxCacheSizeMB, "0"},
		{KeyMaxCacheSizeMB, "lots"},
		{KeyDefaultTTLSeconds, "-1"},
		{KeyDefaultTTLSeconds, "31536001"},
		{KeyDefaultSimilarityThreshold, "0"},
		{KeyDefaultSimilarityThreshold, "1.01"},
		{KeyDefaultSimilarityThreshold, "NaN"},
		{KeyEvictionPolicy, "random"},
		{KeyAutoEvictionEnabled, "maybe"},
		{KeyLFUEvictPercent, "101"},
		{KeyVectorDimension, "0"},
		{KeyVectorDimension, "70000"},
		{KeyIndexKind, "btree"},
	}
	before := s.All()
	for _, tt := range tests {
		assert.ErrorIs(t, Validate(tt.key, tt.value), models.ErrConfig, "%s=%s", tt.key, tt.value)
		err := s.Set(ctx, tt.key, tt.value)
		assert.ErrorIs(t, err, models.ErrConfig, "%s=%s", tt.key, tt.value)
	}
	assert.NoError(t, Validate(KeyVectorDimension, "65536"))
	assert.NoError(t, Validate(KeyIndexKind, "hnsw"))
	assert.Equal(t, before, s.All())
}

func TestSnapshotIsImmutable(t *testing.T) {
	s, err := New(context.Background(), nil, nil)
	require.NoError(t, err)

	old := s.Values()
	require.NoError(t, s.Set(context.Background(), KeyDefaultTTLSeconds, "60"))
	assert.Equal(t, int64(3600), old.DefaultTTLSeconds)
	assert.Equal(t, int64(60), s.Values().DefaultTTLSeconds)
}

func TestConcurrentReadsDuringSet(t *testing.T) {
	s, err := New(context.Background(), nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				v := s.Values()
				assert.Contains(t, []int64{3600, 60}, v.DefaultTTLSeconds)
			}
		}()
	}
	for j := 0; j < 50; j++ {
		require.NoError(t, s.Set(context.Background(), KeyDefaultTTLSeconds, "60"))
		require.NoError(t, s.Set(context.Background(), KeyDefaultTTLSeconds, "3600"))
	}
	wg.Wait()
}

func TestPersistedValuesWinOverSeeds(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "settings.db")

	p, err := NewSQLite(dbPath)
	require.NoError(t, err)
	s, err := New(ctx, map[string]string{KeyDefaultTTLSeconds: "120"}, p)
	require.NoError(t, err)
	assert.Equal(t, int64(120), s.Values().DefaultTTLSeconds)

	require.NoError(t, s.Set(ctx, KeyDefaultTTLSeconds, "900"))
	require.NoError(t, p.Close())

	p, err = NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	s, err = New(ctx, map[string]string{KeyDefaultTTLSeconds: "120", KeyLFUEvictPercent: "25"}, p)
	require.NoError(t, err)
	assert.Equal(t, int64(900), s.Values().DefaultTTLSeconds)
	assert.Equal(t, int64(25), s.Values().LFUEvictPercent)
}

func TestBadSeedFails(t *testing.T) {
	_, err := New(context.Background(), map[string]string{KeyEvictionPolicy: "fifo"}, nil)
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestKeysSorted(t *testing.T) {
	keys := Keys()
	assert.Len(t, keys, 10)
	assert.IsIncreasing(t, keys)
}
