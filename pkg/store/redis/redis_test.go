package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/store"
	"github.com/maqeel75/semcache/pkg/store/storetest"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, opts...), mr
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestKeyPrefix(t *testing.T) {
	s, mr := newTestStore(t, WithKeyPrefix("tenant-a"))
	t.Cleanup(func() { _ = s.Close() })

	res, err := s.Upsert(context.Background(), storetest.Params("q", `1`, 0, 0))
	require.NoError(t, err)

	assert.True(t, mr.Exists("tenant-a:entry:1"))
	assert.True(t, mr.Exists("tenant-a:hashes"))
	assert.Equal(t, int64(1), res.ID)
}

func TestLimitedScanReadsTiedScores(t *testing.T) {
	s, _ := newTestStore(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	// Same microsecond, different nanoseconds: one sorted-set score, three
	// distinct access times.
	var ids []int64
	for i, text := range []string{"c", "b", "a"} {
		p := storetest.Params(text, `1`, 0, 0)
		p.Now = storetest.Base.Add(-time.Duration(i) * 100)
		res, err := s.Upsert(ctx, p)
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	entries, err := s.Scan(ctx, store.ScanOptions{Order: store.OrderLastAccessed, Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ids[2], entries[0].ID)
}
