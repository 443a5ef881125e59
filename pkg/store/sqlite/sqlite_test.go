package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/store"
	"github.com/maqeel75/semcache/pkg/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cache_test.db"))
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	s, err := New(dbPath)
	require.NoError(t, err)
	res, err := s.Upsert(ctx, storetest.Params("durable", `{"v":1}`, 0, 0, "keep"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	e, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "durable", e.QueryText)
	assert.Equal(t, []float64{1, 0.5, 0.25}, e.Embedding)
	assert.Equal(t, []string{"keep"}, e.Tags)
}

func TestEmbeddingCacheInvalidatedOnReplace(t *testing.T) {
	s := newTestStore(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	p := storetest.Params("q", `1`, 0, 0)
	res, err := s.Upsert(ctx, p)
	require.NoError(t, err)
	_, err = s.Get(ctx, res.ID)
	require.NoError(t, err)

	p.Embedding = []float64{0, 0, 1}
	_, err = s.Upsert(ctx, p)
	require.NoError(t, err)

	s.vectors.Purge()
	e, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1}, e.Embedding)

	_, err = s.Delete(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, s.vectors.Contains(res.ID))
}

func TestDeleteManyChunks(t *testing.T) {
	s := newTestStore(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	var ids []int64
	for i := 0; i < deleteChunk+20; i++ {
		p := storetest.Params(fmt.Sprintf("query %d", i), `1`, 0, 0)
		res, err := s.Upsert(ctx, p)
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	rm, err := s.Delete(ctx, ids...)
	require.NoError(t, err)
	assert.Equal(t, int64(len(ids)), rm.Count)
	assert.Equal(t, int64(len(ids)), rm.Bytes)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestVectorCacheSize(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "small.db"), WithVectorCacheSize(2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Upsert(ctx, storetest.Params(fmt.Sprintf("query %d", i), `1`, 0, 0))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.vectors.Len())
}
