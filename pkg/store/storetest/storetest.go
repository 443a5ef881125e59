// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/models"
	"github.com/maqeel75/semcache/pkg/store"
)

// Base is the timestamp the suite writes from.
var Base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Opener returns an empty store. The suite closes it.
type Opener func(t *testing.T) store.Store

// Run exercises open's backend against the shared store contract.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"UpsertReplaces", testUpsertReplaces},
		{"Touch", testTouch},
		{"ConcurrentTouch", testConcurrentTouch},
		{"Delete", testDelete},
		{"ScanOrders", testScanOrders},
		{"ScanExpired", testScanExpired},
		{"Match", testMatch},
		{"Walk", testWalk},
		{"Restore", testRestore},
		{"Truncate", testTruncate},
		{"RejectsBadParams", testRejectsBadParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// Params builds a write for text at Base+offset.
func Params(text string, payload string, ttl int64, offset time.Duration, tags ...string) store.UpsertParams {
	return store.UpsertParams{
		Hash:       store.HashQuery(text),
		Text:       text,
		Embedding:  []float64{1, 0.5, 0.25},
		Payload:    json.RawMessage(payload),
		TTLSeconds: ttl,
		Tags:       tags,
		Now:        Base.Add(offset),
	}
}

func mustUpsert(t *testing.T, s store.Store, p store.UpsertParams) int64 {
	t.Helper()
	res, err := s.Upsert(context.Background(), p)
	require.NoError(t, err)
	return res.ID
}

func ids(entries []models.CacheEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := Params("what is go", `{"answer":"a language"}`, 60, 0, "docs")

	res, err := s.Upsert(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Nil(t, res.Previous)
	assert.Positive(t, res.ID)

	e, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, p.Hash, e.QueryHash)
	assert.Equal(t, "what is go", e.QueryText)
	assert.Equal(t, []float64{1, 0.5, 0.25}, e.Embedding)
	assert.JSONEq(t, `{"answer":"a language"}`, string(e.Payload))
	assert.Equal(t, int64(len(p.Payload)), e.SizeBytes)
	assert.True(t, e.CreatedAt.Equal(Base))
	assert.True(t, e.LastAccessedAt.Equal(Base))
	assert.Zero(t, e.AccessCount)
	assert.Equal(t, int64(60), e.TTLSeconds)
	require.NotNil(t, e.ExpiresAt)
	assert.True(t, e.ExpiresAt.Equal(Base.Add(time.Minute)))
	assert.Equal(t, []string{"docs"}, e.Tags)

	byHash, err := s.GetByHash(ctx, p.Hash)
	require.NoError(t, err)
	require.NotNil(t, byHash)
	assert.Equal(t, res.ID, byHash.ID)

	missing, err := s.Get(ctx, res.ID+100)
	require.NoError(t, err)
	assert.Nil(t, missing)

	missing, err = s.GetByHash(ctx, store.HashQuery("never stored"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testUpsertReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := Params("what is go", `"old"`, 60, 0, "a")
	id := mustUpsert(t, s, first)

	second := Params("what is go", `"a much longer payload"`, 0, time.Minute, "b")
	second.Text = "ignored on replace"
	second.Embedding = []float64{0, 1, 0}
	res, err := s.Upsert(ctx, second)
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, id, res.ID)
	require.NotNil(t, res.Previous)
	assert.Equal(t, `"old"`, string(res.Previous.Payload))
	assert.Equal(t, []float64{1, 0.5, 0.25}, res.Previous.Embedding)
	assert.Equal(t, int64(len(second.Payload)-len(first.Payload)), res.SizeDelta(int64(len(second.Payload))))

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "what is go", e.QueryText)
	assert.Equal(t, `"a much longer payload"`, string(e.Payload))
	assert.Equal(t, []float64{0, 1, 0}, e.Embedding)
	assert.Equal(t, int64(1), e.AccessCount)
	assert.True(t, e.CreatedAt.Equal(Base.Add(time.Minute)))
	assert.True(t, e.LastAccessedAt.Equal(Base.Add(time.Minute)))
	assert.Nil(t, e.ExpiresAt)
	assert.Equal(t, []string{"b"}, e.Tags)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	size, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(second.Payload)), size)

	tagged, err := s.Match(ctx, "", "a")
	require.NoError(t, err)
	assert.Empty(t, tagged)
}

func testTouch(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := mustUpsert(t, s, Params("q", `1`, 0, 0))

	at := Base.Add(5 * time.Second)
	require.NoError(t, s.Touch(ctx, id, at))
	require.NoError(t, s.Touch(ctx, id, at.Add(time.Second)))

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, int64(2), e.AccessCount)
	assert.True(t, e.LastAccessedAt.Equal(at.Add(time.Second)))

	// A late hit stamped earlier still counts but does not rewind the clock.
	require.NoError(t, s.Touch(ctx, id, at))
	e, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.AccessCount)
	assert.True(t, e.LastAccessedAt.Equal(at.Add(time.Second)))

	err = s.Touch(ctx, id+100, at)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func testConcurrentTouch(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := mustUpsert(t, s, Params("q", `1`, 0, 0))

	const workers, hits = 16, 8
	var wg sync.WaitGroup
	errs := make(chan error, workers*hits)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < hits; i++ {
				// Stamps interleave so later arrivals are sometimes older.
				at := Base.Add(time.Duration((hits-i)*workers+w) * time.Millisecond)
				errs <- s.Touch(ctx, id, at)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, int64(workers*hits), e.AccessCount)
	latest := Base.Add(time.Duration(hits*workers+workers-1) * time.Millisecond)
	assert.True(t, e.LastAccessedAt.Equal(latest), "last access %v, want %v", e.LastAccessedAt, latest)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustUpsert(t, s, Params("a", `"aa"`, 0, 0))
	b := mustUpsert(t, s, Params("b", `"bbbb"`, 0, 0))
	c := mustUpsert(t, s, Params("c", `"cccccc"`, 0, 0, "x"))

	rm, err := s.Delete(ctx, a, c, c+100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rm.Count)
	assert.Equal(t, int64(len(`"aa"`)+len(`"cccccc"`)), rm.Bytes)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	size, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(`"bbbb"`)), size)

	e, err := s.Get(ctx, b)
	require.NoError(t, err)
	assert.NotNil(t, e)
	gone, err := s.GetByHash(ctx, store.HashQuery("a"))
	require.NoError(t, err)
	assert.Nil(t, gone)
	tagged, err := s.Match(ctx, "", "x")
	require.NoError(t, err)
	assert.Empty(t, tagged)

	rm, err = s.Delete(ctx)
	require.NoError(t, err)
	assert.Zero(t, rm.Count)
}

func testScanOrders(t *testing.T, s store.Store) {
	ctx := context.Background()
	// a: oldest access, touched twice. b: newest, never touched. c: middle, touched twice.
	a := mustUpsert(t, s, Params("a", `"a"`, 30, 0))
	b := mustUpsert(t, s, Params("b", `"bbbbbbbb"`, 0, time.Second))
	c := mustUpsert(t, s, Params("c", `"cccc"`, 10, 2*time.Second))
	require.NoError(t, s.Touch(ctx, a, Base.Add(3*time.Second)))
	require.NoError(t, s.Touch(ctx, a, Base.Add(4*time.Second)))
	require.NoError(t, s.Touch(ctx, c, Base.Add(5*time.Second)))
	require.NoError(t, s.Touch(ctx, c, Base.Add(6*time.Second)))
	require.NoError(t, s.Touch(ctx, b, Base.Add(7*time.Second)))

	scan := func(opts store.ScanOptions) []int64 {
		t.Helper()
		entries, err := s.Scan(ctx, opts)
		require.NoError(t, err)
		for _, e := range entries {
			assert.Nil(t, e.Payload)
		}
		return ids(entries)
	}

	assert.Equal(t, []int64{a, c, b}, scan(store.ScanOptions{Order: store.OrderLastAccessed}))
	assert.Equal(t, []int64{a, c}, scan(store.ScanOptions{Order: store.OrderLastAccessed, Limit: 2}))
	assert.Equal(t, []int64{b, c}, scan(store.ScanOptions{Order: store.OrderLastAccessed, Desc: true, Limit: 2}))

	// b has one access; a and c tie on two and fall back to last access.
	assert.Equal(t, []int64{b, a, c}, scan(store.ScanOptions{Order: store.OrderAccessCount}))
	assert.Equal(t, []int64{b}, scan(store.ScanOptions{Order: store.OrderAccessCount, Limit: 1}))
	assert.Equal(t, []int64{c, a}, scan(store.ScanOptions{Order: store.OrderAccessCount, Desc: true, Limit: 2}))

	assert.Equal(t, []int64{b, c, a}, scan(store.ScanOptions{Order: store.OrderSize, Desc: true}))
	assert.Equal(t, []int64{a}, scan(store.ScanOptions{Order: store.OrderSize, Limit: 1}))

	// c expires at +12s, a at +30s, b never.
	assert.Equal(t, []int64{c, a, b}, scan(store.ScanOptions{Order: store.OrderExpiresAt}))
	assert.Equal(t, []int64{b, a, c}, scan(store.ScanOptions{Order: store.OrderExpiresAt, Desc: true}))
}

func testScanExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	short := mustUpsert(t, s, Params("short", `1`, 1, 0))
	long := mustUpsert(t, s, Params("long", `1`, 100, 0))
	mustUpsert(t, s, Params("forever", `1`, 0, 0))

	entries, err := s.Scan(ctx, store.ScanOptions{Order: store.OrderExpiresAt, ExpiredAt: Base})
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = s.Scan(ctx, store.ScanOptions{Order: store.OrderExpiresAt, ExpiredAt: Base.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []int64{short}, ids(entries))

	entries, err = s.Scan(ctx, store.ScanOptions{Order: store.OrderExpiresAt, ExpiredAt: Base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []int64{short, long}, ids(entries))

	entries, err = s.Scan(ctx, store.ScanOptions{Order: store.OrderExpiresAt, ExpiredAt: Base.Add(time.Hour), Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{short}, ids(entries))
}

func testMatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	weather := mustUpsert(t, s, Params("weather in Paris", `1`, 0, 0, "geo", "fr"))
	capital := mustUpsert(t, s, Params("capital of France", `1`, 0, 0, "geo"))
	mustUpsert(t, s, Params("Weather in Rome", `1`, 0, 0))
	percent := mustUpsert(t, s, Params("100% sure", `1`, 0, 0))

	match := func(pattern, tag string) []int64 {
		t.Helper()
		got, err := s.Match(ctx, pattern, tag)
		require.NoError(t, err)
		return got
	}

	assert.Equal(t, []int64{weather}, match("weather%", ""))
	assert.Equal(t, []int64{capital}, match("%of _rance", ""))
	assert.Equal(t, []int64{percent}, match(`100\%%`, ""))
	assert.Empty(t, match("weather", ""))
	assert.Equal(t, []int64{weather, capital}, match("", "geo"))
	assert.Equal(t, []int64{weather}, match("", "fr"))
	assert.Empty(t, match("", "none"))
}

func testWalk(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := mustUpsert(t, s, Params("one", `"1"`, 0, 0))
	second := mustUpsert(t, s, Params("two", `"2"`, 0, 0))

	var seen []int64
	err := s.Walk(ctx, func(e models.CacheEntry) error {
		seen = append(seen, e.ID)
		assert.Len(t, e.Embedding, 3)
		assert.Nil(t, e.Payload)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{first, second}, seen)
}

func testRestore(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := mustUpsert(t, s, Params("q", `"before"`, 60, 0, "t"))

	res, err := s.Upsert(ctx, Params("q", `"after, and longer"`, 0, time.Minute))
	require.NoError(t, err)
	require.NotNil(t, res.Previous)

	require.NoError(t, s.Restore(ctx, *res.Previous))

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, `"before"`, string(e.Payload))
	assert.Zero(t, e.AccessCount)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, []float64{1, 0.5, 0.25}, e.Embedding)

	size, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(`"before"`)), size)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	tagged, err := s.Match(ctx, "", "t")
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, tagged)
}

func testTruncate(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustUpsert(t, s, Params("a", `"aa"`, 0, 0))
	last := mustUpsert(t, s, Params("b", `"bbb"`, 0, 0))

	rm, err := s.Truncate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rm.Count)
	assert.Equal(t, int64(9), rm.Bytes)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	size, err := s.TotalSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	next := mustUpsert(t, s, Params("a", `"aa"`, 0, 0))
	assert.Greater(t, next, last)
}

func testRejectsBadParams(t *testing.T, s store.Store) {
	ctx := context.Background()

	p := Params("q", `1`, -1, 0)
	_, err := s.Upsert(ctx, p)
	assert.ErrorIs(t, err, models.ErrValidation)

	p = Params("q", `1`, store.MaxTTLSeconds+1, 0)
	_, err = s.Upsert(ctx, p)
	assert.ErrorIs(t, err, models.ErrValidation)

	p = Params("q", `"`+strings.Repeat("x", store.MaxPayloadBytes)+`"`, 0, 0)
	_, err = s.Upsert(ctx, p)
	assert.ErrorIs(t, err, models.ErrValidation)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
