// Package memory is an in-process entry store.
package memory

import (
	"cmp"
	"container/heap"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maqeel75/semcache/pkg/models"
	"github.com/maqeel75/semcache/pkg/store"
)

// record holds one entry. The embedded entry is replaced wholesale under the
// store's write lock; hit counters are atomics so Touch only needs the read lock.
type record struct {
	entry        models.CacheEntry
	accessCount  atomic.Int64
	lastAccessed atomic.Int64 // unix nanoseconds
}

// touchedAt moves the last access time forward to at, never backwards.
func (r *record) touchedAt(at int64) {
	for {
		cur := r.lastAccessed.Load()
		if at <= cur || r.lastAccessed.CompareAndSwap(cur, at) {
			return
		}
	}
}

// meta is the entry without blobs. Tags are shared with the record.
func (r *record) meta() models.CacheEntry {
	e := r.entry
	e.AccessCount = r.accessCount.Load()
	e.LastAccessedAt = time.Unix(0, r.lastAccessed.Load()).UTC()
	e.Embedding = nil
	e.Payload = nil
	return e
}

func (r *record) snapshot(full bool) models.CacheEntry {
	e := r.meta()
	e.Tags = slices.Clone(e.Tags)
	if full {
		e.Embedding = slices.Clone(r.entry.Embedding)
		e.Payload = slices.Clone(r.entry.Payload)
	}
	return e
}

// Store is an in-memory store.Store.
type Store struct {
	mu     sync.RWMutex
	byID   map[int64]*record
	byHash map[string]int64
	nextID int64
	size   int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:   make(map[int64]*record),
		byHash: make(map[string]int64),
	}
}

// Upsert inserts or replaces the entry for p.Hash.
func (s *Store) Upsert(_ context.Context, p store.UpsertParams) (store.UpsertResult, error) {
	if err := store.CheckParams(p); err != nil {
		return store.UpsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := models.CacheEntry{
		QueryHash:  p.Hash,
		QueryText:  p.Text,
		Embedding:  slices.Clone(p.Embedding),
		Payload:    slices.Clone(p.Payload),
		SizeBytes:  int64(len(p.Payload)),
		CreatedAt:  p.Now,
		TTLSeconds: p.TTLSeconds,
		ExpiresAt:  models.ExpiryFor(p.Now, p.TTLSeconds),
		Tags:       slices.Clone(p.Tags),
	}

	if id, ok := s.byHash[p.Hash]; ok {
		rec := s.byID[id]
		prev := rec.snapshot(true)
		entry.ID = id
		entry.QueryText = rec.entry.QueryText
		rec.entry = entry
		rec.accessCount.Add(1)
		rec.lastAccessed.Store(p.Now.UnixNano())
		s.size += entry.SizeBytes - prev.SizeBytes
		return store.UpsertResult{ID: id, Previous: &prev}, nil
	}

	s.nextID++
	entry.ID = s.nextID
	rec := &record{entry: entry}
	rec.lastAccessed.Store(p.Now.UnixNano())
	s.byID[entry.ID] = rec
	s.byHash[p.Hash] = entry.ID
	s.size += entry.SizeBytes
	return store.UpsertResult{ID: entry.ID, Inserted: true}, nil
}

// Get returns a full copy of the entry, or nil.
func (s *Store) Get(_ context.Context, id int64) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	e := rec.snapshot(true)
	return &e, nil
}

// GetByHash returns a full copy of the entry with the hash, or nil.
func (s *Store) GetByHash(ctx context.Context, hash string) (*models.CacheEntry, error) {
	s.mu.RLock()
	id, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// Touch bumps access stats without taking the write lock.
func (s *Store) Touch(_ context.Context, id int64, at time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("touch entry %d: %w", id, models.ErrNotFound)
	}
	rec.accessCount.Add(1)
	rec.touchedAt(at.UnixNano())
	return nil
}

// Delete removes ids and reports the freed payload bytes.
func (s *Store) Delete(_ context.Context, ids ...int64) (store.Removed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rm store.Removed
	for _, id := range ids {
		rec, ok := s.byID[id]
		if !ok {
			continue
		}
		delete(s.byID, id)
		delete(s.byHash, rec.entry.QueryHash)
		s.size -= rec.entry.SizeBytes
		rm.Count++
		rm.Bytes += rec.entry.SizeBytes
	}
	return rm, nil
}

// Restore writes e back under its own id and hash.
func (s *Store) Restore(_ context.Context, e models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[e.ID]; ok {
		s.size -= old.entry.SizeBytes
		delete(s.byHash, old.entry.QueryHash)
	}
	if other, ok := s.byHash[e.QueryHash]; ok && other != e.ID {
		s.size -= s.byID[other].entry.SizeBytes
		delete(s.byID, other)
	}
	rec := &record{entry: e}
	rec.entry.Embedding = slices.Clone(e.Embedding)
	rec.entry.Payload = slices.Clone(e.Payload)
	rec.entry.Tags = slices.Clone(e.Tags)
	rec.accessCount.Store(e.AccessCount)
	rec.lastAccessed.Store(e.LastAccessedAt.UnixNano())
	s.byID[e.ID] = rec
	s.byHash[e.QueryHash] = e.ID
	s.size += e.SizeBytes
	if e.ID > s.nextID {
		s.nextID = e.ID
	}
	return nil
}

// Scan returns the first opts.Limit entries in scan order. With a limit only
// that many entries are held while scanning.
func (s *Store) Scan(_ context.Context, opts store.ScanOptions) ([]models.CacheEntry, error) {
	h := &scanHeap{opts: opts}
	s.mu.RLock()
	for _, rec := range s.byID {
		e := rec.meta()
		if !store.Selected(&e, opts) {
			continue
		}
		switch {
		case opts.Limit <= 0 || h.Len() < opts.Limit:
			heap.Push(h, e)
		case store.Compare(&e, &h.items[0], opts) < 0:
			h.items[0] = e
			heap.Fix(h, 0)
		}
	}
	s.mu.RUnlock()

	out := h.items
	slices.SortFunc(out, func(a, b models.CacheEntry) int {
		return store.Compare(&a, &b, opts)
	})
	for i := range out {
		out[i].Tags = slices.Clone(out[i].Tags)
	}
	return out, nil
}

// scanHeap keeps the root at the entry that sorts last, so it is the one
// replaced when a better candidate turns up.
type scanHeap struct {
	items []models.CacheEntry
	opts  store.ScanOptions
}

func (h *scanHeap) Len() int { return len(h.items) }
func (h *scanHeap) Less(i, j int) bool {
	return store.Compare(&h.items[i], &h.items[j], h.opts) > 0
}
func (h *scanHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *scanHeap) Push(x any)    { h.items = append(h.items, x.(models.CacheEntry)) }

func (h *scanHeap) Pop() any {
	n := len(h.items)
	e := h.items[n-1]
	h.items = h.items[:n-1]
	return e
}

// Match returns ids by LIKE pattern on the query text, or by tag.
func (s *Store) Match(_ context.Context, pattern, tag string) ([]int64, error) {
	var match func(*models.CacheEntry) bool
	if pattern != "" {
		re, err := store.LikePattern(pattern)
		if err != nil {
			return nil, models.Validationf("bad pattern %q: %v", pattern, err)
		}
		match = func(e *models.CacheEntry) bool { return re.MatchString(e.QueryText) }
	} else {
		match = func(e *models.CacheEntry) bool { return slices.Contains(e.Tags, tag) }
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, rec := range s.byID {
		if match(&rec.entry) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Walk visits entries in id order.
func (s *Store) Walk(ctx context.Context, fn func(models.CacheEntry) error) error {
	s.mu.RLock()
	entries := make([]models.CacheEntry, 0, len(s.byID))
	for _, rec := range s.byID {
		e := rec.snapshot(false)
		e.Embedding = slices.Clone(rec.entry.Embedding)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(entries, func(a, b models.CacheEntry) int { return cmp.Compare(a.ID, b.ID) })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of entries.
func (s *Store) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byID)), nil
}

// TotalSize returns the sum of payload sizes.
func (s *Store) TotalSize(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}

// Truncate drops every entry. Ids keep increasing afterwards.
func (s *Store) Truncate(context.Context) (store.Removed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := store.Removed{Count: int64(len(s.byID)), Bytes: s.size}
	s.byID = make(map[int64]*record)
	s.byHash = make(map[string]int64)
	s.size = 0
	return rm, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
