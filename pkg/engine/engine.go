// Package engine is the semantic cache façade. It keeps the entry store and
// the similarity index in step, answers lookups by embedding similarity, and
// accounts every lookup in the access ledger.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	uberatomic "go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/maqeel75/semcache/pkg/clock"
	"github.com/maqeel75/semcache/pkg/index"
	"github.com/maqeel75/semcache/pkg/ledger"
	"github.com/maqeel75/semcache/pkg/models"
	"github.com/maqeel75/semcache/pkg/settings"
	"github.com/maqeel75/semcache/pkg/store"
)

const (
	// DefaultCandidates is how many index neighbours a lookup re-verifies.
	DefaultCandidates = 10
	// similarityEpsilon absorbs float rounding at the threshold boundary.
	similarityEpsilon = 1e-9
)

// LookupObserver is told about every completed lookup.
type LookupObserver interface {
	ObserveLookup(hit bool, elapsed time.Duration)
}

// Options configures an Engine. Store, Ledger and Settings are required.
type Options struct {
	Store    store.Store
	Ledger   ledger.Ledger
	Settings *settings.Store
	Clock    clock.Clock
	Logger   *slog.Logger
	// Candidates is the number of nearest neighbours fetched per lookup.
	Candidates int
	// Observer, when set, receives lookup outcomes and latencies.
	Observer LookupObserver
	// SchedulerTick overrides the auto-eviction interval setting.
	SchedulerTick time.Duration
}

// Engine is safe for concurrent use.
type Engine struct {
	// mu guards store+index consistency: lookups hold it shared, every
	// mutation of either structure holds it exclusively.
	mu    sync.RWMutex
	store store.Store
	idx   index.Index

	ledger     ledger.Ledger
	settings   *settings.Store
	clock      clock.Clock
	log        *slog.Logger
	observer   LookupObserver
	candidates int

	entries   atomic.Int64
	sizeBytes atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	costSaved *uberatomic.Float64

	autoEvict     singleflight.Group
	schedulerTick time.Duration
	startOnce     sync.Once
	closeOnce     sync.Once
	done          chan struct{}
	wg            sync.WaitGroup
}

// New builds the index from the store's current contents and restores the
// aggregate counters.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Settings == nil {
		return nil, errors.New("engine: store, ledger and settings are required")
	}
	e := &Engine{
		store:         opts.Store,
		ledger:        opts.Ledger,
		settings:      opts.Settings,
		clock:         opts.Clock,
		log:           opts.Logger,
		observer:      opts.Observer,
		candidates:    opts.Candidates,
		costSaved:     uberatomic.NewFloat64(0),
		schedulerTick: opts.SchedulerTick,
		done:          make(chan struct{}),
	}
	if e.clock == nil {
		e.clock = clock.System{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.candidates <= 0 {
		e.candidates = DefaultCandidates
	}

	v := e.settings.Values()
	idx, purged, err := e.buildIndex(ctx, v.IndexKind, v.VectorDimension)
	if err != nil {
		return nil, err
	}
	e.idx = idx
	if purged > 0 {
		e.log.Warn("dropped entries with stale embedding dimension",
			"removed", purged, "dimension", v.VectorDimension)
	}

	md, err := e.ledger.LoadMetadata(ctx)
	if err != nil {
		return nil, err
	}
	e.hits.Store(md.TotalHits)
	e.misses.Store(md.TotalMisses)
	e.evictions.Store(md.TotalEvictions)
	e.costSaved.Store(md.TotalCostSaved)
	if err := e.recount(ctx); err != nil {
		return nil, err
	}

	e.log.Info("cache engine ready",
		"entries", e.entries.Load(),
		"index_kind", string(idx.Kind()),
		"dimension", idx.Dimension())
	return e, nil
}

// buildIndex loads every stored embedding into a fresh index and deletes the
// entries whose dimension does not match. It returns the number deleted.
func (e *Engine) buildIndex(ctx context.Context, kind index.Kind, dim int) (index.Index, int64, error) {
	idx, err := index.New(kind, dim)
	if err != nil {
		return nil, 0, err
	}
	var stale []int64
	err = e.store.Walk(ctx, func(entry models.CacheEntry) error {
		if err := idx.Insert(entry.ID, entry.Embedding); err != nil {
			stale = append(stale, entry.ID)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if len(stale) == 0 {
		return idx, 0, nil
	}
	rm, err := e.store.Delete(ctx, stale...)
	if err != nil {
		return nil, 0, err
	}
	return idx, rm.Count, nil
}

func (e *Engine) recount(ctx context.Context) error {
	n, err := e.store.Count(ctx)
	if err != nil {
		return err
	}
	size, err := e.store.TotalSize(ctx)
	if err != nil {
		return err
	}
	e.entries.Store(n)
	e.sizeBytes.Store(size)
	return nil
}

// PutRequest is one result to cache.
type PutRequest struct {
	QueryText string
	Embedding []float64
	Payload   json.RawMessage
	// TTLSeconds overrides default_ttl_seconds. Zero means never expire.
	TTLSeconds *int64
	Tags       []string
}

// Put caches a result and returns its entry id. Writing the same query text
// again replaces the entry in place and keeps its id.
func (e *Engine) Put(ctx context.Context, req PutRequest) (int64, error) {
	params, err := e.validatePut(req)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := index.CheckVector(params.Embedding, e.idx.Dimension()); err != nil {
		return 0, err
	}

	res, err := e.store.Upsert(ctx, params)
	if err != nil {
		return 0, err
	}
	if err := e.idx.Insert(res.ID, params.Embedding); err != nil {
		e.rollbackPut(ctx, res)
		return 0, models.StorageError("index insert", err)
	}

	if res.Inserted {
		e.entries.Add(1)
	}
	e.sizeBytes.Add(res.SizeDelta(int64(len(params.Payload))))
	e.log.Debug("cached result", "entry_id", res.ID, "inserted", res.Inserted, "size_bytes", len(params.Payload))
	return res.ID, nil
}

// rollbackPut undoes the store half of a put whose index write failed.
func (e *Engine) rollbackPut(ctx context.Context, res store.UpsertResult) {
	var err error
	if res.Inserted {
		_, err = e.store.Delete(ctx, res.ID)
	} else {
		err = e.store.Restore(ctx, *res.Previous)
		if err == nil {
			err = e.idx.Insert(res.ID, res.Previous.Embedding)
		}
	}
	if err != nil {
		e.log.Error("put rollback failed; run reconcile", "entry_id", res.ID, "error", err)
	}
}

func (e *Engine) validatePut(req PutRequest) (store.UpsertParams, error) {
	text := strings.TrimSpace(req.QueryText)
	if text == "" {
		return store.UpsertParams{}, models.Validationf("query text is empty")
	}
	if len(req.Payload) == 0 {
		return store.UpsertParams{}, models.Validationf("payload is empty")
	}
	if len(req.Payload) > store.MaxPayloadBytes {
		return store.UpsertParams{}, models.Validationf("payload of %d bytes exceeds %d byte cap", len(req.Payload), store.MaxPayloadBytes)
	}
	if !json.Valid(req.Payload) {
		return store.UpsertParams{}, models.Validationf("payload is not valid JSON")
	}

	ttl := e.settings.Values().DefaultTTLSeconds
	if req.TTLSeconds != nil {
		ttl = *req.TTLSeconds
	}
	if ttl < 0 || ttl > store.MaxTTLSeconds {
		return store.UpsertParams{}, models.Validationf("ttl_seconds %d out of range [0, %d]", ttl, store.MaxTTLSeconds)
	}

	var tags []string
	for _, t := range req.Tags {
		t = strings.TrimSpace(t)
		if t == "" {
			return store.UpsertParams{}, models.Validationf("empty tag")
		}
		if !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}

	return store.UpsertParams{
		Hash:       store.HashQuery(text),
		Text:       text,
		Embedding:  slices.Clone(req.Embedding),
		Payload:    req.Payload,
		TTLSeconds: ttl,
		Tags:       tags,
		Now:        e.clock.Now(),
	}, nil
}

// GetOptions tunes one lookup. Nil fields fall back to settings.
type GetOptions struct {
	Threshold     *float64
	MaxAgeSeconds *int64
	// QueryCost is what computing the result would cost; saved on a hit.
	QueryCost float64
}

// LookupResult is the outcome of Get. A miss is Hit == false with a nil error.
type LookupResult struct {
	Hit        bool            `json:"hit"`
	EntryID    int64           `json:"entry_id,omitempty"`
	QueryText  string          `json:"query_text,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Similarity float64         `json:"similarity,omitempty"`
	AgeSeconds float64         `json:"age_seconds,omitempty"`
}

type candidate struct {
	entry      *models.CacheEntry
	similarity float64
}

// Get returns the best live entry whose embedding is at least threshold
// similar to embedding.
func (e *Engine) Get(ctx context.Context, embedding []float64, opts GetOptions) (LookupResult, error) {
	start := time.Now()
	threshold := e.settings.Values().DefaultSimilarityThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if math.IsNaN(threshold) || threshold <= 0 || threshold > 1 {
		return LookupResult{}, models.Validationf("threshold %v out of range (0, 1]", threshold)
	}
	if opts.MaxAgeSeconds != nil && *opts.MaxAgeSeconds < 0 {
		return LookupResult{}, models.Validationf("max_age_seconds %d is negative", *opts.MaxAgeSeconds)
	}
	if opts.QueryCost < 0 || math.IsNaN(opts.QueryCost) || math.IsInf(opts.QueryCost, 0) {
		return LookupResult{}, models.Validationf("query cost %v must be a non-negative number", opts.QueryCost)
	}

	best, now, err := e.lookup(ctx, embedding, threshold, opts.MaxAgeSeconds)
	if err != nil {
		return LookupResult{}, err
	}

	rec := models.AccessLogRecord{Timestamp: now, QueryCost: opts.QueryCost}
	var res LookupResult
	if best != nil {
		res = LookupResult{
			Hit:        true,
			EntryID:    best.entry.ID,
			QueryText:  best.entry.QueryText,
			Payload:    best.entry.Payload,
			Similarity: best.similarity,
			AgeSeconds: best.entry.Age(now).Seconds(),
		}
		rec.CacheHit = true
		rec.QueryHash = &best.entry.QueryHash
		rec.SimilarityScore = &best.similarity
	}
	e.account(ctx, rec)

	if e.observer != nil {
		e.observer.ObserveLookup(res.Hit, time.Since(start))
	}
	return res, nil
}

// lookup finds and touches the hit under the read lock. When every
// neighbour returned is expired or too old, the search widens until a live
// entry turns up or the index is exhausted.
func (e *Engine) lookup(ctx context.Context, embedding []float64, threshold float64, maxAge *int64) (*candidate, time.Time, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.clock.Now()
	var cands []candidate
	for k := e.candidates; ; k *= 2 {
		matches, err := e.idx.Nearest(embedding, k)
		if err != nil {
			return nil, now, err
		}
		cands, err = e.liveCandidates(ctx, embedding, matches, now, maxAge)
		if err != nil {
			return nil, now, err
		}
		if len(cands) > 0 || len(matches) < k || k >= e.idx.Len() {
			break
		}
	}
	if len(cands) == 0 {
		return nil, now, nil
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if a.similarity != b.similarity {
			if a.similarity > b.similarity {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.entry.ID, b.entry.ID)
	})

	best := cands[0]
	if best.similarity < threshold-similarityEpsilon {
		return nil, now, nil
	}
	if err := e.store.Touch(ctx, best.entry.ID, now); err != nil {
		return nil, now, err
	}
	best.entry.AccessCount++
	best.entry.LastAccessedAt = now
	return &best, now, nil
}

// liveCandidates loads matches from the store and keeps the unexpired ones
// within maxAge, scored by exact cosine similarity.
func (e *Engine) liveCandidates(ctx context.Context, embedding []float64, matches []index.Match, now time.Time, maxAge *int64) ([]candidate, error) {
	cands := make([]candidate, 0, len(matches))
	for _, m := range matches {
		entry, err := e.store.Get(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Expired(now) {
			continue
		}
		if maxAge != nil && entry.Age(now) > time.Duration(*maxAge)*time.Second {
			continue
		}
		cands = append(cands, candidate{entry: entry, similarity: index.Cosine(embedding, entry.Embedding)})
	}
	return cands, nil
}

// account updates the counters and appends to the ledger. A ledger failure
// is logged, not returned: the lookup itself already succeeded.
func (e *Engine) account(ctx context.Context, rec models.AccessLogRecord) {
	if rec.CacheHit {
		e.hits.Add(1)
		e.costSaved.Add(rec.QueryCost)
		rec.CostSaved = rec.QueryCost
	} else {
		e.misses.Add(1)
	}
	if err := e.ledger.Record(ctx, rec); err != nil {
		e.log.Warn("access ledger write failed", "hit", rec.CacheHit, "error", err)
	}
}

// RecordAccess accounts a lookup served outside Get, for callers that learn
// the true cost of a query after the fact.
func (e *Engine) RecordAccess(ctx context.Context, rec models.AccessLogRecord) error {
	if rec.QueryCost < 0 || math.IsNaN(rec.QueryCost) || math.IsInf(rec.QueryCost, 0) {
		return models.Validationf("query cost %v must be a non-negative number", rec.QueryCost)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.clock.Now()
	}
	if rec.CacheHit {
		e.hits.Add(1)
		e.costSaved.Add(rec.QueryCost)
	} else {
		e.misses.Add(1)
	}
	return e.ledger.Record(ctx, rec)
}

// Invalidate removes the entries whose query text matches the LIKE pattern,
// or that carry tag. Exactly one of pattern and tag must be set.
func (e *Engine) Invalidate(ctx context.Context, pattern, tag string) (int64, error) {
	if (pattern == "") == (tag == "") {
		return 0, fmt.Errorf("%w: exactly one of pattern and tag is required", models.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ids, err := e.store.Match(ctx, pattern, tag)
	if err != nil {
		return 0, err
	}
	rm, err := e.removeLocked(ctx, ids)
	if err != nil {
		return 0, err
	}
	e.log.Info("invalidated entries", "pattern", pattern, "tag", tag, "removed", rm.Count)
	return rm.Count, nil
}

// removeLocked deletes ids from both structures. Callers hold e.mu.
func (e *Engine) removeLocked(ctx context.Context, ids []int64) (store.Removed, error) {
	if len(ids) == 0 {
		return store.Removed{}, nil
	}
	rm, err := e.store.Delete(ctx, ids...)
	if err != nil {
		return store.Removed{}, err
	}
	for _, id := range ids {
		e.idx.Delete(id)
	}
	e.entries.Add(-rm.Count)
	e.sizeBytes.Add(-rm.Bytes)
	return rm, nil
}

// Stats reports the aggregate counters.
func (e *Engine) Stats(context.Context) (models.Stats, error) {
	s := models.Stats{
		Entries:        e.entries.Load(),
		Hits:           e.hits.Load(),
		Misses:         e.misses.Load(),
		Evictions:      e.evictions.Load(),
		SizeBytes:      e.sizeBytes.Load(),
		TotalCostSaved: e.costSaved.Load(),
	}
	s.HitRatePct = ledger.HitRatePct(s.Hits, s.Hits+s.Misses)
	s.SizeMB = round2(float64(s.SizeBytes) / (1 << 20))
	if s.Entries > 0 {
		s.AvgEntryKB = round2(float64(s.SizeBytes) / float64(s.Entries) / 1024)
	}
	return s, nil
}

// Metadata returns the raw aggregate counters.
func (e *Engine) Metadata() models.CacheMetadata {
	return models.CacheMetadata{
		TotalEntries:   e.entries.Load(),
		TotalSizeBytes: e.sizeBytes.Load(),
		TotalHits:      e.hits.Load(),
		TotalMisses:    e.misses.Load(),
		TotalEvictions: e.evictions.Load(),
		TotalCostSaved: e.costSaved.Load(),
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// CostReport aggregates the ledger over the last windowDays days
// (zero means the default window).
func (e *Engine) CostReport(ctx context.Context, windowDays int) (models.CostReport, error) {
	return e.ledger.Aggregate(ctx, e.clock.Now(), windowDays)
}

// GetConfig returns the current value of a setting.
func (e *Engine) GetConfig(key string) (string, bool) {
	return e.settings.Get(key)
}

// AllConfig returns every setting.
func (e *Engine) AllConfig() map[string]string {
	return e.settings.All()
}

// SetConfig validates and stores a setting. vector_dimension and index_kind
// are recorded but only take effect on RebuildIndex or restart.
func (e *Engine) SetConfig(ctx context.Context, key, value string) error {
	if err := e.settings.Set(ctx, key, value); err != nil {
		return err
	}
	e.log.Info("setting changed", "key", key, "value", value)
	return nil
}

// IndexInfo describes the live index.
func (e *Engine) IndexInfo() (index.Kind, int, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.idx.Kind(), e.idx.Dimension(), e.idx.Len()
}

// RebuildIndex replaces the index with an empty one of the given kind and
// dimension, refills it, and deletes the entries whose embedding no longer
// fits. It returns the number of entries deleted.
func (e *Engine) RebuildIndex(ctx context.Context, dim int, kind index.Kind) (int64, error) {
	if err := settings.Validate(settings.KeyVectorDimension, strconv.Itoa(dim)); err != nil {
		return 0, err
	}
	if err := settings.Validate(settings.KeyIndexKind, string(kind)); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	idx, purged, err := e.buildIndex(ctx, kind, dim)
	if err != nil {
		return 0, err
	}
	e.idx = idx
	if err := e.recount(ctx); err != nil {
		return purged, err
	}
	if err := e.settings.Set(ctx, settings.KeyVectorDimension, strconv.Itoa(dim)); err != nil {
		return purged, err
	}
	if err := e.settings.Set(ctx, settings.KeyIndexKind, string(kind)); err != nil {
		return purged, err
	}
	e.log.Info("rebuilt index", "index_kind", string(kind), "dimension", dim, "entries", idx.Len(), "removed", purged)
	return purged, nil
}

// Reconcile recomputes every counter from the store and the ledger and
// persists the result. Evictions have no other source and are kept.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.recount(ctx); err != nil {
		return err
	}
	totals, err := e.ledger.Totals(ctx)
	if err != nil {
		return err
	}
	e.hits.Store(totals.Hits)
	e.misses.Store(totals.Misses)
	e.costSaved.Store(totals.CostSaved)
	return e.ledger.SaveMetadata(ctx, e.Metadata())
}

// saveMetadata persists the counters, logging failures.
func (e *Engine) saveMetadata(ctx context.Context) {
	if err := e.ledger.SaveMetadata(ctx, e.Metadata()); err != nil {
		e.log.Warn("persist cache metadata failed", "error", err)
	}
}
