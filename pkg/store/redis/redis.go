// Package redis is an entry store shared between processes through Redis.
//
// Each entry is a hash under <prefix>:entry:<id>. Sorted sets keyed by
// last access, access count, expiry and size carry the scan orders; their
// members are zero-padded ids so equal scores fall back to id order.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/maqeel75/semcache/pkg/models"
	"github.com/maqeel75/semcache/pkg/store"
)

const (
	defaultKeyPrefix = "semcache"
	maxTxRetries     = 5
	batchSize        = 256
)

// touchScript records a hit atomically, and only if the entry still exists.
// The last access time only moves forward. ARGV[1] is compared as a decimal
// string: longer is later, equal lengths compare lexically.
const touchScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('ZINCRBY', KEYS[3], 1, ARGV[3])
local cur = redis.call('HGET', KEYS[1], 'accessed')
local at = ARGV[1]
if (not cur) or #at > #cur or (#at == #cur and at > cur) then
	redis.call('HSET', KEYS[1], 'accessed', at)
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
end
return 1
`

var metaFields = []string{"id", "hash", "text", "size", "created", "accessed", "count", "ttl", "expires", "tags"}

// Store is a store.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	touch     *redis.Script
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the key prefix (default: "semcache").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.keyPrefix = prefix
	}
}

// New returns a Store using client. Close closes the client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.touch = redis.NewScript(touchScript)
	return s
}

func (s *Store) key(parts ...string) string {
	return s.keyPrefix + ":" + strings.Join(parts, ":")
}

func (s *Store) entryKey(id int64) string { return s.key("entry", strconv.FormatInt(id, 10)) }
func (s *Store) hashesKey() string        { return s.key("hashes") }
func (s *Store) nextIDKey() string        { return s.key("next_id") }
func (s *Store) totalSizeKey() string     { return s.key("total_size") }
func (s *Store) tagKey(tag string) string { return s.key("tag", tag) }

// orderKey returns the sorted set backing a scan order.
func (s *Store) orderKey(o store.Order) string {
	return s.key("z", o.String())
}

func member(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func micros(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Upsert inserts or replaces the entry for p.Hash. The hash index is watched
// so concurrent writers of the same query retry instead of duplicating it.
func (s *Store) Upsert(ctx context.Context, p store.UpsertParams) (store.UpsertResult, error) {
	if err := store.CheckParams(p); err != nil {
		return store.UpsertResult{}, err
	}

	var res store.UpsertResult
	txf := func(tx *redis.Tx) error {
		prev, err := s.lookupHash(ctx, tx, p.Hash)
		if err != nil {
			return err
		}

		e := models.CacheEntry{
			QueryHash:      p.Hash,
			QueryText:      p.Text,
			Embedding:      p.Embedding,
			Payload:        p.Payload,
			SizeBytes:      int64(len(p.Payload)),
			CreatedAt:      p.Now,
			LastAccessedAt: p.Now,
			TTLSeconds:     p.TTLSeconds,
			ExpiresAt:      models.ExpiryFor(p.Now, p.TTLSeconds),
			Tags:           p.Tags,
		}
		res = store.UpsertResult{Previous: prev}
		if prev != nil {
			e.ID = prev.ID
			e.QueryText = prev.QueryText
			e.AccessCount = prev.AccessCount + 1
		} else {
			if e.ID, err = tx.Incr(ctx, s.nextIDKey()).Result(); err != nil {
				return err
			}
			res.Inserted = true
		}
		res.ID = e.ID

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				s.unindexTags(ctx, pipe, prev)
			}
			return s.write(ctx, pipe, &e, res.SizeDelta(e.SizeBytes))
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, s.hashesKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return store.UpsertResult{}, models.StorageError("cache put", err)
		}
		return res, nil
	}
	return store.UpsertResult{}, models.StorageError("cache put", errors.New("too many concurrent writers"))
}

// hashReader is the read side shared by clients and WATCH transactions.
type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Store) lookupHash(ctx context.Context, c hashReader, hash string) (*models.CacheEntry, error) {
	raw, err := c.HGet(ctx, s.hashesKey(), hash).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("hash index: %w", err)
	}
	m, err := c.HGetAll(ctx, s.entryKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return decodeEntry(m)
}

// write queues the full entry and its index memberships on pipe.
func (s *Store) write(ctx context.Context, pipe redis.Pipeliner, e *models.CacheEntry, sizeDelta int64) error {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	expires := ""
	if e.ExpiresAt != nil {
		expires = strconv.FormatInt(e.ExpiresAt.UnixNano(), 10)
	}

	key := s.entryKey(e.ID)
	m := member(e.ID)
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]any{
		"id":       e.ID,
		"hash":     e.QueryHash,
		"text":     e.QueryText,
		"emb":      store.EncodeVector(e.Embedding),
		"payload":  []byte(e.Payload),
		"size":     e.SizeBytes,
		"created":  e.CreatedAt.UnixNano(),
		"accessed": e.LastAccessedAt.UnixNano(),
		"count":    e.AccessCount,
		"ttl":      e.TTLSeconds,
		"expires":  expires,
		"tags":     string(encodedTags),
	})
	pipe.HSet(ctx, s.hashesKey(), e.QueryHash, e.ID)
	pipe.ZAdd(ctx, s.orderKey(store.OrderLastAccessed), redis.Z{Score: micros(e.LastAccessedAt), Member: m})
	pipe.ZAdd(ctx, s.orderKey(store.OrderAccessCount), redis.Z{Score: float64(e.AccessCount), Member: m})
	pipe.ZAdd(ctx, s.orderKey(store.OrderSize), redis.Z{Score: float64(e.SizeBytes), Member: m})
	if e.ExpiresAt != nil {
		pipe.ZAdd(ctx, s.orderKey(store.OrderExpiresAt), redis.Z{Score: micros(*e.ExpiresAt), Member: m})
	} else {
		pipe.ZRem(ctx, s.orderKey(store.OrderExpiresAt), m)
	}
	for _, tag := range e.Tags {
		pipe.SAdd(ctx, s.tagKey(tag), m)
	}
	if sizeDelta != 0 {
		pipe.IncrBy(ctx, s.totalSizeKey(), sizeDelta)
	}
	return nil
}

func (s *Store) unindexTags(ctx context.Context, pipe redis.Pipeliner, e *models.CacheEntry) {
	for _, tag := range e.Tags {
		pipe.SRem(ctx, s.tagKey(tag), member(e.ID))
	}
}

// Get returns the entry with id, or nil if absent.
func (s *Store) Get(ctx context.Context, id int64) (*models.CacheEntry, error) {
	m, err := s.client.HGetAll(ctx, s.entryKey(id)).Result()
	if err != nil {
		return nil, models.StorageError("cache get", err)
	}
	e, err := decodeEntry(m)
	if err != nil {
		return nil, models.StorageError("cache get", err)
	}
	return e, nil
}

// GetByHash returns the entry with the query hash, or nil if absent.
func (s *Store) GetByHash(ctx context.Context, hash string) (*models.CacheEntry, error) {
	e, err := s.lookupHash(ctx, s.client, hash)
	if err != nil {
		return nil, models.StorageError("cache get", err)
	}
	return e, nil
}

// Touch records a hit on id.
func (s *Store) Touch(ctx context.Context, id int64, at time.Time) error {
	keys := []string{
		s.entryKey(id),
		s.orderKey(store.OrderLastAccessed),
		s.orderKey(store.OrderAccessCount),
	}
	n, err := s.touch.Run(ctx, s.client, keys, at.UnixNano(), formatScore(micros(at)), member(id)).Int()
	if err != nil {
		return models.StorageError("cache touch", err)
	}
	if n == 0 {
		return fmt.Errorf("touch entry %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// Delete removes ids and reports the freed payload bytes.
func (s *Store) Delete(ctx context.Context, ids ...int64) (store.Removed, error) {
	var rm store.Removed
	for chunk := range slices.Chunk(ids, batchSize) {
		cmds := make([]*redis.SliceCmd, len(chunk))
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range chunk {
				cmds[i] = pipe.HMGet(ctx, s.entryKey(id), "hash", "size", "tags")
			}
			return nil
		})
		if err != nil {
			return rm, models.StorageError("cache delete", err)
		}

		var victims []models.CacheEntry
		for i, cmd := range cmds {
			vals := cmd.Val()
			hash, ok := vals[0].(string)
			if !ok {
				continue
			}
			e := models.CacheEntry{ID: chunk[i], QueryHash: hash}
			if raw, ok := vals[1].(string); ok {
				e.SizeBytes, _ = strconv.ParseInt(raw, 10, 64)
			}
			if raw, ok := vals[2].(string); ok {
				_ = json.Unmarshal([]byte(raw), &e.Tags)
			}
			victims = append(victims, e)
		}
		if len(victims) == 0 {
			continue
		}

		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := range victims {
				s.queueRemove(ctx, pipe, &victims[i])
			}
			return nil
		})
		if err != nil {
			return rm, models.StorageError("cache delete", err)
		}
		for _, v := range victims {
			rm.Count++
			rm.Bytes += v.SizeBytes
		}
	}
	return rm, nil
}

func (s *Store) queueRemove(ctx context.Context, pipe redis.Pipeliner, e *models.CacheEntry) {
	m := member(e.ID)
	pipe.Del(ctx, s.entryKey(e.ID))
	pipe.HDel(ctx, s.hashesKey(), e.QueryHash)
	for _, o := range []store.Order{store.OrderLastAccessed, store.OrderAccessCount, store.OrderExpiresAt, store.OrderSize} {
		pipe.ZRem(ctx, s.orderKey(o), m)
	}
	s.unindexTags(ctx, pipe, e)
	pipe.DecrBy(ctx, s.totalSizeKey(), e.SizeBytes)
}

// Restore writes e verbatim, replacing any entry with the same id or hash.
func (s *Store) Restore(ctx context.Context, e models.CacheEntry) error {
	victims := []int64{e.ID}
	if other, err := s.client.HGet(ctx, s.hashesKey(), e.QueryHash).Int64(); err == nil && other != e.ID {
		victims = append(victims, other)
	} else if err != nil && !errors.Is(err, redis.Nil) {
		return models.StorageError("cache restore", err)
	}
	if _, err := s.Delete(ctx, victims...); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.write(ctx, pipe, &e, e.SizeBytes)
	})
	if err != nil {
		return models.StorageError("cache restore", err)
	}
	return nil
}

// Scan returns entry metadata in the requested order.
func (s *Store) Scan(ctx context.Context, opts store.ScanOptions) ([]models.CacheEntry, error) {
	ids, err := s.candidates(ctx, opts)
	if err != nil {
		return nil, models.StorageError("cache scan", err)
	}
	entries, err := s.loadMeta(ctx, ids)
	if err != nil {
		return nil, models.StorageError("cache scan", err)
	}

	entries = slices.DeleteFunc(entries, func(e models.CacheEntry) bool {
		return !store.Selected(&e, opts)
	})
	slices.SortFunc(entries, func(a, b models.CacheEntry) int {
		return store.Compare(&a, &b, opts)
	})
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// candidates returns a superset of the ids a scan can return. Scores are
// coarser than the stored values, so a limited scan reads every member
// tied with the last one in range and leaves the exact order to Compare.
func (s *Store) candidates(ctx context.Context, opts store.ScanOptions) ([]int64, error) {
	if !opts.ExpiredAt.IsZero() {
		members, err := s.client.ZRangeByScore(ctx, s.orderKey(store.OrderExpiresAt), &redis.ZRangeBy{
			Min: "-inf",
			Max: formatScore(micros(opts.ExpiredAt)),
		}).Result()
		if err != nil {
			return nil, err
		}
		return parseMembers(members)
	}
	if opts.Limit <= 0 || opts.Order == store.OrderExpiresAt {
		return s.allIDs(ctx)
	}

	key := s.orderKey(opts.Order)
	stop := int64(opts.Limit - 1)
	var head []redis.Z
	var err error
	if opts.Desc {
		head, err = s.client.ZRevRangeWithScores(ctx, key, 0, stop).Result()
	} else {
		head, err = s.client.ZRangeWithScores(ctx, key, 0, stop).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(head) < opts.Limit {
		return parseZ(head)
	}

	boundary := formatScore(head[len(head)-1].Score)
	var members []string
	if opts.Desc {
		members, err = s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: boundary, Max: "+inf"}).Result()
	} else {
		members, err = s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: boundary}).Result()
	}
	if err != nil {
		return nil, err
	}
	return parseMembers(members)
}

func (s *Store) allIDs(ctx context.Context) ([]int64, error) {
	members, err := s.client.ZRange(ctx, s.orderKey(store.OrderLastAccessed), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids, err := parseMembers(members)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

// loadMeta fetches the metadata of ids, skipping ones deleted meanwhile.
func (s *Store) loadMeta(ctx context.Context, ids []int64) ([]models.CacheEntry, error) {
	entries := make([]models.CacheEntry, 0, len(ids))
	for chunk := range slices.Chunk(ids, batchSize) {
		cmds := make([]*redis.SliceCmd, len(chunk))
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range chunk {
				cmds[i] = pipe.HMGet(ctx, s.entryKey(id), metaFields...)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, cmd := range cmds {
			m := make(map[string]string, len(metaFields))
			for i, v := range cmd.Val() {
				if str, ok := v.(string); ok {
					m[metaFields[i]] = str
				}
			}
			e, err := decodeEntry(m)
			if err != nil {
				return nil, err
			}
			if e != nil {
				entries = append(entries, *e)
			}
		}
	}
	return entries, nil
}

// Match returns ids by LIKE pattern on the query text, or by tag.
func (s *Store) Match(ctx context.Context, pattern, tag string) ([]int64, error) {
	if pattern == "" {
		members, err := s.client.SMembers(ctx, s.tagKey(tag)).Result()
		if err != nil {
			return nil, models.StorageError("cache match", err)
		}
		ids, err := parseMembers(members)
		if err != nil {
			return nil, models.StorageError("cache match", err)
		}
		slices.Sort(ids)
		return ids, nil
	}

	re, err := store.LikePattern(pattern)
	if err != nil {
		return nil, models.Validationf("bad pattern %q: %v", pattern, err)
	}
	ids, err := s.allIDs(ctx)
	if err != nil {
		return nil, models.StorageError("cache match", err)
	}
	var matched []int64
	for chunk := range slices.Chunk(ids, batchSize) {
		cmds := make([]*redis.StringCmd, len(chunk))
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range chunk {
				cmds[i] = pipe.HGet(ctx, s.entryKey(id), "text")
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, models.StorageError("cache match", err)
		}
		for i, cmd := range cmds {
			if text, err := cmd.Result(); err == nil && re.MatchString(text) {
				matched = append(matched, chunk[i])
			}
		}
	}
	return matched, nil
}

// Walk visits every entry in id order, with embedding but without payload.
func (s *Store) Walk(ctx context.Context, fn func(models.CacheEntry) error) error {
	ids, err := s.allIDs(ctx)
	if err != nil {
		return models.StorageError("cache walk", err)
	}
	for chunk := range slices.Chunk(ids, batchSize) {
		cmds := make([]*redis.MapStringStringCmd, len(chunk))
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range chunk {
				cmds[i] = pipe.HGetAll(ctx, s.entryKey(id))
			}
			return nil
		})
		if err != nil {
			return models.StorageError("cache walk", err)
		}
		for _, cmd := range cmds {
			e, err := decodeEntry(cmd.Val())
			if err != nil {
				return models.StorageError("cache walk", err)
			}
			if e == nil {
				continue
			}
			e.Payload = nil
			if err := fn(*e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Count returns the number of entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.orderKey(store.OrderLastAccessed)).Result()
	if err != nil {
		return 0, models.StorageError("cache count", err)
	}
	return n, nil
}

// TotalSize returns the sum of payload sizes.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	n, err := s.client.Get(ctx, s.totalSizeKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, models.StorageError("cache size", err)
	}
	return n, nil
}

// Truncate removes every entry. Ids keep increasing afterwards.
func (s *Store) Truncate(ctx context.Context) (store.Removed, error) {
	ids, err := s.allIDs(ctx)
	if err != nil {
		return store.Removed{}, models.StorageError("cache clear", err)
	}
	rm, err := s.Delete(ctx, ids...)
	if err != nil {
		return rm, err
	}
	if err := s.client.Set(ctx, s.totalSizeKey(), 0, 0).Err(); err != nil {
		return rm, models.StorageError("cache clear", err)
	}
	return rm, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// decodeEntry parses an entry hash. An empty map decodes to nil.
func decodeEntry(m map[string]string) (*models.CacheEntry, error) {
	if len(m) == 0 || m["id"] == "" {
		return nil, nil
	}

	var firstErr error
	num := func(field string) int64 {
		n, err := strconv.ParseInt(m[field], 10, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("field %s: %w", field, err)
		}
		return n
	}

	e := &models.CacheEntry{
		ID:             num("id"),
		QueryHash:      m["hash"],
		QueryText:      m["text"],
		SizeBytes:      num("size"),
		CreatedAt:      time.Unix(0, num("created")).UTC(),
		LastAccessedAt: time.Unix(0, num("accessed")).UTC(),
		AccessCount:    num("count"),
		TTLSeconds:     num("ttl"),
	}
	if m["expires"] != "" {
		t := time.Unix(0, num("expires")).UTC()
		e.ExpiresAt = &t
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if raw, ok := m["tags"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if raw, ok := m["emb"]; ok {
		e.Embedding = store.DecodeVector([]byte(raw))
	}
	if raw, ok := m["payload"]; ok {
		e.Payload = []byte(raw)
	}
	return e, nil
}

func parseMembers(members []string) ([]int64, error) {
	ids := make([]int64, len(members))
	for i, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", m, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func parseZ(zs []redis.Z) ([]int64, error) {
	members := make([]string, len(zs))
	for i, z := range zs {
		str, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("member %v is not a string", z.Member)
		}
		members[i] = str
	}
	return parseMembers(members)
}
