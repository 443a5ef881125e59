// Package sqlite is a durable entry store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/maqeel75/semcache/pkg/models"
	"github.com/maqeel75/semcache/pkg/store"
)

// DefaultVectorCacheSize is the number of decoded embeddings kept in memory.
const DefaultVectorCacheSize = 4096

// deleteChunk bounds the number of ids bound into one IN (...) clause.
const deleteChunk = 500

// Store is a store.Store on a SQLite database.
type Store struct {
	db      *sql.DB
	vectors *lru.Cache[int64, []float64]
}

var _ store.Store = (*Store)(nil)

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query_hash TEXT NOT NULL UNIQUE,
	query_text TEXT NOT NULL,
	embedding BLOB NOT NULL,
	dimension INTEGER NOT NULL,
	result_data BLOB NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	ttl_seconds INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER,
	tags TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_cache_access_count ON cache_entries(access_count, last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_size ON cache_entries(size_bytes);
`

// metaColumns are the columns returned by scans: everything but the blobs.
const metaColumns = `id, query_hash, query_text, size_bytes, created_at, last_accessed_at,
	access_count, ttl_seconds, expires_at, tags`

// DSN adds the pragmas every semcache SQLite handle uses.
func DSN(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Option configures a Store.
type Option func(*options)

type options struct {
	vectorCacheSize int
}

// WithVectorCacheSize bounds the number of decoded embeddings kept in memory.
// Non-positive sizes keep the default.
func WithVectorCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.vectorCacheSize = n
		}
	}
}

// New opens the database at dbPath and creates the schema.
func New(dbPath string, opts ...Option) (*Store, error) {
	o := options{vectorCacheSize: DefaultVectorCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	vectors, err := lru.New[int64, []float64](o.vectorCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vector cache: %w", err)
	}
	return &Store{db: db, vectors: vectors}, nil
}

// Upsert inserts or replaces the entry for p.Hash in one transaction.
func (s *Store) Upsert(ctx context.Context, p store.UpsertParams) (store.UpsertResult, error) {
	if err := store.CheckParams(p); err != nil {
		return store.UpsertResult{}, err
	}
	tags, err := encodeTags(p.Tags)
	if err != nil {
		return store.UpsertResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.UpsertResult{}, models.StorageError("cache put", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := getFull(ctx, tx, `query_hash = ?`, p.Hash)
	if err != nil {
		return store.UpsertResult{}, models.StorageError("cache put", err)
	}

	now := p.Now.UnixNano()
	expires := nullableExpiry(models.ExpiryFor(p.Now, p.TTLSeconds))
	blob := store.EncodeVector(p.Embedding)

	var res store.UpsertResult
	if prev != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE cache_entries SET embedding = ?, dimension = ?, result_data = ?, size_bytes = ?,
				created_at = ?, last_accessed_at = ?, access_count = access_count + 1,
				ttl_seconds = ?, expires_at = ?, tags = ?
			 WHERE id = ?`,
			blob, len(p.Embedding), []byte(p.Payload), len(p.Payload),
			now, now, p.TTLSeconds, expires, tags, prev.ID,
		)
		res = store.UpsertResult{ID: prev.ID, Previous: prev}
	} else {
		var r sql.Result
		r, err = tx.ExecContext(ctx,
			`INSERT INTO cache_entries (query_hash, query_text, embedding, dimension, result_data,
				size_bytes, created_at, last_accessed_at, access_count, ttl_seconds, expires_at, tags)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			p.Hash, p.Text, blob, len(p.Embedding), []byte(p.Payload),
			len(p.Payload), now, now, p.TTLSeconds, expires, tags,
		)
		if err == nil {
			res.ID, err = r.LastInsertId()
			res.Inserted = true
		}
	}
	if err != nil {
		return store.UpsertResult{}, models.StorageError("cache put", err)
	}
	if err := tx.Commit(); err != nil {
		return store.UpsertResult{}, models.StorageError("cache put", err)
	}
	s.vectors.Add(res.ID, append([]float64(nil), p.Embedding...))
	return res, nil
}

// Get returns the entry with id, or nil if absent.
func (s *Store) Get(ctx context.Context, id int64) (*models.CacheEntry, error) {
	return s.get(ctx, `id = ?`, id)
}

// GetByHash returns the entry with the query hash, or nil if absent.
func (s *Store) GetByHash(ctx context.Context, hash string) (*models.CacheEntry, error) {
	return s.get(ctx, `query_hash = ?`, hash)
}

// get reads the row without its embedding blob and fills the embedding
// from the decoded-vector cache when it can.
func (s *Store) get(ctx context.Context, where string, arg any) (*models.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+metaColumns+`, result_data FROM cache_entries WHERE `+where, arg)
	e, err := scanMeta(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.StorageError("cache get", err)
	}

	if vec, ok := s.vectors.Get(e.ID); ok {
		e.Embedding = append([]float64(nil), vec...)
		return e, nil
	}
	var blob []byte
	err = s.db.QueryRowContext(ctx, `SELECT embedding FROM cache_entries WHERE id = ?`, e.ID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, models.StorageError("cache get", err)
	}
	e.Embedding = store.DecodeVector(blob)
	s.vectors.Add(e.ID, append([]float64(nil), e.Embedding...))
	return e, nil
}

// Touch records a hit in a single atomic UPDATE. The last access time only
// moves forward.
func (s *Store) Touch(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_accessed_at = MAX(last_accessed_at, ?), access_count = access_count + 1 WHERE id = ?`,
		at.UnixNano(), id,
	)
	if err != nil {
		return models.StorageError("cache touch", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch entry %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// Delete removes ids and reports the freed payload bytes.
func (s *Store) Delete(ctx context.Context, ids ...int64) (store.Removed, error) {
	var rm store.Removed
	if len(ids) == 0 {
		return rm, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rm, models.StorageError("cache delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(ids); start += deleteChunk {
		chunk := ids[start:min(start+deleteChunk, len(ids))]
		in, args := inClause(chunk)

		var count, bytes int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries WHERE id IN `+in, args...,
		).Scan(&count, &bytes); err != nil {
			return store.Removed{}, models.StorageError("cache delete", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE id IN `+in, args...); err != nil {
			return store.Removed{}, models.StorageError("cache delete", err)
		}
		rm.Count += count
		rm.Bytes += bytes
	}

	if err := tx.Commit(); err != nil {
		return store.Removed{}, models.StorageError("cache delete", err)
	}
	for _, id := range ids {
		s.vectors.Remove(id)
	}
	return rm, nil
}

// Restore writes e verbatim, replacing any row with the same id or hash.
func (s *Store) Restore(ctx context.Context, e models.CacheEntry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.StorageError("cache restore", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE id = ? OR query_hash = ?`, e.ID, e.QueryHash); err != nil {
		return models.StorageError("cache restore", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (id, query_hash, query_text, embedding, dimension, result_data,
			size_bytes, created_at, last_accessed_at, access_count, ttl_seconds, expires_at, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.QueryHash, e.QueryText, store.EncodeVector(e.Embedding), len(e.Embedding), []byte(e.Payload),
		e.SizeBytes, e.CreatedAt.UnixNano(), e.LastAccessedAt.UnixNano(), e.AccessCount,
		e.TTLSeconds, nullableExpiry(e.ExpiresAt), tags,
	); err != nil {
		return models.StorageError("cache restore", err)
	}
	if err := tx.Commit(); err != nil {
		return models.StorageError("cache restore", err)
	}
	s.vectors.Add(e.ID, append([]float64(nil), e.Embedding...))
	return nil
}

// Scan returns entry metadata in the requested order.
func (s *Store) Scan(ctx context.Context, opts store.ScanOptions) ([]models.CacheEntry, error) {
	q := `SELECT ` + metaColumns + ` FROM cache_entries`
	var args []any
	if !opts.ExpiredAt.IsZero() {
		q += ` WHERE expires_at IS NOT NULL AND expires_at <= ?`
		args = append(args, opts.ExpiredAt.UnixNano())
	}
	q += ` ORDER BY ` + orderBy(opts)
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.StorageError("cache scan", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		e, err := scanMeta(rows, false)
		if err != nil {
			return nil, models.StorageError("cache scan", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("cache scan", err)
	}
	return entries, nil
}

func orderBy(opts store.ScanOptions) string {
	dir := "ASC"
	if opts.Desc {
		dir = "DESC"
	}
	switch opts.Order {
	case store.OrderAccessCount:
		return fmt.Sprintf("access_count %s, last_accessed_at %s, id ASC", dir, dir)
	case store.OrderExpiresAt:
		return fmt.Sprintf("expires_at IS NULL %s, expires_at %s, id ASC", dir, dir)
	case store.OrderSize:
		return fmt.Sprintf("size_bytes %s, id ASC", dir)
	default:
		return fmt.Sprintf("last_accessed_at %s, id ASC", dir)
	}
}

// Match returns ids by LIKE pattern on the query text, or by tag.
func (s *Store) Match(ctx context.Context, pattern, tag string) ([]int64, error) {
	if pattern == "" {
		return s.queryIDs(ctx,
			`SELECT id FROM cache_entries
			 WHERE EXISTS (SELECT 1 FROM json_each(cache_entries.tags) WHERE json_each.value = ?)
			 ORDER BY id`, tag)
	}

	re, err := store.LikePattern(pattern)
	if err != nil {
		return nil, models.Validationf("bad pattern %q: %v", pattern, err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, query_text FROM cache_entries ORDER BY id`)
	if err != nil {
		return nil, models.StorageError("cache match", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, models.StorageError("cache match", err)
		}
		if re.MatchString(text) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("cache match", err)
	}
	return ids, nil
}

func (s *Store) queryIDs(ctx context.Context, q string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.StorageError("cache match", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, models.StorageError("cache match", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("cache match", err)
	}
	return ids, nil
}

// Walk visits every entry in id order. fn must not call back into the store.
func (s *Store) Walk(ctx context.Context, fn func(models.CacheEntry) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+metaColumns+`, embedding FROM cache_entries ORDER BY id`)
	if err != nil {
		return models.StorageError("cache walk", err)
	}
	defer rows.Close()

	for rows.Next() {
		var blob []byte
		e, err := scanMeta(rows, false, &blob)
		if err != nil {
			return models.StorageError("cache walk", err)
		}
		e.Embedding = store.DecodeVector(blob)
		if err := fn(*e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return models.StorageError("cache walk", err)
	}
	return nil
}

// Count returns the number of entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, models.StorageError("cache count", err)
	}
	return n, nil
}

// TotalSize returns the sum of payload sizes.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&n); err != nil {
		return 0, models.StorageError("cache size", err)
	}
	return n, nil
}

// Truncate removes every entry.
func (s *Store) Truncate(ctx context.Context) (store.Removed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Removed{}, models.StorageError("cache clear", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rm store.Removed
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries`).Scan(&rm.Count, &rm.Bytes); err != nil {
		return store.Removed{}, models.StorageError("cache clear", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return store.Removed{}, models.StorageError("cache clear", err)
	}
	if err := tx.Commit(); err != nil {
		return store.Removed{}, models.StorageError("cache clear", err)
	}
	s.vectors.Purge()
	return rm, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMeta reads metaColumns, then optionally result_data, then any extra columns.
func scanMeta(row rowScanner, withPayload bool, extra ...any) (*models.CacheEntry, error) {
	var (
		e                 models.CacheEntry
		created, accessed int64
		expires           sql.NullInt64
		tags              string
		payload           []byte
	)
	dest := []any{
		&e.ID, &e.QueryHash, &e.QueryText, &e.SizeBytes, &created, &accessed,
		&e.AccessCount, &e.TTLSeconds, &expires, &tags,
	}
	if withPayload {
		dest = append(dest, &payload)
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	e.CreatedAt = time.Unix(0, created).UTC()
	e.LastAccessedAt = time.Unix(0, accessed).UTC()
	if expires.Valid {
		t := time.Unix(0, expires.Int64).UTC()
		e.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if withPayload {
		e.Payload = payload
	}
	return &e, nil
}

// getFull reads a complete row, including embedding and payload, inside tx.
func getFull(ctx context.Context, tx *sql.Tx, where string, arg any) (*models.CacheEntry, error) {
	var blob []byte
	row := tx.QueryRowContext(ctx,
		`SELECT `+metaColumns+`, result_data, embedding FROM cache_entries WHERE `+where, arg)
	e, err := scanMeta(row, true, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Embedding = store.DecodeVector(blob)
	return e, nil
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}

func nullableExpiry(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}
