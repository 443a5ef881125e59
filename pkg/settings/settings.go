// Package settings is the runtime config store: a fixed set of typed keys,
// validated on write, read lock-free from an immutable snapshot.
package settings

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maqeel75/semcache/pkg/index"
	"github.com/maqeel75/semcache/pkg/models"
)

// Config keys.
const (
	KeyMaxCacheSizeMB             = "max_cache_size_mb"
	KeyDefaultTTLSeconds          = "default_ttl_seconds"
	KeyDefaultSimilarityThreshold = "default_similarity_threshold"
	KeyEvictionPolicy             = "eviction_policy"
	KeyAutoEvictionEnabled        = "auto_eviction_enabled"
	KeyAutoEvictionInterval       = "auto_eviction_interval_seconds"
	KeyLFUEvictPercent            = "lfu_evict_percent"
	KeyLedgerRetentionDays        = "ledger_retention_days"
	KeyVectorDimension            = "vector_dimension"
	KeyIndexKind                  = "index_kind"
)

const (
	maxTTLSeconds = 31536000
	maxSizeMB     = 10_000_000
	maxDimension  = 65536
)

// Values is one consistent view of every key.
type Values struct {
	MaxCacheSizeMB             int64
	DefaultTTLSeconds          int64
	DefaultSimilarityThreshold float64
	EvictionPolicy             models.EvictionPolicy
	AutoEvictionEnabled        bool
	AutoEvictionInterval       time.Duration
	LFUEvictPercent            int64
	LedgerRetentionDays        int64
	VectorDimension            int
	IndexKind                  index.Kind
}

// MaxCacheSizeBytes is the size budget in bytes.
func (v *Values) MaxCacheSizeBytes() int64 {
	return v.MaxCacheSizeMB << 20
}

type keyDef struct {
	def    string
	parse  func(v *Values, raw string) error
	format func(v *Values) string
}

func intRange(lo, hi int64, set func(*Values, int64)) func(*Values, string) error {
	return func(v *Values, raw string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("not an integer: %q", raw)
		}
		if n < lo || n > hi {
			return fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
		}
		set(v, n)
		return nil
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

var keyDefs = map[string]keyDef{
	KeyMaxCacheSizeMB: {
		def:    "1000",
		parse:  intRange(1, maxSizeMB, func(v *Values, n int64) { v.MaxCacheSizeMB = n }),
		format: func(v *Values) string { return itoa(v.MaxCacheSizeMB) },
	},
	KeyDefaultTTLSeconds: {
		def:    "3600",
		parse:  intRange(0, maxTTLSeconds, func(v *Values, n int64) { v.DefaultTTLSeconds = n }),
		format: func(v *Values) string { return itoa(v.DefaultTTLSeconds) },
	},
	KeyDefaultSimilarityThreshold: {
		def: "0.95",
		parse: func(v *Values, raw string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return fmt.Errorf("not a number: %q", raw)
			}
			if !(f > 0 && f <= 1) {
				return fmt.Errorf("%v out of range (0, 1]", f)
			}
			v.DefaultSimilarityThreshold = f
			return nil
		},
		format: func(v *Values) string { return strconv.FormatFloat(v.DefaultSimilarityThreshold, 'f', -1, 64) },
	},
	KeyEvictionPolicy: {
		def: "lru",
		parse: func(v *Values, raw string) error {
			p, err := models.ParseEvictionPolicy(strings.ToLower(strings.TrimSpace(raw)))
			if err != nil {
				return err
			}
			v.EvictionPolicy = p
			return nil
		},
		format: func(v *Values) string { return v.EvictionPolicy.String() },
	},
	KeyAutoEvictionEnabled: {
		def: "true",
		parse: func(v *Values, raw string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("not a boolean: %q", raw)
			}
			v.AutoEvictionEnabled = b
			return nil
		},
		format: func(v *Values) string { return strconv.FormatBool(v.AutoEvictionEnabled) },
	},
	KeyAutoEvictionInterval: {
		def: "300",
		parse: intRange(1, 7*24*3600, func(v *Values, n int64) {
			v.AutoEvictionInterval = time.Duration(n) * time.Second
		}),
		format: func(v *Values) string { return itoa(int64(v.AutoEvictionInterval / time.Second)) },
	},
	KeyLFUEvictPercent: {
		def:    "10",
		parse:  intRange(1, 100, func(v *Values, n int64) { v.LFUEvictPercent = n }),
		format: func(v *Values) string { return itoa(v.LFUEvictPercent) },
	},
	KeyLedgerRetentionDays: {
		def:    "90",
		parse:  intRange(0, 3650, func(v *Values, n int64) { v.LedgerRetentionDays = n }),
		format: func(v *Values) string { return itoa(v.LedgerRetentionDays) },
	},
	KeyVectorDimension: {
		def:    "1536",
		parse:  intRange(1, maxDimension, func(v *Values, n int64) { v.VectorDimension = int(n) }),
		format: func(v *Values) string { return strconv.Itoa(v.VectorDimension) },
	},
	KeyIndexKind: {
		def: string(index.KindIVFFlat),
		parse: func(v *Values, raw string) error {
			k, err := index.ParseKind(raw)
			if err != nil {
				return err
			}
			v.IndexKind = k
			return nil
		},
		format: func(v *Values) string { return string(v.IndexKind) },
	},
}

// Keys returns every config key in sorted order.
func Keys() []string {
	return slices.Sorted(maps.Keys(keyDefs))
}

// Defaults returns the built-in values.
func Defaults() Values {
	var v Values
	for _, k := range Keys() {
		if err := keyDefs[k].parse(&v, keyDefs[k].def); err != nil {
			panic(fmt.Sprintf("settings: bad default for %s: %v", k, err))
		}
	}
	return v
}

// apply validates raw and writes it into v.
func apply(v *Values, key, raw string) error {
	def, ok := keyDefs[key]
	if !ok {
		return fmt.Errorf("%w: unknown key %q", models.ErrConfig, key)
	}
	if err := def.parse(v, raw); err != nil {
		if errors.Is(err, models.ErrConfig) {
			return fmt.Errorf("%s: %w", key, err)
		}
		return fmt.Errorf("%w: %s: %w", models.ErrConfig, key, err)
	}
	return nil
}

// Persister stores raw key/value pairs durably.
type Persister interface {
	LoadAll(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, key, value string) error
}

// Store holds the live settings.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Values]
	persist Persister
}

// New builds a Store from defaults, then seeds, then persisted values.
// Persisted values win so runtime changes survive restarts. A nil persister
// keeps settings in memory only.
func New(ctx context.Context, seeds map[string]string, persist Persister) (*Store, error) {
	v := Defaults()
	for _, k := range slices.Sorted(maps.Keys(seeds)) {
		if err := apply(&v, k, seeds[k]); err != nil {
			return nil, err
		}
	}
	if persist != nil {
		saved, err := persist.LoadAll(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range slices.Sorted(maps.Keys(saved)) {
			if err := apply(&v, k, saved[k]); err != nil {
				return nil, fmt.Errorf("persisted setting: %w", err)
			}
		}
	}

	s := &Store{persist: persist}
	s.current.Store(&v)
	return s, nil
}

// Values returns the current snapshot. Callers must not modify it.
func (s *Store) Values() *Values {
	return s.current.Load()
}

// Get returns the current value of key formatted as a string.
func (s *Store) Get(key string) (string, bool) {
	def, ok := keyDefs[key]
	if !ok {
		return "", false
	}
	return def.format(s.current.Load()), true
}

// All returns every key with its current value.
func (s *Store) All() map[string]string {
	v := s.current.Load()
	out := make(map[string]string, len(keyDefs))
	for k, def := range keyDefs {
		out[k] = def.format(v)
	}
	return out
}

// Validate reports whether value is acceptable for key without storing it.
func Validate(key, value string) error {
	v := Defaults()
	return apply(&v, key, value)
}

// Set validates and persists value, then publishes a new snapshot.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	if err := apply(&next, key, value); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist.Save(ctx, key, keyDefs[key].format(&next)); err != nil {
			return err
		}
	}
	s.current.Store(&next)
	return nil
}
