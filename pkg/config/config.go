package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maqeel75/semcache/pkg/settings"
)

// Config holds all semcache configuration.
type Config struct {
	Listen      string      `yaml:"listen"`
	DBPath      string      `yaml:"db_path"`
	MetricsPath string      `yaml:"metrics_path"`
	Store       StoreConfig `yaml:"store"`
	Cache       CacheConfig `yaml:"cache"`
	Log         LogConfig   `yaml:"log"`
}

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// StoreConfig selects the entry store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// VectorCacheSize bounds the sqlite backend's decoded embedding cache.
	VectorCacheSize int         `yaml:"vector_cache_size"`
	Redis           RedisConfig `yaml:"redis"`
}

// RedisConfig is used when Backend is "redis".
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CacheConfig seeds the runtime cache settings. Unset fields keep the
// built-in defaults, and values changed at runtime take precedence.
type CacheConfig struct {
	MaxSizeMB           int64          `yaml:"max_size_mb"`
	DefaultTTL          *time.Duration `yaml:"default_ttl"`
	SimilarityThreshold float64        `yaml:"similarity_threshold"`
	EvictionPolicy      string         `yaml:"eviction_policy"`
	AutoEviction        *bool          `yaml:"auto_eviction"`
	EvictionInterval    time.Duration  `yaml:"eviction_interval"`
	LFUEvictPercent     int64          `yaml:"lfu_evict_percent"`
	LedgerRetentionDays *int64         `yaml:"ledger_retention_days"`
	VectorDimension     int            `yaml:"vector_dimension"`
	IndexKind           string         `yaml:"index_kind"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:      ":8080",
		DBPath:      "semcache.db",
		MetricsPath: "/metrics",
		Store: StoreConfig{
			Backend:         BackendSQLite,
			VectorCacheSize: 4096,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "semcache",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks the fields that are not runtime settings.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendRedis && c.Store.Redis.Addr == "" {
		return errors.New("store.redis.addr is required for the redis backend")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// Seeds converts the set cache fields to runtime setting values.
func (c CacheConfig) Seeds() map[string]string {
	seeds := make(map[string]string)
	if c.MaxSizeMB != 0 {
		seeds[settings.KeyMaxCacheSizeMB] = strconv.FormatInt(c.MaxSizeMB, 10)
	}
	if c.DefaultTTL != nil {
		seeds[settings.KeyDefaultTTLSeconds] = strconv.FormatInt(int64(*c.DefaultTTL/time.Second), 10)
	}
	if c.SimilarityThreshold != 0 {
		seeds[settings.KeyDefaultSimilarityThreshold] = strconv.FormatFloat(c.SimilarityThreshold, 'f', -1, 64)
	}
	if c.EvictionPolicy != "" {
		seeds[settings.KeyEvictionPolicy] = c.EvictionPolicy
	}
	if c.AutoEviction != nil {
		seeds[settings.KeyAutoEvictionEnabled] = strconv.FormatBool(*c.AutoEviction)
	}
	if c.EvictionInterval != 0 {
		seeds[settings.KeyAutoEvictionInterval] = strconv.FormatInt(int64(c.EvictionInterval/time.Second), 10)
	}
	if c.LFUEvictPercent != 0 {
		seeds[settings.KeyLFUEvictPercent] = strconv.FormatInt(c.LFUEvictPercent, 10)
	}
	if c.LedgerRetentionDays != nil {
		seeds[settings.KeyLedgerRetentionDays] = strconv.FormatInt(*c.LedgerRetentionDays, 10)
	}
	if c.VectorDimension != 0 {
		seeds[settings.KeyVectorDimension] = strconv.Itoa(c.VectorDimension)
	}
	if c.IndexKind != "" {
		seeds[settings.KeyIndexKind] = c.IndexKind
	}
	return seeds
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Logger builds a slog logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
