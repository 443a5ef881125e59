package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/settings"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Empty(t, cfg.Cache.Seeds())
	require.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
store:
  backend: redis
  redis:
    addr: localhost:6380
    password: ${TEST_REDIS_PASSWORD}
cache:
  max_size_mb: 256
  default_ttl: 30m
  similarity_threshold: 0.9
  eviction_policy: lfu
  auto_eviction: false
  eviction_interval: 2m
  ledger_retention_days: 0
  vector_dimension: 384
  index_kind: hnsw
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "s3cret", cfg.Store.Redis.Password, "env var not expanded")
	assert.Equal(t, "semcache", cfg.Store.Redis.KeyPrefix, "defaults survive partial sections")

	assert.Equal(t, map[string]string{
		settings.KeyMaxCacheSizeMB:             "256",
		settings.KeyDefaultTTLSeconds:          "1800",
		settings.KeyDefaultSimilarityThreshold: "0.9",
		settings.KeyEvictionPolicy:             "lfu",
		settings.KeyAutoEvictionEnabled:        "false",
		settings.KeyAutoEvictionInterval:       "120",
		settings.KeyLedgerRetentionDays:        "0",
		settings.KeyVectorDimension:            "384",
		settings.KeyIndexKind:                  "hnsw",
	}, cfg.Cache.Seeds())

	s, err := settings.New(context.Background(), cfg.Cache.Seeds(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, s.Values().AutoEvictionInterval)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, content := range map[string]string{
		"backend":  "store:\n  backend: cassandra\n",
		"redis":    "store:\n  backend: redis\n  redis:\n    addr: \"\"\n",
		"level":    "log:\n  level: loud\n",
		"format":   "log:\n  format: xml\n",
		"bad yaml": "listen: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			require.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SEMCACHE_TEST_DOTENV=loaded\n"), 0644))
	t.Setenv("SEMCACHE_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("SEMCACHE_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "loaded", os.Getenv("SEMCACHE_TEST_DOTENV"))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	log.Info("dropped")
	log.Warn("kept", "entry_id", 7)

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"entry_id":7`)
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "cache:\n  max_size_mb: 10\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, nil, func(c *Config) { got <- c }))

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  max_size_mb: 20\n"), 0644))

	select {
	case c := <-got:
		assert.Equal(t, int64(20), c.Cache.MaxSizeMB)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}
