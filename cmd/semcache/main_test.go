package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/models"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "semcache.yaml")
	cfg := "db_path: " + filepath.Join(dir, "semcache.db") + `
store:
  backend: sqlite
cache:
  vector_dimension: 2
  index_kind: flat
log:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCommands(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, path, "config", "get", "vector_dimension")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = run(t, path, "config", "set", "eviction_policy", "LFU")
	require.NoError(t, err)
	assert.Equal(t, "eviction_policy = lfu\n", out)

	// Runtime changes persist across processes.
	out, err = run(t, path, "config", "get", "eviction_policy")
	require.NoError(t, err)
	assert.Equal(t, "lfu\n", out)

	out, err = run(t, path, "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "index_kind")

	_, err = run(t, path, "config", "get", "nope")
	assert.ErrorContains(t, err, "unknown config key")

	_, err = run(t, path, "config", "set", "eviction_policy", "fifo")
	assert.Error(t, err)
}

func TestStatsAndCost(t *testing.T) {
	path := writeConfig(t)

	out, err := run(t, path, "stats", "--json")
	require.NoError(t, err)
	var stats models.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Zero(t, stats.Entries)

	out, err = run(t, path, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "flat (dim 2)")

	out, err = run(t, path, "cost", "--days", "7")
	require.NoError(t, err)
	assert.Equal(t, "No lookups in the last 7 days.\n", out)

	_, err = run(t, path, "cost", "--days=-1")
	assert.Error(t, err)
}

func TestMaintenanceCommands(t *testing.T) {
	path := writeConfig(t)

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{"expired", []string{"evict"}, "Evicted 0 entries (expired).\n", ""},
		{"auto", []string{"evict", "--policy", "auto"}, "Evicted 0 entries (auto).\n", ""},
		{"lru keep", []string{"evict", "--policy", "lru", "--keep", "5"}, "Evicted 0 entries (lru).\n", ""},
		{"lru budget", []string{"evict", "--policy", "lru", "--budget-mb", "1"}, "Evicted 0 entries (lru).\n", ""},
		{"lru both", []string{"evict", "--policy", "lru", "--keep", "5", "--budget-mb", "1"}, "", "exactly one"},
		{"lfu no keep", []string{"evict", "--policy", "lfu"}, "", "needs --keep"},
		{"unknown policy", []string{"evict", "--policy", "fifo"}, "", "unknown policy"},
		{"clear unconfirmed", []string{"clear"}, "", "--yes"},
		{"clear", []string{"clear", "--yes"}, "Cleared 0 entries.\n", ""},
		{"invalidate tag", []string{"invalidate", "--tag", "geo"}, "Invalidated 0 entries.\n", ""},
		{"rebuild", []string{"rebuild", "--kind", "hnsw"}, "Rebuilt hnsw index (dim 2): 0 entries, 0 removed.\n", ""},
		{"rebuild bad kind", []string{"rebuild", "--kind", "kdtree"}, "", "kdtree"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, path, tt.args...)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	out, err := run(t, path, "config", "get", "index_kind")
	require.NoError(t, err)
	assert.Equal(t, "hnsw\n", out)
}

func TestInvalidateNeedsOneFlag(t *testing.T) {
	path := writeConfig(t)

	_, err := run(t, path, "invalidate")
	assert.Error(t, err)

	_, err = run(t, path, "invalidate", "--pattern", "a%", "--tag", "b")
	assert.Error(t, err)
}

func TestServeWatchNeedsConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"serve", "--watch"})
	assert.ErrorContains(t, root.Execute(), "--watch needs --config")
}
