package mcp

import (
	"bufio"
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/engine"
	"github.com/maqeel75/semcache/pkg/ledger"
	"github.com/maqeel75/semcache/pkg/settings"
	"github.com/maqeel75/semcache/pkg/store/memory"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	led, err := ledger.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	cfg, err := settings.New(ctx, map[string]string{
		settings.KeyVectorDimension: "2",
		settings.KeyIndexKind:       "flat",
	}, nil)
	require.NoError(t, err)

	eng, err := engine.New(ctx, engine.Options{Store: memory.New(), Ledger: led, Settings: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return New(eng, "test", nil)
}

// exchange runs the server over the given lines and returns one response per
// output line.
func exchange(t *testing.T, srv *Server, lines ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, srv.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out))

	var resps []Response
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp), sc.Text())
		resps = append(resps, resp)
	}
	return resps
}

func call(t *testing.T, srv *Server, tool string, args any) CallResult {
	t.Helper()
	params, err := json.Marshal(CallParams{Name: tool, Arguments: mustJSON(t, args)})
	require.NoError(t, err)
	req, err := json.Marshal(Request{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/call", Params: params})
	require.NoError(t, err)

	resps := exchange(t, srv, string(req))
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)
	return decodeResult[CallResult](t, resps[0].Result)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func decodeResult[T any](t *testing.T, v any) T {
	t.Helper()
	var out T
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestInitialize(t *testing.T) {
	srv := newTestServer(t)
	resps := exchange(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	res := decodeResult[InitializeResult](t, resps[0].Result)
	assert.Equal(t, "2024-11-05", res.ProtocolVersion)
	assert.Equal(t, "semcache", res.ServerInfo.Name)
	assert.Equal(t, "test", res.ServerInfo.Version)
	assert.NotNil(t, res.Capabilities.Tools)
	assert.Contains(t, res.Instructions, "semcache_get")
}

func TestToolsList(t *testing.T) {
	srv := newTestServer(t)
	resps := exchange(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Len(t, resps, 1)

	res := decodeResult[toolsList](t, resps[0].Result)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		_, ok := toolHandlers[tool.Name]
		assert.True(t, ok, "tool %s has no handler", tool.Name)
	}
	assert.Len(t, names, len(toolHandlers))
	assert.Contains(t, names, "semcache_get")
}

func TestProtocolErrors(t *testing.T) {
	srv := newTestServer(t)
	resps := exchange(t, srv,
		`not json`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
		`{"jsonrpc":"1.0","id":4,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":"oops"}`,
		`{"jsonrpc":"2.0","id":6,"method":"ping"}`,
	)
	require.Len(t, resps, 5, "notifications get no response")
	assert.Equal(t, CodeParseError, resps[0].Error.Code)
	assert.NotEmpty(t, resps[0].Error.Data)
	assert.Equal(t, CodeMethodNotFound, resps[1].Error.Code)
	assert.Equal(t, CodeInvalidRequest, resps[2].Error.Code)
	assert.Equal(t, CodeInvalidParams, resps[3].Error.Code)
	assert.Nil(t, resps[4].Error)
	assert.Equal(t, `6`, string(resps[4].ID))
}

func TestPutAndGetTools(t *testing.T) {
	srv := newTestServer(t)

	res := call(t, srv, "semcache_put", map[string]any{
		"query_text": "capital of france",
		"embedding":  []float64{1, 0},
		"payload":    map[string]string{"answer": "Paris"},
		"tags":       []string{"geo"},
	})
	require.False(t, res.IsError, res.Content[0].Text)
	assert.Equal(t, "Cached as entry 1.", res.Content[0].Text)

	res = call(t, srv, "semcache_get", map[string]any{"embedding": []float64{1, 0}, "query_cost": 0.05})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "Cache hit: entry 1")
	assert.Contains(t, res.Content[0].Text, `{"answer":"Paris"}`)

	res = call(t, srv, "semcache_get", map[string]any{"embedding": []float64{0, 1}})
	assert.Equal(t, "Cache miss.", res.Content[0].Text)

	res = call(t, srv, "semcache_stats", nil)
	assert.Contains(t, res.Content[0].Text, "Hit Rate:   50.00%")

	res = call(t, srv, "semcache_cost_report", map[string]any{"window_days": 7})
	assert.Contains(t, res.Content[0].Text, "Cost Saved:    $0.0500")

	res = call(t, srv, "semcache_invalidate", map[string]any{"tag": "geo"})
	assert.Equal(t, "Invalidated 1 entries.", res.Content[0].Text)
}

func TestToolErrors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		tool string
		args any
		want string
	}{
		{"semcache_nope", nil, "unknown tool"},
		{"semcache_put", map[string]any{"query_text": "q", "embedding": []float64{1, 0, 0}, "payload": 1}, "dimension mismatch"},
		{"semcache_get", map[string]any{"embedding": "not a vector"}, "invalid arguments"},
		{"semcache_invalidate", map[string]any{"pattern": "a%", "tag": "b"}, "exactly one"},
		{"semcache_evict", map[string]any{"policy": "lru"}, "keep is required"},
		{"semcache_evict", map[string]any{"policy": "fifo"}, "unknown policy"},
		{"semcache_clear", map[string]any{}, "confirm must be true"},
		{"semcache_cost_report", map[string]any{"window_days": 9999}, "out of range"},
		{"semcache_config", map[string]any{"key": "nope"}, "unknown config key"},
		{"semcache_config", map[string]any{"key": "eviction_policy", "value": "fifo"}, "config error"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res := call(t, srv, tt.tool, tt.args)
			assert.True(t, res.IsError)
			assert.Contains(t, res.Content[0].Text, tt.want)
		})
	}
}

func TestConfigAndMaintenanceTools(t *testing.T) {
	srv := newTestServer(t)

	res := call(t, srv, "semcache_config", map[string]any{"key": "eviction_policy", "value": "LFU"})
	require.False(t, res.IsError, res.Content[0].Text)
	assert.Equal(t, "eviction_policy = lfu", res.Content[0].Text)

	res = call(t, srv, "semcache_config", nil)
	assert.Contains(t, res.Content[0].Text, "vector_dimension")

	for _, text := range []string{"a", "b", "c"} {
		res = call(t, srv, "semcache_put", map[string]any{"query_text": text, "embedding": []float64{1, float64(len(text))}, "payload": text})
		require.False(t, res.IsError)
	}
	res = call(t, srv, "semcache_evict", map[string]any{"policy": "lfu", "keep": 1})
	assert.Equal(t, "Evicted 2 entries (lfu).", res.Content[0].Text)

	res = call(t, srv, "semcache_evict", map[string]any{"policy": "expired"})
	assert.Equal(t, "Evicted 0 entries (expired).", res.Content[0].Text)

	res = call(t, srv, "semcache_clear", map[string]any{"confirm": true})
	assert.Equal(t, "Cleared 1 entries.", res.Content[0].Text)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := srv.Run(ctx, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"), &out)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Len())
}
