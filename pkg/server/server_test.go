package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maqeel75/semcache/pkg/engine"
	"github.com/maqeel75/semcache/pkg/ledger"
	"github.com/maqeel75/semcache/pkg/metrics"
	"github.com/maqeel75/semcache/pkg/models"
	"github.com/maqeel75/semcache/pkg/settings"
	"github.com/maqeel75/semcache/pkg/store/memory"
)

func setupServer(t *testing.T) *Server {
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

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	eng, err := engine.New(ctx, engine.Options{Store: memory.New(), Ledger: led, Settings: cfg, Observer: m})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	reg.MustRegister(metrics.NewStatsCollector(eng, nil))

	return New(eng, Options{Listen: ":0", MetricsPath: "/metrics", Metrics: m, Gatherer: reg})
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func TestPutAndGet(t *testing.T) {
	srv := setupServer(t)

	w := do(t, srv, http.MethodPost, "/v1/cache/put",
		`{"query_text":"capital of france","embedding":[1,0],"payload":{"answer":"Paris"},"tags":["geo"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	put := decodeBody[map[string]int64](t, w)
	assert.Equal(t, int64(1), put["entry_id"])

	w = do(t, srv, http.MethodPost, "/v1/cache/get", `{"embedding":[1,0.01],"query_cost":0.02}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "hit", w.Header().Get("X-Semcache"))
	hit := decodeBody[engine.LookupResult](t, w)
	assert.True(t, hit.Hit)
	assert.Equal(t, int64(1), hit.EntryID)
	assert.JSONEq(t, `{"answer":"Paris"}`, string(hit.Payload))

	w = do(t, srv, http.MethodPost, "/v1/cache/get", `{"embedding":[0,1]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get("X-Semcache"))
	assert.False(t, decodeBody[engine.LookupResult](t, w).Hit)

	w = do(t, srv, http.MethodGet, "/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody[models.Stats](t, w)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	w = do(t, srv, http.MethodGet, "/v1/cache/cost?window_days=7", "")
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeBody[models.CostReport](t, w)
	assert.Equal(t, 7, report.WindowDays)
	assert.InDelta(t, 0.02, report.TotalCostSaved, 1e-12)
}

func TestErrorMapping(t *testing.T) {
	srv := setupServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/v1/cache/put", `{"query_text":`, http.StatusBadRequest},
		{"invalid payload", http.MethodPost, "/v1/cache/put", `{"query_text":"q","embedding":[1,0]}`, http.StatusBadRequest},
		{"dimension mismatch", http.MethodPost, "/v1/cache/put", `{"query_text":"q","embedding":[1,0,0],"payload":1}`, http.StatusBadRequest},
		{"threshold out of range", http.MethodPost, "/v1/cache/get", `{"embedding":[1,0],"threshold":2}`, http.StatusBadRequest},
		{"invalidate needs one selector", http.MethodPost, "/v1/cache/invalidate", `{}`, http.StatusBadRequest},
		{"evict unknown policy", http.MethodPost, "/v1/cache/evict", `{"policy":"random"}`, http.StatusBadRequest},
		{"evict negative keep", http.MethodPost, "/v1/cache/evict", `{"policy":"lru","keep":-1}`, http.StatusBadRequest},
		{"rebuild unknown kind", http.MethodPost, "/v1/cache/rebuild", `{"dimension":2,"index_kind":"annoy"}`, http.StatusBadRequest},
		{"cost window not a number", http.MethodGet, "/v1/cache/cost?window_days=week", "", http.StatusBadRequest},
		{"cost window too large", http.MethodGet, "/v1/cache/cost?window_days=5000", "", http.StatusBadRequest},
		{"unknown config key", http.MethodGet, "/v1/cache/config/nope", "", http.StatusNotFound},
		{"invalid config value", http.MethodPut, "/v1/cache/config/eviction_policy", `{"value":"fifo"}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/v1/cache/put", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want != http.StatusMethodNotAllowed {
				body := decodeBody[errorBody](t, w)
				assert.Equal(t, tt.want, body.Error.Code)
				assert.NotEmpty(t, body.Error.Message)
			}
		})
	}
}

func TestBodyTooLarge(t *testing.T) {
	srv := setupServer(t)
	big := `{"query_text":"q","embedding":[1,0],"payload":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	w := do(t, srv, http.MethodPost, "/v1/cache/put", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestInvalidateEvictAndClear(t *testing.T) {
	srv := setupServer(t)
	for _, body := range []string{
		`{"query_text":"weather in paris","embedding":[1,0],"payload":1,"tags":["weather"]}`,
		`{"query_text":"weather in rome","embedding":[1,1],"payload":2,"tags":["weather"]}`,
		`{"query_text":"stock price","embedding":[0,1],"payload":3}`,
		`{"query_text":"exchange rate","embedding":[1,2],"payload":4}`,
	} {
		require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/cache/put", body).Code)
	}

	w := do(t, srv, http.MethodPost, "/v1/cache/invalidate", `{"tag":"weather"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), decodeBody[map[string]int64](t, w)["removed"])

	w = do(t, srv, http.MethodPost, "/v1/cache/evict", `{"policy":"lru","keep":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decodeBody[map[string]int64](t, w)["removed"])

	w = do(t, srv, http.MethodPost, "/v1/cache/evict", `{"policy":"auto"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodPost, "/v1/cache/clear", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decodeBody[map[string]int64](t, w)["removed"])
}

func TestConfigRoutes(t *testing.T) {
	srv := setupServer(t)

	w := do(t, srv, http.MethodGet, "/v1/cache/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeBody[map[string]string](t, w)
	assert.Equal(t, "lru", all[settings.KeyEvictionPolicy])

	w = do(t, srv, http.MethodPut, "/v1/cache/config/eviction_policy", `{"value":"LFU"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "lfu", decodeBody[map[string]string](t, w)["value"])

	w = do(t, srv, http.MethodGet, "/v1/cache/config/eviction_policy", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lfu", decodeBody[map[string]string](t, w)["value"])
}

func TestRebuildAndHealth(t *testing.T) {
	srv := setupServer(t)
	require.Equal(t, http.StatusOK,
		do(t, srv, http.MethodPost, "/v1/cache/put", `{"query_text":"q","embedding":[1,0],"payload":1}`).Code)

	w := do(t, srv, http.MethodPost, "/v1/cache/rebuild", `{"dimension":3,"index_kind":"hnsw"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(1), decodeBody[map[string]int64](t, w)["removed"])

	w = do(t, srv, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeBody[map[string]any](t, w)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "hnsw", health["index_kind"])
	assert.Equal(t, 3.0, health["dimension"])

	w = do(t, srv, http.MethodPost, "/v1/cache/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decodeBody[models.Stats](t, w).Entries)
}

func TestRequestIDAndMetrics(t *testing.T) {
	srv := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = do(t, srv, http.MethodGet, "/healthz", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	do(t, srv, http.MethodPost, "/v1/cache/get", `{"embedding":[1,0]}`)

	w = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `semcache_http_requests_total{code="200",route="GET /healthz"} 2`)
	assert.Contains(t, body, `semcache_lookups_total{result="miss"} 1`)
	assert.Contains(t, body, "semcache_misses_total 1")
}
