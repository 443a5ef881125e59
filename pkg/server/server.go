// Package server exposes the cache engine over HTTP with JSON bodies.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maqeel75/semcache/pkg/engine"
	"github.com/maqeel75/semcache/pkg/index"
	"github.com/maqeel75/semcache/pkg/metrics"
	"github.com/maqeel75/semcache/pkg/models"
)

// maxBodyBytes leaves room for a full-size payload plus its embedding.
const maxBodyBytes = 16 << 20

// Options configures a Server.
type Options struct {
	Listen      string
	MetricsPath string
	// Metrics records request counts; nil disables request metrics.
	Metrics *metrics.Metrics
	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the semcache HTTP API.
type Server struct {
	opts Options
	eng  *engine.Engine
	log  *slog.Logger
	mux  *http.ServeMux
}

// New creates a Server backed by eng.
func New(eng *engine.Engine, opts Options) *Server {
	s := &Server{
		opts: opts,
		eng:  eng,
		log:  opts.Logger,
		mux:  http.NewServeMux(),
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.mux.HandleFunc("POST /v1/cache/put", s.handlePut)
	s.mux.HandleFunc("POST /v1/cache/get", s.handleGet)
	s.mux.HandleFunc("POST /v1/cache/invalidate", s.handleInvalidate)
	s.mux.HandleFunc("POST /v1/cache/evict", s.handleEvict)
	s.mux.HandleFunc("POST /v1/cache/clear", s.handleClear)
	s.mux.HandleFunc("POST /v1/cache/rebuild", s.handleRebuild)
	s.mux.HandleFunc("POST /v1/cache/reconcile", s.handleReconcile)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleStats)
	s.mux.HandleFunc("GET /v1/cache/cost", s.handleCost)
	s.mux.HandleFunc("GET /v1/cache/config", s.handleConfigList)
	s.mux.HandleFunc("GET /v1/cache/config/{key}", s.handleConfigGet)
	s.mux.HandleFunc("PUT /v1/cache/config/{key}", s.handleConfigSet)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Gatherer != nil && opts.MetricsPath != "" {
		s.mux.Handle("GET "+opts.MetricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", reqID)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveRequest(route, rec.status, time.Since(start))
	}
	s.log.Debug("http request",
		"request_id", reqID,
		"method", r.Method,
		"route", route,
		"status", rec.status,
		"duration", time.Since(start))
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("semcache listening", "addr", s.opts.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type putRequest struct {
	QueryText  string          `json:"query_text"`
	Embedding  []float64       `json:"embedding"`
	Payload    json.RawMessage `json:"payload"`
	TTLSeconds *int64          `json:"ttl_seconds"`
	Tags       []string        `json:"tags"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.eng.Put(r.Context(), engine.PutRequest{
		QueryText:  req.QueryText,
		Embedding:  req.Embedding,
		Payload:    req.Payload,
		TTLSeconds: req.TTLSeconds,
		Tags:       req.Tags,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"entry_id": id})
}

type getRequest struct {
	Embedding     []float64 `json:"embedding"`
	Threshold     *float64  `json:"threshold"`
	MaxAgeSeconds *int64    `json:"max_age_seconds"`
	QueryCost     float64   `json:"query_cost"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req getRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.eng.Get(r.Context(), req.Embedding, engine.GetOptions{
		Threshold:     req.Threshold,
		MaxAgeSeconds: req.MaxAgeSeconds,
		QueryCost:     req.QueryCost,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Hit {
		w.Header().Set("X-Semcache", "hit")
	} else {
		w.Header().Set("X-Semcache", "miss")
	}
	writeJSON(w, http.StatusOK, res)
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
	Tag     string `json:"tag"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.eng.Invalidate(r.Context(), req.Pattern, req.Tag)
	s.writeRemoved(w, n, err)
}

type evictRequest struct {
	// Policy is one of expired, lru, lfu or auto.
	Policy   string `json:"policy"`
	Keep     *int64 `json:"keep"`
	BudgetMB *int64 `json:"budget_mb"`
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	var req evictRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	var (
		n   int64
		err error
	)
	switch {
	case req.Policy == "expired":
		n, err = s.eng.EvictExpired(ctx)
	case req.Policy == "auto":
		n, err = s.eng.AutoEvict(ctx)
	case req.Policy == "lru" && req.Keep != nil:
		n, err = s.eng.EvictLRU(ctx, *req.Keep)
	case req.Policy == "lru" && req.BudgetMB != nil:
		n, err = s.eng.EvictLRUBudget(ctx, *req.BudgetMB)
	case req.Policy == "lfu" && req.Keep != nil:
		n, err = s.eng.EvictLFU(ctx, *req.Keep)
	default:
		err = fmt.Errorf("%w: policy must be expired, auto, lru with keep or budget_mb, or lfu with keep", models.ErrInvalidArgument)
	}
	s.writeRemoved(w, n, err)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.Clear(r.Context())
	s.writeRemoved(w, n, err)
}

type rebuildRequest struct {
	Dimension int    `json:"dimension"`
	IndexKind string `json:"index_kind"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind, err := index.ParseKind(req.IndexKind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.eng.RebuildIndex(r.Context(), req.Dimension, kind)
	s.writeRemoved(w, n, err)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Reconcile(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleStats(w, r)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	var days int
	if raw := r.URL.Query().Get("window_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, models.Validationf("window_days %q is not an integer", raw))
			return
		}
		days = n
	}
	report, err := s.eng.CostReport(r.Context(), days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleConfigList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.AllConfig())
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, ok := s.eng.GetConfig(key)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown config key %q", key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	key := r.PathValue("key")
	if err := s.eng.SetConfig(r.Context(), key, req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	v, _ := s.eng.GetConfig(key)
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": v})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	kind, dim, n := s.eng.IndexInfo()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"index_kind": kind,
		"dimension":  dim,
		"indexed":    n,
	})
}

// decode reads a JSON body into v, writing the error response itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeRemoved(w http.ResponseWriter, n int64, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidArgument),
		errors.Is(err, models.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Error("request failed", "request_id", w.Header().Get("X-Request-ID"), "error", err)
	}
	writeJSONError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"semcache_error","code":%d}}`, message, code)
}
