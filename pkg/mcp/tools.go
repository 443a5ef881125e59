package mcp

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/maqeel75/semcache/pkg/engine"
)

// toolHandler handles one tools/call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) CallResult

var toolHandlers = map[string]toolHandler{
	"semcache_put":         handlePut,
	"semcache_get":         handleGet,
	"semcache_invalidate":  handleInvalidate,
	"semcache_evict":       handleEvict,
	"semcache_clear":       handleClear,
	"semcache_stats":       handleStats,
	"semcache_cost_report": handleCostReport,
	"semcache_config":      handleConfig,
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

var embeddingProp = map[string]any{
	"type":        "array",
	"items":       map[string]any{"type": "number"},
	"description": "Query embedding; its length must match the index dimension",
}

var allTools = []Tool{
	{
		Name:        "semcache_put",
		Description: "Cache a query result under its embedding. Writing the same query text again replaces the entry.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"query_text", "embedding", "payload"},
			"properties": map[string]any{
				"query_text":  prop("string", "The query the result answers"),
				"embedding":   embeddingProp,
				"payload":     map[string]any{"description": "The result to cache, any JSON value up to 10 MiB"},
				"ttl_seconds": prop("integer", "Lifetime in seconds, 0 for no expiry (optional, defaults to default_ttl_seconds)"),
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Labels for bulk invalidation (optional)",
				},
			},
		},
	},
	{
		Name:        "semcache_get",
		Description: "Look up the most similar cached result for an embedding.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"embedding"},
			"properties": map[string]any{
				"embedding":       embeddingProp,
				"threshold":       prop("number", "Minimum cosine similarity in (0, 1] (optional)"),
				"max_age_seconds": prop("integer", "Ignore entries older than this (optional)"),
				"query_cost":      prop("number", "Cost of computing the result, counted as saved on a hit (optional)"),
			},
		},
	},
	{
		Name:        "semcache_invalidate",
		Description: "Remove entries whose query text matches a SQL LIKE pattern, or that carry a tag. Give exactly one.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": prop("string", "LIKE pattern over query text, % and _ wildcards"),
				"tag":     prop("string", "Tag to invalidate"),
			},
		},
	},
	{
		Name:        "semcache_evict",
		Description: "Run an eviction policy: expired, lru, lfu or auto.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"policy"},
			"properties": map[string]any{
				"policy": map[string]any{
					"type": "string",
					"enum": []string{"expired", "lru", "lfu", "auto"},
				},
				"keep": prop("integer", "Entries to keep, required for lru and lfu"),
			},
		},
	},
	{
		Name:        "semcache_clear",
		Description: "Delete every cache entry and reset the counters.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"confirm"},
			"properties": map[string]any{
				"confirm": prop("boolean", "Must be true"),
			},
		},
	},
	{
		Name:        "semcache_stats",
		Description: "Show cache statistics (entries, size, hits, misses, hit rate, evictions, cost saved).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "semcache_cost_report",
		Description: "Show hit rate and cost saved over a recent window.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"window_days": prop("integer", "Days to report, 1 to 3650 (optional, default 30)"),
			},
		},
	},
	{
		Name:        "semcache_config",
		Description: "List settings, read one by key, or change one by giving key and value.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   prop("string", "Setting name (optional)"),
				"value": prop("string", "New value (optional)"),
			},
		},
	},
}

func textResult(text string) CallResult {
	return CallResult{
		Content: []TextContent{{Type: "text", Text: text}},
	}
}

func errorResult(text string) CallResult {
	return CallResult{
		Content: []TextContent{{Type: "text", Text: text}},
		IsError: true,
	}
}

// decodeArgs unmarshals tool arguments. Missing arguments leave v zero.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

type putArgs struct {
	QueryText  string          `json:"query_text"`
	Embedding  []float64       `json:"embedding"`
	Payload    json.RawMessage `json:"payload"`
	TTLSeconds *int64          `json:"ttl_seconds"`
	Tags       []string        `json:"tags"`
}

func handlePut(ctx context.Context, s *Server, raw json.RawMessage) CallResult {
	var args putArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	id, err := s.cache.Put(ctx, engine.PutRequest{
		QueryText:  args.QueryText,
		Embedding:  args.Embedding,
		Payload:    args.Payload,
		TTLSeconds: args.TTLSeconds,
		Tags:       args.Tags,
	})
	if err != nil {
		return errorResult("Error caching result: " + err.Error())
	}
	return textResult(fmt.Sprintf("Cached as entry %d.", id))
}

type getArgs struct {
	Embedding     []float64 `json:"embedding"`
	Threshold     *float64  `json:"threshold"`
	MaxAgeSeconds *int64    `json:"max_age_seconds"`
	QueryCost     float64   `json:"query_cost"`
}

func handleGet(ctx context.Context, s *Server, raw json.RawMessage) CallResult {
	var args getArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	res, err := s.cache.Get(ctx, args.Embedding, engine.GetOptions{
		Threshold:     args.Threshold,
		MaxAgeSeconds: args.MaxAgeSeconds,
		QueryCost:     args.QueryCost,
	})
	if err != nil {
		return errorResult("Error looking up cache: " + err.Error())
	}
	return textResult(formatLookup(res))
}

type invalidateArgs struct {
	Pattern string `json:"pattern"`
	Tag     string `json:"tag"`
}

func handleInvalidate(ctx context.Context, s *Server, raw json.RawMessage) CallResult {
	var args invalidateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	n, err := s.cache.Invalidate(ctx, args.Pattern, args.Tag)
	if err != nil {
		return errorResult("Error invalidating entries: " + err.Error())
	}
	return textResult(fmt.Sprintf("Invalidated %d entries.", n))
}

type evictArgs struct {
	Policy string `json:"policy"`
	Keep   *int64 `json:"keep"`
}

func handleEvict(ctx context.Context, s *Server, raw json.RawMessage) CallResult {
	var args evictArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	var (
		n   int64
		err error
	)
	switch args.Policy {
	case "expired":
		n, err = s.cache.EvictExpired(ctx)
	case "auto":
		n, err = s.cache.AutoEvict(ctx)
	case "lru", "lfu":
		if args.Keep == nil {
			return errorResult("keep is required for " + args.Policy)
		}
		if args.Policy == "lru" {
			n, err = s.cache.EvictLRU(ctx, *args.Keep)
		} else {
			n, err = s.cache.EvictLFU(ctx, *args.Keep)
		}
	default:
		return errorResult(fmt.Sprintf("unknown policy %q (use expired, lru, lfu or auto)", args.Policy))
	}
	if err != nil {
		return errorResult("Error evicting entries: " + err.Error())
	}
	return textResult(fmt.Sprintf("Evicted %d entries (%s).", n, args.Policy))
}

func handleClear(ctx context.Context, s *Server, raw json.RawMessage) CallResult {
	var args struct {
		Confirm bool `json:"confirm"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	if !args.Confirm {
		return errorResult("confirm must be true to clear the cache")
	}
	n, err := s.cache.Clear(ctx)
	if err != nil {
		return errorResult("Error clearing cache: " + err.Error())
	}
	return textResult(fmt.Sprintf("Cleared %d entries.", n))
}

func handleStats(ctx context.Context, s *Server, _ json.RawMessage) CallResult {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatStats(stats))
}

func handleCostReport(ctx context.Context, s *Server, raw json.RawMessage) CallResult {
	var args struct {
		WindowDays int `json:"window_days"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	report, err := s.cache.CostReport(ctx, args.WindowDays)
	if err != nil {
		return errorResult("Error fetching cost report: " + err.Error())
	}
	return textResult(formatCostReport(report))
}

type configArgs struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

func handleConfig(ctx context.Context, s *Server, raw json.RawMessage) CallResult {
	var args configArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult(err.Error())
	}
	switch {
	case args.Key == "":
		return textResult(formatConfig(s.cache.AllConfig()))
	case args.Value == nil:
		v, ok := s.cache.GetConfig(args.Key)
		if !ok {
			return errorResult(fmt.Sprintf("unknown config key %q", args.Key))
		}
		return textResult(fmt.Sprintf("%s = %s", args.Key, v))
	default:
		if err := s.cache.SetConfig(ctx, args.Key, *args.Value); err != nil {
			return errorResult("Error updating config: " + err.Error())
		}
		v, _ := s.cache.GetConfig(args.Key)
		return textResult(fmt.Sprintf("%s = %s", args.Key, v))
	}
}
