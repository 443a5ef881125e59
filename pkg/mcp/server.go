// Package mcp serves the cache as Model Context Protocol tools over stdio.
package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/maqeel75/semcache/pkg/engine"
	"github.com/maqeel75/semcache/pkg/models"
)

// maxLine bounds one JSON-RPC message; a put carries up to 10 MiB of payload.
const maxLine = 16 << 20

// Cache is the part of the engine the tools drive.
type Cache interface {
	Put(ctx context.Context, req engine.PutRequest) (int64, error)
	Get(ctx context.Context, embedding []float64, opts engine.GetOptions) (engine.LookupResult, error)
	Invalidate(ctx context.Context, pattern, tag string) (int64, error)
	EvictExpired(ctx context.Context) (int64, error)
	EvictLRU(ctx context.Context, keep int64) (int64, error)
	EvictLFU(ctx context.Context, keep int64) (int64, error)
	AutoEvict(ctx context.Context) (int64, error)
	Clear(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)
	CostReport(ctx context.Context, windowDays int) (models.CostReport, error)
	GetConfig(key string) (string, bool)
	AllConfig() map[string]string
	SetConfig(ctx context.Context, key, value string) error
}

var _ Cache = (*engine.Engine)(nil)

const instructions = "semcache stores results under their query embeddings. " +
	"Call semcache_get with the embedding of a new query before computing it, " +
	"and semcache_put with the result afterwards."

// Server is a minimal MCP server that speaks JSON-RPC 2.0, one message per line.
type Server struct {
	cache   Cache
	version string
	log     *slog.Logger
}

// New creates an MCP Server over cache.
func New(cache Cache, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cache: cache, version: version, log: log}
}

// Run reads requests from r and writes responses to w until r is exhausted
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, failure(nil, CodeParseError, "parse error", err))
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonrpcVersion {
		return failure(req.ID, CodeInvalidRequest, "jsonrpc must be 2.0", nil)
	}
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      Implementation{Name: "semcache", Version: s.version},
			Capabilities:    Capabilities{Tools: &struct{}{}},
			Instructions:    instructions,
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return result(req.ID, toolsList{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	default:
		if req.isNotification() {
			return nil
		}
		return failure(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method), nil)
	}
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return failure(req.ID, CodeInvalidParams, "invalid params", err)
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	res := handler(ctx, s, params.Arguments)
	if res.IsError {
		s.log.Debug("tool call failed", "tool", params.Name, "error", res.Content[0].Text)
	}
	return result(req.ID, res)
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("mcp marshal failed", "error", err)
		data, err = json.Marshal(failure(resp.ID, CodeInternalError, "internal error", err))
		if err != nil {
			return
		}
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.Error("mcp write failed", "error", err)
	}
}
