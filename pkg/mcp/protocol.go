package mcp

import "github.com/goccy/go-json"

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is one JSON-RPC 2.0 message from the client. Without an ID it is a
// notification and is never answered.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *Request) isNotification() bool { return len(r.ID) == 0 }

// Response carries either Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. Data holds the underlying cause when
// there is one.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func result(id json.RawMessage, v any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: v}
}

func failure(id json.RawMessage, code int, msg string, cause error) *Response {
	e := &RPCError{Code: code, Message: msg}
	if cause != nil {
		e.Data = cause.Error()
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: e}
}

// InitializeResult answers initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Implementation `json:"serverInfo"`
	Capabilities    Capabilities   `json:"capabilities"`
	Instructions    string         `json:"instructions,omitempty"`
}

// Implementation names the server and its version.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises the tools feature only.
type Capabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// Tool is one entry of tools/list.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

type toolsList struct {
	Tools []Tool `json:"tools"`
}

// CallParams are the params of tools/call.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallResult answers tools/call. A failing tool sets IsError; the JSON-RPC
// call itself still succeeds.
type CallResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextContent is the only content type the tools produce.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
