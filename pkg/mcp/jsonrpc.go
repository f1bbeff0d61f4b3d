package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/aixgo-dev/u2mcp/pkg/security"
)

// JSONRPCVersion is the only protocol version accepted.
const JSONRPCVersion = "2.0"

// Protocol versions this server speaks, newest first.
var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request or notification. ID is absent for
// notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a JSON-RPC 2.0 error object.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// InitializeParams is the client half of the handshake.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// Implementation names a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the server half of the handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// ListToolsResult answers tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

const instructions = "Tools operate on a single shared UniVerse/UniData session. " +
	"Calls are serialised; the session connects on first use and reconnects after failures. " +
	"Record fields are addressed positionally: attribute 1 is the first element."

// HandleMessage decodes one JSON-RPC message and returns the encoded
// response, or nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, data []byte) []byte {
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(data), &req); err != nil {
		return encodeResponse(errorResponse(nil, CodeParseError, "parse error", nil))
	}
	resp := s.Dispatch(ctx, &req)
	if resp == nil {
		return nil
	}
	return encodeResponse(resp)
}

// Dispatch routes a request to its method. Notifications return nil.
func (s *Server) Dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidRequest, "invalid request", nil)
	}

	result, rpcErr := s.dispatch(ctx, req)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Error: rpcErr}
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *ResponseError) {
	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("client", params.ClientInfo.Name).
			Str("client_version", params.ClientInfo.Version).
			Str("protocol", params.ProtocolVersion).
			Msg("client initialized")
		return InitializeResult{
			ProtocolVersion: negotiateProtocol(params.ProtocolVersion),
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			ServerInfo:   Implementation{Name: s.name, Version: s.version},
			Instructions: instructions,
		}, nil

	case "ping":
		return struct{}{}, nil

	case "tools/list":
		tools := s.ListTools()
		infos := make([]ToolInfo, len(tools))
		for i, t := range tools {
			infos[i] = t.Info()
		}
		return ListToolsResult{Tools: infos}, nil

	case "tools/call":
		var params CallToolParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, &ResponseError{Code: CodeInvalidParams, Message: "missing tool name"}
		}
		info, _ := security.RequestInfoFrom(ctx)
		info.RequestID = uuid.NewString()
		result, err := s.CallTool(security.WithRequestInfo(ctx, info), params)
		if err != nil {
			return nil, &ResponseError{Code: CodeInternalError, Message: security.SanitizeMessage(err.Error())}
		}
		return result, nil

	default:
		if isNotificationMethod(req.Method) {
			return nil, nil
		}
		return nil, &ResponseError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func isNotificationMethod(method string) bool {
	return strings.HasPrefix(method, "notifications/")
}

func negotiateProtocol(requested string) string {
	if slices.Contains(supportedProtocolVersions, requested) {
		return requested
	}
	return supportedProtocolVersions[0]
}

func decodeParams(raw json.RawMessage, v any) *ResponseError {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ResponseError{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func errorResponse(id json.RawMessage, code int, msg string, data any) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &ResponseError{Code: code, Message: msg, Data: data},
	}
}

func encodeResponse(resp *Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(errorResponse(resp.ID, CodeInternalError, "failed to encode response", nil))
	}
	return data
}
