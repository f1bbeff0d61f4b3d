package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/aixgo-dev/u2mcp/pkg/security"
)

// LocalClient talks to a Server in-process through the same JSON-RPC
// dispatch the network transports use.
type LocalClient struct {
	server *Server
	info   security.RequestInfo
	nextID atomic.Int64
}

// NewLocalClient creates a client identified as clientID.
func NewLocalClient(server *Server, clientID string) *LocalClient {
	return &LocalClient{
		server: server,
		info:   security.RequestInfo{ClientID: clientID, Transport: "local"},
	}
}

// Send issues method with params and returns the raw result.
func (c *LocalClient) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := &Request{
		JSONRPC: JSONRPCVersion,
		ID:      json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = raw
	}

	resp := c.server.Dispatch(security.WithRequestInfo(ctx, c.info), req)
	if resp == nil {
		return nil, fmt.Errorf("no response for %s", method)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return json.Marshal(resp.Result)
}

// ListTools returns the tools the server exposes.
func (c *LocalClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := c.Send(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res ListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool by name.
func (c *LocalClient) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	raw, err := c.Send(ctx, "tools/call", CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var res CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode tools/call: %w", err)
	}
	return &res, nil
}
