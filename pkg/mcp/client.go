// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcp implements the sub-client that federates external
// Model-Context-Protocol servers into the engine's tool registry.
//
// Each configured server becomes one Client with lazy initialization: the
// connection is only established the first time Tools() is called. Tools
// discovered from a server are exposed to the rest of the engine under the
// name `mcp__<server>__<tool>`, so identically named tools from two
// different servers never collide in the dispatcher's registry.
//
// Transport support:
//   - stdio: subprocess communication via mark3labs/mcp-go
//   - streamable-http / sse: hand-rolled JSON-RPC over HTTP, with
//     session-id propagation and SSE framing, built on the httpclient
//     retry/backoff client
//   - websocket: hand-rolled JSON-RPC framing over gorilla/websocket
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sagehq/sage/pkg/httpclient"
	"github.com/sagehq/sage/pkg/tool"
)

// Transport identifies the wire transport used to reach an MCP server.
type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportSSE       Transport = "sse"
	TransportHTTP      Transport = "streamable-http"
	TransportWebSocket Transport = "websocket"
)

// DefaultSSEResponseTimeout is the default timeout for reading SSE responses.
const DefaultSSEResponseTimeout = 5 * time.Minute

// protocolVersion is the MCP protocol revision this client speaks.
const protocolVersion = "2024-11-05"

// clientName/clientVersion identify Sage to servers during initialize.
const (
	clientName    = "sage"
	clientVersion = "0.1.0"
)

// Config configures one federated MCP server.
type Config struct {
	// Name identifies this server; it becomes the `<server>` segment of
	// every tool name this client exposes.
	Name string

	// URL is the MCP server endpoint (for http/websocket transports).
	URL string

	// Transport specifies the wire transport (stdio, sse, streamable-http,
	// websocket). Auto-detected from Command/URL when empty.
	Transport Transport

	// Command and Args launch a stdio MCP server subprocess.
	Command string
	Args    []string
	Env     map[string]string

	// Filter limits which tools this server exposes. Empty means all.
	Filter []string

	// MaxRetries for HTTP requests (default: 3).
	MaxRetries int

	// SSETimeout bounds how long to wait for an SSE response (default: 5m).
	SSETimeout time.Duration
}

// Client is a lazily-connected handle to one federated MCP server.
type Client struct {
	cfg Config

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	ws         *wsTransport
	sessionID  string
	sessionMu  sync.RWMutex
	tools      []tool.Tool
	connected  bool
	filterSet  map[string]bool
}

// New creates a federated handle to an MCP server. The connection is not
// established until Tools() is first called.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp: server name is required")
	}
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("mcp: either url or command is required for server %q", cfg.Name)
	}

	if cfg.Transport == "" {
		switch {
		case cfg.Command != "":
			cfg.Transport = TransportStdio
		default:
			cfg.Transport = TransportHTTP
		}
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SSETimeout == 0 {
		cfg.SSETimeout = DefaultSSEResponseTimeout
	}

	return &Client{cfg: cfg, filterSet: filterSet}, nil
}

// Name returns the server name, used as the tool-naming prefix.
func (c *Client) Name() string { return c.cfg.Name }

// Tools returns the tools currently exposed by this server, connecting
// lazily if this is the first call.
func (c *Client) Tools() ([]tool.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.connect(context.Background()); err != nil {
			return nil, fmt.Errorf("mcp: connect to %q: %w", c.cfg.Name, err)
		}
	}
	return c.tools, nil
}

// Refresh forces a tools/list round-trip over whichever transport the
// client uses, for use when the server sends a tools/list_changed
// notification.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return c.connect(ctx)
	}
	switch c.cfg.Transport {
	case TransportStdio:
		return c.listStdio(ctx)
	case TransportWebSocket:
		return c.listWebSocket(ctx)
	default:
		return c.listHTTP(ctx)
	}
}

func (c *Client) connect(ctx context.Context) error {
	switch c.cfg.Transport {
	case TransportStdio:
		return c.connectStdio(ctx)
	case TransportWebSocket:
		return c.connectWebSocket(ctx)
	default:
		return c.connectHTTP(ctx)
	}
}

// connectStdio connects using mcp-go for subprocess communication.
func (c *Client) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(c.cfg.Command, convertEnv(c.cfg.Env), c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	c.stdio = mcpClient
	c.connected = true

	if err := c.listStdio(ctx); err != nil {
		return err
	}

	slog.Info("mcp: connected", "server", c.cfg.Name, "transport", "stdio", "command", c.cfg.Command, "tools", len(c.tools))
	return nil
}

func (c *Client) listStdio(ctx context.Context) error {
	listResp, err := c.stdio.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	var tools []tool.Tool
	for _, mcpTool := range listResp.Tools {
		if c.filterSet != nil && !c.filterSet[mcpTool.Name] {
			continue
		}
		tools = append(tools, &wrapper{
			client: c,
			name:   mcpTool.Name,
			desc:   mcpTool.Description,
			schema: convertSchema(mcpTool.InputSchema),
		})
	}
	c.tools = tools
	return nil
}

// connectHTTP connects using the httpclient retry/backoff client.
func (c *Client) connectHTTP(ctx context.Context) error {
	c.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(c.cfg.MaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := c.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("initialize: %s", initResp.Error.Message)
	}

	c.connected = true
	if err := c.listHTTP(ctx); err != nil {
		return err
	}

	slog.Info("mcp: connected", "server", c.cfg.Name, "transport", c.cfg.Transport, "url", c.cfg.URL, "tools", len(c.tools))
	return nil
}

func (c *Client) listHTTP(ctx context.Context) error {
	listResp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("list tools: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var tools []tool.Tool
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		if c.filterSet != nil && !c.filterSet[name] {
			continue
		}
		var schema map[string]any
		if s, ok := toolMap["inputSchema"].(map[string]any); ok {
			schema = s
		}
		tools = append(tools, &wrapper{client: c, name: name, desc: desc, schema: schema})
	}
	c.tools = tools
	return nil
}

// jsonRPCRequest/jsonRPCResponse are the wire envelope shared by the HTTP
// and websocket transports.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc dispatches to the HTTP or websocket transport depending on cfg.
func (c *Client) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	if c.cfg.Transport == TransportWebSocket {
		return c.wsRPC(ctx, method, params)
	}
	return c.httpRPC(ctx, method, params)
}

func (c *Client) httpRPC(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	c.sessionMu.RLock()
	sessionID := c.sessionID
	c.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		slog.Debug("mcp: http request failed", "server", c.cfg.Name, "method", method, "error", err)
		return nil, fmt.Errorf("request: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		c.sessionMu.Lock()
		c.sessionID = newSessionID
		c.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("http %d: %s", httpResp.StatusCode, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return c.readSSE(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

// readSSE reads the first complete JSON-RPC response from an SSE stream.
func (c *Client) readSSE(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer httpResp.Body.Close()
		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			lineStr := strings.TrimSpace(string(line))
			if lineStr == "" {
				if currentData.Len() > 0 {
					var resp jsonRPCResponse
					if err := json.Unmarshal([]byte(currentData.String()), &resp); err == nil {
						resultChan <- result{response: &resp}
						return
					}
					currentData.Reset()
				}
				continue
			}
			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without a complete message")}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-time.After(c.cfg.SSETimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", c.cfg.SSETimeout)
	}
}

func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	c.tools = nil

	if c.stdio != nil {
		err := c.stdio.Close()
		c.stdio = nil
		return err
	}
	if c.ws != nil {
		err := c.ws.Close()
		c.ws = nil
		return err
	}
	c.httpClient = nil
	return nil
}

// wrapper adapts one MCP tool as a tool.CallableTool. Its exported Name is
// prefixed by the registry (see registry.go) as `mcp__<server>__<tool>`;
// this wrapper itself keeps the server-local name for the tools/call RPC.
type wrapper struct {
	client *Client
	name   string
	desc   string
	schema map[string]any
}

func (w *wrapper) Name() string            { return w.name }
func (w *wrapper) Description() string     { return w.desc }
func (w *wrapper) IsLongRunning() bool     { return false }
func (w *wrapper) RequiresApproval() bool  { return false }
func (w *wrapper) Schema() map[string]any  { return w.schema }

func (w *wrapper) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	switch w.client.cfg.Transport {
	case TransportStdio:
		return w.callStdio(ctx, args)
	case TransportWebSocket:
		return w.callWebSocket(ctx, args)
	default:
		return w.callHTTP(ctx, args)
	}
}

func (w *wrapper) callStdio(ctx context.Context, args map[string]any) (map[string]any, error) {
	w.client.mu.Lock()
	mcpClient := w.client.stdio
	w.client.mu.Unlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("mcp: client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call: %w", err)
	}
	return parseStdioResult(resp)
}

func (w *wrapper) callHTTP(ctx context.Context, args map[string]any) (map[string]any, error) {
	resp, err := w.client.rpc(ctx, "tools/call", map[string]any{"name": w.name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("mcp call: %w", err)
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}
	return parseHTTPResult(resp.Result)
}

func parseStdioResult(resp *mcp.CallToolResult) (map[string]any, error) {
	result := make(map[string]any)
	if resp.IsError {
		for _, content := range resp.Content {
			if textContent, ok := content.(mcp.TextContent); ok {
				result["error"] = textContent.Text
				break
			}
		}
		if result["error"] == nil {
			result["error"] = "unknown error"
		}
		return result, nil
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	collectTexts(result, texts)
	return result, nil
}

func parseHTTPResult(raw any) (map[string]any, error) {
	result := make(map[string]any)
	resultMap, ok := raw.(map[string]any)
	if !ok {
		result["result"] = raw
		return result, nil
	}

	if isError, _ := resultMap["isError"].(bool); isError {
		if content, ok := resultMap["content"].([]any); ok {
			for _, c := range content {
				if cm, ok := c.(map[string]any); ok {
					if text, ok := cm["text"].(string); ok {
						result["error"] = text
						break
					}
				}
			}
		}
		if result["error"] == nil {
			result["error"] = "unknown error"
		}
		return result, nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok && cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	collectTexts(result, texts)
	return result, nil
}

func collectTexts(result map[string]any, texts []string) {
	if len(texts) == 1 {
		result["result"] = texts[0]
	} else if len(texts) > 1 {
		result["results"] = texts
	}
}

var (
	_ tool.Toolset      = (*Client)(nil)
	_ tool.CallableTool = (*wrapper)(nil)
)
