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

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport frames JSON-RPC requests/responses over a single websocket
// connection. One goroutine owns the read side and fans responses out to
// whichever call is waiting on a given request ID; writes are serialized
// with a mutex since gorilla/websocket connections are not safe for
// concurrent writers.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int]chan *jsonRPCResponse

	nextIDMu sync.Mutex
	nextID   int

	closeOnce sync.Once
	closed    chan struct{}
}

func dialWebSocket(ctx context.Context, url string) (*wsTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	t := &wsTransport{
		conn:    conn,
		pending: make(map[int]chan *jsonRPCResponse),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.Close()
			return
		}
		var resp jsonRPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()

		if ok {
			ch <- &resp
		}
	}
}

func (t *wsTransport) call(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	t.nextIDMu.Lock()
	t.nextID++
	id := t.nextID
	t.nextIDMu.Unlock()

	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respCh := make(chan *jsonRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()

	t.writeMu.Lock()
	err = t.conn.WriteMessage(websocket.TextMessage, body)
	t.writeMu.Unlock()
	if err != nil {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("write: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-t.closed:
		return nil, fmt.Errorf("websocket transport closed")
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return t.conn.Close()
}

func (c *Client) connectWebSocket(ctx context.Context) error {
	ws, err := dialWebSocket(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.ws = ws

	initResp, err := ws.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		ws.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		ws.Close()
		return fmt.Errorf("initialize: %s", initResp.Error.Message)
	}

	c.connected = true
	if err := c.listWebSocket(ctx); err != nil {
		return err
	}

	return nil
}

func (c *Client) listWebSocket(ctx context.Context) error {
	resp, err := c.ws.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("list tools: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var tools []toolEntry
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if c.filterSet != nil && !c.filterSet[name] {
			continue
		}
		tools = append(tools, toolEntry{raw: toolMap})
	}
	c.tools = c.tools[:0]
	for _, e := range tools {
		name, _ := e.raw["name"].(string)
		desc, _ := e.raw["description"].(string)
		var schema map[string]any
		if s, ok := e.raw["inputSchema"].(map[string]any); ok {
			schema = s
		}
		c.tools = append(c.tools, &wrapper{client: c, name: name, desc: desc, schema: schema})
	}
	return nil
}

type toolEntry struct {
	raw map[string]any
}

func (c *Client) wsRPC(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	if c.ws == nil {
		return nil, fmt.Errorf("mcp: websocket not connected")
	}
	return c.ws.call(ctx, method, params)
}

func (w *wrapper) callWebSocket(ctx context.Context, args map[string]any) (map[string]any, error) {
	resp, err := w.client.wsRPC(ctx, "tools/call", map[string]any{"name": w.name, "arguments": args})
	if err != nil {
		return nil, fmt.Errorf("mcp call: %w", err)
	}
	if resp.Error != nil {
		return map[string]any{"error": resp.Error.Message}, nil
	}
	return parseHTTPResult(resp.Result)
}
