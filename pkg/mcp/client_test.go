// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/pkg/tool"
)

// testToolContext is a minimal tool.Context for exercising
// tool.CallableTool.Call outside the dispatcher.
type testToolContext struct {
	context.Context
	callID, sessionID, workdir string
}

func (c testToolContext) CallID() string          { return c.callID }
func (c testToolContext) SessionID() string       { return c.sessionID }
func (c testToolContext) WorkingDirectory() string { return c.workdir }

// newJSONRPCServer builds an httptest server that answers "initialize"
// with an empty result and "tools/list"/"tools/call" with the handlers
// given, mimicking just enough of the streamable-http MCP wire format
// for Client's HTTP transport to drive.
func newJSONRPCServer(t *testing.T, toolsList, toolsCall map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = map[string]any{}
		case "tools/list":
			resp.Result = toolsList
		case "tools/call":
			resp.Result = toolsCall
		default:
			resp.Error = &jsonRPCError{Code: -32601, Message: "method not found"}
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestClient_HTTPTransport_ListsAndCallsTools(t *testing.T) {
	srv := newJSONRPCServer(t,
		map[string]any{"tools": []any{
			map[string]any{"name": "search", "description": "searches things", "inputSchema": map[string]any{"type": "object"}},
		}},
		map[string]any{"content": []any{map[string]any{"type": "text", "text": "found 3 results"}}},
	)
	defer srv.Close()

	c, err := New(Config{Name: "docs", URL: srv.URL, Transport: TransportHTTP})
	require.NoError(t, err)

	tools, err := c.Tools()
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name())

	callable, ok := tools[0].(tool.CallableTool)
	require.True(t, ok)

	ctx := testToolContext{Context: context.Background(), callID: "1", sessionID: "s", workdir: "/tmp"}
	result, err := callable.Call(ctx, map[string]any{"query": "hector"})
	require.NoError(t, err)
	assert.Equal(t, "found 3 results", result["result"])
}

func TestClient_HTTPTransport_FiltersToolsByName(t *testing.T) {
	srv := newJSONRPCServer(t,
		map[string]any{"tools": []any{
			map[string]any{"name": "search", "description": "d1"},
			map[string]any{"name": "delete", "description": "d2"},
		}},
		nil,
	)
	defer srv.Close()

	c, err := New(Config{Name: "docs", URL: srv.URL, Transport: TransportHTTP, Filter: []string{"search"}})
	require.NoError(t, err)

	tools, err := c.Tools()
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name())
}

func TestClient_HTTPTransport_SurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
		if req.Method == "initialize" {
			resp.Error = &jsonRPCError{Code: -32000, Message: "unauthorized"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c, err := New(Config{Name: "docs", URL: srv.URL, Transport: TransportHTTP})
	require.NoError(t, err)

	_, err = c.Tools()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestNew_RequiresNameAndEndpoint(t *testing.T) {
	_, err := New(Config{URL: "http://example.com"})
	assert.Error(t, err)

	_, err = New(Config{Name: "x"})
	assert.Error(t, err)
}

func TestNew_DefaultsTransportFromCommandOrURL(t *testing.T) {
	stdioClient, err := New(Config{Name: "a", Command: "some-binary"})
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, stdioClient.cfg.Transport)

	httpClient, err := New(Config{Name: "b", URL: "http://example.com"})
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, httpClient.cfg.Transport)
}
