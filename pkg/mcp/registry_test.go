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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_FederatesIdenticallyNamedToolsWithoutCollision(t *testing.T) {
	toolsList := map[string]any{"tools": []any{
		map[string]any{"name": "search", "description": "d"},
	}}
	srvA := newJSONRPCServer(t, toolsList, nil)
	defer srvA.Close()
	srvB := newJSONRPCServer(t, toolsList, nil)
	defer srvB.Close()

	r := NewRegistry()
	require.NoError(t, r.AddServer(Config{Name: "alpha", URL: srvA.URL, Transport: TransportHTTP}))
	require.NoError(t, r.AddServer(Config{Name: "beta", URL: srvB.URL, Transport: TransportHTTP}))

	names := make(map[string]bool)
	for _, tl := range r.Tools() {
		names[tl.Name()] = true
	}

	assert.True(t, names["mcp__alpha__search"])
	assert.True(t, names["mcp__beta__search"])
	assert.Len(t, names, 2)
}

func TestRegistry_ToolsIsolatesPerServerFailure(t *testing.T) {
	good := newJSONRPCServer(t, map[string]any{"tools": []any{map[string]any{"name": "search"}}}, nil)
	defer good.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	r := NewRegistry()
	require.NoError(t, r.AddServer(Config{Name: "good", URL: good.URL, Transport: TransportHTTP}))
	require.NoError(t, r.AddServer(Config{Name: "bad", URL: bad.URL, Transport: TransportHTTP, MaxRetries: 0}))

	tools := r.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "mcp__good__search", tools[0].Name())
}

func TestRegistry_AddServerRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddServer(Config{Name: "alpha", URL: "http://example.com"}))
	err := r.AddServer(Config{Name: "alpha", URL: "http://example.com"})
	assert.Error(t, err)
}

func TestParseName(t *testing.T) {
	server, local, ok := ParseName("mcp__alpha__search")
	require.True(t, ok)
	assert.Equal(t, "alpha", server)
	assert.Equal(t, "search", local)

	_, _, ok = ParseName("search")
	assert.False(t, ok)
}

func TestRegistry_ServersReturnsSortedNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddServer(Config{Name: "zeta", URL: "http://example.com"}))
	require.NoError(t, r.AddServer(Config{Name: "alpha", URL: "http://example.com"}))

	assert.Equal(t, []string{"alpha", "zeta"}, r.Servers())
}
