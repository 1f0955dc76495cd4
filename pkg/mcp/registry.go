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
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sagehq/sage/pkg/registry"
	"github.com/sagehq/sage/pkg/tool"
)

// namePrefix is the leading segment of a federated tool name:
// `mcp__<server>__<tool>`.
const namePrefix = "mcp"

// Registry federates the tools exposed by a set of configured MCP servers
// into a single, collision-free namespace for the dispatcher. Server
// bookkeeping (registration, lookup, enumeration) is delegated to the
// generic name-keyed registry.BaseRegistry; everything below this is
// MCP-specific federation logic.
type Registry struct {
	clients *registry.BaseRegistry[*Client]
}

// NewRegistry creates an empty federation registry.
func NewRegistry() *Registry {
	return &Registry{clients: registry.NewBaseRegistry[*Client]()}
}

// AddServer registers a new MCP server by configuration. The connection is
// established lazily on first Tools() call, per Client semantics.
func (r *Registry) AddServer(cfg Config) error {
	c, err := New(cfg)
	if err != nil {
		return err
	}
	if err := r.clients.Register(cfg.Name, c); err != nil {
		return fmt.Errorf("mcp: server %q already registered", cfg.Name)
	}
	return nil
}

// RemoveServer disconnects and drops a server, used when hot-reloading the
// MCP server list from a changed configuration file.
func (r *Registry) RemoveServer(name string) error {
	c, ok := r.clients.Get(name)
	if !ok {
		return nil
	}
	_ = r.clients.Remove(name)
	return c.Close()
}

// Servers returns the names of all registered servers in a stable order.
func (r *Registry) Servers() []string {
	clients := r.clients.List()
	names := make([]string, 0, len(clients))
	for _, c := range clients {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

// Tools returns every tool across every registered server, named
// `mcp__<server>__<tool>` so that two servers exposing identically named
// tools never collide in the dispatcher's registry. Isolation: an error
// from one server does not prevent tools from the others being returned.
func (r *Registry) Tools() []tool.Tool {
	clients := r.clients.List()

	var out []tool.Tool
	for _, c := range clients {
		tools, err := c.Tools()
		if err != nil {
			slog.Warn("mcp: server unavailable, skipping its tools", "server", c.Name(), "error", err)
			continue
		}
		for _, t := range tools {
			out = append(out, &namedTool{inner: t, server: c.Name()})
		}
	}
	return out
}

// Refresh re-lists tools for the named server, called when that server
// sends a notifications/tools/list_changed message.
func (r *Registry) Refresh(ctx context.Context, server string) error {
	c, ok := r.clients.Get(server)
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", server)
	}
	return c.Refresh(ctx)
}

// CloseAll disconnects every registered server.
func (r *Registry) CloseAll() {
	clients := r.clients.List()
	r.clients.Clear()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			slog.Warn("mcp: error closing server", "server", c.Name(), "error", err)
		}
	}
}

// ParseName splits a federated tool name into its server and local tool
// name. ok is false if name does not carry the `mcp__` prefix.
func ParseName(name string) (server, local string, ok bool) {
	parts := strings.SplitN(name, "__", 3)
	if len(parts) != 3 || parts[0] != namePrefix {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// namedTool wraps a server-local tool.Tool, exposing it under the
// federated `mcp__<server>__<tool>` name while delegating everything else
// to the inner implementation.
type namedTool struct {
	inner  tool.Tool
	server string
}

func (n *namedTool) Name() string {
	return fmt.Sprintf("%s__%s__%s", namePrefix, n.server, n.inner.Name())
}

func (n *namedTool) Description() string  { return n.inner.Description() }
func (n *namedTool) IsLongRunning() bool  { return n.inner.IsLongRunning() }
func (n *namedTool) RequiresApproval() bool {
	return n.inner.RequiresApproval()
}

func (n *namedTool) Schema() map[string]any {
	if ct, ok := n.inner.(tool.CallableTool); ok {
		return ct.Schema()
	}
	return nil
}

func (n *namedTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	ct, ok := n.inner.(tool.CallableTool)
	if !ok {
		return nil, fmt.Errorf("mcp: tool %q is not callable", n.Name())
	}
	return ct.Call(ctx, args)
}

var (
	_ tool.CallableTool = (*namedTool)(nil)
)
