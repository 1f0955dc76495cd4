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
	"log/slog"

	"github.com/sagehq/sage/pkg/config/provider"
	"github.com/sagehq/sage/pkg/tool"
)

// Sync is how WatchProjectConfig reports a reconciliation back to
// whatever owns the dispatcher's live tool set: added lists the
// federated tools a newly-discovered server exposed, removedNames lists
// the federated tool names a dropped server exposed. The caller typically
// implements this as Dispatcher.Register/Unregister.
type Sync func(added []tool.CallableTool, removedNames []string)

// WatchProjectConfig watches <workdir>/.sage/mcp.json for changes and,
// on every change, re-runs Discover over all discovery paths and
// reconciles r's server set against the result: discovered servers that
// aren't yet registered are added, servers previously discovered that
// no discovery path lists any more are dropped, and sync is called with
// the corresponding federated tools so the caller's dispatcher stays in
// step. Servers named in baseline (registered from the main application
// configuration) are never touched by reconciliation, even if they also
// appear in a discovered file.
//
// The watch runs in a background goroutine until ctx is cancelled. It
// watches the <workdir>/.sage directory, so a missing mcp.json is not an
// error and a file created there later is picked up. If the .sage
// directory itself does not exist, the watch cannot start: a warning is
// logged and nothing is watched.
func WatchProjectConfig(ctx context.Context, r *Registry, workdir string, baseline map[string]bool, sync Sync) {
	path := ProjectConfigPath(workdir)

	fp, err := provider.NewFileProvider(path)
	if err != nil {
		slog.Warn("mcp: cannot watch project config", "path", path, "error", err)
		return
	}

	changes, err := fp.Watch(ctx)
	if err != nil {
		slog.Warn("mcp: cannot watch project config", "path", path, "error", err)
		return
	}

	discovered, err := Discover(workdir)
	if err != nil {
		slog.Warn("mcp: initial discovery failed, watcher starting empty", "error", err)
		discovered = nil
	}
	discoveredNames := make(map[string]bool, len(discovered))
	for name := range discovered {
		if !baseline[name] {
			discoveredNames[name] = true
		}
	}

	go func() {
		defer fp.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				reconcile(r, workdir, baseline, discoveredNames, sync)
			}
		}
	}()
}

// reconcile re-runs discovery after a change notification and adds or
// removes servers from r so its set matches what's on disk, reporting
// each change to sync so the caller's dispatcher can follow along.
// Servers named in baseline are never added or removed here.
func reconcile(r *Registry, workdir string, baseline, discoveredNames map[string]bool, sync Sync) {
	servers, err := Discover(workdir)
	if err != nil {
		slog.Warn("mcp: reload of .sage/mcp.json failed, keeping previous server set", "error", err)
		return
	}

	seen := make(map[string]bool, len(servers))
	for name, cfg := range servers {
		seen[name] = true
		if baseline[name] || discoveredNames[name] {
			continue
		}
		if err := r.AddServer(cfg); err != nil {
			slog.Warn("mcp: adding hot-reloaded server failed", "server", name, "error", err)
			continue
		}
		discoveredNames[name] = true
		added := toolsForServer(r, name)
		if sync != nil {
			sync(added, nil)
		}
		slog.Info("mcp: hot-reloaded server added", "server", name, "tools", len(added))
	}

	for name := range discoveredNames {
		if seen[name] {
			continue
		}
		removedNames := toolNamesForServer(r, name)
		if err := r.RemoveServer(name); err != nil {
			slog.Warn("mcp: removing server dropped from .sage/mcp.json failed", "server", name, "error", err)
			continue
		}
		delete(discoveredNames, name)
		if sync != nil {
			sync(nil, removedNames)
		}
		slog.Info("mcp: hot-reloaded server removed", "server", name, "tools", len(removedNames))
	}
}

// toolsForServer returns the federated tools r currently exposes for the
// named server, as tool.CallableTool, skipping any that don't implement
// it (a server exposing only streaming-only tools would have none to
// register as callable).
func toolsForServer(r *Registry, name string) []tool.CallableTool {
	var out []tool.CallableTool
	for _, t := range r.Tools() {
		server, _, ok := ParseName(t.Name())
		if !ok || server != name {
			continue
		}
		if callable, ok := t.(tool.CallableTool); ok {
			out = append(out, callable)
		}
	}
	return out
}

// toolNamesForServer returns the federated tool names r currently
// exposes for the named server, read before RemoveServer drops the
// client so the names are still resolvable.
func toolNamesForServer(r *Registry, name string) []string {
	var out []string
	for _, t := range r.Tools() {
		server, _, ok := ParseName(t.Name())
		if !ok || server != name {
			continue
		}
		out = append(out, t.Name())
	}
	return out
}
