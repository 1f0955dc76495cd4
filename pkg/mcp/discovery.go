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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileEnv names the environment variable that, when set, points at
// an additional standalone MCP server-list file to discover servers
// from, independent of the main application configuration.
const ConfigFileEnv = "SAGE_MCP_CONFIG"

// ServerFile is the on-disk shape of a standalone MCP server list: a
// JSON object keyed by server name, the same shape Claude Desktop and
// similar tools use for their own mcp.json.
type ServerFile struct {
	Servers map[string]ServerFileEntry `json:"mcpServers"`
}

// ServerFileEntry is one server's launch spec within a ServerFile.
type ServerFileEntry struct {
	Transport string            `json:"transport,omitempty"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Filter    []string          `json:"filter,omitempty"`
}

func (e ServerFileEntry) toConfig(name string) Config {
	return Config{
		Name:      name,
		URL:       e.URL,
		Transport: Transport(e.Transport),
		Command:   e.Command,
		Args:      e.Args,
		Env:       e.Env,
		Filter:    e.Filter,
	}
}

// UserConfigPath returns the user-level standard discovery path,
// ~/.sage/mcp.json, or "" if the home directory cannot be resolved.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sage", "mcp.json")
}

// ProjectConfigPath returns the project-level standard discovery path,
// <workdir>/.sage/mcp.json. This is the file DiscoveryWatcher watches
// for hot-reload, since it is the one most likely to change during a
// running session.
func ProjectConfigPath(workdir string) string {
	return filepath.Join(workdir, ".sage", "mcp.json")
}

// DiscoveryPaths returns every standard-path and environment-variable
// location Discover checks, in increasing precedence order: a server
// defined in a later path overrides one of the same name from an
// earlier path.
func DiscoveryPaths(workdir string) []string {
	var paths []string
	if p := UserConfigPath(); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, ProjectConfigPath(workdir))
	if override := os.Getenv(ConfigFileEnv); override != "" {
		paths = append(paths, override)
	}
	return paths
}

// Discover reads every existing file returned by DiscoveryPaths(workdir)
// and merges their server lists, keyed by name, later paths winning on
// collision. A path that does not exist is skipped, not an error; a
// path that exists but fails to parse is.
func Discover(workdir string) (map[string]Config, error) {
	servers := make(map[string]Config)
	for _, path := range DiscoveryPaths(workdir) {
		file, err := readServerFile(path)
		if err != nil {
			return nil, err
		}
		if file == nil {
			continue
		}
		for name, entry := range file.Servers {
			servers[name] = entry.toConfig(name)
		}
	}
	return servers, nil
}

// readServerFile loads and parses path, returning (nil, nil) when the
// file does not exist.
func readServerFile(path string) (*ServerFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: reading %s: %w", path, err)
	}
	var file ServerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcp: parsing %s: %w", path, err)
	}
	return &file, nil
}

// AddDiscovered registers every server Discover found that isn't already
// named in existing, into r. Explicit, main-configuration servers always
// take precedence over auto-discovered ones of the same name.
func AddDiscovered(r *Registry, workdir string, existing map[string]bool) error {
	discovered, err := Discover(workdir)
	if err != nil {
		return err
	}
	for name, cfg := range discovered {
		if existing[name] {
			continue
		}
		if err := r.AddServer(cfg); err != nil {
			return fmt.Errorf("mcp: discovered server %q: %w", name, err)
		}
	}
	return nil
}
