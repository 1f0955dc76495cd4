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

package main

import (
	"fmt"

	"github.com/sagehq/sage/pkg/mcp"
)

// McpCmd is the parent of the MCP server introspection subcommands.
type McpCmd struct {
	List McpListCmd `cmd:"" help:"Connect to every configured MCP server and list their federated tools."`
}

// McpListCmd discovers every MCP server in the loaded configuration,
// connects to each in turn, and prints the tools it federates under
// their mcp__<server>__<tool> names. A server that fails to connect is
// reported and skipped rather than aborting the whole listing, matching
// Registry.Tools's per-server isolation.
type McpListCmd struct{}

func (c *McpListCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if len(cfg.MCP) == 0 {
		fmt.Println("no MCP servers configured")
		return nil
	}

	registry := mcp.NewRegistry()
	for _, m := range cfg.MCP {
		if err := registry.AddServer(mcp.Config{
			Name:      m.Name,
			URL:       m.URL,
			Transport: mcp.Transport(m.Transport),
			Command:   m.Command,
			Args:      m.Args,
			Env:       m.Env,
			Filter:    m.Filter,
		}); err != nil {
			fmt.Printf("%s: configuration error: %v\n", m.Name, err)
			continue
		}
	}
	defer registry.CloseAll()

	for _, name := range registry.Servers() {
		fmt.Printf("%s:\n", name)
	}

	found := false
	for _, t := range registry.Tools() {
		found = true
		fmt.Printf("  %s — %s\n", t.Name(), t.Description())
	}
	if !found {
		fmt.Println("(no tools discovered; a server may be unreachable — see warnings above)")
	}
	return nil
}
