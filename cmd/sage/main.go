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

// Command sage is the CLI entrypoint for the Sage coding agent: it loads
// configuration, wires the LLM Gateway, Tool Dispatcher, Context Builder
// and Execution Engine together, and drives an interactive turn loop
// against a persistent session store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/sagehq/sage/pkg/config"
	"github.com/sagehq/sage/pkg/logger"
)

var version = "dev"

// CLI is the top-level command tree. Unlike a server framework's CLI,
// Sage has no "serve" verb: every subcommand runs one local process
// against a session directory and exits (or loops interactively).
type CLI struct {
	Chat     ChatCmd     `cmd:"" default:"1" help:"Start or resume an interactive coding session."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Session  SessionCmd  `cmd:"" help:"Inspect and manage persisted sessions."`
	Mcp      McpCmd      `cmd:"" help:"Inspect configured MCP servers."`
	Version  VersionCmd  `cmd:"" help:"Print version information."`

	Config   string `help:"Path to a YAML/JSON config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info" env:"SAGE_LOG_LEVEL"`
	LogFile  string `help:"Path to a log file. Logs to stderr when empty."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println("sage", version)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("sage"),
		kong.Description("Sage is an agentic coding assistant that edits files, runs tools, and explains its reasoning."),
		kong.UsageOnError(),
	)

	if err := initLogging(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if err := config.LoadEnvFiles(); err != nil {
		slog.Warn("failed to load .env files", "error", err)
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

func initLogging(cli *CLI) error {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cli.LogLevel, err)
	}

	output := os.Stderr
	if cli.LogFile != "" {
		f, _, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		output = f
	}

	logger.Init(level, output, "simple")
	return nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	ctx := context.Background()
	if cli.Config != "" {
		cfg, _, err := config.LoadConfigFile(ctx, cli.Config)
		if err != nil {
			return nil, fmt.Errorf("loading config %s: %w", cli.Config, err)
		}
		return cfg, nil
	}
	return zeroConfig()
}

// zeroConfig builds a minimal, env-driven configuration for the common
// case of running sage with no config file at all: LLMConfig.SetDefaults
// auto-detects a provider from whichever API key environment variable is
// set, and the rest of the tree takes its zero-config defaults.
func zeroConfig() (*config.Config, error) {
	cfg := &config.Config{Tools: map[string]config.ToolConfig{}}
	for name, tc := range config.GetDefaultToolConfigs() {
		cfg.Tools[name] = *tc
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("zero-config defaults are invalid: %w", err)
	}
	return cfg, nil
}
