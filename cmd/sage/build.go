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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagehq/sage/pkg/config"
	"github.com/sagehq/sage/pkg/contextbuilder"
	"github.com/sagehq/sage/pkg/dispatcher"
	"github.com/sagehq/sage/pkg/input"
	"github.com/sagehq/sage/pkg/llm"
	"github.com/sagehq/sage/pkg/llm/anthropic"
	"github.com/sagehq/sage/pkg/llm/gemini"
	"github.com/sagehq/sage/pkg/llm/ollama"
	"github.com/sagehq/sage/pkg/llm/openai"
	"github.com/sagehq/sage/pkg/mcp"
	"github.com/sagehq/sage/pkg/ratelimit"
	"github.com/sagehq/sage/pkg/tool"
	"github.com/sagehq/sage/pkg/tool/controltool"
	"github.com/sagehq/sage/pkg/tool/filetool"
	"github.com/sagehq/sage/pkg/utils"
)

const defaultSystemPrompt = `You are Sage, an agentic coding assistant. You can read and edit files, ` +
	`search the working directory, and run the tools made available to you. Call task_done once the ` +
	`user's request has been fully satisfied.`

// newProviderInstance adapts an LLMConfig into the llm.ProviderInstance its
// Provider names, translating the shared config shape into each vendor
// adapter's own Config type.
func newProviderInstance(ctx context.Context, c config.LLMConfig) (llm.ProviderInstance, error) {
	switch c.Provider {
	case config.LLMProviderAnthropic:
		thinkingEnabled := false
		thinkingBudget := 0
		if c.Thinking != nil {
			thinkingEnabled = c.Thinking.Enabled == nil || *c.Thinking.Enabled
			thinkingBudget = c.Thinking.BudgetTokens
		}
		return anthropic.New(anthropic.Config{
			APIKey:         c.APIKey,
			Model:          c.Model,
			MaxTokens:      c.MaxTokens,
			BaseURL:        c.BaseURL,
			EnableThinking: thinkingEnabled,
			ThinkingBudget: thinkingBudget,
		})
	case config.LLMProviderOpenAI:
		return openai.New(openai.Config{
			APIKey:    c.APIKey,
			Model:     c.Model,
			MaxTokens: c.MaxTokens,
			BaseURL:   c.BaseURL,
		})
	case config.LLMProviderGemini:
		return gemini.New(ctx, gemini.Config{
			APIKey: c.APIKey,
			Model:  c.Model,
		})
	case config.LLMProviderOllama:
		return ollama.New(ollama.Config{
			BaseURL: c.BaseURL,
			Model:   c.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", c.Provider)
	}
}

// newGateway builds the Gateway (C1) from the primary LLM config and its
// fallback chain, in the order they appear in the configuration.
func newGateway(ctx context.Context, cfg *config.Config) (*llm.Gateway, error) {
	primary, err := newProviderInstance(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}

	fallbacks := make([]llm.ProviderInstance, 0, len(cfg.Fallback))
	for i, fb := range cfg.Fallback {
		inst, err := newProviderInstance(ctx, fb)
		if err != nil {
			return nil, fmt.Errorf("fallback[%d]: %w", i, err)
		}
		fallbacks = append(fallbacks, inst)
	}

	return llm.New(llm.DefaultConfig(), primary, fallbacks...), nil
}

// newDispatcher builds the Tool Dispatcher (C2): every configured function
// tool, every MCP server's federated tools, the task_done sentinel, and
// (when configured) the rate limiter gating every call. MCP servers come
// from three sources, in increasing precedence: the standard discovery
// paths (~/.sage/mcp.json, <workdir>/.sage/mcp.json), an explicit
// SAGE_MCP_CONFIG file, and cfg.MCP itself — a server named in cfg.MCP
// always wins a name collision, since it was configured explicitly.
// Once built, the project-level discovery file is watched for changes so
// edits to .sage/mcp.json take effect without restarting the session.
func newDispatcher(ctx context.Context, cfg *config.Config, channel input.Channel, workdir string) (*dispatcher.Dispatcher, error) {
	timeout := time.Duration(cfg.Engine.ToolTimeoutSeconds) * time.Second

	opts := []dispatcher.Option{}
	limiter, err := ratelimit.NewRateLimiterFromConfig(&cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if limiter != nil {
		opts = append(opts, dispatcher.WithRateLimiter(limiter, ratelimit.ScopeFromConfig(&cfg.RateLimit)))
	}

	d := dispatcher.New(cfg.Permissions, timeout, channel, opts...)

	for name, tc := range cfg.Tools {
		if !tc.IsEnabled() {
			continue
		}
		t, err := buildFunctionTool(name, tc)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		if t == nil {
			slog.Warn("skipping tool with no local implementation", "tool", name, "handler", tc.Handler, "type", tc.Type)
			continue
		}
		if err := d.Register(t); err != nil {
			return nil, fmt.Errorf("registering tool %q: %w", name, err)
		}
	}

	if err := d.Register(controltool.TaskDone()); err != nil {
		return nil, fmt.Errorf("registering task_done: %w", err)
	}

	baseline := make(map[string]bool, len(cfg.MCP))
	for _, m := range cfg.MCP {
		baseline[m.Name] = true
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
			return nil, fmt.Errorf("mcp server %q: %w", m.Name, err)
		}
	}
	if err := mcp.AddDiscovered(registry, workdir, baseline); err != nil {
		return nil, fmt.Errorf("mcp discovery: %w", err)
	}

	if len(registry.Servers()) > 0 {
		for _, t := range registry.Tools() {
			callable, ok := t.(tool.CallableTool)
			if !ok {
				continue
			}
			if err := d.Register(callable); err != nil {
				return nil, fmt.Errorf("registering mcp tool %q: %w", t.Name(), err)
			}
		}
	}

	mcp.WatchProjectConfig(ctx, registry, workdir, baseline, func(added []tool.CallableTool, removedNames []string) {
		for _, t := range added {
			if err := d.Register(t); err != nil {
				slog.Warn("mcp: registering hot-reloaded tool failed", "tool", t.Name(), "error", err)
			}
		}
		for _, name := range removedNames {
			d.Unregister(name)
		}
	})

	return d, nil
}

// buildFunctionTool maps a built-in function tool's handler name to its
// concrete filetool constructor. Handlers with no local implementation
// (e.g. a command-execution or web-request tool configured but not
// built) return a nil tool rather than an error, so one unimplemented
// entry does not prevent the rest of the dispatcher from coming up.
func buildFunctionTool(name string, tc config.ToolConfig) (tool.CallableTool, error) {
	if tc.Type != config.ToolTypeFunction {
		return nil, nil
	}
	workdir := tc.WorkingDirectory
	if workdir == "" {
		workdir = "./"
	}
	switch tc.Handler {
	case "read_file":
		return filetool.NewReadFile(&filetool.ReadFileConfig{WorkingDirectory: workdir})
	case "write_file":
		return filetool.NewWriteFile(&filetool.WriteFileConfig{WorkingDirectory: workdir, BackupOnOverwrite: true})
	case "search_replace":
		return filetool.NewSearchReplace(&filetool.SearchReplaceConfig{WorkingDirectory: workdir, CreateBackup: true})
	case "apply_patch":
		return filetool.NewApplyPatch(&filetool.ApplyPatchConfig{WorkingDirectory: workdir, CreateBackup: true})
	case "grep_search":
		return filetool.NewGrepSearch(&filetool.GrepSearchConfig{WorkingDirectory: workdir})
	default:
		return nil, nil
	}
}

// newContextBuilder builds the Context Builder (C7) over the working
// directory and the primary model's token encoding, registering every
// skill discovered under the standard skills directories
// (~/.sage/skills, <workdir>/.sage/skills).
func newContextBuilder(cfg *config.Config, workdir string) *contextbuilder.Builder {
	tokens, err := utils.NewTokenCounter(cfg.LLM.Model)
	if err != nil {
		slog.Warn("falling back to approximate token counting", "error", err)
		tokens = nil
	}
	builder := contextbuilder.New(defaultSystemPrompt, workdir, tokens)

	var skillDirs []string
	if dir := contextbuilder.UserSkillsDir(); dir != "" {
		skillDirs = append(skillDirs, dir)
	}
	skillDirs = append(skillDirs, contextbuilder.ProjectSkillsDir(workdir))

	skills, err := contextbuilder.DiscoverSkills(skillDirs...)
	if err != nil {
		slog.Warn("skipping skill discovery", "error", err)
	} else {
		builder.Skills = skills
	}

	return builder
}
