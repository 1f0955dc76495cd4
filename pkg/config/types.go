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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sagehq/sage/pkg/observability"
)

// envDisableSandbox names the environment variable that, when truthy,
// relaxes every approval-gating default the rest of SetDefaults applies
// — the escape hatch for fully unattended runs (CI, scripted batch
// jobs) where no one is present to answer an Ask prompt.
const envDisableSandbox = "SAGE_DISABLE_SANDBOX"

// envSessionDir names the environment variable SessionConfig falls back
// to when no explicit session.dir is configured.
const envSessionDir = "SAGE_SESSION_DIR"

func sandboxDisabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(envDisableSandbox)))
	return v == "1" || v == "true" || v == "yes"
}

// BoolPtr returns a pointer to b, for optional boolean config fields
// that must distinguish "unset" from "false".
func BoolPtr(b bool) *bool { return &b }

// Config is the root Sage configuration, decoded from YAML/JSON by the
// Loader and handed to every component at startup.
type Config struct {
	// LLM configures the primary model the Gateway dispatches to.
	LLM LLMConfig `yaml:"llm,omitempty" json:"llm,omitempty"`

	// Fallback configures additional models tried, in order, when the
	// primary is Unavailable.
	Fallback []LLMConfig `yaml:"fallback,omitempty" json:"fallback,omitempty"`

	// Tools configures built-in (non-MCP) tool instances by name.
	Tools map[string]ToolConfig `yaml:"tools,omitempty" json:"tools,omitempty"`

	// MCP lists the external MCP servers to federate into the tool
	// registry.
	MCP []MCPServerConfig `yaml:"mcp,omitempty" json:"mcp,omitempty"`

	// Permissions configures the dispatcher's Deny/Ask/Allow rule chain
	// and concurrency policy.
	Permissions PermissionsConfig `yaml:"permissions,omitempty" json:"permissions,omitempty"`

	// Session configures the on-disk session store.
	Session SessionConfig `yaml:"session,omitempty" json:"session,omitempty"`

	// Engine configures the turn-loop's termination and compaction
	// policy.
	Engine EngineConfig `yaml:"engine,omitempty" json:"engine,omitempty"`

	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Logger    LoggerConfig    `yaml:"logger,omitempty" json:"logger,omitempty"`

	// Observability configures Prometheus metrics and OpenTelemetry
	// tracing for the dispatcher, gateway, and engine turn loop.
	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// MCPServerConfig configures one external MCP server.
type MCPServerConfig struct {
	Name      string            `yaml:"name" json:"name" jsonschema:"title=Name,description=Unique server name used in mcp__<name>__<tool>"`
	Transport string            `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"enum=stdio,enum=sse,enum=streamable-http,enum=websocket,default=stdio"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Filter    []string          `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// PermissionAction is one of the dispatcher's terminal gating outcomes.
type PermissionAction string

const (
	PermissionAllow  PermissionAction = "allow"
	PermissionAsk    PermissionAction = "ask"
	PermissionDeny   PermissionAction = "deny"
	PermissionBypass PermissionAction = "bypass"
)

// PermissionRule matches a tool invocation by tool name (glob) and
// optional argument pattern, binding it to an Action.
type PermissionRule struct {
	Tool    string           `yaml:"tool" json:"tool" jsonschema:"description=Glob pattern over the tool name"`
	Pattern string           `yaml:"pattern,omitempty" json:"pattern,omitempty" jsonschema:"description=Optional glob over a serialized argument, e.g. a path"`
	Action  PermissionAction `yaml:"action" json:"action" jsonschema:"enum=allow,enum=ask,enum=deny,enum=bypass"`
}

// ConcurrencyMode selects how the dispatcher schedules a batch of tool
// calls from one assistant turn.
type ConcurrencyMode string

const (
	ConcurrencyParallel        ConcurrencyMode = "parallel"
	ConcurrencySequential      ConcurrencyMode = "sequential"
	ConcurrencyLimited         ConcurrencyMode = "limited"
	ConcurrencyExclusiveByType ConcurrencyMode = "exclusive_by_type"
)

// PermissionsConfig configures the dispatcher's permission chain and
// concurrency policy.
type PermissionsConfig struct {
	// Default is the outcome applied when no rule matches. Per spec,
	// this is Ask.
	Default PermissionAction `yaml:"default,omitempty" json:"default,omitempty" jsonschema:"default=ask"`

	// Rules are grouped by action, not by list order: a matching Deny
	// rule beats any Ask rule, and a matching Ask rule beats any Allow
	// rule, wherever each appears in the list.
	Rules []PermissionRule `yaml:"rules,omitempty" json:"rules,omitempty"`

	// Concurrency selects the dispatcher's scheduling mode for a batch.
	Concurrency ConcurrencyMode `yaml:"concurrency,omitempty" json:"concurrency,omitempty" jsonschema:"default=parallel"`

	// ConcurrencyLimit bounds in-flight calls when Concurrency is
	// "limited".
	ConcurrencyLimit int `yaml:"concurrency_limit,omitempty" json:"concurrency_limit,omitempty" jsonschema:"default=4"`

	// PersistGrantedRules, when true, adds an in-memory Allow rule for
	// the tool's name when an Ask is answered "always", so later calls
	// that would otherwise reach the default action are allowed without
	// asking. A matching Ask rule or the tool's RequiresApproval flag
	// still prompts.
	PersistGrantedRules *bool `yaml:"persist_granted_rules,omitempty" json:"persist_granted_rules,omitempty"`
}

// SetDefaults applies PermissionsConfig defaults.
func (c *PermissionsConfig) SetDefaults() {
	if c.Default == "" {
		c.Default = PermissionAsk
	}
	if c.Concurrency == "" {
		c.Concurrency = ConcurrencyParallel
	}
	if c.Concurrency == ConcurrencyLimited && c.ConcurrencyLimit == 0 {
		c.ConcurrencyLimit = 4
	}
	if c.PersistGrantedRules == nil {
		c.PersistGrantedRules = BoolPtr(false)
	}
}

// Validate checks the permissions configuration.
func (c *PermissionsConfig) Validate() error {
	switch c.Default {
	case PermissionAllow, PermissionAsk, PermissionDeny, PermissionBypass:
	default:
		return fmt.Errorf("invalid default permission action %q", c.Default)
	}
	switch c.Concurrency {
	case ConcurrencyParallel, ConcurrencySequential, ConcurrencyLimited, ConcurrencyExclusiveByType:
	default:
		return fmt.Errorf("invalid concurrency mode %q", c.Concurrency)
	}
	for i, r := range c.Rules {
		if r.Tool == "" {
			return fmt.Errorf("permissions.rules[%d]: tool is required", i)
		}
		switch r.Action {
		case PermissionAllow, PermissionAsk, PermissionDeny, PermissionBypass:
		default:
			return fmt.Errorf("permissions.rules[%d]: invalid action %q", i, r.Action)
		}
	}
	return nil
}

// SessionConfig configures the on-disk session store.
type SessionConfig struct {
	// Dir is the base directory holding one subdirectory per session.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty" jsonschema:"default=~/.sage/sessions"`
}

// SetDefaults applies SessionConfig defaults. An explicit SAGE_SESSION_DIR
// environment variable overrides the hardcoded fallback but never an
// already-configured Dir.
func (c *SessionConfig) SetDefaults() {
	if c.Dir == "" {
		if dir := os.Getenv(envSessionDir); dir != "" {
			c.Dir = dir
		} else {
			c.Dir = "~/.sage/sessions"
		}
	}
}

// Validate checks the session configuration.
func (c *SessionConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("session.dir must not be empty")
	}
	return nil
}

// EngineConfig configures the turn loop's termination and compaction
// policy.
type EngineConfig struct {
	// MaxSteps bounds the number of assistant turns in a single run.
	MaxSteps int `yaml:"max_steps,omitempty" json:"max_steps,omitempty" jsonschema:"default=50"`

	// ToolTimeoutSeconds is the default per-call timeout applied when a
	// tool descriptor does not specify its own.
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds,omitempty" json:"tool_timeout_seconds,omitempty" jsonschema:"default=120"`

	// RepetitionWindow is the number of trailing assistant outputs
	// compared for the repetition-detection terminating condition.
	RepetitionWindow int `yaml:"repetition_window,omitempty" json:"repetition_window,omitempty" jsonschema:"default=4"`

	// RepetitionThreshold is the similarity ratio (0-1) above which two
	// assistant outputs are considered a repeat.
	RepetitionThreshold float64 `yaml:"repetition_threshold,omitempty" json:"repetition_threshold,omitempty" jsonschema:"default=0.92"`

	// CompactionThreshold is the fraction of the model's context window
	// that triggers auto-compaction.
	CompactionThreshold float64 `yaml:"compaction_threshold,omitempty" json:"compaction_threshold,omitempty" jsonschema:"default=0.8"`

	// ContextWindowTokens is the model's context window, used as the
	// denominator for CompactionThreshold. If zero, SetDefaults uses
	// 200,000 regardless of provider.
	ContextWindowTokens int `yaml:"context_window_tokens,omitempty" json:"context_window_tokens,omitempty"`
}

// SetDefaults applies EngineConfig defaults.
func (c *EngineConfig) SetDefaults() {
	if c.MaxSteps == 0 {
		c.MaxSteps = 50
	}
	if c.ToolTimeoutSeconds == 0 {
		c.ToolTimeoutSeconds = 120
	}
	if c.RepetitionWindow == 0 {
		c.RepetitionWindow = 4
	}
	if c.RepetitionThreshold == 0 {
		c.RepetitionThreshold = 0.92
	}
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = 0.8
	}
	if c.ContextWindowTokens == 0 {
		c.ContextWindowTokens = 200_000
	}
}

// Validate checks the engine configuration.
func (c *EngineConfig) Validate() error {
	if c.MaxSteps <= 0 {
		return fmt.Errorf("engine.max_steps must be positive")
	}
	if c.RepetitionThreshold <= 0 || c.RepetitionThreshold > 1 {
		return fmt.Errorf("engine.repetition_threshold must be in (0, 1]")
	}
	if c.CompactionThreshold <= 0 || c.CompactionThreshold > 1 {
		return fmt.Errorf("engine.compaction_threshold must be in (0, 1]")
	}
	return nil
}

// SetDefaults applies defaults across the whole configuration tree.
func (c *Config) SetDefaults() {
	c.LLM.SetDefaults()
	for i := range c.Fallback {
		c.Fallback[i].SetDefaults()
	}
	for name, t := range c.Tools {
		t.SetDefaults()
		c.Tools[name] = t
	}
	c.Permissions.SetDefaults()
	c.Session.SetDefaults()
	c.Engine.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()

	if sandboxDisabled() {
		c.Permissions.Default = PermissionAllow
		for name, t := range c.Tools {
			t.RequireApproval = BoolPtr(false)
			c.Tools[name] = t
		}
	}
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	for i, fb := range c.Fallback {
		if err := fb.Validate(); err != nil {
			return fmt.Errorf("fallback[%d]: %w", i, err)
		}
	}
	for name, t := range c.Tools {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tools[%s]: %w", name, err)
		}
	}
	seen := make(map[string]bool, len(c.MCP))
	for i, m := range c.MCP {
		if m.Name == "" {
			return fmt.Errorf("mcp[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("mcp[%d]: duplicate server name %q", i, m.Name)
		}
		seen[m.Name] = true
	}
	if err := c.Permissions.Validate(); err != nil {
		return fmt.Errorf("permissions: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}
