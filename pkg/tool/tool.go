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

// Package tool defines the contract that every tool the engine can invoke
// must satisfy, independent of how that tool is implemented (built-in
// function, MCP-federated, or otherwise).
//
// # Tool Interface Hierarchy
//
//	Tool (base)
//	  ├── CallableTool   - synchronous execution, single result
//	  └── StreamingTool  - incremental output via iter.Seq2
//
// Both kinds carry a Schema() describing their arguments as JSON Schema,
// used both for LLM function-calling declarations and for validating
// arguments before dispatch.
package tool

import (
	"context"
	"iter"

	"github.com/sagehq/sage/pkg/config"
)

// Tool is the base interface implemented by every invocable tool.
type Tool interface {
	// Name returns the unique name of the tool, as the LLM will reference it.
	Name() string

	// Description returns a human-readable description of what the tool
	// does. Used by LLMs to decide when to use this tool.
	Description() string

	// IsLongRunning indicates whether this tool is an async operation that
	// returns a job ID and is polled for completion rather than blocking.
	IsLongRunning() bool

	// RequiresApproval indicates whether this tool's permission descriptor
	// should default to Ask rather than Allow when no rule matches.
	RequiresApproval() bool
}

// CallableTool extends Tool with synchronous execution.
type CallableTool interface {
	Tool

	// Call executes the tool with the given arguments and returns the
	// result as a map, along with any error encountered. Blocks until
	// completion or until ctx is cancelled.
	Call(ctx Context, args map[string]any) (map[string]any, error)

	// Schema returns the JSON Schema for the tool's parameters, or nil if
	// the tool takes no parameters.
	Schema() map[string]any
}

// ReadOnlyDescriber is implemented by tools that can report whether they
// only observe state rather than mutate it. The engine uses this to
// decide whether a call needs a file snapshot captured before it runs.
// Tools that don't implement it are treated as mutating, the safer
// default.
type ReadOnlyDescriber interface {
	IsReadOnly() bool
}

// Categorizer is implemented by tools that report a descriptor category
// (e.g. "filesystem", "search", "execution") used for permission rules
// and UI grouping.
type Categorizer interface {
	Category() string
}

// RiskLeveler is implemented by tools that report a descriptor risk
// level (e.g. "low", "medium", "high") used for permission-rule
// defaults.
type RiskLeveler interface {
	RiskLevel() string
}

// ConcurrencyModer is implemented by tools that require a different
// batch scheduling policy than the dispatcher's configured default,
// e.g. a file-write tool that must run Sequential even inside an
// otherwise Parallel batch. A zero-value return defers to the
// dispatcher's configured mode.
type ConcurrencyModer interface {
	ConcurrencyMode() config.ConcurrencyMode
}

// IsReadOnly reports whether t only reads state, defaulting to false
// (mutating) when t does not implement ReadOnlyDescriber.
func IsReadOnly(t Tool) bool {
	if ro, ok := t.(ReadOnlyDescriber); ok {
		return ro.IsReadOnly()
	}
	return false
}

// CategoryOf reports t's descriptor category, defaulting to
// "uncategorized" when t does not implement Categorizer.
func CategoryOf(t Tool) string {
	if c, ok := t.(Categorizer); ok {
		if cat := c.Category(); cat != "" {
			return cat
		}
	}
	return "uncategorized"
}

// RiskLevelOf reports t's descriptor risk level, defaulting to "medium"
// when t does not implement RiskLeveler.
func RiskLevelOf(t Tool) string {
	if r, ok := t.(RiskLeveler); ok {
		if level := r.RiskLevel(); level != "" {
			return level
		}
	}
	return "medium"
}

// ConcurrencyModeOf reports t's per-descriptor concurrency mode,
// falling back to fallback when t does not implement ConcurrencyModer
// or returns the zero value.
func ConcurrencyModeOf(t Tool, fallback config.ConcurrencyMode) config.ConcurrencyMode {
	if cm, ok := t.(ConcurrencyModer); ok {
		if mode := cm.ConcurrencyMode(); mode != "" {
			return mode
		}
	}
	return fallback
}

// StreamingTool extends Tool with incremental output.
type StreamingTool interface {
	Tool

	// CallStreaming executes the tool and yields incremental Results.
	// Each yielded Result before the final one has Streaming=true.
	CallStreaming(ctx Context, args map[string]any) iter.Seq2[*Result, error]

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() map[string]any
}

// Result represents one unit of tool output.
type Result struct {
	// Content is the output content, typically a string or structured data.
	Content any

	// Streaming indicates this is an intermediate chunk, not the final
	// result. When false, this Result concludes the call.
	Streaming bool

	// Error is set if an error occurred producing this chunk or the final
	// result.
	Error string

	// Metadata carries optional additional data about this result.
	Metadata map[string]any
}

// Context is the execution context passed to a tool invocation. It is
// deliberately narrow: tools see only what they need to do their job and
// cannot reach into engine internals.
type Context interface {
	context.Context

	// CallID returns the unique ID of this tool invocation (matches the
	// ToolCall.ID that triggered it).
	CallID() string

	// SessionID returns the ID of the session this call belongs to.
	SessionID() string

	// WorkingDirectory returns the working directory tools should resolve
	// relative paths against.
	WorkingDirectory() string
}

// Toolset groups related tools and resolves them dynamically, enabling
// lazy loading: tools are resolved only when the engine actually needs
// the list (e.g. an MCP server that must first be dialed).
type Toolset interface {
	// Name returns the name of this toolset (e.g. the MCP server name).
	Name() string

	// Tools returns the tools currently available from this toolset.
	Tools() ([]Tool, error)
}

// Predicate determines whether a tool should be exposed to the LLM.
type Predicate func(t Tool) bool

// StringPredicate creates a Predicate that allows only named tools.
func StringPredicate(allowedTools []string) Predicate {
	allowed := make(map[string]bool, len(allowedTools))
	for _, name := range allowedTools {
		allowed[name] = true
	}
	return func(t Tool) bool {
		return allowed[t.Name()]
	}
}

// AllowAll returns a Predicate that allows all tools.
func AllowAll() Predicate {
	return func(t Tool) bool { return true }
}

// DenyAll returns a Predicate that denies all tools.
func DenyAll() Predicate {
	return func(t Tool) bool { return false }
}

// Combine combines multiple predicates with AND logic.
func Combine(predicates ...Predicate) Predicate {
	return func(t Tool) bool {
		for _, p := range predicates {
			if !p(t) {
				return false
			}
		}
		return true
	}
}

// Or combines multiple predicates with OR logic.
func Or(predicates ...Predicate) Predicate {
	return func(t Tool) bool {
		for _, p := range predicates {
			if p(t) {
				return true
			}
		}
		return false
	}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(t Tool) bool { return !p(t) }
}

// Definition represents a tool definition for LLM function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	def := Definition{
		Name:        t.Name(),
		Description: t.Description(),
	}
	if ct, ok := t.(CallableTool); ok {
		def.Parameters = ct.Schema()
	} else if st, ok := t.(StreamingTool); ok {
		def.Parameters = st.Schema()
	}
	return def
}

// Call represents an LLM's request to invoke a tool.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// ExecutionResult represents the outcome of a tool invocation, ready to be
// folded back into the conversation history.
type ExecutionResult struct {
	CallID   string
	Content  string
	Error    string
	IsError  bool
	Metadata map[string]any
}
