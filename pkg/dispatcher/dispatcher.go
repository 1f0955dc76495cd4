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

// Package dispatcher implements the tool dispatcher (C2): a registry of
// callable tools, a permission-gating precedence chain in front of every
// call, and a scheduler that runs a batch of calls from one assistant
// turn under one of several concurrency policies. Every outcome —
// success, denial, timeout, cancellation, schema failure, or executor
// error — is folded into a tool.ExecutionResult rather than a Go error,
// because the LLM must see the failure as ordinary tool output.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sagehq/sage/pkg/config"
	"github.com/sagehq/sage/pkg/input"
	"github.com/sagehq/sage/pkg/observability"
	"github.com/sagehq/sage/pkg/ratelimit"
	"github.com/sagehq/sage/pkg/tool"
)

// Dispatcher registers tools and routes tool.Call values through
// permission gating, schema validation, and bounded execution.
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]tool.CallableTool
	schemas map[string]*jsonschema.Schema

	rules         []config.PermissionRule
	defaultAction config.PermissionAction
	bypass        bool
	persistGrants bool

	concurrency      config.ConcurrencyMode
	concurrencyLimit int
	sequentialMu     sync.Mutex
	exclusiveMu      sync.Mutex
	exclusiveByType  map[string]*sync.Mutex

	defaultTimeout time.Duration
	channel        input.Channel
	metrics        observability.GlobalMetrics

	rateLimiter ratelimit.RateLimiter
	rateScope   ratelimit.Scope

	bus *bus
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithBypass puts the dispatcher in bypass mode: any call that survives
// the Deny/Ask rule scan, the tool's own self-check and its
// RequiresApproval flag is allowed without prompting, per precedence
// step 5.
func WithBypass(bypass bool) Option {
	return func(d *Dispatcher) { d.bypass = bypass }
}

// WithRateLimiter gates every call through limiter at the given scope,
// keyed on the sessionID passed to Dispatch/DispatchBatch (or the user
// identifier the caller substitutes for it when scope is ScopeUser). A
// nil limiter disables this check entirely, so callers can pass through
// whatever ratelimit.NewRateLimiterFromConfig returns (nil when rate
// limiting is disabled in config) without a branch at the call site.
func WithRateLimiter(limiter ratelimit.RateLimiter, scope ratelimit.Scope) Option {
	return func(d *Dispatcher) {
		d.rateLimiter = limiter
		d.rateScope = scope
	}
}

// New builds a Dispatcher from a PermissionsConfig, a default per-call
// timeout (used when a tool does not implement TimeoutOverrider), and
// the Channel used to resolve Ask outcomes.
func New(cfg config.PermissionsConfig, defaultTimeout time.Duration, channel input.Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:           make(map[string]tool.CallableTool),
		schemas:         make(map[string]*jsonschema.Schema),
		rules:           cfg.Rules,
		defaultAction:   cfg.Default,
		bypass:          cfg.Default == config.PermissionBypass,
		concurrency:     cfg.Concurrency,
		concurrencyLimit: cfg.ConcurrencyLimit,
		exclusiveByType: make(map[string]*sync.Mutex),
		defaultTimeout:  defaultTimeout,
		channel:         channel,
		metrics:         observability.GetGlobalMetrics(),
		bus:             newBus(),
	}
	if cfg.PersistGrantedRules != nil {
		d.persistGrants = *cfg.PersistGrantedRules
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.defaultAction == "" {
		d.defaultAction = config.PermissionAsk
	}
	return d
}

// TimeoutOverrider is implemented by tools with a per-call timeout
// different from the dispatcher default.
type TimeoutOverrider interface {
	Timeout() time.Duration
}

// Register adds t to the registry, compiling its JSON Schema (if any)
// once up front so Dispatch never pays that cost per call.
func (d *Dispatcher) Register(t tool.CallableTool) error {
	schema := t.Schema()
	var compiled *jsonschema.Schema
	if schema != nil {
		c, err := compileSchema(t.Name(), schema)
		if err != nil {
			return fmt.Errorf("dispatcher: compiling schema for %q: %w", t.Name(), err)
		}
		compiled = c
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[t.Name()] = t
	if compiled != nil {
		d.schemas[t.Name()] = compiled
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// List returns the function-calling Definition of every registered tool.
func (d *Dispatcher) List() []tool.Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	defs := make([]tool.Definition, 0, len(d.tools))
	for _, t := range d.tools {
		defs = append(defs, tool.ToDefinition(t))
	}
	return defs
}

// Lookup returns the registered tool named name, for callers that need
// to inspect its descriptor (e.g. the engine deciding whether a call
// needs a file snapshot captured before it runs).
func (d *Dispatcher) Lookup(name string) (tool.CallableTool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tools[name]
	return t, ok
}

// Unregister drops a previously registered tool, used when hot-reloading
// a changed MCP server list removes one of its federated tools. Dropping
// a name that was never registered is a no-op.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tools, name)
	delete(d.schemas, name)
}

// AddAllowRule inserts an Allow rule for toolName at the front of the
// rule list, used when an Ask outcome is answered "always" and
// PersistGrantedRules is enabled.
func (d *Dispatcher) AddAllowRule(toolName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append([]config.PermissionRule{{Tool: toolName, Action: config.PermissionAllow}}, d.rules...)
}

// Subscribe registers a lifecycle Listener and returns a function that
// removes it.
func (d *Dispatcher) Subscribe(fn Listener) func() {
	return d.bus.Subscribe(fn)
}

// execContext is the tool.Context threaded into every call.
type execContext struct {
	context.Context
	callID  string
	session string
	workdir string
}

func (c execContext) CallID() string           { return c.callID }
func (c execContext) SessionID() string        { return c.session }
func (c execContext) WorkingDirectory() string { return c.workdir }

// Dispatch runs a single call: permission gating, schema validation,
// bounded execution, and lifecycle events, folding every failure mode
// into the returned ExecutionResult.
func (d *Dispatcher) Dispatch(ctx context.Context, call tool.Call, sessionID, workdir string) tool.ExecutionResult {
	d.mu.RLock()
	t, ok := d.tools[call.Name]
	schema := d.schemas[call.Name]
	d.mu.RUnlock()

	if !ok {
		return failureResult(call.ID, notFound(call.Name))
	}

	if schema != nil {
		if err := schema.Validate(call.Args); err != nil {
			return failureResult(call.ID, schemaErr(err.Error()))
		}
	}

	action := resolve(d.rulesSnapshot(), d.bypass, d.defaultAction, t, call)
	switch action {
	case config.PermissionDeny:
		return failureResult(call.ID, deny(fmt.Sprintf("denied by permission rule for %q", call.Name)))
	case config.PermissionAsk:
		granted, always, err := d.askApproval(ctx, t, call)
		if err != nil {
			return failureResult(call.ID, cancelled())
		}
		if !granted {
			return failureResult(call.ID, deny("user denied the request"))
		}
		if always && d.persistGrants {
			d.AddAllowRule(call.Name)
		}
	case config.PermissionAllow, config.PermissionBypass:
		// proceed
	}

	if d.rateLimiter != nil {
		result, err := d.rateLimiter.CheckAndRecord(ctx, d.rateScope, sessionID, 0, 1)
		if err != nil {
			return failureResult(call.ID, rateLimited(fmt.Sprintf("rate limit check failed: %v", err)))
		}
		if !result.Allowed {
			return failureResult(call.ID, rateLimited(result.Reason))
		}
	}

	return d.execute(ctx, t, call, sessionID, workdir)
}

func (d *Dispatcher) rulesSnapshot() []config.PermissionRule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]config.PermissionRule, len(d.rules))
	copy(out, d.rules)
	return out
}

func (d *Dispatcher) askApproval(ctx context.Context, t tool.Tool, call tool.Call) (granted, always bool, err error) {
	resp, err := d.channel.Ask(ctx, input.Request{
		Kind:     input.KindPermission,
		Prompt:   fmt.Sprintf("Allow %q to run?", call.Name),
		ToolName: call.Name,
		Args:     call.Args,
	})
	if err != nil {
		return false, false, err
	}
	return resp.Granted(), resp.Kind == input.ResponsePermissionAlways, nil
}

// execute runs the tool itself under a timeout, translating panics from
// a misbehaving executor into an ExecutorFailed result rather than
// crashing the dispatch loop.
func (d *Dispatcher) execute(ctx context.Context, t tool.CallableTool, call tool.Call, sessionID, workdir string) tool.ExecutionResult {
	timeout := d.defaultTimeout
	if to, ok := t.(TimeoutOverrider); ok {
		if custom := to.Timeout(); custom > 0 {
			timeout = custom
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.bus.emit(Event{Kind: EventStarted, CallID: call.ID, ToolName: call.Name})
	start := time.Now()

	type outcome struct {
		out map[string]any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		tc := execContext{Context: callCtx, callID: call.ID, session: sessionID, workdir: workdir}
		out, err := t.Call(tc, call.Args)
		done <- outcome{out: out, err: err}
	}()

	var result tool.ExecutionResult
	select {
	case o := <-done:
		duration := time.Since(start)
		if o.err != nil {
			result = failureResult(call.ID, executorFailed(o.err.Error()))
			d.metrics.RecordToolExecution(ctx, call.Name, duration, o.err)
			d.bus.emit(Event{Kind: EventFailed, CallID: call.ID, ToolName: call.Name, Duration: duration, Err: o.err})
		} else {
			result = successResult(call.ID, o.out)
			d.metrics.RecordToolExecution(ctx, call.Name, duration, nil)
			d.bus.emit(Event{Kind: EventCompleted, CallID: call.ID, ToolName: call.Name, Duration: duration})
		}
	case <-callCtx.Done():
		duration := time.Since(start)
		var f *Failure
		if ctx.Err() != nil {
			// the caller's context, not just our timeout, is done: this
			// is a cancellation, not a timeout.
			f = cancelled()
		} else {
			f = timeoutErr()
		}
		result = failureResult(call.ID, f)
		d.metrics.RecordToolExecution(ctx, call.Name, duration, f)
		d.bus.emit(Event{Kind: EventFailed, CallID: call.ID, ToolName: call.Name, Duration: duration, Err: f})
	}
	return result
}

// DispatchBatch runs every call in calls (typically the tool uses from
// one assistant turn), scheduling them per the dispatcher's configured
// ConcurrencyMode, and returns results in the same order as calls.
func (d *Dispatcher) DispatchBatch(ctx context.Context, calls []tool.Call, sessionID, workdir string) []tool.ExecutionResult {
	return d.runBatch(ctx, calls, func(c context.Context, call tool.Call) tool.ExecutionResult {
		return d.Dispatch(c, call, sessionID, workdir)
	})
}

func failureResult(callID string, f *Failure) tool.ExecutionResult {
	return tool.ExecutionResult{CallID: callID, Error: f.Error(), IsError: true, Metadata: map[string]any{"failure_kind": string(f.Kind)}}
}

func successResult(callID string, out map[string]any) tool.ExecutionResult {
	content := ""
	if out != nil {
		if data, err := json.Marshal(out); err == nil {
			content = string(data)
		}
	}
	return tool.ExecutionResult{CallID: callID, Content: content, Metadata: out}
}
