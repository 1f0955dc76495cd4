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

// Package engine implements the Execution Engine (C5): the per-turn
// state machine that assembles context, calls the LLM Gateway, records
// the assistant response, dispatches any requested tool calls, and
// decides whether the turn is done, needs another LLM round, or has hit
// one of the loop's terminating conditions.
//
// The loop is deliberately stateless between iterations: every
// iteration rebuilds its message list from the session Store (the
// single source of truth for conversation history) rather than
// accumulating messages in memory, matching the adk-go-aligned pattern
// the turn loop is grounded on. Session Store writes, not in-memory
// bookkeeping, are what make a crash mid-turn resumable.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/sagehq/sage/pkg/config"
	"github.com/sagehq/sage/pkg/contextbuilder"
	"github.com/sagehq/sage/pkg/dispatcher"
	"github.com/sagehq/sage/pkg/llm"
	"github.com/sagehq/sage/pkg/message"
	"github.com/sagehq/sage/pkg/session"
	"github.com/sagehq/sage/pkg/tool"
	"github.com/sagehq/sage/pkg/tool/controltool"
)

// Outcome is the terminal state of one Run call.
type Outcome string

const (
	// OutcomeCompleted means the assistant produced a final response with
	// no further tool calls requested, or called the task_done sentinel.
	OutcomeCompleted Outcome = "completed"

	// OutcomeMaxStepsReached means the loop exhausted EngineConfig.MaxSteps
	// without reaching a final response.
	OutcomeMaxStepsReached Outcome = "max_steps_reached"

	// OutcomeCancelled means ctx was cancelled mid-turn.
	OutcomeCancelled Outcome = "cancelled"

	// OutcomeFailed means an irrecoverable Gateway or tool error ended the
	// turn early.
	OutcomeFailed Outcome = "failed"
)

// Result is what Run returns: the terminal Outcome plus whatever detail
// applies to it.
type Result struct {
	Outcome    Outcome
	Response   string
	ErrorKind  message.ErrorKind
	SessionID  string
	Steps      int
	Repetition bool

	// MessageID is the UUID of this turn's last assistant message, the
	// anchor a caller passes to session.Store.Undo/Redo to unwind or
	// reapply any file mutations this turn made. Set on OutcomeCompleted
	// and on an OutcomeCancelled detected after a tool dispatch; empty on
	// OutcomeMaxStepsReached, OutcomeFailed, and a cancellation detected
	// at the top of an iteration.
	MessageID string
}

// taskDoneTool is the name of the sentinel tool the model calls to end
// its own turn explicitly, independent of FinishReason.
const taskDoneTool = controltool.TaskDoneName

// Summarizer condenses a slice of session Messages into one synthetic
// assistant summary when auto-compaction fires. The caller typically
// implements this with one extra Gateway.Chat call using a dedicated
// summarization system prompt; the Engine only needs the resulting
// text.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*session.Message) (string, error)
}

// Engine wires the Gateway (C1), Dispatcher (C2), session Store (C4),
// and Context Builder (C7) into the turn loop described by the state
// machine Idle -> ContextAssembly -> LlmRequest -> AssistantRecord ->
// ToolDispatch -> CompletionCheck.
type Engine struct {
	gateway    *llm.Gateway
	dispatcher *dispatcher.Dispatcher
	builder    *contextbuilder.Builder
	cfg        config.EngineConfig
	summarizer Summarizer
}

// New builds an Engine from its four collaborators and the loop's
// termination/compaction policy. summarizer may be nil, in which case
// auto-compaction is skipped (the turn simply keeps growing toward
// ContextWindowTokens, relying on MaxSteps and the provider's own
// context-length error to bound it).
func New(gw *llm.Gateway, d *dispatcher.Dispatcher, b *contextbuilder.Builder, cfg config.EngineConfig, summarizer Summarizer) *Engine {
	cfg.SetDefaults()
	return &Engine{gateway: gw, dispatcher: d, builder: b, cfg: cfg, summarizer: summarizer}
}

// Run executes one user turn against store to completion or a
// terminating condition: the assistant's final text reply, MaxSteps
// exhaustion, repetition detection, context cancellation, or a fatal
// Gateway/tool error. Every assistant message, tool-result message, and
// (when it fires) compaction summary is appended to store before Run
// returns, so a crash between steps loses at most the in-flight step.
func (e *Engine) Run(ctx context.Context, store *session.Store, userText string) Result {
	userMsg := &session.Message{
		Kind:    session.KindUser,
		Content: []message.Part{message.TextPart(userText)},
	}
	if err := store.Append(userMsg); err != nil {
		return Result{Outcome: OutcomeFailed, SessionID: store.ID(), ErrorKind: message.ErrorProtocol}
	}

	detector := newRepetitionDetector(e.cfg.RepetitionWindow, e.cfg.RepetitionThreshold)

	for step := 0; step < e.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCancelled, SessionID: store.ID(), Steps: step}
		}

		if e.summarizer != nil {
			if err := e.maybeCompact(ctx, store); err != nil {
				slog.Warn("engine: auto-compaction failed, continuing uncompacted", "session", store.ID(), "error", err)
			}
		}

		req := e.assembleRequest(userText, store)

		resp, err := e.gateway.Chat(ctx, &req)
		if err != nil {
			return Result{Outcome: OutcomeFailed, SessionID: store.ID(), Steps: step, ErrorKind: gatewayErrorKind(err)}
		}
		if resp.ErrorKind != "" {
			return Result{Outcome: OutcomeFailed, SessionID: store.ID(), Steps: step, ErrorKind: resp.ErrorKind}
		}

		usage := resp.Usage
		assistantMsg := &session.Message{
			Kind:       session.KindAssistant,
			Content:    resp.Message.Content,
			TokenUsage: &usage,
		}
		if err := store.Append(assistantMsg); err != nil {
			return Result{Outcome: OutcomeFailed, SessionID: store.ID(), Steps: step, ErrorKind: message.ErrorProtocol}
		}

		text := resp.Message.Text()
		if detector.observe(text) {
			return Result{Outcome: OutcomeCompleted, Response: text, SessionID: store.ID(), Steps: step + 1, Repetition: true, MessageID: assistantMsg.UUID}
		}

		toolUses := resp.Message.ToolUses()
		if len(toolUses) == 0 || resp.FinishReason != message.FinishToolUse {
			return Result{Outcome: OutcomeCompleted, Response: text, SessionID: store.ID(), Steps: step + 1, MessageID: assistantMsg.UUID}
		}

		if doneText, ok := findTaskDone(toolUses); ok {
			return Result{Outcome: OutcomeCompleted, Response: doneText, SessionID: store.ID(), Steps: step + 1, MessageID: assistantMsg.UUID}
		}

		calls := toCalls(toolUses)
		e.captureSnapshots(store, assistantMsg.UUID, calls)
		results := e.dispatcher.DispatchBatch(ctx, calls, store.ID(), e.builder.WorkingDirectory)
		for _, r := range results {
			trMsg := &session.Message{
				Kind: session.KindToolResult,
				ToolResult: &session.ToolResult{
					CallID:  r.CallID,
					Success: !r.IsError,
					Output:  r.Content,
					Error:   r.Error,
				},
			}
			if err := store.Append(trMsg); err != nil {
				return Result{Outcome: OutcomeFailed, SessionID: store.ID(), Steps: step + 1, ErrorKind: message.ErrorProtocol}
			}
		}

		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCancelled, SessionID: store.ID(), Steps: step + 1, MessageID: assistantMsg.UUID}
		}
	}

	return Result{Outcome: OutcomeMaxStepsReached, SessionID: store.ID(), Steps: e.cfg.MaxSteps}
}

// captureSnapshots records pre-mutation file state for every call whose
// tool is not read-only and whose arguments include a "path" string,
// binding each snapshot to messageID so a later Undo/Redo against that
// message can unwind or reapply this turn's mutations. A tool whose
// descriptor can't be resolved, that reports itself read-only, or whose
// arguments carry no "path" is skipped; a capture that errors (e.g. a
// permission problem reading the file) is logged and otherwise ignored
// so the call still runs, it simply isn't undoable.
func (e *Engine) captureSnapshots(store *session.Store, messageID string, calls []tool.Call) {
	for _, c := range calls {
		t, ok := e.dispatcher.Lookup(c.Name)
		if !ok || tool.IsReadOnly(t) {
			continue
		}
		path, ok := c.Args["path"].(string)
		if !ok || path == "" {
			continue
		}
		fullPath := filepath.Join(e.builder.WorkingDirectory, path)
		if _, err := store.CaptureBeforeMutation(messageID, fullPath); err != nil {
			slog.Warn("engine: snapshot capture failed", "session", store.ID(), "tool", c.Name, "path", path, "error", err)
		}
	}
}

// assembleRequest builds the per-iteration message.Request: a system
// prompt assembled once per turn from taskText, plus the full resume
// chain re-read from store so tool results appended earlier this turn
// are visible to the next LLM call. Rebuilding from store rather than
// threading a growing history slice keeps the Context Builder and the
// session Store from disagreeing about what "the conversation so far"
// means.
func (e *Engine) assembleRequest(taskText string, store *session.Store) message.Request {
	msgs := session.ConvertForResume(store.ChainSinceCompaction())
	return message.Request{
		System:   e.builder.System(taskText),
		Messages: msgs,
		Tools:    toolSchemas(e.dispatcher.List()),
	}
}

func toolSchemas(defs []tool.Definition) []message.ToolSchema {
	out := make([]message.ToolSchema, 0, len(defs))
	for _, d := range defs {
		out = append(out, message.ToolSchema{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
	}
	return out
}

func toCalls(parts []message.Part) []tool.Call {
	calls := make([]tool.Call, 0, len(parts))
	for _, p := range parts {
		calls = append(calls, tool.Call{ID: p.ToolUseID, Name: p.ToolName, Args: p.ToolInput})
	}
	return calls
}

func gatewayErrorKind(err error) message.ErrorKind {
	var gerr *message.GatewayError
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return message.ErrorUnavailable
}

func findTaskDone(parts []message.Part) (string, bool) {
	for _, p := range parts {
		if p.ToolName == taskDoneTool {
			if v, ok := p.ToolInput["summary"].(string); ok {
				return v, true
			}
			return "", true
		}
	}
	return "", false
}
