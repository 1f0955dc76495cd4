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

// Package ollama adapts a local Ollama server's /api/chat endpoint to the
// llm.ProviderInstance contract. Ollama has no official Go SDK, so this
// adapter speaks its JSON wire format directly over httpclient, the same
// retrying HTTP client the other hand-rolled transports in this module use.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/sagehq/sage/pkg/httpclient"
	"github.com/sagehq/sage/pkg/llm"
	"github.com/sagehq/sage/pkg/message"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.2"
)

// Config configures the Ollama client.
type Config struct {
	BaseURL string
	Model   string
}

// Client adapts a local Ollama server to llm.ProviderInstance.
type Client struct {
	http    *httpclient.Client
	baseURL string
	model   string
}

// New creates an Ollama provider instance.
func New(cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Client{
		http:    httpclient.New(httpclient.WithMaxRetries(2)),
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}, nil
}

func (c *Client) Name() string           { return c.model }
func (c *Client) Provider() llm.Provider { return llm.ProviderOllama }
func (c *Client) Close() error           { return nil }

type ollamaMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Chat performs one non-streaming completion.
func (c *Client) Chat(ctx context.Context, req *message.Request) (*message.Response, error) {
	payload := c.buildRequest(req, false)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, translateError(err)
	}
	defer resp.Body.Close()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err}
	}
	if out.Error != "" {
		return nil, &message.GatewayError{Kind: message.ErrorProtocol, Detail: out.Error}
	}

	return c.toResponse(&out), nil
}

// ChatStream performs one streaming completion over Ollama's newline-delimited
// JSON stream.
func (c *Client) ChatStream(ctx context.Context, req *message.Request) iter.Seq2[*message.StreamChunk, error] {
	payload := c.buildRequest(req, true)

	return func(yield func(*message.StreamChunk, error) bool) {
		body, err := json.Marshal(payload)
		if err != nil {
			yield(nil, &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err})
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			yield(nil, &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err})
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			yield(nil, translateError(err))
			return
		}
		defer resp.Body.Close()

		var text string
		var parts []message.Part
		var usage message.Usage

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				yield(nil, &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err})
				return
			}
			if chunk.Error != "" {
				yield(nil, &message.GatewayError{Kind: message.ErrorProtocol, Detail: chunk.Error})
				return
			}

			if chunk.Message.Content != "" {
				text += chunk.Message.Content
				if !yield(&message.StreamChunk{Type: message.ChunkTextDelta, TextDelta: chunk.Message.Content}, nil) {
					return
				}
			}
			for _, tc := range chunk.Message.ToolCalls {
				parts = append(parts, message.ToolUsePart(tc.Function.Name, tc.Function.Name, tc.Function.Arguments))
			}

			if chunk.Done {
				usage = message.Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			yield(nil, &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err})
			return
		}

		if text != "" {
			parts = append([]message.Part{message.TextPart(text)}, parts...)
		}
		finish := message.FinishStop
		if len(parts) > 0 {
			for _, p := range parts {
				if p.Type == message.PartToolUse {
					finish = message.FinishToolUse
					break
				}
			}
		}

		yield(&message.StreamChunk{Type: message.ChunkDone, Final: &message.Response{
			Model:        c.model,
			Message:      message.Message{Role: message.RoleAssistant, Content: parts},
			FinishReason: finish,
			Usage:        usage,
		}}, nil)
	}
}

func (c *Client) buildRequest(req *message.Request, stream bool) ollamaChatRequest {
	var msgs []ollamaMessage
	if req.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == message.RoleAssistant {
			role = "assistant"
		}
		var text string
		var toolCalls []ollamaToolCall
		for _, p := range m.Content {
			switch p.Type {
			case message.PartText:
				text += p.Text
			case message.PartToolUse:
				var tc ollamaToolCall
				tc.Function.Name = p.ToolName
				tc.Function.Arguments = p.ToolInput
				toolCalls = append(toolCalls, tc)
			case message.PartToolResult:
				msgs = append(msgs, ollamaMessage{Role: "tool", Content: p.Output})
			}
		}
		if text != "" || len(toolCalls) > 0 {
			msgs = append(msgs, ollamaMessage{Role: role, Content: text, ToolCalls: toolCalls})
		}
	}

	var tools []ollamaTool
	for _, t := range req.Tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		tools = append(tools, ot)
	}

	return ollamaChatRequest{Model: c.model, Messages: msgs, Tools: tools, Stream: stream}
}

func (c *Client) toResponse(r *ollamaChatResponse) *message.Response {
	var parts []message.Part
	if r.Message.Content != "" {
		parts = append(parts, message.TextPart(r.Message.Content))
	}
	for _, tc := range r.Message.ToolCalls {
		parts = append(parts, message.ToolUsePart(tc.Function.Name, tc.Function.Name, tc.Function.Arguments))
	}

	finish := message.FinishStop
	if len(r.Message.ToolCalls) > 0 {
		finish = message.FinishToolUse
	}

	return &message.Response{
		Model:        c.model,
		Message:      message.Message{Role: message.RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage: message.Usage{
			PromptTokens:     r.PromptEvalCount,
			CompletionTokens: r.EvalCount,
			TotalTokens:      r.PromptEvalCount + r.EvalCount,
		},
	}
}

func translateError(err error) error {
	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) {
		return &message.GatewayError{Kind: message.ErrorUnavailable, Detail: err.Error(), Wrapped: err}
	}
	return &message.GatewayError{Kind: message.ErrorUnavailable, Detail: fmt.Sprintf("ollama: %v", err), Wrapped: err}
}

var _ llm.ProviderInstance = (*Client)(nil)
