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

// Package openai adapts the OpenAI Chat Completions API to the
// llm.ProviderInstance contract, via the sashabaranov/go-openai client.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/sagehq/sage/pkg/llm"
	"github.com/sagehq/sage/pkg/message"
)

const (
	defaultModel     = goopenai.GPT4o
	defaultMaxTokens = 4096
)

// Config configures the OpenAI client.
type Config struct {
	APIKey     string
	Model      string
	MaxTokens  int
	BaseURL    string
	OrgID      string
}

// Client adapts OpenAI's Chat Completions API to llm.ProviderInstance.
type Client struct {
	sdk       *goopenai.Client
	model     string
	maxTokens int
}

// New creates an OpenAI provider instance.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientCfg.OrgID = cfg.OrgID
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		sdk:       goopenai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (c *Client) Name() string           { return c.model }
func (c *Client) Provider() llm.Provider { return llm.ProviderOpenAI }
func (c *Client) Close() error           { return nil }

// Chat performs one non-streaming completion.
func (c *Client) Chat(ctx context.Context, req *message.Request) (*message.Response, error) {
	resp, err := c.sdk.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, translateError(err)
	}
	return c.toResponse(&resp), nil
}

// ChatStream performs one streaming completion.
func (c *Client) ChatStream(ctx context.Context, req *message.Request) iter.Seq2[*message.StreamChunk, error] {
	params := c.buildRequest(req)
	params.Stream = true

	return func(yield func(*message.StreamChunk, error) bool) {
		stream, err := c.sdk.CreateChatCompletionStream(ctx, params)
		if err != nil {
			yield(nil, translateError(err))
			return
		}
		defer stream.Close()

		final := &message.Response{Model: c.model}
		var text string
		toolCalls := map[int]*goopenai.ToolCall{}

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, context.Canceled) {
				yield(nil, err)
				return
			}
			if err != nil {
				if isStreamDone(err) {
					break
				}
				yield(nil, translateError(err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				text += delta.Content
				if !yield(&message.StreamChunk{Type: message.ChunkTextDelta, TextDelta: delta.Content}, nil) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				existing, ok := toolCalls[idx]
				if !ok {
					existing = &goopenai.ToolCall{ID: tc.ID, Type: tc.Type}
					toolCalls[idx] = existing
					if !yield(&message.StreamChunk{
						Type:      message.ChunkToolUseStart,
						ToolUseID: tc.ID,
						ToolName:  tc.Function.Name,
					}, nil) {
						return
					}
				}
				existing.Function.Name += tc.Function.Name
				existing.Function.Arguments += tc.Function.Arguments
				if tc.Function.Arguments != "" {
					if !yield(&message.StreamChunk{Type: message.ChunkToolUseDelta, InputDelta: tc.Function.Arguments}, nil) {
						return
					}
				}
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != "" {
				final.FinishReason = toFinishReason(chunk.Choices[0].FinishReason)
			}
		}

		var parts []message.Part
		if text != "" {
			parts = append(parts, message.TextPart(text))
		}
		for _, tc := range toolCalls {
			var input map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			parts = append(parts, message.ToolUsePart(tc.ID, tc.Function.Name, input))
			if !yield(&message.StreamChunk{Type: message.ChunkToolUseEnd, ToolUseID: tc.ID}, nil) {
				return
			}
		}
		final.Message = message.Message{Role: message.RoleAssistant, Content: parts}
		yield(&message.StreamChunk{Type: message.ChunkDone, Final: final}, nil)
	}
}

func (c *Client) buildRequest(req *message.Request) goopenai.ChatCompletionRequest {
	params := goopenai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  toOpenAIMessages(req),
	}

	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}
	if req.Config.Temperature != nil {
		params.Temperature = float32(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		params.TopP = float32(*req.Config.TopP)
	}
	if len(req.Config.StopSequences) > 0 {
		params.Stop = req.Config.StopSequences
	}

	return params
}

func toOpenAIMessages(req *message.Request) []goopenai.ChatCompletionMessage {
	var out []goopenai.ChatCompletionMessage
	if req.System != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}

	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == message.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}

		var text string
		var toolCalls []goopenai.ToolCall
		for _, p := range m.Content {
			switch p.Type {
			case message.PartText:
				text += p.Text
			case message.PartToolUse:
				args, _ := json.Marshal(p.ToolInput)
				toolCalls = append(toolCalls, goopenai.ToolCall{
					ID:   p.ToolUseID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      p.ToolName,
						Arguments: string(args),
					},
				})
			case message.PartToolResult:
				out = append(out, goopenai.ChatCompletionMessage{
					Role:       goopenai.ChatMessageRoleTool,
					Content:    p.Output,
					ToolCallID: p.ToolResultID,
				})
			}
		}

		if text != "" || len(toolCalls) > 0 {
			out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: text, ToolCalls: toolCalls})
		}
	}
	return out
}

func toOpenAITools(tools []message.ToolSchema) []goopenai.Tool {
	out := make([]goopenai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func (c *Client) toResponse(resp *goopenai.ChatCompletionResponse) *message.Response {
	out := &message.Response{Model: c.model}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]

	var parts []message.Part
	if choice.Message.Content != "" {
		parts = append(parts, message.TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		parts = append(parts, message.ToolUsePart(tc.ID, tc.Function.Name, input))
	}

	out.Message = message.Message{Role: message.RoleAssistant, Content: parts}
	out.FinishReason = toFinishReason(choice.FinishReason)
	out.Usage = message.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return out
}

func toFinishReason(r goopenai.FinishReason) message.FinishReason {
	switch r {
	case goopenai.FinishReasonToolCalls, goopenai.FinishReasonFunctionCall:
		return message.FinishToolUse
	case goopenai.FinishReasonLength:
		return message.FinishLength
	default:
		return message.FinishStop
	}
}

func isStreamDone(err error) bool {
	return errors.Is(err, context.Canceled) == false && err.Error() == "EOF"
}

func translateError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return &message.GatewayError{Kind: message.ErrorRateLimited, Detail: apiErr.Message, Wrapped: err}
		case 401, 403:
			return &message.GatewayError{Kind: message.ErrorAuthFailed, Detail: apiErr.Message, Wrapped: err}
		case 408:
			return &message.GatewayError{Kind: message.ErrorTimeout, Detail: apiErr.Message, Wrapped: err}
		}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == 429 {
		return &message.GatewayError{Kind: message.ErrorRateLimited, Detail: reqErr.Error(), Wrapped: err}
	}
	return &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err}
}

var _ llm.ProviderInstance = (*Client)(nil)
