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

// Package anthropic adapts the Anthropic Messages API to the
// llm.ProviderInstance contract, via the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sagehq/sage/pkg/llm"
	"github.com/sagehq/sage/pkg/message"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096

	// thinkingTemperature is required by Anthropic whenever extended
	// thinking is enabled: the API rejects any other sampling temperature.
	thinkingTemperature = 1.0
)

// Config configures the Anthropic client.
type Config struct {
	APIKey         string
	Model          string
	MaxTokens      int
	BaseURL        string
	MaxRetries     int
	EnableThinking bool
	ThinkingBudget int
}

// Client adapts Anthropic's Messages API to llm.ProviderInstance.
type Client struct {
	sdk            anthropic.Client
	model          string
	maxTokens      int64
	enableThinking bool
	thinkingBudget int64
}

// New creates an Anthropic provider instance.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		sdk:            anthropic.NewClient(opts...),
		model:          modelName,
		maxTokens:      int64(maxTokens),
		enableThinking: cfg.EnableThinking,
		thinkingBudget: int64(cfg.ThinkingBudget),
	}, nil
}

func (c *Client) Name() string            { return c.model }
func (c *Client) Provider() llm.Provider  { return llm.ProviderAnthropic }
func (c *Client) Close() error            { return nil }

// Chat performs one non-streaming completion.
func (c *Client) Chat(ctx context.Context, req *message.Request) (*message.Response, error) {
	params := c.buildParams(req)

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, translateError(err)
	}
	return c.toResponse(resp), nil
}

// ChatStream performs one streaming completion.
func (c *Client) ChatStream(ctx context.Context, req *message.Request) iter.Seq2[*message.StreamChunk, error] {
	params := c.buildParams(req)

	return func(yield func(*message.StreamChunk, error) bool) {
		stream := c.sdk.Messages.NewStreaming(ctx, params)
		acc := anthropic.Message{}
		toolInputBuf := map[int64]*string{}

		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				yield(nil, translateError(err))
				return
			}

			switch delta := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if delta.ContentBlock.Type == "tool_use" {
					if !yield(&message.StreamChunk{
						Type:      message.ChunkToolUseStart,
						ToolUseID: delta.ContentBlock.ID,
						ToolName:  delta.ContentBlock.Name,
					}, nil) {
						return
					}
					buf := ""
					toolInputBuf[delta.Index] = &buf
				}
			case anthropic.ContentBlockDeltaEvent:
				switch d := delta.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if !yield(&message.StreamChunk{Type: message.ChunkTextDelta, TextDelta: d.Text}, nil) {
						return
					}
				case anthropic.InputJSONDelta:
					if buf, ok := toolInputBuf[delta.Index]; ok {
						*buf += d.PartialJSON
					}
					if !yield(&message.StreamChunk{Type: message.ChunkToolUseDelta, InputDelta: d.PartialJSON}, nil) {
						return
					}
				}
			case anthropic.ContentBlockStopEvent:
				if buf, ok := toolInputBuf[delta.Index]; ok {
					delete(toolInputBuf, delta.Index)
					_ = buf
					if !yield(&message.StreamChunk{Type: message.ChunkToolUseEnd}, nil) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			yield(nil, translateError(err))
			return
		}

		yield(&message.StreamChunk{Type: message.ChunkDone, Final: c.toResponse(&acc)}, nil)
	}
}

func (c *Client) buildParams(req *message.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  toAnthropicMessages(req.Messages),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	if c.enableThinking {
		budget := c.thinkingBudget
		if budget == 0 {
			budget = 1024
		}
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: budget},
		}
		temp := thinkingTemperature
		params.Temperature = anthropic.Float(temp)
	} else if req.Config.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Config.Temperature)
	}

	if len(req.Config.StopSequences) > 0 {
		params.StopSequences = req.Config.StopSequences
	}

	return params
}

func toAnthropicMessages(msgs []message.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, p := range m.Content {
			switch p.Type {
			case message.PartText:
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			case message.PartToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(p.ToolUseID, p.ToolInput, p.ToolName))
			case message.PartToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolResultID, p.Output, p.IsError))
			}
		}
		if m.Role == message.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toAnthropicTools(tools []message.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: toInputSchema(t.InputSchema),
			},
		})
	}
	return out
}

func toInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	props, _ := schema["properties"].(map[string]any)
	var required []string
	if r, ok := schema["required"].([]string); ok {
		required = r
	} else if r, ok := schema["required"].([]any); ok {
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return anthropic.ToolInputSchemaParam{Properties: props, Required: required}
}

func (c *Client) toResponse(m *anthropic.Message) *message.Response {
	resp := &message.Response{Model: c.model}

	var parts []message.Part
	var thinking string
	for _, block := range m.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			parts = append(parts, message.TextPart(b.Text))
		case anthropic.ToolUseBlock:
			var input map[string]any
			_ = json.Unmarshal(b.Input, &input)
			parts = append(parts, message.ToolUsePart(b.ID, b.Name, input))
		case anthropic.ThinkingBlock:
			thinking += b.Thinking
		}
	}

	resp.Message = message.Message{Role: message.RoleAssistant, Content: parts}
	resp.Thinking = thinking
	resp.Usage = message.Usage{
		PromptTokens:     int(m.Usage.InputTokens),
		CompletionTokens: int(m.Usage.OutputTokens),
		TotalTokens:      int(m.Usage.InputTokens + m.Usage.OutputTokens),
	}

	switch m.StopReason {
	case anthropic.StopReasonToolUse:
		resp.FinishReason = message.FinishToolUse
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = message.FinishLength
	default:
		resp.FinishReason = message.FinishStop
	}

	return resp
}

func translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return &message.GatewayError{Kind: message.ErrorRateLimited, Detail: apiErr.Error(), Wrapped: err}
		case 401, 403:
			return &message.GatewayError{Kind: message.ErrorAuthFailed, Detail: apiErr.Error(), Wrapped: err}
		case 408:
			return &message.GatewayError{Kind: message.ErrorTimeout, Detail: apiErr.Error(), Wrapped: err}
		}
	}
	return &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err}
}

var _ llm.ProviderInstance = (*Client)(nil)
