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

// Package gemini adapts the Gemini API to the llm.ProviderInstance
// contract, via the google.golang.org/genai client.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/sagehq/sage/pkg/llm"
	"github.com/sagehq/sage/pkg/message"
)

const defaultModel = "gemini-2.5-flash"

// Config configures the Gemini client.
type Config struct {
	APIKey  string
	Model   string
	Backend genai.Backend
}

// Client adapts the Gemini API to llm.ProviderInstance.
type Client struct {
	sdk   *genai.Client
	model string
}

// New creates a Gemini provider instance.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}

	sdk, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: cfg.Backend,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	return &Client{sdk: sdk, model: model}, nil
}

func (c *Client) Name() string           { return c.model }
func (c *Client) Provider() llm.Provider { return llm.ProviderGemini }
func (c *Client) Close() error           { return nil }

// Chat performs one non-streaming completion.
func (c *Client) Chat(ctx context.Context, req *message.Request) (*message.Response, error) {
	contents, cfg := c.buildRequest(req)

	resp, err := c.sdk.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, translateError(err)
	}
	return c.toResponse(resp), nil
}

// ChatStream performs one streaming completion.
func (c *Client) ChatStream(ctx context.Context, req *message.Request) iter.Seq2[*message.StreamChunk, error] {
	contents, cfg := c.buildRequest(req)

	return func(yield func(*message.StreamChunk, error) bool) {
		var text string
		var parts []message.Part
		var finish message.FinishReason
		var usage message.Usage

		for chunk, err := range c.sdk.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
			if err != nil {
				yield(nil, translateError(err))
				return
			}

			for _, cand := range chunk.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, p := range cand.Content.Parts {
					if p.Text != "" {
						text += p.Text
						if !yield(&message.StreamChunk{Type: message.ChunkTextDelta, TextDelta: p.Text}, nil) {
							return
						}
					}
					if p.FunctionCall != nil {
						id := p.FunctionCall.Name
						if !yield(&message.StreamChunk{Type: message.ChunkToolUseStart, ToolUseID: id, ToolName: p.FunctionCall.Name}, nil) {
							return
						}
						parts = append(parts, message.ToolUsePart(id, p.FunctionCall.Name, p.FunctionCall.Args))
						if !yield(&message.StreamChunk{Type: message.ChunkToolUseEnd, ToolUseID: id}, nil) {
							return
						}
					}
				}
				if cand.FinishReason != "" {
					finish = toFinishReason(cand.FinishReason)
				}
			}
			if chunk.UsageMetadata != nil {
				usage = message.Usage{
					PromptTokens:     int(chunk.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(chunk.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(chunk.UsageMetadata.TotalTokenCount),
				}
			}
		}

		if text != "" {
			parts = append([]message.Part{message.TextPart(text)}, parts...)
		}

		yield(&message.StreamChunk{Type: message.ChunkDone, Final: &message.Response{
			Model:        c.model,
			Message:      message.Message{Role: message.RoleAssistant, Content: parts},
			FinishReason: finish,
			Usage:        usage,
		}}, nil)
	}
}

func (c *Client) buildRequest(req *message.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Config.Temperature != nil {
		t := float32(*req.Config.Temperature)
		cfg.Temperature = &t
	}
	if req.Config.TopP != nil {
		p := float32(*req.Config.TopP)
		cfg.TopP = &p
	}
	if len(req.Config.StopSequences) > 0 {
		cfg.StopSequences = req.Config.StopSequences
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toGeminiTools(req.Tools)
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == message.RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		for _, p := range m.Content {
			switch p.Type {
			case message.PartText:
				parts = append(parts, genai.NewPartFromText(p.Text))
			case message.PartToolUse:
				parts = append(parts, genai.NewPartFromFunctionCall(p.ToolName, p.ToolInput))
			case message.PartToolResult:
				parts = append(parts, genai.NewPartFromFunctionResponse(p.ToolName, map[string]any{"output": p.Output, "is_error": p.IsError}))
			}
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	return contents, cfg
}

func toGeminiTools(tools []message.ToolSchema) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toSchema(t.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toSchema(raw map[string]any) *genai.Schema {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var s genai.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	return &s
}

func (c *Client) toResponse(resp *genai.GenerateContentResponse) *message.Response {
	out := &message.Response{Model: c.model}
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]

	var parts []message.Part
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				parts = append(parts, message.TextPart(p.Text))
			}
			if p.FunctionCall != nil {
				parts = append(parts, message.ToolUsePart(p.FunctionCall.Name, p.FunctionCall.Name, p.FunctionCall.Args))
			}
		}
	}

	out.Message = message.Message{Role: message.RoleAssistant, Content: parts}
	out.FinishReason = toFinishReason(cand.FinishReason)
	if resp.UsageMetadata != nil {
		out.Usage = message.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out
}

func toFinishReason(r genai.FinishReason) message.FinishReason {
	switch {
	case strings.Contains(string(r), "MAX_TOKENS"):
		return message.FinishLength
	case r == "":
		return message.FinishToolUse
	default:
		return message.FinishStop
	}
}

func translateError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429:
			return &message.GatewayError{Kind: message.ErrorRateLimited, Detail: apiErr.Message, Wrapped: err}
		case 401, 403:
			return &message.GatewayError{Kind: message.ErrorAuthFailed, Detail: apiErr.Message, Wrapped: err}
		case 408:
			return &message.GatewayError{Kind: message.ErrorTimeout, Detail: apiErr.Message, Wrapped: err}
		}
	}
	return &message.GatewayError{Kind: message.ErrorProtocol, Detail: err.Error(), Wrapped: err}
}

var _ llm.ProviderInstance = (*Client)(nil)
