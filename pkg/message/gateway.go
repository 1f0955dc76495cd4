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

package message

// ToolSchema is the function-calling declaration sent to the model for one
// available tool.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one call to the LLM Gateway: a conversation plus the tools
// available for this turn.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSchema
	Config   GenerateConfig
}

// GenerateConfig carries sampling and budget parameters shared across
// providers; a provider adapter maps the fields it understands onto its
// native request and ignores the rest.
type GenerateConfig struct {
	Temperature      *float64
	MaxTokens        int
	TopP             *float64
	StopSequences    []string
	EnableThinking   bool
	ThinkingBudget   int
}

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolUse   FinishReason = "tool_use"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// Usage reports token accounting for one Response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
}

// Response is one completion from the LLM Gateway.
type Response struct {
	Message      Message
	FinishReason FinishReason
	Usage        Usage
	Model        string
	Thinking     string

	ErrorKind    ErrorKind
	ErrorMessage string
}

// StreamChunkType discriminates StreamChunk variants.
type StreamChunkType string

const (
	ChunkTextDelta     StreamChunkType = "text_delta"
	ChunkToolUseStart  StreamChunkType = "tool_use_start"
	ChunkToolUseDelta  StreamChunkType = "tool_use_delta"
	ChunkToolUseEnd    StreamChunkType = "tool_use_end"
	ChunkDone          StreamChunkType = "done"
)

// StreamChunk is one increment of a streamed completion.
type StreamChunk struct {
	Type StreamChunkType

	// ChunkTextDelta
	TextDelta string

	// ChunkToolUseStart / ChunkToolUseDelta / ChunkToolUseEnd
	ToolUseID    string
	ToolName     string
	InputDelta   string

	// ChunkDone
	Final *Response
}

// ErrorKind enumerates the gateway error taxonomy surfaced to the Engine.
type ErrorKind string

const (
	ErrorNone          ErrorKind = ""
	ErrorRateLimited   ErrorKind = "rate_limited"
	ErrorQuotaExceeded ErrorKind = "quota_exceeded"
	ErrorTimeout       ErrorKind = "timeout"
	ErrorAuthFailed    ErrorKind = "auth_failed"
	ErrorProtocol      ErrorKind = "protocol_error"
	ErrorUnavailable   ErrorKind = "unavailable"
)

// GatewayError is the error type returned by Gateway operations; Kind
// drives the Engine's retry/fallback/termination decisions.
type GatewayError struct {
	Kind    ErrorKind
	Detail  string
	Wrapped error
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return string(e.Kind) + ": " + e.Detail
	}
	return string(e.Kind)
}

func (e *GatewayError) Unwrap() error { return e.Wrapped }
