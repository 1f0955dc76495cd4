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

// Package message defines the provider-agnostic chat message model that
// flows between the Context Builder, the Session Store, and the LLM
// Gateway. Every provider adapter translates to and from this shape; the
// rest of the engine never touches a provider's native wire format.
package message

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the kind of content carried by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
	PartImage      PartType = "image"
	PartThinking   PartType = "thinking"
)

// Part is one typed fragment of a Message's content. Exactly the fields
// relevant to Type are populated; the others are zero.
type Part struct {
	Type PartType

	// Text carries PartText and PartThinking content.
	Text string

	// ToolUse fields (PartToolUse).
	ToolUseID   string
	ToolName    string
	ToolInput   map[string]any

	// ToolResult fields (PartToolResult).
	ToolResultID string
	Output       string
	IsError      bool

	// Image fields (PartImage).
	ImageData     string
	ImageMIMEType string
}

// TextPart builds a PartText fragment.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// ToolUsePart builds a PartToolUse fragment representing the model's
// request to invoke a tool.
func ToolUsePart(id, name string, input map[string]any) Part {
	return Part{Type: PartToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// ToolResultPart builds a PartToolResult fragment carrying a tool's output
// back to the model.
func ToolResultPart(toolUseID, output string, isError bool) Part {
	return Part{Type: PartToolResult, ToolResultID: toolUseID, Output: output, IsError: isError}
}

// Message is one turn in the provider-agnostic conversation the Gateway
// consumes and produces.
type Message struct {
	Role    Role
	Content []Part
}

// NewUserMessage builds a single-text-part user Message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []Part{TextPart(text)}}
}

// NewAssistantMessage builds a single-text-part assistant Message.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []Part{TextPart(text)}}
}

// Text concatenates every PartText fragment in the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolUses returns every PartToolUse fragment in the message.
func (m Message) ToolUses() []Part {
	var out []Part
	for _, p := range m.Content {
		if p.Type == PartToolUse {
			out = append(out, p)
		}
	}
	return out
}

// HasToolUses reports whether the message requests any tool calls.
func (m Message) HasToolUses() bool {
	for _, p := range m.Content {
		if p.Type == PartToolUse {
			return true
		}
	}
	return false
}
