package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessage_TextConcatenatesOnlyTextParts(t *testing.T) {
	m := Message{Content: []Part{
		TextPart("hello "),
		ToolUsePart("1", "bash", map[string]any{"cmd": "ls"}),
		TextPart("world"),
	}}
	assert.Equal(t, "hello world", m.Text())
}

func TestMessage_ToolUsesFiltersNonToolParts(t *testing.T) {
	m := Message{Content: []Part{
		TextPart("thinking..."),
		ToolUsePart("1", "bash", nil),
		ToolUsePart("2", "read", nil),
	}}
	uses := m.ToolUses()
	assert.Len(t, uses, 2)
	assert.Equal(t, "bash", uses[0].ToolName)
	assert.Equal(t, "read", uses[1].ToolName)
}

func TestMessage_HasToolUses(t *testing.T) {
	assert.False(t, Message{Content: []Part{TextPart("no tools here")}}.HasToolUses())
	assert.True(t, Message{Content: []Part{ToolUsePart("1", "bash", nil)}}.HasToolUses())
}

func TestNewUserAndAssistantMessage(t *testing.T) {
	u := NewUserMessage("hi")
	assert.Equal(t, RoleUser, u.Role)
	assert.Equal(t, "hi", u.Text())

	a := NewAssistantMessage("hello")
	assert.Equal(t, RoleAssistant, a.Role)
	assert.Equal(t, "hello", a.Text())
}

func TestToolResultPart(t *testing.T) {
	p := ToolResultPart("call-1", "output text", true)
	assert.Equal(t, PartToolResult, p.Type)
	assert.Equal(t, "call-1", p.ToolResultID)
	assert.Equal(t, "output text", p.Output)
	assert.True(t, p.IsError)
}

func TestGatewayError_ErrorStringAndUnwrap(t *testing.T) {
	wrapped := assertAnError{}
	err := &GatewayError{Kind: ErrorTimeout, Detail: "deadline exceeded", Wrapped: wrapped}
	assert.Equal(t, "timeout: deadline exceeded", err.Error())
	assert.Equal(t, wrapped, err.Unwrap())

	bare := &GatewayError{Kind: ErrorUnavailable}
	assert.Equal(t, "unavailable", bare.Error())
}

type assertAnError struct{}

func (assertAnError) Error() string { return "boom" }
