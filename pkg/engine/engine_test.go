package engine

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/pkg/config"
	"github.com/sagehq/sage/pkg/contextbuilder"
	"github.com/sagehq/sage/pkg/dispatcher"
	"github.com/sagehq/sage/pkg/input"
	"github.com/sagehq/sage/pkg/llm"
	"github.com/sagehq/sage/pkg/message"
	"github.com/sagehq/sage/pkg/session"
	"github.com/sagehq/sage/pkg/tool"
)

// scriptedProvider is a llm.ProviderInstance stub returning one queued
// Response per call; once the queue is exhausted it repeats the last
// entry, which lets a short queue drive an arbitrarily long loop test
// (e.g. a MaxSteps exhaustion).
type scriptedProvider struct {
	responses []*message.Response
	calls     int
}

func (p *scriptedProvider) Name() string           { return "scripted" }
func (p *scriptedProvider) Provider() llm.Provider { return llm.ProviderAnthropic }

func (p *scriptedProvider) Chat(ctx context.Context, req *message.Request) (*message.Response, error) {
	i := p.calls
	p.calls++
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req *message.Request) iter.Seq2[*message.StreamChunk, error] {
	return func(yield func(*message.StreamChunk, error) bool) {}
}

func (p *scriptedProvider) Close() error { return nil }

type erroringProvider struct{ err error }

func (p *erroringProvider) Name() string           { return "erroring" }
func (p *erroringProvider) Provider() llm.Provider { return llm.ProviderAnthropic }
func (p *erroringProvider) Chat(ctx context.Context, req *message.Request) (*message.Response, error) {
	return nil, p.err
}
func (p *erroringProvider) ChatStream(ctx context.Context, req *message.Request) iter.Seq2[*message.StreamChunk, error] {
	return func(yield func(*message.StreamChunk, error) bool) {}
}
func (p *erroringProvider) Close() error { return nil }

type fakeTool struct{ name string }

func (t *fakeTool) Name() string           { return t.name }
func (t *fakeTool) Description() string    { return "test tool" }
func (t *fakeTool) IsLongRunning() bool    { return false }
func (t *fakeTool) RequiresApproval() bool { return false }
func (t *fakeTool) Schema() map[string]any { return nil }
func (t *fakeTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

type fakeSummarizer struct{ text string }

func (s fakeSummarizer) Summarize(ctx context.Context, messages []*session.Message) (string, error) {
	return s.text, nil
}

func noLimitGatewayConfig() llm.Config {
	return llm.Config{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newTestEngine(t *testing.T, provider llm.ProviderInstance, cfg config.EngineConfig, summarizer Summarizer) (*Engine, *session.Store) {
	t.Helper()
	gw := llm.New(noLimitGatewayConfig(), provider)
	d := dispatcher.New(config.PermissionsConfig{Default: config.PermissionAllow}, time.Second, input.AutoApprove())
	require.NoError(t, d.Register(&fakeTool{name: "search"}))
	b := contextbuilder.New("base prompt", t.TempDir(), nil)

	store, err := session.Open(t.TempDir(), "sage", "tester", "", true)
	require.NoError(t, err)

	return New(gw, d, b, cfg, summarizer), store
}

func toolUseResponse(text string) *message.Response {
	return &message.Response{
		Message: message.Message{
			Role: message.RoleAssistant,
			Content: []message.Part{
				message.TextPart(text),
				message.ToolUsePart("call-1", "search", map[string]any{"q": "x"}),
			},
		},
		FinishReason: message.FinishToolUse,
	}
}

func finalResponse(text string) *message.Response {
	return &message.Response{
		Message:      message.NewAssistantMessage(text),
		FinishReason: message.FinishStop,
	}
}

func TestRun_CompletesWithoutToolCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []*message.Response{finalResponse("all done")}}
	eng, store := newTestEngine(t, provider, config.EngineConfig{}, nil)

	result := eng.Run(context.Background(), store, "do the thing")
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, "all done", result.Response)
	require.Equal(t, 1, result.Steps)
}

func TestRun_DispatchesToolThenCompletes(t *testing.T) {
	provider := &scriptedProvider{responses: []*message.Response{
		toolUseResponse("let me check"),
		finalResponse("here's the answer"),
	}}
	eng, store := newTestEngine(t, provider, config.EngineConfig{}, nil)

	result := eng.Run(context.Background(), store, "look something up")
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, "here's the answer", result.Response)
	require.Equal(t, 2, result.Steps)

	chain := store.Chain()
	require.Len(t, chain, 4) // user, assistant(tool_use), tool_result, assistant(final)
	require.Equal(t, session.KindToolResult, chain[2].Kind)
	require.True(t, chain[2].ToolResult.Success)
}

func TestRun_MaxStepsReached(t *testing.T) {
	provider := &scriptedProvider{responses: []*message.Response{toolUseResponse("working on it")}}
	cfg := config.EngineConfig{MaxSteps: 3}
	eng, store := newTestEngine(t, provider, cfg, nil)

	result := eng.Run(context.Background(), store, "keep going forever")
	require.Equal(t, OutcomeMaxStepsReached, result.Outcome)
	require.Equal(t, 3, result.Steps)
}

func TestRun_RepetitionDetected(t *testing.T) {
	provider := &scriptedProvider{responses: []*message.Response{toolUseResponse("I'm stuck in a loop")}}
	cfg := config.EngineConfig{MaxSteps: 10, RepetitionWindow: 3, RepetitionThreshold: 0.9}
	eng, store := newTestEngine(t, provider, cfg, nil)

	result := eng.Run(context.Background(), store, "do the thing repeatedly")
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.True(t, result.Repetition)
	require.Equal(t, 3, result.Steps)
}

func TestRun_GatewayErrorFails(t *testing.T) {
	provider := &erroringProvider{err: &message.GatewayError{Kind: message.ErrorUnavailable, Detail: "no route"}}
	eng, store := newTestEngine(t, provider, config.EngineConfig{}, nil)

	result := eng.Run(context.Background(), store, "do anything")
	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Equal(t, message.ErrorUnavailable, result.ErrorKind)
}

func TestRun_CancelledBeforeFirstStep(t *testing.T) {
	provider := &scriptedProvider{responses: []*message.Response{finalResponse("too late")}}
	eng, store := newTestEngine(t, provider, config.EngineConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := eng.Run(ctx, store, "do the thing")
	require.Equal(t, OutcomeCancelled, result.Outcome)
	require.Equal(t, 0, result.Steps)
}

func TestEngine_AutoCompactionFoldsOldestHalf(t *testing.T) {
	provider := &scriptedProvider{responses: []*message.Response{finalResponse("done")}}
	cfg := config.EngineConfig{ContextWindowTokens: 10, CompactionThreshold: 0.01}
	eng, store := newTestEngine(t, provider, cfg, fakeSummarizer{text: "summary of old turns"})

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append(&session.Message{
			Kind:    session.KindUser,
			Content: []message.Part{message.TextPart("filler turn to pad the transcript")},
		}))
	}

	result := eng.Run(context.Background(), store, "continue")
	require.Equal(t, OutcomeCompleted, result.Outcome)

	foundSummary := false
	for _, m := range store.ChainSinceCompaction() {
		if m.IsCompactionSummary {
			foundSummary = true
			require.Equal(t, "summary of old turns", m.Content[0].Text)
		}
	}
	require.True(t, foundSummary, "expected auto-compaction to append a summary message")
}
