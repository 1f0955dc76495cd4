package llm

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/pkg/message"
)

// fakeProvider is a scripted ProviderInstance used across Gateway tests.
type fakeProvider struct {
	name     string
	provider Provider

	// chatErrs is consumed one-per-call; once exhausted, chatResp is
	// returned. Lets a test script "fail twice, then succeed".
	chatErrs []error
	chatResp *message.Response
	calls    int
	closed   bool
}

func (p *fakeProvider) Name() string         { return p.name }
func (p *fakeProvider) Provider() Provider   { return p.provider }
func (p *fakeProvider) Close() error         { p.closed = true; return nil }

func (p *fakeProvider) Chat(ctx context.Context, req *message.Request) (*message.Response, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.chatErrs) {
		return nil, p.chatErrs[idx]
	}
	return p.chatResp, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req *message.Request) iter.Seq2[*message.StreamChunk, error] {
	return func(yield func(*message.StreamChunk, error) bool) {
		if !yield(&message.StreamChunk{Type: message.ChunkTextDelta, TextDelta: "hi"}, nil) {
			return
		}
		yield(&message.StreamChunk{Type: message.ChunkDone, Final: p.chatResp}, nil)
	}
}

func fastRetryConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestGateway_ChatSucceedsFirstTry(t *testing.T) {
	want := &message.Response{Message: message.NewAssistantMessage("ok")}
	p := &fakeProvider{name: "m", provider: ProviderAnthropic, chatResp: want}
	gw := New(fastRetryConfig(), p)

	resp, err := gw.Chat(context.Background(), &message.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Text())
	assert.Equal(t, 1, p.calls)
}

func TestGateway_RetriesRateLimitedThenSucceeds(t *testing.T) {
	want := &message.Response{Message: message.NewAssistantMessage("ok")}
	p := &fakeProvider{
		name: "m", provider: ProviderAnthropic,
		chatErrs: []error{&message.GatewayError{Kind: message.ErrorRateLimited}, &message.GatewayError{Kind: message.ErrorTimeout}},
		chatResp: want,
	}
	gw := New(fastRetryConfig(), p)

	resp, err := gw.Chat(context.Background(), &message.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Text())
	assert.Equal(t, 3, p.calls)
}

func TestGateway_DoesNotRetryAuthFailed(t *testing.T) {
	p := &fakeProvider{
		name: "m", provider: ProviderAnthropic,
		chatErrs: []error{&message.GatewayError{Kind: message.ErrorAuthFailed}},
	}
	gw := New(fastRetryConfig(), p)

	_, err := gw.Chat(context.Background(), &message.Request{})
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestGateway_FallsBackToSecondaryOnUnavailable(t *testing.T) {
	want := &message.Response{Message: message.NewAssistantMessage("from-fallback")}
	primary := &fakeProvider{
		name: "primary", provider: ProviderAnthropic,
		chatErrs: []error{&message.GatewayError{Kind: message.ErrorUnavailable}},
	}
	fallback := &fakeProvider{name: "fallback", provider: ProviderOpenAI, chatResp: want}
	gw := New(fastRetryConfig(), primary, fallback)

	resp, err := gw.Chat(context.Background(), &message.Request{})
	require.NoError(t, err)
	assert.Equal(t, "from-fallback", resp.Message.Text())
}

func TestGateway_DoesNotFallBackOnProtocolError(t *testing.T) {
	primary := &fakeProvider{
		name: "primary", provider: ProviderAnthropic,
		chatErrs: []error{&message.GatewayError{Kind: message.ErrorProtocol}},
	}
	fallback := &fakeProvider{name: "fallback", provider: ProviderOpenAI, chatResp: &message.Response{}}
	gw := New(fastRetryConfig(), primary, fallback)

	_, err := gw.Chat(context.Background(), &message.Request{})
	require.Error(t, err)
	assert.Equal(t, 0, fallback.calls)
}

func TestGateway_AllProvidersExhaustedSurfacesUnavailable(t *testing.T) {
	primary := &fakeProvider{
		name: "primary", provider: ProviderAnthropic,
		chatErrs: []error{&message.GatewayError{Kind: message.ErrorAuthFailed}},
	}
	fallback := &fakeProvider{
		name: "fallback", provider: ProviderOpenAI,
		chatErrs: []error{&message.GatewayError{Kind: message.ErrorAuthFailed}},
	}
	gw := New(fastRetryConfig(), primary, fallback)

	_, err := gw.Chat(context.Background(), &message.Request{})
	require.Error(t, err)
	var gerr *message.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, message.ErrorUnavailable, gerr.Kind)
}

func TestGateway_ChatStreamYieldsChunksThenDone(t *testing.T) {
	want := &message.Response{Message: message.NewAssistantMessage("streamed")}
	p := &fakeProvider{name: "m", provider: ProviderAnthropic, chatResp: want}
	gw := New(fastRetryConfig(), p)

	var chunks []*message.StreamChunk
	for chunk, err := range gw.ChatStream(context.Background(), &message.Request{}) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, message.ChunkTextDelta, chunks[0].Type)
	assert.Equal(t, message.ChunkDone, chunks[1].Type)
	assert.Equal(t, "streamed", chunks[1].Final.Message.Text())
}

func TestGateway_CloseClosesEveryInstance(t *testing.T) {
	p1 := &fakeProvider{name: "a", provider: ProviderAnthropic}
	p2 := &fakeProvider{name: "b", provider: ProviderOpenAI}
	gw := New(fastRetryConfig(), p1, p2)

	require.NoError(t, gw.Close())
	assert.True(t, p1.closed)
	assert.True(t, p2.closed)
}

func TestGateway_ContextCancelledDuringBackoffAborts(t *testing.T) {
	p := &fakeProvider{
		name: "m", provider: ProviderAnthropic,
		chatErrs: []error{&message.GatewayError{Kind: message.ErrorRateLimited}},
		chatResp: &message.Response{},
	}
	cfg := Config{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	gw := New(cfg, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Chat(ctx, &message.Request{})
	require.Error(t, err)
}
