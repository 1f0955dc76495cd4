package input

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoApprove_GrantsPermissionAndFirstOption(t *testing.T) {
	ch := AutoApprove()

	resp, err := ch.Ask(context.Background(), Request{Kind: KindPermission})
	require.NoError(t, err)
	assert.True(t, resp.Granted())

	resp, err = ch.Ask(context.Background(), Request{Kind: KindQuestion, Options: []string{"yes", "no"}})
	require.NoError(t, err)
	assert.Equal(t, "yes", resp.Answer)

	resp, err = ch.Ask(context.Background(), Request{Kind: KindFreeText})
	require.NoError(t, err)
	assert.Equal(t, ResponseFreeText, resp.Kind)
}

func TestAutoDeny_DeniesPermission(t *testing.T) {
	ch := AutoDeny()

	resp, err := ch.Ask(context.Background(), Request{Kind: KindPermission})
	require.NoError(t, err)
	assert.False(t, resp.Granted())
	assert.Equal(t, ResponsePermissionDenied, resp.Kind)
}

func TestAutoFunc_CancelledContextShortCircuits(t *testing.T) {
	ch := AutoFunc(func(req Request) Response {
		t.Fatal("should not be invoked on an already-cancelled context")
		return Response{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := ch.Ask(ctx, Request{Kind: KindPermission})
	require.Error(t, err)
	assert.Equal(t, ResponseCancelled, resp.Kind)
}

func TestResponse_GrantedOnlyForPermissionKinds(t *testing.T) {
	assert.True(t, Response{Kind: ResponsePermissionGranted}.Granted())
	assert.True(t, Response{Kind: ResponsePermissionAlways}.Granted())
	assert.False(t, Response{Kind: ResponsePermissionDenied}.Granted())
	assert.False(t, Response{Kind: ResponseFreeText}.Granted())
}

func TestTerminal_AskPermissionYes(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("y\n"), &out)

	resp, err := term.Ask(context.Background(), Request{Kind: KindPermission, Prompt: "run bash?", ToolName: "bash"})
	require.NoError(t, err)
	assert.Equal(t, ResponsePermissionGranted, resp.Kind)
	assert.Contains(t, out.String(), "run bash?")
}

func TestTerminal_AskPermissionAlways(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("always\n"), &out)

	resp, err := term.Ask(context.Background(), Request{Kind: KindPermission})
	require.NoError(t, err)
	assert.Equal(t, ResponsePermissionAlways, resp.Kind)
}

func TestTerminal_AskPermissionDefaultsToDeny(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("whatever\n"), &out)

	resp, err := term.Ask(context.Background(), Request{Kind: KindPermission})
	require.NoError(t, err)
	assert.Equal(t, ResponsePermissionDenied, resp.Kind)
}

func TestTerminal_AskQuestionByNumberOrText(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("2\n"), &out)

	resp, err := term.Ask(context.Background(), Request{Kind: KindQuestion, Options: []string{"alpha", "beta"}})
	require.NoError(t, err)
	assert.Equal(t, "beta", resp.Answer)
}

func TestTerminal_AskFreeText(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("hello there\n"), &out)

	resp, err := term.Ask(context.Background(), Request{Kind: KindFreeText, Prompt: "anything else?"})
	require.NoError(t, err)
	assert.Equal(t, ResponseFreeText, resp.Kind)
	assert.Equal(t, "hello there", resp.Answer)
}

func TestTerminal_CancelledContextShortCircuits(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader(""), &out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := term.Ask(ctx, Request{Kind: KindPermission})
	require.Error(t, err)
	assert.Equal(t, ResponseCancelled, resp.Kind)
}

func TestTerminal_EOFSurfacesError(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader(""), &out)

	_, err := term.Ask(context.Background(), Request{Kind: KindFreeText})
	require.Error(t, err)
}
