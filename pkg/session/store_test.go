package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/pkg/message"
)

func TestStore_AppendAndResume(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, "sage", "ada", "", true)
	require.NoError(t, err)

	user := &Message{Kind: KindUser, Content: []message.Part{message.TextPart("hello")}}
	require.NoError(t, s.Append(user))

	asst := &Message{Kind: KindAssistant, ParentUUID: user.UUID, Content: []message.Part{message.TextPart("hi")}}
	require.NoError(t, s.Append(asst))

	require.NoError(t, s.Close())

	s2, err := Open(dir, "sage", "ada", s.ID(), false)
	require.NoError(t, err)
	defer s2.Close()

	chain := s2.Chain()
	require.Len(t, chain, 2)
	assert.Equal(t, user.UUID, chain[0].UUID)
	assert.Equal(t, asst.UUID, chain[1].UUID)
	assert.Equal(t, user.UUID, chain[1].ParentUUID)
}

func TestStore_AppendRejectsUnresolvedParent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "sage", "ada", "", true)
	require.NoError(t, err)
	defer s.Close()

	err = s.Append(&Message{Kind: KindAssistant, ParentUUID: "does-not-exist"})
	assert.ErrorIs(t, err, ErrParentNotFound)
}

func TestStore_ChainExcludesSidechains(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "sage", "ada", "", true)
	require.NoError(t, err)
	defer s.Close()

	root := &Message{Kind: KindUser, Content: []message.Part{message.TextPart("main")}}
	require.NoError(t, s.Append(root))

	side := &Message{Kind: KindAssistant, ParentUUID: root.UUID, IsSidechain: true}
	require.NoError(t, s.Append(side))

	chain := s.Chain()
	require.Len(t, chain, 1)
	assert.Equal(t, root.UUID, chain[0].UUID)
}

func TestStore_ConvertForResume(t *testing.T) {
	chain := []*Message{
		{Kind: KindUser, Content: []message.Part{message.TextPart("do it")}},
		{Kind: KindAssistant, Content: []message.Part{message.ToolUsePart("1", "write", map[string]any{"path": "x"})}},
		{Kind: KindToolResult, ToolResult: &ToolResult{CallID: "1", Success: true, Output: "ok"}},
	}
	msgs := ConvertForResume(chain)
	require.Len(t, msgs, 3)
	assert.Equal(t, message.RoleUser, msgs[0].Role)
	assert.Equal(t, message.RoleAssistant, msgs[1].Role)
	assert.True(t, msgs[1].HasToolUses())
	assert.Equal(t, message.RoleUser, msgs[2].Role)
	assert.Equal(t, "ok", msgs[2].Content[0].Output)
}

func TestStore_UndoRedoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "sage", "ada", "", true)
	require.NoError(t, err)
	defer s.Close()

	target := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o644))

	trigger := &Message{Kind: KindAssistant}
	require.NoError(t, s.Append(trigger))

	_, err = s.CaptureBeforeMutation(trigger.UUID, target)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(target, []byte("mutated"), 0o644))

	require.NoError(t, s.Undo(trigger.UUID))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	require.NoError(t, s.Redo(trigger.UUID))
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "mutated", string(got))
}

func TestStore_UndoCreatedFileRemovesIt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "sage", "ada", "", true)
	require.NoError(t, err)
	defer s.Close()

	target := filepath.Join(t.TempDir(), "new.txt")

	trigger := &Message{Kind: KindAssistant}
	require.NoError(t, s.Append(trigger))

	snap, err := s.CaptureBeforeMutation(trigger.UUID, target)
	require.NoError(t, err)
	assert.Equal(t, FileCreated, snap.State)

	require.NoError(t, os.WriteFile(target, []byte("new content"), 0o644))
	require.NoError(t, s.Undo(trigger.UUID))

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestList_And_Delete(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "sage", "ada", "fixed-id", true)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ids, err := List(dir)
	require.NoError(t, err)
	assert.Contains(t, ids, "fixed-id")

	require.NoError(t, Delete(dir, "fixed-id"))
	ids, err = List(dir)
	require.NoError(t, err)
	assert.NotContains(t, ids, "fixed-id")
}
