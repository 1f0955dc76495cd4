package contextbuilder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/pkg/message"
)

func TestBuild_Deterministic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SAGE.md"), []byte("project rules"), 0o644))

	b := New("You are Sage.", dir, nil)
	b.Skills = []Skill{
		{Name: "go", Trigger: func(s string) bool { return true }, Content: "Use gofmt.", Priority: 1},
	}

	history := []message.Message{message.NewUserMessage("earlier turn")}
	user := message.NewUserMessage("fix the bug")

	first := b.Build("fix the bug", history, user)
	second := b.Build("fix the bug", history, user)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("Build is not deterministic:\n%s", diff)
	}
}

func TestBuild_Order(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("claude notes"), 0o644))

	b := New("base prompt", dir, nil)
	b.Skills = []Skill{
		{Name: "skill", Trigger: func(string) bool { return true }, Content: "skill body", Priority: 1},
	}

	req := b.Build("task", nil, message.NewUserMessage("do it"))

	basePos := indexOf(req.System, "base prompt")
	fileMarker := indexOf(req.System, "CLAUDE.md")
	skillPos := indexOf(req.System, "skill body")
	require.True(t, basePos < fileMarker)
	require.True(t, fileMarker < skillPos)

	require.Len(t, req.Messages, 1)
	require.Equal(t, "do it", req.Messages[0].Text())
}

func TestSkillBlock_NeverSplitsASkill(t *testing.T) {
	b := New("base", t.TempDir(), nil)
	b.SkillCharBudget = 10
	b.Skills = []Skill{
		{Name: "big", Trigger: func(string) bool { return true }, Content: "this is definitely over ten chars", Priority: 1},
	}

	block := b.skillBlock("anything")
	require.Empty(t, block, "an over-budget skill must be dropped whole, never truncated")
}

func TestProjectContextBlock_ElidesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SAGE.md"), big, 0o644))

	b := New("base", dir, nil)
	b.ProjectFileCharBudget = 10

	block := b.projectContextBlock()
	require.Contains(t, block, "elided")
}

func TestOverBudget(t *testing.T) {
	require.True(t, OverBudget(85_000, 100_000, 0.8))
	require.False(t, OverBudget(10_000, 100_000, 0.8))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
