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

// Package contextbuilder assembles every LLM request (C7): system prompt,
// project context files, skill activations, prior session history, and
// the current user message, in the fixed order the turn loop requires.
// Build is a pure function of its inputs (plus whatever project files
// happen to sit on disk) — given the same arguments and working
// directory contents, it produces a byte-identical message.Request.
package contextbuilder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sagehq/sage/pkg/message"
	"github.com/sagehq/sage/pkg/utils"
)

// DefaultProjectFiles is the set of project context files discovered in
// the working directory, in the order they're concatenated.
var DefaultProjectFiles = []string{"SAGE.md", "CLAUDE.md", ".cursorrules"}

// DefaultSkillCharBudget is the hard character budget for the
// concatenated skill-activation block.
const DefaultSkillCharBudget = 15_000

// DefaultProjectFileCharBudget elides a single project context file
// beyond this size rather than feeding it to the model in full.
const DefaultProjectFileCharBudget = 20_000

// Skill is a text fragment injected into the system prompt when Trigger
// matches the current task. Skills are ordered by descending Priority
// before the character budget is applied.
type Skill struct {
	Name     string
	Trigger  func(taskText string) bool
	Content  string
	Priority int
}

// Builder holds the static configuration shared across every Build call:
// the base system prompt, the registered skills, and the budget knobs.
// None of its fields are mutated by Build, so one Builder is safe to
// reuse (and to share across goroutines) for the life of a session.
type Builder struct {
	BasePrompt           string
	Skills               []Skill
	ProjectFiles         []string
	SkillCharBudget      int
	ProjectFileCharBudget int
	WorkingDirectory     string
	Tokens               *utils.TokenCounter
}

// New builds a Builder with the package defaults for budgets and
// project-file discovery.
func New(basePrompt, workingDirectory string, tokens *utils.TokenCounter) *Builder {
	return &Builder{
		BasePrompt:            basePrompt,
		ProjectFiles:          DefaultProjectFiles,
		SkillCharBudget:       DefaultSkillCharBudget,
		ProjectFileCharBudget: DefaultProjectFileCharBudget,
		WorkingDirectory:      workingDirectory,
		Tokens:                tokens,
	}
}

// System assembles the system-prompt portion only (base prompt, project
// context files, skill activations), in that order. The Engine calls
// this once per turn and then supplies its own, store-derived message
// list on every LLM call within the turn.
func (b *Builder) System(taskText string) string {
	var system strings.Builder
	system.WriteString(b.BasePrompt)

	if block := b.projectContextBlock(); block != "" {
		system.WriteString("\n\n")
		system.WriteString(block)
	}

	if block := b.skillBlock(taskText); block != "" {
		system.WriteString("\n\n")
		system.WriteString(block)
	}

	return system.String()
}

// Build assembles one message.Request in the fixed order: system prompt,
// project context files, skill activations, prior session history, then
// the current user message.
func (b *Builder) Build(taskText string, history []message.Message, userMessage message.Message) message.Request {
	messages := make([]message.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, userMessage)

	return message.Request{
		System:   b.System(taskText),
		Messages: messages,
	}
}

// projectContextBlock concatenates every discovered project context file
// under a source-file marker, eliding any file over
// ProjectFileCharBudget with a truncation marker rather than splitting
// it silently.
func (b *Builder) projectContextBlock() string {
	var out strings.Builder
	found := false
	for _, name := range b.ProjectFiles {
		path := filepath.Join(b.WorkingDirectory, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		found = true
		content := string(data)
		if budget := b.ProjectFileCharBudget; budget > 0 && len(content) > budget {
			omitted := len(content) - budget
			content = content[:budget] + fmt.Sprintf("\n...[elided, %d bytes omitted]...\n", omitted)
		}
		fmt.Fprintf(&out, "<!-- %s -->\n%s\n", name, content)
	}
	if !found {
		return ""
	}
	return strings.TrimRight(out.String(), "\n")
}

// skillBlock selects every Skill whose Trigger matches taskText, orders
// them by descending Priority, and concatenates them up to
// SkillCharBudget — never splitting an individual skill's content.
func (b *Builder) skillBlock(taskText string) string {
	var matched []Skill
	for _, s := range b.Skills {
		if s.Trigger != nil && s.Trigger(taskText) {
			matched = append(matched, s)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority > matched[j].Priority })

	budget := b.SkillCharBudget
	if budget <= 0 {
		budget = DefaultSkillCharBudget
	}

	var out strings.Builder
	used := 0
	for _, s := range matched {
		cost := len(s.Content) + 2
		if used+cost > budget {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(s.Content)
		used += cost
	}
	return out.String()
}

// EstimateTokens counts req's total token footprint (system prompt plus
// every message) using b.Tokens, for the Engine's auto-compaction check.
func (b *Builder) EstimateTokens(req message.Request) int {
	if b.Tokens == nil {
		return utils.EstimateTokens(req.System) + estimateMessages(req.Messages)
	}
	total := b.Tokens.Count(req.System)
	msgs := make([]utils.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, utils.Message{Role: string(m.Role), Content: m.Text()})
	}
	total += b.Tokens.CountMessages(msgs)
	return total
}

func estimateMessages(msgs []message.Message) int {
	total := 0
	for _, m := range msgs {
		total += utils.EstimateTokens(m.Text())
	}
	return total
}

// OverBudget reports whether tokens exceeds threshold (0-1) of
// windowTokens, the signal the Engine uses to trigger auto-compaction.
func OverBudget(tokens, windowTokens int, threshold float64) bool {
	if windowTokens <= 0 {
		return false
	}
	return float64(tokens) > float64(windowTokens)*threshold
}
