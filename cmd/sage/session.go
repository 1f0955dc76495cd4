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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sagehq/sage/pkg/session"
)

// SessionCmd is the parent of the three session-store introspection
// subcommands; it carries no behavior of its own.
type SessionCmd struct {
	List   SessionListCmd   `cmd:"" help:"List sessions under --base-dir."`
	Show   SessionShowCmd   `cmd:"" help:"Print one session's metadata and message chain."`
	Delete SessionDeleteCmd `cmd:"" help:"Delete a session's entire directory."`
}

// sessionBaseDir resolves the --base-dir flag shared by every session
// subcommand, defaulting exactly as ChatCmd does.
func sessionBaseDir(baseDir string) (string, error) {
	if baseDir == "" {
		baseDir = ".sage/sessions"
	}
	if filepath.IsAbs(baseDir) {
		return baseDir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return filepath.Join(wd, baseDir), nil
}

// SessionListCmd prints every session id under the base directory,
// ordered by session id.
type SessionListCmd struct {
	BaseDir string `help:"Directory sessions are stored under." default:".sage/sessions"`
}

func (c *SessionListCmd) Run(cli *CLI) error {
	baseDir, err := sessionBaseDir(c.BaseDir)
	if err != nil {
		return err
	}
	ids, err := session.List(baseDir)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("no sessions found")
		return nil
	}

	type row struct {
		id     string
		status session.Status
		turns  int
	}
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		store, err := session.Open(baseDir, "sage", "local", id, false)
		if err != nil {
			rows = append(rows, row{id: id, status: "unreadable"})
			continue
		}
		r := row{id: id, status: store.Status(), turns: len(store.Chain())}
		_ = store.Close()
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })

	for _, r := range rows {
		fmt.Printf("%s\t%s\t%d messages\n", r.id, r.status, r.turns)
	}
	return nil
}

// SessionShowCmd prints one session's metadata and the text of every
// message on its main chain.
type SessionShowCmd struct {
	ID      string `arg:"" name:"id" help:"Session ID to show."`
	BaseDir string `help:"Directory sessions are stored under." default:".sage/sessions"`
}

func (c *SessionShowCmd) Run(cli *CLI) error {
	baseDir, err := sessionBaseDir(c.BaseDir)
	if err != nil {
		return err
	}
	store, err := session.Open(baseDir, "sage", "local", c.ID, false)
	if err != nil {
		return fmt.Errorf("opening session %s: %w", c.ID, err)
	}
	defer store.Close()

	fmt.Printf("session %s (%s)\n", store.ID(), store.Status())
	for _, m := range store.Chain() {
		switch m.Kind {
		case session.KindUser, session.KindAssistant:
			text := ""
			for _, p := range m.Content {
				text += p.Text
			}
			fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.Kind, text)
		case session.KindToolResult:
			fmt.Printf("[%s] tool_result %s: success=%v\n", m.Timestamp.Format("15:04:05"), m.ToolResult.CallID, m.ToolResult.Success)
		}
	}
	return nil
}

// SessionDeleteCmd removes a session's entire directory.
type SessionDeleteCmd struct {
	ID      string `arg:"" name:"id" help:"Session ID to delete."`
	BaseDir string `help:"Directory sessions are stored under." default:".sage/sessions"`
}

func (c *SessionDeleteCmd) Run(cli *CLI) error {
	baseDir, err := sessionBaseDir(c.BaseDir)
	if err != nil {
		return err
	}
	if err := session.Delete(baseDir, c.ID); err != nil {
		return fmt.Errorf("deleting session %s: %w", c.ID, err)
	}
	fmt.Printf("deleted session %s\n", c.ID)
	return nil
}
