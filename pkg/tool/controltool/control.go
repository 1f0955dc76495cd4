// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package controltool provides the loop-control tool that lets the LLM
// explicitly end the turn loop rather than relying on heuristics.
package controltool

import (
	"github.com/sagehq/sage/pkg/tool"
)

// TaskDoneName is the well-known tool name the engine's completion check
// looks for when deciding a turn loop has finished.
const TaskDoneName = "task_done"

// TaskDone creates the tool the LLM calls to signal that the current task
// is complete. The engine's CompletionCheck state treats a call to this
// tool as authoritative: it ends the loop regardless of repetition or
// token-budget heuristics.
//
// Usage in instruction:
//
//	Call `task_done` once the user's request has been fully satisfied.
func TaskDone() tool.CallableTool {
	return &taskDoneTool{}
}

type taskDoneTool struct{}

func (t *taskDoneTool) Name() string { return TaskDoneName }

func (t *taskDoneTool) Description() string {
	return "Signals that the current task is complete. Call this once you have fully satisfied the user's request and have nothing further to do."
}

func (t *taskDoneTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "A short summary of what was accomplished",
			},
		},
	}
}

func (t *taskDoneTool) Call(ctx tool.Context, args map[string]any) (map[string]any, error) {
	summary, _ := args["summary"].(string)
	return map[string]any{
		"status":  "done",
		"summary": summary,
	}, nil
}

func (t *taskDoneTool) IsLongRunning() bool { return false }

func (t *taskDoneTool) RequiresApproval() bool { return false }

var _ tool.CallableTool = (*taskDoneTool)(nil)
