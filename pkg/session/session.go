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

// Package session is the persistent, resumable session store: an
// append-only chained message log per session directory, a parallel
// file-snapshot log backing undo/redo, and a session metadata index.
// Every write goes through a single Store per session (single-writer);
// many readers may load a snapshot of the log concurrently.
package session

import (
	"errors"
	"time"

	"github.com/sagehq/sage/pkg/message"
)

// Kind discriminates the role a persisted Message plays in the chain.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindToolResult Kind = "tool_result"
	KindSnapshot  Kind = "snapshot"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ToolResult is the persisted record of one tool invocation's outcome.
// A Message of KindToolResult carries exactly one of these.
type ToolResult struct {
	CallID          string         `json:"call_id"`
	Success         bool           `json:"success"`
	Output          string         `json:"output"`
	Error           string         `json:"error,omitempty"`
	ExitCode        *int           `json:"exit_code,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ThinkingMetadata carries the model's extended-thinking trace for an
// assistant Message, when the provider returned one.
type ThinkingMetadata struct {
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
}

// Message is one record in a session's append-only chain. Every
// non-root Message's ParentUUID must resolve to an earlier Message in
// the same session; the set of Messages forms a DAG whose main chain is
// the linearization selected at resume. IsSidechain marks records that
// belong to an off-path branch (e.g. a sub-agent's own turn history)
// and are excluded from that linearization.
type Message struct {
	UUID       string    `json:"uuid"`
	ParentUUID string    `json:"parent_uuid,omitempty"`
	Kind       Kind      `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`

	// Context carries the app/user/session identifiers the message was
	// recorded under, for cross-session auditing.
	Context map[string]string `json:"context,omitempty"`

	// Content holds the normalized parts for KindUser/KindAssistant
	// messages, reusing the provider-agnostic shape the Gateway speaks.
	Content []message.Part `json:"content,omitempty"`

	// ToolResult is populated for KindToolResult.
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	TokenUsage       *message.Usage    `json:"token_usage,omitempty"`
	ThinkingMetadata *ThinkingMetadata `json:"thinking_metadata,omitempty"`
	IsSidechain      bool              `json:"is_sidechain,omitempty"`

	// IsCompactionSummary marks a synthetic assistant message produced by
	// the engine's auto-compaction pass. Summary messages always surface
	// in ChainSinceCompaction regardless of where the compaction boundary
	// sits, so a chain of compactions remains legible.
	IsCompactionSummary bool `json:"is_compaction_summary,omitempty"`
}

// Metadata is the per-session index persisted to metadata.json.
type Metadata struct {
	SessionID string    `json:"session_id"`
	AppName   string    `json:"app_name"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// HeadUUID is the most recently appended non-sidechain message,
	// i.e. the tip of the main resume chain.
	HeadUUID string `json:"head_uuid,omitempty"`

	// CompactedThroughUUID is the UUID of the last message folded into a
	// compaction summary. ChainSinceCompaction excludes every non-summary
	// message at or before this point.
	CompactedThroughUUID string `json:"compacted_through_uuid,omitempty"`
}

// ErrMessageNotFound is returned when a referenced UUID does not exist
// in the session's message index.
var ErrMessageNotFound = errors.New("session: message not found")

// ErrSessionNotFound is returned by Open when no session directory
// exists for the given id and create is false.
var ErrSessionNotFound = errors.New("session: not found")

// ErrParentNotFound is returned by Append when a non-root message's
// ParentUUID does not resolve to an earlier message in the chain.
var ErrParentNotFound = errors.New("session: parent_uuid does not resolve to an existing message")
