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

package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sagehq/sage/pkg/message"
)

const (
	messagesFile  = "messages.jsonl"
	snapshotsFile = "snapshots.jsonl"
	metadataFile  = "metadata.json"
	backupsDir    = "backups"
)

// Store is the on-disk session log: messages.jsonl (the message chain),
// snapshots.jsonl (the file-snapshot undo/redo log), metadata.json (the
// resume index), and a backups/ directory of pre-mutation file content.
// One Store owns exactly one session directory; the Engine is its sole
// writer, matching the single-writer/many-readers invariant.
type Store struct {
	mu  sync.Mutex
	dir string

	msgFile  *os.File
	snapFile *os.File

	// index maps a message UUID to its byte offset in messages.jsonl,
	// built by streaming scan on Open and kept current on Append.
	index    map[string]int64
	messages []*Message

	snapshots []*FileSnapshot

	metadata Metadata

	// redoBuffer holds the pre-undo content of a path, keyed by the
	// snapshot UUID that was undone, so Redo can restore it. It is
	// intentionally in-memory only: redo is not guaranteed across a
	// process restart.
	redoBuffer map[string][]byte
}

// Open opens the session directory under baseDir/sessionID, creating it
// (and an initial metadata.json) if it does not exist and create is
// true. Existing logs are replayed by streaming scan to rebuild the
// UUID index and the in-memory message/snapshot slices; a partial
// trailing line left by a crash mid-append is detected and truncated.
func Open(baseDir, appName, userID, sessionID string, create bool) (*Store, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	dir := filepath.Join(baseDir, sessionID)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if !create {
			return nil, ErrSessionNotFound
		}
		if err := os.MkdirAll(filepath.Join(dir, backupsDir), 0o755); err != nil {
			return nil, fmt.Errorf("session: creating session directory: %w", err)
		}
	}

	s := &Store{
		dir:        dir,
		index:      make(map[string]int64),
		redoBuffer: make(map[string][]byte),
		metadata: Metadata{
			SessionID: sessionID,
			AppName:   appName,
			UserID:    userID,
			Status:    StatusActive,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}

	if err := s.loadMetadata(); err != nil {
		return nil, err
	}

	msgFile, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: opening messages.jsonl: %w", err)
	}
	s.msgFile = msgFile
	if err := s.replayMessages(); err != nil {
		msgFile.Close()
		return nil, err
	}

	snapFile, err := os.OpenFile(filepath.Join(dir, snapshotsFile), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		msgFile.Close()
		return nil, fmt.Errorf("session: opening snapshots.jsonl: %w", err)
	}
	s.snapFile = snapFile
	if err := s.replaySnapshots(); err != nil {
		msgFile.Close()
		snapFile.Close()
		return nil, err
	}

	return s, nil
}

// replayMessages streams messages.jsonl, rebuilding the uuid->offset
// index and the ordered message slice. A truncated final line (a crash
// mid-write) is dropped and the file truncated to the last complete
// record, so the next Append starts from a clean boundary.
func (s *Store) replayMessages() error {
	if _, err := s.msgFile.Seek(0, 0); err != nil {
		return err
	}

	scanner := bufio.NewScanner(s.msgFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			offset += int64(len(scanner.Bytes())) + 1
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("session: dropping truncated trailing message record", "session", s.metadata.SessionID, "error", err)
			if err := s.msgFile.Truncate(offset); err != nil {
				return fmt.Errorf("session: truncating corrupt tail: %w", err)
			}
			break
		}
		s.index[m.UUID] = offset
		s.messages = append(s.messages, &m)
		offset += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("session: scanning messages.jsonl: %w", err)
	}

	if _, err := s.msgFile.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func (s *Store) replaySnapshots() error {
	if _, err := s.snapFile.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.snapFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var snap FileSnapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			slog.Warn("session: dropping truncated trailing snapshot record", "session", s.metadata.SessionID, "error", err)
			if err := s.snapFile.Truncate(offset); err != nil {
				return fmt.Errorf("session: truncating corrupt snapshot tail: %w", err)
			}
			break
		}
		s.snapshots = append(s.snapshots, &snap)
		offset += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("session: scanning snapshots.jsonl: %w", err)
	}
	if _, err := s.snapFile.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func (s *Store) loadMetadata() error {
	path := filepath.Join(s.dir, metadataFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s.writeMetadataLocked()
	}
	if err != nil {
		return fmt.Errorf("session: reading metadata.json: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("session: parsing metadata.json: %w", err)
	}
	s.metadata = m
	return nil
}

// writeMetadataLocked persists metadata.json via a temp-file-then-rename,
// so a reader never observes a half-written file.
func (s *Store) writeMetadataLocked() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshaling metadata: %w", err)
	}
	final := filepath.Join(s.dir, metadataFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session: writing metadata temp file: %w", err)
	}
	return os.Rename(tmp, final)
}

// ID returns the session identifier.
func (s *Store) ID() string { return s.metadata.SessionID }

// Status returns the session's current lifecycle state.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata.Status
}

// SetStatus transitions the session to a new lifecycle state and
// persists metadata.json.
func (s *Store) SetStatus(status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata.Status = status
	s.metadata.UpdatedAt = time.Now()
	return s.writeMetadataLocked()
}

// Append validates and persists one Message, updating the in-memory
// index and metadata head pointer. Append is the store's single write
// path; callers must serialize their own access (the Engine is the only
// writer for a given session).
func (s *Store) Append(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.ParentUUID != "" {
		if _, ok := s.index[m.ParentUUID]; !ok {
			return ErrParentNotFound
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("session: marshaling message: %w", err)
	}
	offset, err := s.msgFile.Seek(0, 2)
	if err != nil {
		return err
	}
	if _, err := s.msgFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("session: appending message: %w", err)
	}
	if err := s.msgFile.Sync(); err != nil {
		return fmt.Errorf("session: flushing message append: %w", err)
	}

	s.index[m.UUID] = offset
	s.messages = append(s.messages, m)

	s.metadata.UpdatedAt = m.Timestamp
	if !m.IsSidechain {
		s.metadata.HeadUUID = m.UUID
	}
	return s.writeMetadataLocked()
}

// Get returns the persisted Message with the given UUID.
func (s *Store) Get(id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.UUID == id {
			return m, nil
		}
	}
	return nil, ErrMessageNotFound
}

// Chain returns the main resume chain: every non-sidechain message in
// append order. Sidechain branches (sub-agent turn histories) are
// excluded; a caller wanting a sidechain walks ParentUUID links from its
// own head instead.
func (s *Store) Chain() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		if !m.IsSidechain {
			out = append(out, m)
		}
	}
	return out
}

// ChainSinceCompaction returns the main resume chain with everything at
// or before the compaction boundary (Metadata.CompactedThroughUUID)
// dropped, except compaction summary messages, which always surface
// regardless of where they fall relative to a later boundary. Until the
// engine ever compacts a session, this is identical to Chain.
func (s *Store) ChainSinceCompaction() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	boundary := s.metadata.CompactedThroughUUID
	passedBoundary := boundary == ""

	out := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.IsSidechain {
			continue
		}
		if m.IsCompactionSummary {
			out = append(out, m)
			continue
		}
		if !passedBoundary {
			if m.UUID == boundary {
				passedBoundary = true
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

// Compact folds every message up to and including throughUUID into
// summary: it advances the compaction boundary and appends a synthetic
// assistant message flagged IsCompactionSummary. The append-only log
// itself is never rewritten; ChainSinceCompaction is what makes the
// folded messages stop surfacing to the Context Builder.
func (s *Store) Compact(summary string, throughUUID string) error {
	s.mu.Lock()
	if _, ok := s.index[throughUUID]; !ok {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	s.metadata.CompactedThroughUUID = throughUUID
	err := s.writeMetadataLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("session: recording compaction boundary: %w", err)
	}

	return s.Append(&Message{
		Kind:                KindAssistant,
		Content:             []message.Part{message.TextPart(summary)},
		IsCompactionSummary: true,
	})
}

// ConvertForResume projects the main resume chain back into the
// normalized message.Message list the Engine's Context Builder and
// Gateway consume, dropping the session-log-only fields (UUID lineage,
// snapshots, timing) that have no place in an LLM request.
func ConvertForResume(chain []*Message) []message.Message {
	out := make([]message.Message, 0, len(chain))
	for _, m := range chain {
		switch m.Kind {
		case KindUser:
			out = append(out, message.Message{Role: message.RoleUser, Content: m.Content})
		case KindAssistant:
			out = append(out, message.Message{Role: message.RoleAssistant, Content: m.Content})
		case KindToolResult:
			if m.ToolResult == nil {
				continue
			}
			output := m.ToolResult.Output
			if !m.ToolResult.Success && m.ToolResult.Error != "" {
				output = m.ToolResult.Error
			}
			out = append(out, message.Message{
				Role:    message.RoleUser,
				Content: []message.Part{message.ToolResultPart(m.ToolResult.CallID, output, !m.ToolResult.Success)},
			})
		case KindSnapshot:
			// Snapshot records are not part of the LLM-visible transcript.
		}
	}
	return out
}

// Close releases the store's open file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if err := s.msgFile.Close(); err != nil {
		firstErr = err
	}
	if err := s.snapFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// List returns the ids of every session under baseDir.
func List(baseDir string) ([]string, error) {
	entries, err := os.ReadDir(baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: listing sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes a session's entire directory.
func Delete(baseDir, sessionID string) error {
	return os.RemoveAll(filepath.Join(baseDir, sessionID))
}
