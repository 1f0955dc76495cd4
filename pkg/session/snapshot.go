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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileState is the state of a tracked file at the moment its snapshot
// was captured.
type FileState string

const (
	FileCreated  FileState = "created"
	FileModified FileState = "modified"
	FileDeleted  FileState = "deleted"
)

// FileSnapshot records a tracked file's content immediately before a
// mutating tool call, bound to the assistant message that triggered the
// mutation. Snapshots are append-only: a later capture of the same path
// emits a new record with IsSnapshotUpdate set, rather than rewriting
// the earlier one, so undo followed by redo always has a record to
// replay.
type FileSnapshot struct {
	UUID                string    `json:"uuid"`
	MessageID           string    `json:"message_id"`
	Path                string    `json:"path"`
	OriginalContentHash string    `json:"original_content_hash"`
	State               FileState `json:"state"`
	BackupPath          string    `json:"backup_path,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	IsSnapshotUpdate    bool      `json:"is_snapshot_update,omitempty"`
}

func hashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CaptureBeforeMutation snapshots path's current content (or its
// absence) ahead of a tool call about to mutate it, appending a
// FileSnapshot bound to messageID. Call this before invoking the
// mutating tool executor.
func (s *Store) CaptureBeforeMutation(messageID, path string) (*FileSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state FileState
	var hash string
	var backupPath string

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		state = FileCreated
	case err != nil:
		return nil, fmt.Errorf("session: reading %s for snapshot: %w", path, err)
	default:
		state = FileModified
		hash = hashContent(data)
		backupPath, err = s.writeBackupLocked(data)
		if err != nil {
			return nil, err
		}
	}

	alreadyTracked := false
	for _, existing := range s.snapshots {
		if existing.Path == path {
			alreadyTracked = true
			break
		}
	}

	snap := &FileSnapshot{
		UUID:                uuid.NewString(),
		MessageID:           messageID,
		Path:                path,
		OriginalContentHash: hash,
		State:               state,
		BackupPath:          backupPath,
		Timestamp:           time.Now(),
		IsSnapshotUpdate:    alreadyTracked,
	}
	if err := s.appendSnapshotLocked(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// writeBackupLocked persists content under backups/<random>.backup and
// returns the path, relative to the session directory.
func (s *Store) writeBackupLocked(content []byte) (string, error) {
	name := uuid.NewString() + ".backup"
	full := filepath.Join(s.dir, backupsDir, name)
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return "", fmt.Errorf("session: writing backup file: %w", err)
	}
	return filepath.Join(backupsDir, name), nil
}

func (s *Store) appendSnapshotLocked(snap *FileSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: marshaling snapshot: %w", err)
	}
	if _, err := s.snapFile.Seek(0, 2); err != nil {
		return err
	}
	if _, err := s.snapFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("session: appending snapshot: %w", err)
	}
	if err := s.snapFile.Sync(); err != nil {
		return fmt.Errorf("session: flushing snapshot append: %w", err)
	}
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// snapshotsAfterLocked returns every snapshot bound to messageID itself
// or to a message appended after it, in append order. Capturing and
// undoing against the same messageID is the common case (the assistant
// message whose tool call is about to mutate a file, immediately
// undone by referencing that same message), so the anchor message is
// included, not just what follows it.
func (s *Store) snapshotsAfterLocked(messageID string) ([]*FileSnapshot, error) {
	cutoff := -1
	for i, m := range s.messages {
		if m.UUID == messageID {
			cutoff = i
			break
		}
	}
	if cutoff == -1 {
		return nil, ErrMessageNotFound
	}

	atOrAfter := make(map[string]bool, len(s.messages)-cutoff)
	for _, m := range s.messages[cutoff:] {
		atOrAfter[m.UUID] = true
	}

	var out []*FileSnapshot
	for _, snap := range s.snapshots {
		if atOrAfter[snap.MessageID] {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Undo restores every tracked file mutated by messageID or a message
// after it to the content captured in its snapshot, walking snapshots
// in reverse append order so repeated mutations of the same path unwind
// correctly. The content each file held immediately before the restore
// is buffered in memory so a following Redo(messageID) can reapply it.
func (s *Store) Undo(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.snapshotsAfterLocked(messageID)
	if err != nil {
		return err
	}

	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]

		current, readErr := os.ReadFile(snap.Path)
		if readErr == nil {
			s.redoBuffer[snap.UUID] = current
		} else if os.IsNotExist(readErr) {
			s.redoBuffer[snap.UUID] = nil
		} else {
			return fmt.Errorf("session: reading %s before undo: %w", snap.Path, readErr)
		}

		if err := s.restoreLocked(snap); err != nil {
			return err
		}
	}
	return nil
}

// Redo reapplies the mutations Undo(messageID) unwound, restoring each
// affected file to the content it held immediately before the undo.
func (s *Store) Redo(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps, err := s.snapshotsAfterLocked(messageID)
	if err != nil {
		return err
	}

	for _, snap := range snaps {
		content, ok := s.redoBuffer[snap.UUID]
		if !ok {
			continue
		}
		if content == nil {
			if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("session: redo removing %s: %w", snap.Path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(snap.Path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(snap.Path, content, 0o644); err != nil {
			return fmt.Errorf("session: redo writing %s: %w", snap.Path, err)
		}
		delete(s.redoBuffer, snap.UUID)
	}
	return nil
}

// restoreLocked applies one snapshot's pre-mutation state to disk.
func (s *Store) restoreLocked(snap *FileSnapshot) error {
	switch snap.State {
	case FileCreated:
		// The file did not exist before the tool ran; undoing its
		// creation means removing it.
		if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("session: undo removing %s: %w", snap.Path, err)
		}
	case FileModified, FileDeleted:
		backup := filepath.Join(s.dir, snap.BackupPath)
		content, err := os.ReadFile(backup)
		if err != nil {
			return fmt.Errorf("session: reading backup %s: %w", backup, err)
		}
		if err := os.MkdirAll(filepath.Dir(snap.Path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(snap.Path, content, 0o644); err != nil {
			return fmt.Errorf("session: undo writing %s: %w", snap.Path, err)
		}
	}
	return nil
}
