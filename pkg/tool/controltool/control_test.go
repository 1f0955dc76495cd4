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

package controltool_test

import (
	"testing"
	"time"

	"github.com/sagehq/sage/pkg/tool"
	"github.com/sagehq/sage/pkg/tool/controltool"
)

type mockContext struct{}

func (m *mockContext) CallID() string           { return "test-call-id" }
func (m *mockContext) SessionID() string        { return "test-session" }
func (m *mockContext) WorkingDirectory() string { return "/tmp" }

func (m *mockContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (m *mockContext) Done() <-chan struct{}       { return nil }
func (m *mockContext) Err() error                  { return nil }
func (m *mockContext) Value(key any) any           { return nil }

func TestTaskDone_Name(t *testing.T) {
	if got := controltool.TaskDone().Name(); got != controltool.TaskDoneName {
		t.Fatalf("Name() = %q, want %q", got, controltool.TaskDoneName)
	}
}

func TestTaskDone_CallReturnsStatusAndSummary(t *testing.T) {
	result, err := controltool.TaskDone().Call(&mockContext{}, map[string]any{"summary": "fixed the bug"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result["status"] != "done" {
		t.Fatalf("result[status] = %v, want %q", result["status"], "done")
	}
	if result["summary"] != "fixed the bug" {
		t.Fatalf("result[summary] = %v, want %q", result["summary"], "fixed the bug")
	}
}

func TestTaskDone_CallWithoutSummary(t *testing.T) {
	result, err := controltool.TaskDone().Call(&mockContext{}, map[string]any{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result["summary"] != "" {
		t.Fatalf("result[summary] = %v, want empty string", result["summary"])
	}
}

func TestTaskDone_CallWithNonStringSummary(t *testing.T) {
	result, err := controltool.TaskDone().Call(&mockContext{}, map[string]any{"summary": 42})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result["summary"] != "" {
		t.Fatalf("result[summary] = %v, want empty string for non-string input", result["summary"])
	}
}

func TestTaskDone_IsNeverLongRunningOrApprovalGated(t *testing.T) {
	td := controltool.TaskDone()
	if td.IsLongRunning() {
		t.Fatal("IsLongRunning() = true, want false")
	}
	if td.RequiresApproval() {
		t.Fatal("RequiresApproval() = true, want false")
	}
}

func TestTaskDone_SchemaDescribesSummaryField(t *testing.T) {
	schema := controltool.TaskDone().Schema()
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("Schema()[properties] is not a map[string]any: %T", schema["properties"])
	}
	if _, ok := props["summary"]; !ok {
		t.Fatal(`Schema()[properties] missing "summary" field`)
	}
}

var _ tool.CallableTool = controltool.TaskDone()
