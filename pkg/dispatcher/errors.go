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

package dispatcher

import "fmt"

// FailureKind is the dispatcher's closed error taxonomy. A failed call
// never bubbles up as a Go error to the caller of Dispatch/DispatchBatch;
// it is always folded into a tool.ExecutionResult, because the LLM needs
// to observe the failure as ordinary tool output and decide what to do
// next.
type FailureKind string

const (
	FailurePermissionDenied FailureKind = "permission_denied"
	FailureSchemaInvalid    FailureKind = "schema_invalid"
	FailureTimeout          FailureKind = "timeout"
	FailureCancelled        FailureKind = "cancelled"
	FailureExecutorFailed   FailureKind = "executor_failed"
	FailureNotFound         FailureKind = "not_found"
	FailureRateLimited      FailureKind = "rate_limited"
)

// Failure describes why a call did not produce a successful result.
type Failure struct {
	Kind   FailureKind
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func deny(detail string) *Failure    { return &Failure{Kind: FailurePermissionDenied, Detail: detail} }
func schemaErr(detail string) *Failure { return &Failure{Kind: FailureSchemaInvalid, Detail: detail} }
func timeoutErr() *Failure           { return &Failure{Kind: FailureTimeout} }
func cancelled() *Failure            { return &Failure{Kind: FailureCancelled, Detail: "cancelled"} }
func executorFailed(detail string) *Failure {
	return &Failure{Kind: FailureExecutorFailed, Detail: detail}
}
func notFound(name string) *Failure {
	return &Failure{Kind: FailureNotFound, Detail: fmt.Sprintf("tool %q is not registered", name)}
}
func rateLimited(detail string) *Failure {
	return &Failure{Kind: FailureRateLimited, Detail: detail}
}
