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

// Package input is the blocking bridge between the engine/dispatcher and
// whatever is driving the session (an interactive terminal, or a
// scripted/non-interactive caller). The dispatcher's Ask outcome and the
// engine's clarifying-question flow both go through a Channel rather than
// touching stdin/stdout directly, so the same dispatch and turn-loop code
// runs unmodified under a terminal, a test harness, or an auto-approve
// script.
package input

import (
	"context"
	"errors"
)

// RequestKind discriminates the three shapes of input the engine or
// dispatcher can ask for.
type RequestKind string

const (
	// KindPermission asks the user to approve, deny, or always-allow a
	// pending tool call (the dispatcher's Ask outcome).
	KindPermission RequestKind = "permission"

	// KindQuestion asks the user to choose among a fixed set of answers.
	KindQuestion RequestKind = "question"

	// KindFreeText asks the user to type an unstructured reply.
	KindFreeText RequestKind = "free_text"
)

// Request is one pending prompt routed through a Channel.
type Request struct {
	Kind RequestKind

	// Prompt is shown to the user verbatim.
	Prompt string

	// ToolName/Args are populated for KindPermission.
	ToolName string
	Args     map[string]any

	// Options are populated for KindQuestion: the fixed set of valid
	// answers the user chooses among.
	Options []string
}

// ResponseKind discriminates the shape of a Response.
type ResponseKind string

const (
	ResponsePermissionGranted  ResponseKind = "permission_granted"
	ResponsePermissionDenied   ResponseKind = "permission_denied"
	ResponsePermissionAlways   ResponseKind = "permission_always"
	ResponseQuestionAnswer     ResponseKind = "question_answer"
	ResponseFreeText           ResponseKind = "free_text"
	ResponseCancelled          ResponseKind = "cancelled"
)

// Response answers a Request.
type Response struct {
	Kind ResponseKind

	// Answer carries the chosen option (KindQuestion) or typed text
	// (KindFreeText).
	Answer string
}

// Granted reports whether a permission Response represents approval
// (either one-time or "always allow").
func (r Response) Granted() bool {
	return r.Kind == ResponsePermissionGranted || r.Kind == ResponsePermissionAlways
}

// ErrCancelled is returned by a Channel when the surrounding context is
// cancelled while a request is pending.
var ErrCancelled = errors.New("input: request cancelled")

// Channel is the bidirectional bridge a caller blocks on to get a human
// decision. Ask blocks until ctx is done or a Response arrives.
type Channel interface {
	Ask(ctx context.Context, req Request) (Response, error)
}

// AutoFunc adapts a plain function into a Channel, for tests and
// non-interactive ("--yes"-style) callers that answer deterministically
// without blocking on a human.
type AutoFunc func(req Request) Response

// Ask implements Channel.
func (f AutoFunc) Ask(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{Kind: ResponseCancelled}, ctx.Err()
	default:
	}
	return f(req), nil
}

// AutoApprove returns a Channel that grants every permission request and
// answers every question with its first option, for unattended runs.
func AutoApprove() Channel {
	return AutoFunc(func(req Request) Response {
		switch req.Kind {
		case KindPermission:
			return Response{Kind: ResponsePermissionGranted}
		case KindQuestion:
			if len(req.Options) > 0 {
				return Response{Kind: ResponseQuestionAnswer, Answer: req.Options[0]}
			}
			return Response{Kind: ResponseQuestionAnswer}
		default:
			return Response{Kind: ResponseFreeText}
		}
	})
}

// AutoDeny returns a Channel that denies every permission request, for
// tests asserting the Deny path.
func AutoDeny() Channel {
	return AutoFunc(func(req Request) Response {
		if req.Kind == KindPermission {
			return Response{Kind: ResponsePermissionDenied}
		}
		return Response{Kind: ResponseFreeText}
	})
}
