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

package input

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Terminal is a Channel that prompts over an interactive terminal: it
// writes the prompt to out and reads the decision from in. Modeled on
// the PromptForApproval/ApprovalOrchestrator flow in pkg/cli/approval.go,
// generalized from a single approve/deny prompt to the three Request
// kinds Sage needs.
type Terminal struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewTerminal builds a Terminal reading lines from in and writing prompts
// to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewScanner(in), out: out}
}

// Ask implements Channel. Each call reads exactly one line once the user
// responds; ctx cancellation does not interrupt an in-flight blocking
// read (a terminal read cannot be cancelled short of closing the
// descriptor), but is still checked before prompting so an already-
// cancelled context fails fast.
func (t *Terminal) Ask(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{Kind: ResponseCancelled}, ctx.Err()
	default:
	}

	switch req.Kind {
	case KindPermission:
		return t.askPermission(req)
	case KindQuestion:
		return t.askQuestion(req)
	default:
		return t.askFreeText(req)
	}
}

func (t *Terminal) askPermission(req Request) (Response, error) {
	fmt.Fprintf(t.out, "\n[permission] %s\n", req.Prompt)
	if req.ToolName != "" {
		fmt.Fprintf(t.out, "  tool: %s %v\n", req.ToolName, req.Args)
	}
	fmt.Fprint(t.out, "  allow once (y) / always (a) / deny (n)? ")

	line, err := t.readLine()
	if err != nil {
		return Response{}, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "a", "always":
		return Response{Kind: ResponsePermissionAlways}, nil
	case "y", "yes":
		return Response{Kind: ResponsePermissionGranted}, nil
	default:
		return Response{Kind: ResponsePermissionDenied}, nil
	}
}

func (t *Terminal) askQuestion(req Request) (Response, error) {
	fmt.Fprintf(t.out, "\n[question] %s\n", req.Prompt)
	for i, opt := range req.Options {
		fmt.Fprintf(t.out, "  %d) %s\n", i+1, opt)
	}
	fmt.Fprint(t.out, "> ")

	line, err := t.readLine()
	if err != nil {
		return Response{}, err
	}
	line = strings.TrimSpace(line)
	for i, opt := range req.Options {
		if line == opt || line == fmt.Sprintf("%d", i+1) {
			return Response{Kind: ResponseQuestionAnswer, Answer: opt}, nil
		}
	}
	return Response{Kind: ResponseQuestionAnswer, Answer: line}, nil
}

func (t *Terminal) askFreeText(req Request) (Response, error) {
	fmt.Fprintf(t.out, "\n%s\n> ", req.Prompt)
	line, err := t.readLine()
	if err != nil {
		return Response{}, err
	}
	return Response{Kind: ResponseFreeText, Answer: line}, nil
}

func (t *Terminal) readLine() (string, error) {
	if !t.in.Scan() {
		if err := t.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return t.in.Text(), nil
}
