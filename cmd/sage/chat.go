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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/sagehq/sage/pkg/engine"
	"github.com/sagehq/sage/pkg/input"
	"github.com/sagehq/sage/pkg/observability"
	"github.com/sagehq/sage/pkg/session"
)

// ChatCmd starts (or resumes) an interactive coding session in the
// current working directory.
type ChatCmd struct {
	Resume   string `help:"Resume a specific session ID."`
	Continue bool   `short:"c" help:"Resume the most recently updated session in --base-dir."`
	BaseDir  string `help:"Directory sessions are stored under." default:".sage/sessions" env:"SAGE_SESSION_DIR"`
	App      string `help:"Application name recorded in the session." default:"sage"`
	User     string `help:"User identifier recorded in the session." default:"local"`
}

// resolveSessionID implements the two resume modes: --resume <id> picks
// a specific session, --continue picks whichever session directory was
// modified most recently. Neither flag set means "start a new session",
// signalled by returning an empty ID (session.Open generates a fresh
// uuid for that case).
func (c *ChatCmd) resolveSessionID(baseDir string) (string, error) {
	if c.Resume != "" {
		return c.Resume, nil
	}
	if !c.Continue {
		return "", nil
	}

	entries, err := os.ReadDir(baseDir)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("--continue: no sessions found under %s", baseDir)
	}
	if err != nil {
		return "", fmt.Errorf("--continue: listing %s: %w", baseDir, err)
	}

	type candidate struct {
		id      string
		modTime int64
	}
	var candidates []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{id: e.Name(), modTime: info.ModTime().UnixNano()})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("--continue: no sessions found under %s", baseDir)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })
	return candidates[0].id, nil
}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.NewManager(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("observability shutdown", "error", err)
		}
	}()
	startMetricsServer(obs)
	observability.SetGlobalMetrics(observability.NewGlobalMetricsAdapter(obs.Metrics()))

	workdir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	terminal := input.NewTerminal(os.Stdin, os.Stdout)

	d, err := newDispatcher(ctx, cfg, terminal, workdir)
	if err != nil {
		return fmt.Errorf("building tool dispatcher: %w", err)
	}

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building llm gateway: %w", err)
	}
	defer gw.Close()

	builder := newContextBuilder(cfg, workdir)

	eng := engine.New(gw, d, builder, cfg.Engine, nil)

	baseDir := c.BaseDir
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(workdir, baseDir)
	}

	sessionID, err := c.resolveSessionID(baseDir)
	if err != nil {
		return err
	}

	store, err := session.Open(baseDir, c.App, c.User, sessionID, true)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer store.Close()

	fmt.Printf("sage session %s (working directory: %s)\n", store.ID(), workdir)
	fmt.Println("Type your request, /undo or /redo to revert or reapply file changes, or /exit to quit.")

	return runREPL(ctx, eng, store, os.Stdin, os.Stdout)
}

// runREPL reads one line at a time from in and drives the engine one
// turn per line until in is closed, ctx is cancelled, or the user types
// /exit. /undo and /redo unwind or reapply the file mutations made by
// completed turns, using an undo stack and a redo stack built up as the
// session progresses: each new turn clears the redo stack, matching the
// usual editor convention that a fresh edit invalidates old redos.
func runREPL(ctx context.Context, eng *engine.Engine, store *session.Store, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var undoStack, redoStack []string

	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil
		}

		line := scanner.Text()
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/undo":
			undoStack, redoStack = popAndApply(out, store.Undo, undoStack, redoStack, "undo")
			continue
		case "/redo":
			redoStack, undoStack = popAndApply(out, store.Redo, redoStack, undoStack, "redo")
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		result := eng.Run(ctx, store, line)
		printResult(out, result)
		if result.MessageID != "" {
			undoStack = append(undoStack, result.MessageID)
			redoStack = nil
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
	}
}

// popAndApply pops the last entry off from, applies apply to it, and on
// success pushes it onto to — the shared shape behind both /undo (pop
// undoStack, push redoStack) and /redo (pop redoStack, push undoStack).
func popAndApply(out io.Writer, apply func(string) error, from, to []string, verb string) (newFrom, newTo []string) {
	if len(from) == 0 {
		fmt.Fprintf(out, "(nothing to %s)\n", verb)
		return from, to
	}
	last := from[len(from)-1]
	if err := apply(last); err != nil {
		fmt.Fprintf(out, "(%s failed: %v)\n", verb, err)
		return from, to
	}
	if verb == "undo" {
		fmt.Fprintln(out, "(undone)")
	} else {
		fmt.Fprintln(out, "(redone)")
	}
	return from[:len(from)-1], append(to, last)
}

// startMetricsServer serves the Prometheus metrics endpoint on a
// background listener when metrics are enabled. It never blocks chat
// startup and never fails the command: a listener error is logged and
// the rest of the session proceeds without metrics scraping.
func startMetricsServer(obs *observability.Manager) {
	if !obs.MetricsEnabled() {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(obs.MetricsEndpoint(), obs.MetricsHandler())
	srv := &http.Server{Addr: obs.MetricsAddress(), Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
}

func printResult(out io.Writer, result engine.Result) {
	switch result.Outcome {
	case engine.OutcomeCompleted:
		fmt.Fprintln(out, result.Response)
		if result.Repetition {
			fmt.Fprintln(out, "(stopped early: the assistant began repeating itself)")
		}
	case engine.OutcomeMaxStepsReached:
		fmt.Fprintf(out, "(stopped: reached the maximum number of steps for this turn after %d steps)\n", result.Steps)
	case engine.OutcomeCancelled:
		fmt.Fprintln(out, "(turn cancelled)")
	case engine.OutcomeFailed:
		fmt.Fprintf(out, "(turn failed: %s)\n", result.ErrorKind)
	}
}
