// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/jeranaias/omnisage/internal/chat"
	"github.com/jeranaias/omnisage/internal/llama"
	"github.com/jeranaias/omnisage/internal/pool"
	"github.com/jeranaias/omnisage/internal/registry"
)

// =============================================================================
// COMMAND PARSING TESTS
// =============================================================================

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantCmd  string
		wantArgs []string
	}{
		{"/help", "/help", nil},
		{"/HELP", "/help", nil},
		{"/load 3", "/load", []string{"3"}},
		{"  /chats  ", "/chats", nil},
		{"/load  2  extra", "/load", []string{"2", "extra"}},
		{"", "", nil},
	}

	for _, tt := range tests {
		cmd, args := parseCommand(tt.input)
		if cmd != tt.wantCmd {
			t.Errorf("parseCommand(%q) cmd = %q, want %q", tt.input, cmd, tt.wantCmd)
		}
		if len(args) != len(tt.wantArgs) {
			t.Errorf("parseCommand(%q) args = %v, want %v", tt.input, args, tt.wantArgs)
			continue
		}
		for i := range args {
			if args[i] != tt.wantArgs[i] {
				t.Errorf("parseCommand(%q) args = %v, want %v", tt.input, args, tt.wantArgs)
				break
			}
		}
	}
}

// =============================================================================
// COMMAND DISPATCH TESTS
// =============================================================================

type nopEngine struct{}

func (nopEngine) Load(ctx context.Context, model string) error { return nil }

func (nopEngine) Generate(ctx context.Context, req llama.GenerateRequest) (*llama.GenerateResponse, error) {
	return &llama.GenerateResponse{Model: req.Model, Text: "ok"}, nil
}

func (nopEngine) GenerateStream(ctx context.Context, req llama.GenerateRequest) (*llama.Stream, error) {
	const ndj = `{"response":"ok","done":false}` + "\n" + `{"response":"","done":true,"done_reason":"stop"}` + "\n"
	return llama.NewStreamFromReader(io.NopCloser(strings.NewReader(ndj))), nil
}

type staticClassifier string

func (c staticClassifier) Classify(string) string { return string(c) }

func testREPL(t *testing.T) *REPL {
	t.Helper()
	reg, err := registry.New([]registry.GroupConfig{
		{Name: "general", Model: "llama3.1:8b", MaxContextLength: 8192, MaxOutputLength: 1024},
	}, "general")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	deps := chat.Deps{
		Registry:   reg,
		Pool:       pool.New(nopEngine{}, reg),
		Classifier: staticClassifier("general"),
	}
	r := New(deps, nil, nil, true)

	sess, err := chat.NewSession(context.Background(), deps)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	r.sess = sess
	return r
}

// =============================================================================
// STARTUP CHECK TESTS
// =============================================================================

type fakeStatusEngine struct {
	runningErr error
	models     []llama.ModelInfo
	listErr    error
}

func (f *fakeStatusEngine) CheckRunning(context.Context) error { return f.runningErr }

func (f *fakeStatusEngine) ListModels(context.Context) ([]llama.ModelInfo, error) {
	return f.models, f.listErr
}

func TestCheckEngineDown(t *testing.T) {
	r := testREPL(t)
	r.engine = &fakeStatusEngine{runningErr: llama.ErrNotRunning}

	err := r.checkEngine(context.Background())
	if err == nil {
		t.Fatal("expected an error when the engine is unreachable")
	}
	if !strings.Contains(err.Error(), "ollama serve") {
		t.Errorf("error should tell the user how to start the engine, got %q", err)
	}
}

func TestCheckEngineUp(t *testing.T) {
	r := testREPL(t)
	r.engine = &fakeStatusEngine{models: []llama.ModelInfo{{Name: "llama3.1:8b"}}}

	if err := r.checkEngine(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckEngineNil(t *testing.T) {
	r := testREPL(t)

	if err := r.checkEngine(context.Background()); err != nil {
		t.Fatalf("unexpected error without an engine: %v", err)
	}
}

func TestRunRequiresTerminal(t *testing.T) {
	if IsStdinTTY() {
		t.Skip("stdin is a terminal")
	}

	r := testREPL(t)
	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error when stdin is not a terminal")
	}
	if !strings.Contains(err.Error(), "terminal") {
		t.Errorf("error should mention the terminal requirement, got %q", err)
	}
}

// =============================================================================
// INTERRUPT TESTS
// =============================================================================

func TestInterruptConcurrent(t *testing.T) {
	r := testREPL(t)

	// Hammer the cancel slot from both sides the way the signal goroutine
	// and the REPL loop do. Run with -race to catch unguarded access.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			r.interrupt()
		}
	}()
	for i := 0; i < 1000; i++ {
		_, cancel := context.WithCancel(context.Background())
		r.setCancel(cancel)
		r.setCancel(nil)
		cancel()
	}
	<-done
}

func TestInterruptReportsInFlight(t *testing.T) {
	r := testREPL(t)

	if r.interrupt() {
		t.Error("interrupt with nothing in flight should report false")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.setCancel(cancel)
	if !r.interrupt() {
		t.Error("interrupt with a generation in flight should report true")
	}
	if ctx.Err() == nil {
		t.Error("interrupt should cancel the in-flight context")
	}
	if r.interrupt() {
		t.Error("second interrupt should report false")
	}
}

func TestHandleCommandQuit(t *testing.T) {
	r := testREPL(t)

	for _, cmd := range []string{"/quit", "/q", "/exit"} {
		cont, err := r.handleCommand(context.Background(), cmd)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", cmd, err)
		}
		if cont {
			t.Errorf("%s: expected exit", cmd)
		}
	}
}

func TestHandleCommandUnknown(t *testing.T) {
	r := testREPL(t)

	cont, err := r.handleCommand(context.Background(), "/bogus")
	if err == nil {
		t.Error("expected an error for unknown command")
	}
	if !cont {
		t.Error("unknown command should not exit the REPL")
	}
}

func TestHandleCommandClearResetsGroup(t *testing.T) {
	r := testREPL(t)

	if _, err := r.sess.Generate(context.Background(), "hello", chat.GenerateOptions{}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if r.sess.Group() == "" {
		t.Fatal("expected a group after generating")
	}

	cont, err := r.handleCommand(context.Background(), "/clear")
	if err != nil || !cont {
		t.Fatalf("clear: cont=%v err=%v", cont, err)
	}
	if r.sess.Group() != "" {
		t.Errorf("expected group cleared, got %q", r.sess.Group())
	}
	if len(r.sess.History()) != 0 {
		t.Errorf("expected history cleared, got %d turns", len(r.sess.History()))
	}
}

func TestChatCommandsWithoutStore(t *testing.T) {
	r := testREPL(t)

	for _, cmd := range []string{"/chats", "/load 1", "/new"} {
		cont, err := r.handleCommand(context.Background(), cmd)
		if !cont {
			t.Errorf("%s: should not exit", cmd)
		}
		if err == nil {
			t.Errorf("%s: expected an error without a store", cmd)
		}
	}
}
