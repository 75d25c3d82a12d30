// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the interactive chat REPL.
//
// Interactive commands:
//
//	/help, /h     Show available commands
//	/clear, /c    Clear conversation history and group selection
//	/chats        List saved chats
//	/load <n>     Continue a saved chat by list number
//	/new          Start a fresh saved chat
//	/groups       List configured model groups
//	/quit, /q     Exit
//	Ctrl+C        Cancel current generation
//	Ctrl+D        Exit
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/omnisage/internal/chat"
	"github.com/jeranaias/omnisage/internal/config"
	"github.com/jeranaias/omnisage/internal/llama"
	"github.com/jeranaias/omnisage/internal/model"
	"github.com/jeranaias/omnisage/internal/storage"
)

// Engine is the subset of the inference client the REPL needs for its
// startup checks. Nil disables them.
type Engine interface {
	CheckRunning(ctx context.Context) error
	ListModels(ctx context.Context) ([]llama.ModelInfo, error)
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// Input provides line editing and persistent input history.
type Input struct {
	line        *liner.State
	historyFile string
}

// NewInput creates an Input backed by a history file in the config directory.
func NewInput() *Input {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	in := &Input{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	in.loadHistory()
	return in
}

func (in *Input) loadHistory() {
	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
}

// Read reads one line with the given prompt, recording non-empty input.
func (in *Input) Read(prompt string) (string, error) {
	input, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		in.line.AppendHistory(input)
	}
	return input, nil
}

func (in *Input) saveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	in.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (in *Input) Close() {
	in.saveHistory()
	in.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// REPL is the interactive chat shell.
type REPL struct {
	deps   chat.Deps
	store  *storage.Store
	engine Engine
	quiet  bool

	input *Input
	sess  *chat.Session

	// chats caches the last /chats listing so /load <n> can resolve numbers.
	chats []storage.ChatMeta

	// cancel aborts the in-flight generation on Ctrl+C. Guarded by cancelMu:
	// the signal goroutine and the REPL loop both touch it.
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New creates a REPL. The store may be nil; chats are then ephemeral and the
// /chats, /load and /new commands are unavailable. The engine may be nil to
// skip the startup reachability check.
func New(deps chat.Deps, store *storage.Store, engine Engine, quiet bool) *REPL {
	return &REPL{
		deps:   deps,
		store:  store,
		engine: engine,
		quiet:  quiet || !IsStdoutTTY(),
	}
}

// Run drives the read-eval-print loop until the user exits.
func (r *REPL) Run(ctx context.Context) error {
	if !IsStdinTTY() {
		return errors.New("interactive chat requires a terminal; use the serve command for non-interactive access")
	}

	if err := r.checkEngine(ctx); err != nil {
		return err
	}

	sess, err := chat.NewSession(ctx, r.deps)
	if err != nil {
		return err
	}
	r.sess = sess

	r.input = NewInput()
	defer r.input.Close()

	if !r.quiet {
		r.printWelcome()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		for range sigChan {
			if r.interrupt() {
				fmt.Fprintln(os.Stderr, "\n[Cancelled]")
			}
		}
	}()

	for {
		input, err := r.input.Read("omnisage> ")
		if err != nil {
			// Ctrl+C at the prompt or EOF (Ctrl+D) exits.
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			cont, err := r.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[Error] %v\n", err)
			}
			if !cont {
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		if err := r.processMessage(ctx, input); err != nil {
			fmt.Fprintf(os.Stderr, "[Error] %v\n", err)
		}
	}
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// checkEngine verifies the inference runtime is reachable before the loop
// starts and warns about configured models it does not have.
func (r *REPL) checkEngine(ctx context.Context) error {
	if r.engine == nil {
		return nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.engine.CheckRunning(checkCtx); err != nil {
		return fmt.Errorf("inference engine is not running (start it with: ollama serve): %w", err)
	}

	models, err := r.engine.ListModels(checkCtx)
	if err != nil {
		// Reachable but the tags endpoint failed; the loop can still run.
		return nil
	}
	available := make(map[string]bool, len(models))
	for _, m := range models {
		available[m.Name] = true
	}
	for _, name := range r.deps.Registry.Groups() {
		group, err := r.deps.Registry.Get(name)
		if err != nil {
			continue
		}
		if !available[group.Model] {
			fmt.Fprintf(os.Stderr, "[Warning] model %q for group %q is not available (pull it with: ollama pull %s)\n",
				group.Model, name, group.Model)
		}
	}
	return nil
}

// setCancel installs the cancel function for the in-flight generation.
func (r *REPL) setCancel(cancel context.CancelFunc) {
	r.cancelMu.Lock()
	r.cancel = cancel
	r.cancelMu.Unlock()
}

// interrupt aborts the in-flight generation, if any, and reports whether
// there was one to abort.
func (r *REPL) interrupt() bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	r.cancel = nil
	return true
}

func (r *REPL) processMessage(ctx context.Context, query string) error {
	genCtx, cancel := context.WithCancel(ctx)
	r.setCancel(cancel)
	defer func() {
		r.setCancel(nil)
		cancel()
	}()

	// Record the question before generating so an interrupted answer still
	// leaves it in the transcript.
	if r.store != nil && r.sess.ChatID() != "" {
		if err := r.store.AppendTurn(genCtx, r.sess.ChatID(), model.NewUserTurn(query)); err != nil {
			return err
		}
	}

	start := time.Now()
	stream, err := r.sess.GenerateStream(genCtx, query, chat.GenerateOptions{})
	if err != nil {
		return err
	}
	defer stream.Close()

	if !r.quiet {
		fmt.Printf("[%s]\n", r.sess.Group())
	}

	var completionTokens int
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Println()
			return err
		}
		if chunk.Content != "" {
			fmt.Print(chunk.Content)
		}
		if chunk.Done {
			completionTokens = chunk.CompletionTokens
		}
	}
	fmt.Println()

	if !r.quiet {
		fmt.Printf("(%d tokens, %s)\n\n",
			completionTokens, time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// parseCommand splits a slash command into its name and arguments.
func parseCommand(input string) (string, []string) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return "", nil
	}
	return strings.ToLower(parts[0]), parts[1:]
}

// handleCommand dispatches a slash command.
// Returns false when the REPL should exit.
func (r *REPL) handleCommand(ctx context.Context, input string) (bool, error) {
	command, args := parseCommand(input)

	switch command {
	case "/help", "/h", "/?", "/":
		r.printHelp()
		return true, nil

	case "/clear", "/c":
		r.sess.Reset()
		fmt.Println("[Conversation cleared]")
		return true, nil

	case "/groups":
		r.printGroups()
		return true, nil

	case "/chats":
		return true, r.listChats(ctx)

	case "/load":
		return true, r.loadChat(ctx, args)

	case "/new":
		return true, r.newChat(ctx)

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

func (r *REPL) listChats(ctx context.Context) error {
	if r.store == nil {
		return fmt.Errorf("chat persistence is disabled")
	}

	chats, err := r.store.Chats(ctx)
	if err != nil {
		return err
	}
	r.chats = chats

	if len(chats) == 0 {
		fmt.Println("[No saved chats]")
		return nil
	}

	fmt.Println()
	for i, c := range chats {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("  %2d. %s  (%d messages, %s)\n",
			i+1, title, c.MessageCount, c.UpdatedAt.Format("2006-01-02 15:04"))
		if c.Preview != "" {
			fmt.Printf("      %s\n", c.Preview)
		}
	}
	fmt.Println()
	return nil
}

func (r *REPL) loadChat(ctx context.Context, args []string) error {
	if r.store == nil {
		return fmt.Errorf("chat persistence is disabled")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: /load <n> (see /chats for numbers)")
	}

	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("usage: /load <n> (see /chats for numbers)")
	}

	if r.chats == nil {
		chats, err := r.store.Chats(ctx)
		if err != nil {
			return err
		}
		r.chats = chats
	}
	if n < 1 || n > len(r.chats) {
		return fmt.Errorf("no chat %d: run /chats to list", n)
	}

	meta := r.chats[n-1]
	sess, err := chat.NewSession(ctx, r.deps, chat.WithChatID(meta.ID))
	if err != nil {
		return err
	}
	r.sess = sess

	fmt.Printf("[Loaded chat: %s (%d messages)]\n", meta.Title, meta.MessageCount)
	return nil
}

func (r *REPL) newChat(ctx context.Context) error {
	if r.store == nil {
		return fmt.Errorf("chat persistence is disabled")
	}

	title := time.Now().Format("Chat 2006-01-02 15:04")
	id, err := r.store.CreateChat(ctx, title)
	if err != nil {
		return err
	}

	sess, err := chat.NewSession(ctx, r.deps, chat.WithChatID(id))
	if err != nil {
		return err
	}
	r.sess = sess
	r.chats = nil

	fmt.Printf("[Started chat: %s]\n", title)
	return nil
}

// =============================================================================
// DISPLAY
// =============================================================================

func (r *REPL) printWelcome() {
	fmt.Println()
	fmt.Println("omnisage interactive chat")
	fmt.Println(strings.Repeat("─", 30))
	fmt.Printf("Groups:  %s\n", strings.Join(r.deps.Registry.Groups(), ", "))
	fmt.Printf("Default: %s\n", r.deps.Registry.Default())
	fmt.Println()
	fmt.Println("Type your message and press Enter. Commands: /help, /quit")
	fmt.Println()
}

func (r *REPL) printGroups() {
	fmt.Println()
	current := r.sess.Group()
	for _, name := range r.deps.Registry.Groups() {
		cfg, err := r.deps.Registry.Get(name)
		if err != nil {
			continue
		}
		marker := " "
		if name == current {
			marker = "*"
		}
		fmt.Printf("  %s %-16s %s (ctx %d)\n", marker, name, cfg.Model, cfg.MaxContextLength)
	}
	fmt.Println()
}

func (r *REPL) printHelp() {
	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/clear, /c", "Clear conversation history and group selection"},
		{"/chats", "List saved chats"},
		{"/load <n>", "Continue a saved chat by number"},
		{"/new", "Start a fresh saved chat"},
		{"/groups", "List configured model groups"},
		{"/quit, /q", "Exit"},
	}

	fmt.Println()
	for _, c := range commands {
		fmt.Printf("  %-15s %s\n", c.cmd, c.desc)
	}
	fmt.Println()
}
