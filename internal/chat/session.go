// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the conversation session: sticky model-group
// selection, prompt assembly over the session history, context budgeting,
// and generation through the model pool.
package chat

import (
	"context"
	"fmt"

	"github.com/jeranaias/omnisage/internal/budget"
	"github.com/jeranaias/omnisage/internal/classify"
	"github.com/jeranaias/omnisage/internal/llama"
	"github.com/jeranaias/omnisage/internal/model"
	"github.com/jeranaias/omnisage/internal/pool"
	"github.com/jeranaias/omnisage/internal/prompt"
	"github.com/jeranaias/omnisage/internal/registry"
)

// DefaultTemperature is used when GenerateOptions leaves Temperature unset.
const DefaultTemperature = 0.7

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Store is the persistence surface a session needs. *storage.Store
// satisfies it.
type Store interface {
	Turns(ctx context.Context, chatID string) ([]model.Turn, error)
	AppendTurn(ctx context.Context, chatID string, turn model.Turn) error
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Registry   *registry.Registry
	Pool       *pool.Pool
	Classifier classify.Classifier

	// Store is optional; without it the session is ephemeral.
	Store Store
}

// GenerateOptions tune one generation call.
type GenerateOptions struct {
	// MaxTokens caps the response length. Zero means the group's maximum.
	MaxTokens int

	// Temperature for sampling. Nil means DefaultTemperature; an explicit
	// zero is passed through for greedy sampling.
	Temperature *float64
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one conversation. The model group is selected by the classifier
// on the first query and stays fixed for the session's lifetime; a reloaded
// session adopts the group recorded on its most recent assistant turn.
//
// Sessions are not safe for concurrent use. Each connection or REPL owns
// its own.
type Session struct {
	deps    Deps
	chatID  string
	group   string
	history []model.Turn
}

// Option configures a new session.
type Option func(*Session) error

// WithChatID binds the session to a stored chat, rehydrating its history
// and group selection.
func WithChatID(id string) Option {
	return func(s *Session) error {
		s.chatID = id
		return nil
	}
}

// WithHistory seeds in-memory history, for callers that replay prior turns
// themselves. Group selection follows the newest assistant turn, if any.
func WithHistory(turns []model.Turn) Option {
	return func(s *Session) error {
		s.history = append(s.history, turns...)
		return nil
	}
}

// NewSession creates a session. When bound to a chat ID, history is loaded
// from the store before the session is usable.
func NewSession(ctx context.Context, deps Deps, opts ...Option) (*Session, error) {
	if deps.Registry == nil || deps.Pool == nil || deps.Classifier == nil {
		return nil, fmt.Errorf("chat: missing session dependencies")
	}

	s := &Session{deps: deps}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.chatID != "" {
		if deps.Store == nil {
			return nil, fmt.Errorf("chat: chat ID given without a store")
		}
		turns, err := deps.Store.Turns(ctx, s.chatID)
		if err != nil {
			return nil, err
		}
		s.history = append(s.history, turns...)
	}

	// A session resumed mid-conversation keeps the group its assistant
	// turns were generated with.
	if group := model.LastAssistantGroup(s.history); group != "" && s.deps.Registry.Has(group) {
		s.group = group
	}

	return s, nil
}

// ChatID returns the bound chat ID, empty for ephemeral sessions.
func (s *Session) ChatID() string { return s.chatID }

// Group returns the selected model group, empty before the first query.
func (s *Session) Group() string { return s.group }

// History returns a copy of the session's turns.
func (s *Session) History() []model.Turn {
	out := make([]model.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Reset clears the history and the group selection. The next query is
// classified afresh.
func (s *Session) Reset() {
	s.history = nil
	s.group = ""
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate runs one batch completion and commits the exchange to history
// and, when bound, to storage.
func (s *Session) Generate(ctx context.Context, query string, opts GenerateOptions) (string, error) {
	handle, req, err := s.prepare(ctx, query, opts)
	if err != nil {
		return "", err
	}

	resp, err := handle.Generate(ctx, req)
	if err != nil {
		return "", err
	}

	if err := s.commit(ctx, query, resp.Text); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// GenerateStream starts a streaming completion. The exchange is committed
// only when the stream finishes cleanly; a mid-stream error or early Close
// leaves history and storage untouched.
func (s *Session) GenerateStream(ctx context.Context, query string, opts GenerateOptions) (*Stream, error) {
	handle, req, err := s.prepare(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	inner, err := handle.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}

	return &Stream{
		inner: inner,
		sess:  s,
		ctx:   ctx,
		query: query,
	}, nil
}

// prepare selects the group, renders the prompt, and sizes the context
// window for one call.
func (s *Session) prepare(ctx context.Context, query string, opts GenerateOptions) (*pool.Handle, llama.GenerateRequest, error) {
	if s.group == "" {
		group := s.deps.Classifier.Classify(query)
		if !s.deps.Registry.Has(group) {
			group = s.deps.Registry.Default()
		}
		s.group = group
	}

	cfg, err := s.deps.Registry.Get(s.group)
	if err != nil {
		return nil, llama.GenerateRequest{}, err
	}

	rendered := prompt.Render(cfg.Template, cfg.SystemPrompt, s.history, query)
	b := budget.ComputeForPrompt(rendered, opts.MaxTokens, cfg)

	temperature := DefaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	handle, err := s.deps.Pool.Get(ctx, s.group)
	if err != nil {
		return nil, llama.GenerateRequest{}, err
	}

	return handle, llama.GenerateRequest{
		Prompt:      rendered,
		ContextSize: b.ContextSize,
		MaxTokens:   b.OutputTokens,
		Temperature: temperature,
		Stop:        cfg.StopSequences,
	}, nil
}

// commit records a completed exchange. Only the assistant turn is persisted
// here; the user turn is the boundary's responsibility.
func (s *Session) commit(ctx context.Context, query, response string) error {
	userTurn := model.NewUserTurn(query)
	assistantTurn := model.NewAssistantTurn(response, s.group)

	if s.deps.Store != nil && s.chatID != "" {
		if err := s.deps.Store.AppendTurn(ctx, s.chatID, assistantTurn); err != nil {
			return err
		}
	}

	s.history = append(s.history, userTurn, assistantTurn)
	return nil
}
