// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry holds the immutable per-group model configuration.
//
// A "group" is a named bundle selecting one backing model, its prompt
// template, its stop sequences, and its token limits. The registry is built
// once from the loaded configuration at process start and is read-only
// afterwards, so lookups need no locking.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jeranaias/omnisage/internal/prompt"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrUnknownGroup is returned when a group name is not in the registry.
// Use errors.Is(err, ErrUnknownGroup) to check for it.
var ErrUnknownGroup = errors.New("unknown model group")

// =============================================================================
// GROUP CONFIGURATION
// =============================================================================

// GroupConfig is the static configuration for one model group. Immutable
// after registry construction.
type GroupConfig struct {
	// Name is the unique group key, e.g. "general" or "programming".
	Name string

	// Model is the identifier the inference runtime loads, e.g.
	// "qwen2.5-3b-instruct".
	Model string

	// StopSequences are passed to the engine verbatim; stop handling is the
	// engine's responsibility.
	StopSequences []string

	// MaxContextLength is the largest context window (prompt + output, in
	// tokens) the model supports.
	MaxContextLength int

	// MaxOutputLength caps generated tokens per call and doubles as the
	// context allocation granularity (see the budget package).
	MaxOutputLength int

	// SystemPrompt is the optional default system prompt for the group.
	SystemPrompt string

	// Template holds the six-part delimiter schema for this model family.
	Template prompt.Template
}

// validate checks the startup-time invariants for one group.
func (g GroupConfig) validate() error {
	if g.Name == "" {
		return errors.New("group name must not be empty")
	}
	if g.Model == "" {
		return fmt.Errorf("group %q: model identifier must not be empty", g.Name)
	}
	if g.MaxContextLength <= 0 {
		return fmt.Errorf("group %q: max_context_length must be positive, got %d", g.Name, g.MaxContextLength)
	}
	if g.MaxOutputLength <= 0 {
		return fmt.Errorf("group %q: max_output_length must be positive, got %d", g.Name, g.MaxOutputLength)
	}
	if g.MaxOutputLength > g.MaxContextLength {
		return fmt.Errorf("group %q: max_output_length %d exceeds max_context_length %d",
			g.Name, g.MaxOutputLength, g.MaxContextLength)
	}
	return nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps group names to their configuration. Read-only after New.
type Registry struct {
	groups       map[string]GroupConfig
	defaultGroup string
}

// New builds a registry from the configured groups. The defaultGroup must be
// one of the supplied groups; it is the classifier fallback and the pool's
// preload target. Duplicate or invalid groups fail construction.
func New(groups []GroupConfig, defaultGroup string) (*Registry, error) {
	if len(groups) == 0 {
		return nil, errors.New("registry requires at least one model group")
	}

	m := make(map[string]GroupConfig, len(groups))
	for _, g := range groups {
		if err := g.validate(); err != nil {
			return nil, err
		}
		if _, dup := m[g.Name]; dup {
			return nil, fmt.Errorf("duplicate model group %q", g.Name)
		}
		m[g.Name] = g
	}

	if _, ok := m[defaultGroup]; !ok {
		return nil, fmt.Errorf("default group %q: %w", defaultGroup, ErrUnknownGroup)
	}

	return &Registry{groups: m, defaultGroup: defaultGroup}, nil
}

// Get returns the configuration for a group, or ErrUnknownGroup.
func (r *Registry) Get(group string) (GroupConfig, error) {
	cfg, ok := r.groups[group]
	if !ok {
		return GroupConfig{}, fmt.Errorf("%q: %w", group, ErrUnknownGroup)
	}
	return cfg, nil
}

// Has reports whether a group exists.
func (r *Registry) Has(group string) bool {
	_, ok := r.groups[group]
	return ok
}

// Groups returns all group names, sorted.
func (r *Registry) Groups() []string {
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the default group name.
func (r *Registry) Default() string {
	return r.defaultGroup
}
