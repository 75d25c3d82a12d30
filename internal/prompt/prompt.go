// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt renders conversation history into a model-specific inference
// prompt using per-group delimiter templates.
//
// Each model group carries a six-part Template (system/user/assistant prefix
// and suffix). Render serializes the optional system prompt, the full history
// in order, the new user turn, and a trailing bare assistant prefix that cues
// the model to generate. No truncation happens here; sizing the context is the
// budget package's job.
package prompt

import (
	"strings"

	"github.com/jeranaias/omnisage/internal/model"
)

// =============================================================================
// TEMPLATE TYPE
// =============================================================================

// Template holds the six delimiter strings used to serialize turns for one
// model family. Any field may be empty; empty fields emit nothing.
type Template struct {
	SystemPrefix    string `toml:"system_prefix" json:"system_prefix"`
	SystemSuffix    string `toml:"system_suffix" json:"system_suffix"`
	UserPrefix      string `toml:"user_prefix" json:"user_prefix"`
	UserSuffix      string `toml:"user_suffix" json:"user_suffix"`
	AssistantPrefix string `toml:"assistant_prefix" json:"assistant_prefix"`
	AssistantSuffix string `toml:"assistant_suffix" json:"assistant_suffix"`
}

// wrapUser wraps content in the user delimiters.
func (t Template) wrapUser(content string) string {
	return t.UserPrefix + content + t.UserSuffix
}

// wrapAssistant wraps content in the assistant delimiters.
func (t Template) wrapAssistant(content string) string {
	return t.AssistantPrefix + content + t.AssistantSuffix
}

// wrapSystem wraps content in the system delimiters.
func (t Template) wrapSystem(content string) string {
	return t.SystemPrefix + content + t.SystemSuffix
}

// =============================================================================
// RENDERING
// =============================================================================

// Render serializes a conversation into a single prompt string.
//
// Fragment order: one system fragment (only when systemPrompt is non-empty),
// then one fragment per history turn in input order, then the new user input
// wrapped in the user delimiters, then the bare assistant prefix with no
// suffix. Fragments are joined with newlines.
//
// History turns are matched by their role string, not by position: two
// consecutive user turns both render with the user template, which keeps
// reconstructed or edited histories well-formed. Turns with an unknown role
// are skipped.
func Render(tmpl Template, systemPrompt string, history []model.Turn, userInput string) string {
	fragments := make([]string, 0, len(history)+3)

	if systemPrompt != "" {
		fragments = append(fragments, tmpl.wrapSystem(systemPrompt))
	}

	for _, turn := range history {
		switch turn.Role {
		case model.RoleUser:
			fragments = append(fragments, tmpl.wrapUser(turn.Content))
		case model.RoleAssistant:
			fragments = append(fragments, tmpl.wrapAssistant(turn.Content))
		}
	}

	fragments = append(fragments, tmpl.wrapUser(userInput))
	// Bare prefix, no suffix: the model continues from here.
	fragments = append(fragments, tmpl.AssistantPrefix)

	return strings.Join(fragments, "\n")
}
