// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across omnisage:
// conversation turns and their roles.
package model

import (
	"time"

	"github.com/jeranaias/omnisage/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role identifies the sender of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one the conversation log accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is a single role-tagged message in a conversation. Assistant turns
// record the model group that produced them so a persisted chat can resume on
// the same group.
type Turn struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ModelGroup string    `json:"model_group,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// NewUserTurn creates a user turn with the current timestamp.
func NewUserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content, CreatedAt: time.Now()}
}

// NewAssistantTurn creates an assistant turn tagged with the model group that
// generated it.
func NewAssistantTurn(content, modelGroup string) Turn {
	return Turn{Role: RoleAssistant, Content: content, ModelGroup: modelGroup, CreatedAt: time.Now()}
}

// Preview returns a one-line preview of the turn content, truncated to
// maxRunes characters.
func (t Turn) Preview(maxRunes int) string {
	return util.TruncateRunes(util.CollapseWhitespace(t.Content), maxRunes)
}

// LastAssistantGroup scans turns newest-first and returns the model group
// recorded on the most recent assistant turn, or "" if none carries one.
func LastAssistantGroup(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleAssistant && turns[i].ModelGroup != "" {
			return turns[i].ModelGroup
		}
	}
	return ""
}
