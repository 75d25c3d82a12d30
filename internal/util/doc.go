// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers for omnisage.
//
// # Contents
//
//   - AtomicWriteFile: crash-safe write-then-rename file updates
//   - TruncateRunes: rune-aware string truncation for previews
//
// Helpers here must stay dependency-free; anything that needs another
// internal package belongs in that package instead.
package util
