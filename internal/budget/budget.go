// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package budget computes the inference context window and output-token
// allowance for a generation call.
//
// The context window is provisioned in multiples of the group's maximum
// output length so small prompt growth between turns does not force a
// re-provision on every call. When the model's hard context limit cannot fit
// prompt plus requested output, the output allowance shrinks instead of the
// request failing; the prompt itself is never truncated here.
package budget

import (
	"strings"

	"github.com/jeranaias/omnisage/internal/registry"
)

// Budget is the sizing decision for one generation call.
type Budget struct {
	// ContextSize is the context window to run the call with, in tokens.
	// Always a multiple of the group's MaxOutputLength unless clamped at
	// MaxContextLength.
	ContextSize int

	// OutputTokens is the generation cap for the call. Zero means the prompt
	// alone fills (or overflows) the window; the call is still issued and
	// degenerate output is the caller's concern.
	OutputTokens int
}

// EstimateTokens approximates the token count of text by whitespace-delimited
// word count. Deliberately cheap and conservative: exact tokenization belongs
// to the engine, and the budget only needs the estimate to grow with the
// prompt.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

// Compute sizes the context window and output allowance for a prompt.
//
// requestedOutput <= 0 means "use the group maximum". The required size is
// prompt estimate plus output, rounded up to the next multiple of
// MaxOutputLength (the allocation granule), then clamped to
// MaxContextLength. If the clamp leaves less room than required, the output
// allowance degrades to whatever remains after the prompt, floored at zero.
func Compute(promptTokens, requestedOutput int, cfg registry.GroupConfig) Budget {
	outputTokens := requestedOutput
	if outputTokens <= 0 {
		outputTokens = cfg.MaxOutputLength
	}

	required := promptTokens + outputTokens

	// Round up to the allocation granule.
	granule := cfg.MaxOutputLength
	units := (required + granule - 1) / granule
	contextSize := units * granule

	if contextSize > cfg.MaxContextLength {
		contextSize = cfg.MaxContextLength
	}

	if contextSize < required {
		outputTokens = contextSize - promptTokens
		if outputTokens < 0 {
			outputTokens = 0
		}
	}

	return Budget{ContextSize: contextSize, OutputTokens: outputTokens}
}

// ComputeForPrompt is a convenience wrapper that estimates the prompt first.
func ComputeForPrompt(renderedPrompt string, requestedOutput int, cfg registry.GroupConfig) Budget {
	return Compute(EstimateTokens(renderedPrompt), requestedOutput, cfg)
}
