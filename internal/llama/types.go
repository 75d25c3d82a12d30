// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llama provides the HTTP client for the local inference runtime.
package llama

import "time"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GenerateRequest describes one completion call. The prompt is always sent
// raw: omnisage renders conversation history with its own per-group templates,
// so the runtime must not apply its own chat template on top.
type GenerateRequest struct {
	// Model is the runtime model identifier for the group being served.
	Model string

	// Prompt is the fully rendered prompt string.
	Prompt string

	// ContextSize is the context window for this call, in tokens. Passed
	// per-call (options.num_ctx) so concurrent calls against one model never
	// race on shared window state.
	ContextSize int

	// MaxTokens caps generated tokens. Zero is sent as-is and means the
	// call may produce nothing; callers size it via the budget package.
	MaxTokens int

	// Temperature is the sampling temperature.
	Temperature float64

	// Stop sequences end generation; handled entirely by the runtime.
	Stop []string
}

// wireOptions is the runtime's per-call options payload.
type wireOptions struct {
	NumCtx      int      `json:"num_ctx,omitempty"`
	NumPredict  int      `json:"num_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

// wireGenerateRequest is the request body for /api/generate.
type wireGenerateRequest struct {
	Model     string       `json:"model"`
	Prompt    string       `json:"prompt"`
	Stream    bool         `json:"stream"`
	Raw       bool         `json:"raw"`
	KeepAlive string       `json:"keep_alive,omitempty"`
	Options   *wireOptions `json:"options,omitempty"`
}

// options converts the request into the wire options payload.
func (r GenerateRequest) options() *wireOptions {
	return &wireOptions{
		NumCtx:      r.ContextSize,
		NumPredict:  r.MaxTokens,
		Temperature: r.Temperature,
		Stop:        r.Stop,
	}
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// wireGenerateResponse is one NDJSON line from /api/generate. Streaming calls
// produce many lines with Done=false and a final line with Done=true carrying
// the timing and token statistics.
type wireGenerateResponse struct {
	Model           string    `json:"model"`
	CreatedAt       time.Time `json:"created_at"`
	Response        string    `json:"response"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason,omitempty"`
	TotalDuration   int64     `json:"total_duration,omitempty"`
	LoadDuration    int64     `json:"load_duration,omitempty"`
	PromptEvalCount int       `json:"prompt_eval_count,omitempty"`
	EvalCount       int       `json:"eval_count,omitempty"`
	EvalDuration    int64     `json:"eval_duration,omitempty"`
}

// runtimeError is the runtime's error payload shape.
type runtimeError struct {
	Error string `json:"error"`
}

// GenerateResponse is the completed result of a non-streaming call.
type GenerateResponse struct {
	Model string
	Text  string

	// Statistics reported by the runtime on completion.
	PromptTokens     int
	CompletionTokens int
	TotalDuration    time.Duration
	LoadDuration     time.Duration
	EvalDuration     time.Duration
}

// Chunk is one streamed fragment of generated text.
type Chunk struct {
	// Content is the text fragment; may be empty on the final chunk.
	Content string

	// Done marks end-of-generation. The final chunk carries statistics.
	Done       bool
	DoneReason string

	PromptTokens     int
	CompletionTokens int
	TotalDuration    time.Duration
	EvalDuration     time.Duration
}

// ListModelsResponse is the response from /api/tags.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes one model the runtime has available.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}
