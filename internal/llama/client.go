// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llama provides the HTTP client for the local inference runtime.
//
// The runtime is any server speaking the Ollama generate API (Ollama itself,
// or llama.cpp behind an adapter). omnisage always calls it in raw mode: the
// prompt package owns templating, so the runtime receives a fully rendered
// prompt and a per-call context window size.
package llama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the inference runtime client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "inference runtime is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

// IsModelNotFound checks if an error is a model not found error.
func IsModelNotFound(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeModelNotFound
	}
	return false
}

// IsNotRunning checks if an error indicates the runtime is unreachable.
func IsNotRunning(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeNotRunning
	}
	return false
}

// IsTimeout checks if an error is a request timeout.
func IsTimeout(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == ErrTypeTimeout
	}
	return false
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the runtime client.
type ClientConfig struct {
	// BaseURL is the runtime API base URL (default: http://127.0.0.1:11434).
	// Explicit IPv4 avoids IPv6 localhost resolution issues on Windows.
	BaseURL string

	// Timeout for non-streaming requests (default: 120s; generation without
	// streaming can legitimately take a while).
	Timeout time.Duration

	// LoadTimeout bounds model warm-up loads (default: 5m; cold loads pull
	// weights into memory).
	LoadTimeout time.Duration

	// KeepAlive controls how long the runtime keeps a loaded model resident
	// (default: "30m").
	KeepAlive string
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:     "http://127.0.0.1:11434",
		Timeout:     120 * time.Second,
		LoadTimeout: 5 * time.Minute,
		KeepAlive:   "30m",
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client communicates with the inference runtime. Safe for concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewClient creates a runtime client, filling zero config fields with
// defaults. A nil config uses all defaults.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:11434"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if config.LoadTimeout == 0 {
		config.LoadTimeout = 5 * time.Minute
	}
	if config.KeepAlive == "" {
		config.KeepAlive = "30m"
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// BaseURL returns the configured runtime URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// =============================================================================
// HEALTH AND MODEL OPERATIONS
// =============================================================================

// CheckRunning verifies that the runtime is reachable.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL, nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeConnection,
			Message: "unexpected status from runtime: " + resp.Status,
		}
	}
	return nil
}

// ListModels retrieves all models the runtime has available.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "failed to list models: " + resp.Status,
		}
	}

	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return result.Models, nil
}

// Load makes the runtime resident-load a model. The runtime treats an empty
// prompt as a pure load request: no tokens are generated, the model is pulled
// into memory and pinned for the keep-alive window. Used by the pool on first
// use of a group.
func (c *Client) Load(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.LoadTimeout)
	defer cancel()

	body := wireGenerateRequest{
		Model:     model,
		Prompt:    "",
		Stream:    false,
		KeepAlive: c.config.KeepAlive,
	}

	resp, err := c.post(ctx, "/api/generate", body, c.httpClient)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	var result wireGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode load response", Cause: err}
	}
	return nil
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate runs one completion to completion and returns the full text.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	body := wireGenerateRequest{
		Model:     req.Model,
		Prompt:    req.Prompt,
		Stream:    false,
		Raw:       true,
		KeepAlive: c.config.KeepAlive,
		Options:   req.options(),
	}

	resp, err := c.post(ctx, "/api/generate", body, c.httpClient)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result wireGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}

	return &GenerateResponse{
		Model:            result.Model,
		Text:             result.Response,
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
		TotalDuration:    time.Duration(result.TotalDuration),
		LoadDuration:     time.Duration(result.LoadDuration),
		EvalDuration:     time.Duration(result.EvalDuration),
	}, nil
}

// GenerateStream starts a streaming completion and returns a pull-based
// Stream. The caller must drain or Close the stream; Close cancels the
// underlying request.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) (*Stream, error) {
	body := wireGenerateRequest{
		Model:     req.Model,
		Prompt:    req.Prompt,
		Stream:    true,
		Raw:       true,
		KeepAlive: c.config.KeepAlive,
		Options:   req.options(),
	}

	// Streaming has no client-side timeout; lifetime is bounded by the
	// caller's context.
	streamCtx, cancel := context.WithCancel(ctx)
	streamClient := &http.Client{}

	resp, err := c.post(streamCtx, "/api/generate", body, streamClient)
	if err != nil {
		cancel()
		return nil, err
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	return newStream(resp.Body, cancel), nil
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// post sends a JSON POST to the runtime.
func (c *Client) post(ctx context.Context, path string, body any, client *http.Client) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}
	return resp, nil
}

// checkStatus maps non-200 responses to typed errors, preferring the
// runtime's own error message when it sends one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrModelNotFound
	}

	var rerr runtimeError
	if err := json.NewDecoder(resp.Body).Decode(&rerr); err == nil && rerr.Error != "" {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: rerr.Error}
	}
	return &ClientError{
		Type:    ErrTypeInvalidResponse,
		Message: "generate request failed: " + resp.Status,
	}
}
