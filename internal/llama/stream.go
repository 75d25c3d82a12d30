// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// =============================================================================
// STREAM
// =============================================================================

// Stream is a pull-based reader over an NDJSON generation stream. Each call
// to Recv returns one chunk; after the final chunk (Done true) the next call
// returns io.EOF. Close releases the underlying connection and may be called
// at any time, including concurrently with Recv.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
}

// NewStreamFromReader builds a Stream over an existing NDJSON reader. Useful
// for replaying captured generation transcripts.
func NewStreamFromReader(body io.ReadCloser) *Stream {
	return newStream(body, nil)
}

// newStream wraps a response body in a Stream. cancel aborts the underlying
// request when the stream is closed early.
func newStream(body io.ReadCloser, cancel context.CancelFunc) *Stream {
	scanner := bufio.NewScanner(body)
	// Single chunks are small, but allow for pathological lines.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &Stream{
		body:    body,
		scanner: scanner,
		cancel:  cancel,
	}
}

// Recv returns the next chunk. It returns io.EOF once the stream is
// exhausted and a typed error if the stream breaks mid-generation.
func (s *Stream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var resp wireGenerateResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			// A bare error object mid-stream means the runtime aborted.
			var rerr runtimeError
			if jerr := json.Unmarshal([]byte(line), &rerr); jerr == nil && rerr.Error != "" {
				s.done = true
				return Chunk{}, &ClientError{Type: ErrTypeInvalidResponse, Message: rerr.Error}
			}
			s.done = true
			return Chunk{}, &ClientError{Type: ErrTypeInvalidResponse, Message: "malformed stream line", Cause: err}
		}

		chunk := Chunk{
			Content:          resp.Response,
			Done:             resp.Done,
			DoneReason:       resp.DoneReason,
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalDuration:    time.Duration(resp.TotalDuration),
			EvalDuration:     time.Duration(resp.EvalDuration),
		}
		if resp.Done {
			s.done = true
		}
		return chunk, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: err}
	}
	// Stream ended without a Done chunk: the connection dropped cleanly but
	// generation never finished.
	return Chunk{}, &ClientError{Type: ErrTypeConnection, Message: "stream ended before completion"}
}

// Close cancels the request and releases the connection. Safe to call more
// than once.
func (s *Stream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.body.Close()
}
