// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"strings"

	"github.com/jeranaias/omnisage/internal/llama"
)

// =============================================================================
// SESSION STREAM
// =============================================================================

// Stream forwards generation chunks while accumulating the full response.
// When the underlying stream finishes cleanly the exchange is committed to
// the session; on error or early Close nothing is committed.
type Stream struct {
	inner *llama.Stream
	sess  *Session
	ctx   context.Context
	query string

	acc       strings.Builder
	committed bool
}

// Recv returns the next chunk. io.EOF follows the final chunk of a clean
// stream; any other error means the exchange was not committed.
func (st *Stream) Recv() (llama.Chunk, error) {
	chunk, err := st.inner.Recv()
	if err != nil {
		return chunk, err
	}

	st.acc.WriteString(chunk.Content)

	if chunk.Done && !st.committed {
		if err := st.sess.commit(st.ctx, st.query, st.acc.String()); err != nil {
			return llama.Chunk{}, err
		}
		st.committed = true
	}
	return chunk, nil
}

// Text returns the response accumulated so far.
func (st *Stream) Text() string {
	return st.acc.String()
}

// Committed reports whether the exchange reached history and storage.
func (st *Stream) Committed() bool {
	return st.committed
}

// Close releases the underlying stream. Closing before the final chunk
// abandons the exchange.
func (st *Stream) Close() error {
	return st.inner.Close()
}
