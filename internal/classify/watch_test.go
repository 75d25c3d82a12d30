// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnRouteFileChange(t *testing.T) {
	dir := t.TempDir()
	c, err := NewRouteClassifier(dir, "general")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- c.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory before writing.
	time.Sleep(100 * time.Millisecond)

	const query = "Can you review this contract for me?"
	require.Equal(t, "general", c.Classify(query))

	routes := `{"routes":[{"name":"legal","utterances":["Review this contract clause","What does this indemnity agreement mean?"],"score_threshold":0.4}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legal.json"), []byte(routes), 0644))

	require.Eventually(t, func() bool {
		return c.Classify(query) == "legal"
	}, 5*time.Second, 50*time.Millisecond, "routes were not reloaded after the file change")

	cancel()
	select {
	case err := <-watchDone:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}

func TestWatchIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := NewRouteClassifier(dir, "general")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- c.Watch(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a route file"), 0644))

	// Classification stays on the seeded routes.
	time.Sleep(2 * watchDebounce)
	require.Equal(t, "programming", c.Classify("How do I write a recursive function?"))

	cancel()
	require.ErrorIs(t, <-watchDone, context.Canceled)
}
