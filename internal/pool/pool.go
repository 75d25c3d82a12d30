// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pool manages lazy, shared model handles. One handle per model
// group, loaded on first use; concurrent callers asking for the same group
// trigger exactly one load and then share the handle.
package pool

import (
	"context"
	"log"
	"sync"

	"github.com/jeranaias/omnisage/internal/llama"
	"github.com/jeranaias/omnisage/internal/registry"
)

// =============================================================================
// ENGINE INTERFACE
// =============================================================================

// Engine is the runtime surface the pool needs. *llama.Client satisfies it.
type Engine interface {
	Load(ctx context.Context, model string) error
	Generate(ctx context.Context, req llama.GenerateRequest) (*llama.GenerateResponse, error)
	GenerateStream(ctx context.Context, req llama.GenerateRequest) (*llama.Stream, error)
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// LoadError reports a failed model load. The slot stays empty, so a later
// call retries the load.
type LoadError struct {
	Group string
	Model string
	Cause error
}

func (e *LoadError) Error() string {
	return "failed to load model " + e.Model + " for group " + e.Group + ": " + e.Cause.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// POOL
// =============================================================================

// slot guards one group's handle. Loads happen with the slot lock held, so
// at most one load per group is in flight.
type slot struct {
	mu     sync.Mutex
	handle *Handle
}

// Pool holds one slot per registered model group. The slot map is built at
// construction and never mutated, so lookups need no pool-level lock.
type Pool struct {
	engine   Engine
	registry *registry.Registry
	slots    map[string]*slot

	preloadOnce sync.Once
}

// New creates a pool with an empty slot for every group in the registry.
// Nothing is loaded until first use.
func New(engine Engine, reg *registry.Registry) *Pool {
	slots := make(map[string]*slot, len(reg.Groups()))
	for _, name := range reg.Groups() {
		slots[name] = &slot{}
	}
	return &Pool{
		engine:   engine,
		registry: reg,
		slots:    slots,
	}
}

// EnsureLoaded loads the group's model if it is not already resident. Safe
// for concurrent use; concurrent calls for one group block on the slot lock
// and all but the first find the handle already set.
func (p *Pool) EnsureLoaded(ctx context.Context, group string) error {
	cfg, err := p.registry.Get(group)
	if err != nil {
		return err
	}
	s := p.slots[group]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return nil
	}

	if err := p.engine.Load(ctx, cfg.Model); err != nil {
		return &LoadError{Group: group, Model: cfg.Model, Cause: err}
	}

	s.handle = &Handle{
		group:  group,
		model:  cfg.Model,
		engine: p.engine,
	}

	// First successful load of any group kicks off a one-time background
	// preload of the default group, so the common route is warm before it
	// is first asked for.
	p.preloadOnce.Do(func() {
		def := p.registry.Default()
		if def != group {
			go p.preloadDefault(def)
		}
	})

	return nil
}

// Get returns the shared handle for a group, loading it first if needed.
func (p *Pool) Get(ctx context.Context, group string) (*Handle, error) {
	if err := p.EnsureLoaded(ctx, group); err != nil {
		return nil, err
	}
	s := p.slots[group]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, nil
}

// IsLoaded reports whether a group's model is resident. Unknown groups
// report false.
func (p *Pool) IsLoaded(group string) bool {
	s, ok := p.slots[group]
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// preloadDefault warms the default group in the background. Failures are
// logged and otherwise ignored; the load will be retried on first use.
func (p *Pool) preloadDefault(group string) {
	if err := p.EnsureLoaded(context.Background(), group); err != nil {
		log.Printf("POOL: default group preload failed: %v", err)
	}
}

// =============================================================================
// HANDLE
// =============================================================================

// Handle is a loaded model shared by all sessions routed to its group.
// Immutable after load; per-call state such as the context window size
// travels in the request, never on the handle. Generation calls are not
// serialized here, the runtime queues them.
type Handle struct {
	group  string
	model  string
	engine Engine
}

// Group returns the model group this handle serves.
func (h *Handle) Group() string { return h.group }

// Model returns the runtime model identifier.
func (h *Handle) Model() string { return h.model }

// Generate runs a batch completion against this handle's model.
func (h *Handle) Generate(ctx context.Context, req llama.GenerateRequest) (*llama.GenerateResponse, error) {
	req.Model = h.model
	return h.engine.Generate(ctx, req)
}

// GenerateStream starts a streaming completion against this handle's model.
func (h *Handle) GenerateStream(ctx context.Context, req llama.GenerateRequest) (*llama.Stream, error) {
	req.Model = h.model
	return h.engine.GenerateStream(ctx, req)
}
