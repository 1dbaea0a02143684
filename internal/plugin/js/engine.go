// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package js implements the plugin engine contract on top of goja.
//
// Each guest context is its own goja.Runtime. Promise reactions registered
// with then, host-side settlement of deferreds and setImmediate callbacks
// all go through the context job queue and only run when the host drains
// it, one generation per RunPendingJobs.
package js

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
	"github.com/samber/oops"

	"github.com/visorhq/visor/internal/plugin/engine"
	"github.com/visorhq/visor/internal/plugin/marshal"
)

// EngineName is the name the JavaScript engine registers under.
const EngineName = "js"

// Config controls the VMs created by the engine.
type Config struct {
	// MaxCallStackSize limits guest recursion. Zero keeps goja's default.
	MaxCallStackSize int
	// Logger receives console output at debug level.
	Logger *slog.Logger
}

// Engine is the goja implementation of engine.Engine.
type Engine struct {
	config Config
}

var _ engine.Engine = (*Engine)(nil)

// NewEngine creates a JavaScript engine.
func NewEngine(config Config) *Engine {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Engine{config: config}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return EngineName }

// Compile parses code without running it.
func (e *Engine) Compile(name, code string) error {
	if _, err := goja.Compile(name, code, false); err != nil {
		return &engine.GuestError{Engine: EngineName, Message: err.Error(), Cause: err}
	}
	return nil
}

// NewRuntime implements engine.Engine.
func (e *Engine) NewRuntime(_ context.Context) (engine.Runtime, error) {
	return &runtime{config: e.config, contexts: make(map[*guestContext]struct{})}, nil
}

type runtime struct {
	mu       sync.Mutex
	config   Config
	contexts map[*guestContext]struct{}
	disposed bool
}

func (r *runtime) NewContext(ctx context.Context, policy *marshal.Policy) (engine.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, engine.ErrDisposed
	}

	vm := goja.New()
	if r.config.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(r.config.MaxCallStackSize)
	}
	c, err := newGuestContext(ctx, vm, policy, r.config.Logger, r.forget)
	if err != nil {
		return nil, oops.In("js").Wrapf(err, "create context")
	}
	r.contexts[c] = struct{}{}
	return c, nil
}

func (r *runtime) forget(c *guestContext) {
	r.mu.Lock()
	delete(r.contexts, c)
	r.mu.Unlock()
}

func (r *runtime) Dispose() error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return engine.ErrDisposed
	}
	r.disposed = true
	open := make([]*guestContext, 0, len(r.contexts))
	for c := range r.contexts {
		open = append(open, c)
	}
	r.contexts = nil
	r.mu.Unlock()

	for _, c := range open {
		c.close()
	}
	return nil
}
