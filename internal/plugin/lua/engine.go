// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package lua

import (
	"context"
	"strings"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/visorhq/visor/internal/plugin/engine"
	"github.com/visorhq/visor/internal/plugin/marshal"
)

// EngineName is the name the Lua engine registers under.
const EngineName = "lua"

// Engine is the gopher-lua implementation of engine.Engine.
type Engine struct {
	factory *StateFactory
}

var _ engine.Engine = (*Engine)(nil)

// NewEngine creates a Lua engine. A nil factory uses NewStateFactory().
func NewEngine(factory *StateFactory) *Engine {
	if factory == nil {
		factory = NewStateFactory()
	}
	return &Engine{factory: factory}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return EngineName }

// Compile parses and compiles code without running it.
func (e *Engine) Compile(name, code string) error {
	chunk, err := parse.Parse(strings.NewReader(code), name)
	if err != nil {
		return &engine.GuestError{Engine: EngineName, Message: err.Error(), Cause: err}
	}
	if _, err := lua.Compile(chunk, name); err != nil {
		return &engine.GuestError{Engine: EngineName, Message: err.Error(), Cause: err}
	}
	return nil
}

// NewRuntime implements engine.Engine.
func (e *Engine) NewRuntime(_ context.Context) (engine.Runtime, error) {
	return &runtime{factory: e.factory, contexts: make(map[*guestContext]struct{})}, nil
}

// runtime groups the Lua states created for one plugin instance. gopher-lua
// has no shared runtime object, so disposal closes any state still open.
type runtime struct {
	mu       sync.Mutex
	factory  *StateFactory
	contexts map[*guestContext]struct{}
	disposed bool
}

func (r *runtime) NewContext(ctx context.Context, policy *marshal.Policy) (engine.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, engine.ErrDisposed
	}

	L, err := r.factory.NewState(ctx)
	if err != nil {
		return nil, oops.In("lua").Wrapf(err, "create state")
	}
	c := newGuestContext(L, policy, r.forget)
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
