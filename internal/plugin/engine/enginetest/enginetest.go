// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package enginetest provides a recording engine for tests of code that
// drives guest contexts.
package enginetest

import (
	"context"
	"sync"

	"github.com/visorhq/visor/internal/plugin/engine"
	"github.com/visorhq/visor/internal/plugin/marshal"
)

// EvalFunc scripts the result of Context.Eval.
type EvalFunc func(c *Context, code string) (any, error)

// Engine records every runtime and context it creates.
type Engine struct {
	mu        sync.Mutex
	runtimes  []*Runtime
	contexts  []*Context
	eval      EvalFunc
	compile   func(name, code string) error
	CreateErr error
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine whose contexts evaluate with eval (nil returns
// nil, nil).
func New(eval EvalFunc) *Engine {
	return &Engine{eval: eval}
}

// SetCompile scripts Compile.
func (e *Engine) SetCompile(fn func(name, code string) error) {
	e.mu.Lock()
	e.compile = fn
	e.mu.Unlock()
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "test" }

// Compile implements engine.Engine.
func (e *Engine) Compile(name, code string) error {
	e.mu.Lock()
	fn := e.compile
	e.mu.Unlock()
	if fn != nil {
		return fn(name, code)
	}
	return nil
}

// NewRuntime implements engine.Engine.
func (e *Engine) NewRuntime(context.Context) (engine.Runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	rt := &Runtime{engine: e}
	e.runtimes = append(e.runtimes, rt)
	return rt, nil
}

// Runtimes returns the runtimes created so far.
func (e *Engine) Runtimes() []*Runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Runtime(nil), e.runtimes...)
}

// Contexts returns the contexts created so far.
func (e *Engine) Contexts() []*Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Context(nil), e.contexts...)
}

// Runtime counts disposals.
type Runtime struct {
	engine   *Engine
	mu       sync.Mutex
	disposed int
}

// NewContext implements engine.Runtime.
func (r *Runtime) NewContext(_ context.Context, policy *marshal.Policy) (engine.Context, error) {
	c := &Context{Policy: policy, globals: make(map[string]any), eval: r.engine.eval}
	r.engine.mu.Lock()
	r.engine.contexts = append(r.engine.contexts, c)
	r.engine.mu.Unlock()
	return c, nil
}

// Dispose implements engine.Runtime.
func (r *Runtime) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed++
	return nil
}

// Disposed returns how many times Dispose was called.
func (r *Runtime) Disposed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// Context stores globals in a map and queues jobs in an engine.JobQueue.
type Context struct {
	Policy *marshal.Policy
	Jobs   engine.JobQueue

	mu        sync.Mutex
	globals   map[string]any
	evals     []string
	disposed  int
	eval      EvalFunc
	onDispose func()
}

// OnDispose sets a hook run at the start of the first Dispose.
func (c *Context) OnDispose(fn func()) {
	c.mu.Lock()
	c.onDispose = fn
	c.mu.Unlock()
}

// SetGlobal implements engine.Context.
func (c *Context) SetGlobal(name string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed > 0 {
		return engine.ErrDisposed
	}
	c.globals[name] = value
	return nil
}

// DeleteGlobal implements engine.Context.
func (c *Context) DeleteGlobal(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed > 0 {
		return engine.ErrDisposed
	}
	delete(c.globals, name)
	return nil
}

// Global implements engine.Context.
func (c *Context) Global(name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed > 0 {
		return nil, engine.ErrDisposed
	}
	return c.globals[name], nil
}

// Eval implements engine.Context.
func (c *Context) Eval(_ context.Context, code string) (any, error) {
	c.mu.Lock()
	if c.disposed > 0 {
		c.mu.Unlock()
		return nil, engine.ErrDisposed
	}
	c.evals = append(c.evals, code)
	eval := c.eval
	c.mu.Unlock()

	if eval == nil {
		return nil, nil
	}
	return eval(c, code)
}

// HasPendingJobs implements engine.Context.
func (c *Context) HasPendingJobs() bool { return c.Jobs.Pending() }

// RunPendingJobs implements engine.Context.
func (c *Context) RunPendingJobs(report func(error)) int { return c.Jobs.Run(report) }

// SetJobNotifier implements engine.Context.
func (c *Context) SetJobNotifier(fn func()) { c.Jobs.SetNotifier(fn) }

// Dispose implements engine.Context.
func (c *Context) Dispose() error {
	c.mu.Lock()
	hook := c.onDispose
	c.onDispose = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed++
	if c.disposed == 1 {
		c.Jobs.Close()
	}
	return nil
}

// Globals returns a copy of the bound globals.
func (c *Context) Globals() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.globals))
	for k, v := range c.globals {
		out[k] = v
	}
	return out
}

// Evals returns the evaluated code, in order.
func (c *Context) Evals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.evals...)
}

// Disposed returns how many times Dispose was called.
func (c *Context) Disposed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}
