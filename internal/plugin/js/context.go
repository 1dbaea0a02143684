// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package js

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/visorhq/visor/internal/plugin/engine"
	"github.com/visorhq/visor/internal/plugin/marshal"
	"github.com/visorhq/visor/pkg/plugin"
)

// guestContext is one goja VM plus the bookkeeping needed to exchange
// values with the host.
type guestContext struct {
	vm      *goja.Runtime
	policy  *marshal.Policy
	jobs    engine.JobQueue
	helpers helpers
	logger  *slog.Logger
	forget  func(*guestContext)

	disposed atomic.Bool

	funcs            map[*goja.Object]*plugin.GuestFunc
	origins          map[*plugin.GuestFunc]*goja.Object
	refs             map[*goja.Object]any
	toHostDeferred   map[*goja.Object]*plugin.Deferred
	fromHostDeferred map[*plugin.Deferred]*goja.Object
}

var _ engine.Context = (*guestContext)(nil)

func newGuestContext(ctx context.Context, vm *goja.Runtime, policy *marshal.Policy, logger *slog.Logger, forget func(*guestContext)) (*guestContext, error) {
	c := &guestContext{
		vm:               vm,
		policy:           policy,
		logger:           logger,
		forget:           forget,
		funcs:            make(map[*goja.Object]*plugin.GuestFunc),
		origins:          make(map[*plugin.GuestFunc]*goja.Object),
		refs:             make(map[*goja.Object]any),
		toHostDeferred:   make(map[*goja.Object]*plugin.Deferred),
		fromHostDeferred: make(map[*plugin.Deferred]*goja.Object),
	}
	h, err := loadHelpers(vm, func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("reaction is not a function"))
		}
		c.enqueue(fn, nil)
		return goja.Undefined()
	})
	if err != nil {
		return nil, err
	}
	c.helpers = h
	if err := c.setupGlobals(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *guestContext) setupGlobals(ctx context.Context) error {
	for _, name := range unsafeGlobals {
		if err := c.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	console := c.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			c.logger.DebugContext(ctx, "guest console", "engine", EngineName, "level", level, "output", strings.Join(parts, " "))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := c.vm.Set("console", console); err != nil {
		return err
	}

	// setImmediate(fn, ...args) queues fn as a job drained by the host loop.
	return c.vm.Set("setImmediate", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(c.vm.NewTypeError("setImmediate: callback is not a function"))
		}
		var args []goja.Value
		if len(call.Arguments) > 1 {
			args = append(args, call.Arguments[1:]...)
		}
		c.enqueue(fn, args)
		return goja.Undefined()
	})
}

// enqueue queues a guest call as a host job.
func (c *guestContext) enqueue(fn goja.Callable, args []goja.Value) {
	c.jobs.Enqueue(func() error {
		if _, err := fn(goja.Undefined(), args...); err != nil {
			return c.guestError(err)
		}
		return nil
	})
}

func (c *guestContext) SetGlobal(name string, value any) error {
	if c.disposed.Load() {
		return engine.ErrDisposed
	}
	return c.vm.Set(name, c.toGuest(value))
}

func (c *guestContext) DeleteGlobal(name string) error {
	if c.disposed.Load() {
		return engine.ErrDisposed
	}
	_ = c.vm.GlobalObject().Delete(name)
	return nil
}

func (c *guestContext) Global(name string) (any, error) {
	if c.disposed.Load() {
		return nil, engine.ErrDisposed
	}
	return c.toHost(c.vm.Get(name)), nil
}

func (c *guestContext) Eval(ctx context.Context, code string) (any, error) {
	if c.disposed.Load() {
		return nil, engine.ErrDisposed
	}

	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				c.vm.Interrupt(ctx.Err())
			case <-stop:
			}
		}()
		defer func() {
			close(stop)
			wg.Wait()
			c.vm.ClearInterrupt()
		}()
	}

	v, err := c.vm.RunScript("eval", code)
	if err != nil {
		return nil, c.guestError(err)
	}
	return c.toHost(v), nil
}

func (c *guestContext) HasPendingJobs() bool {
	return !c.disposed.Load() && c.jobs.Pending()
}

func (c *guestContext) RunPendingJobs(report func(error)) int {
	if c.disposed.Load() {
		return 0
	}
	return c.jobs.Run(report)
}

func (c *guestContext) SetJobNotifier(fn func()) {
	c.jobs.SetNotifier(fn)
}

func (c *guestContext) Dispose() error {
	if c.disposed.Load() {
		return engine.ErrDisposed
	}
	c.close()
	if c.forget != nil {
		c.forget(c)
	}
	return nil
}

func (c *guestContext) close() {
	if c.disposed.Swap(true) {
		return
	}
	c.jobs.Close()
	for _, g := range c.funcs {
		g.Release()
	}
	c.funcs = nil
	c.origins = nil
	c.refs = nil
	c.toHostDeferred = nil
	c.fromHostDeferred = nil
	c.vm.Interrupt(engine.ErrDisposed)
}

// callGuest calls a guest function with host arguments.
func (c *guestContext) callGuest(fn goja.Callable, args []any) (result any, err error) {
	if c.disposed.Load() {
		return nil, engine.ErrDisposed
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, c.guestError(fmt.Errorf("%v", r))
		}
	}()

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = c.toGuest(a)
	}
	v, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, c.guestError(err)
	}
	return c.toHost(v), nil
}

// guestError converts a goja error to *engine.GuestError.
func (c *guestContext) guestError(err error) error {
	if _, ok := engine.AsGuestError(err); ok {
		return err
	}
	ge := &engine.GuestError{Engine: EngineName, Message: err.Error(), Cause: err}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		ge.Stack = ex.String()
		if v := ex.Value(); v != nil && !c.isPoison(v) {
			ge.Message = v.String()
		}
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		ge.Message = "execution interrupted: " + interrupted.Error()
	}
	return ge
}
