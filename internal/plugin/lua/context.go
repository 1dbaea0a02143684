// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package lua

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/visorhq/visor/internal/plugin/engine"
	"github.com/visorhq/visor/internal/plugin/marshal"
	"github.com/visorhq/visor/pkg/plugin"
)

// guestContext is one Lua state plus the bookkeeping needed to exchange
// values with the host.
type guestContext struct {
	L      *lua.LState
	policy *marshal.Policy
	jobs   engine.JobQueue
	forget func(*guestContext)

	disposed atomic.Bool

	// guest functions handed to the host, by identity
	funcs   map[*lua.LFunction]*plugin.GuestFunc
	origins map[*plugin.GuestFunc]*lua.LFunction
	// guest deferreds handed to the host, and host deferreds handed in
	toHostDeferred   map[*luaDeferred]*plugin.Deferred
	fromHostDeferred map[*plugin.Deferred]*luaDeferred
}

var _ engine.Context = (*guestContext)(nil)

func newGuestContext(L *lua.LState, policy *marshal.Policy, forget func(*guestContext)) *guestContext {
	c := &guestContext{
		L:                L,
		policy:           policy,
		forget:           forget,
		funcs:            make(map[*lua.LFunction]*plugin.GuestFunc),
		origins:          make(map[*plugin.GuestFunc]*lua.LFunction),
		toHostDeferred:   make(map[*luaDeferred]*plugin.Deferred),
		fromHostDeferred: make(map[*plugin.Deferred]*luaDeferred),
	}
	c.registerTypes()
	c.openDeferredLib()
	return c
}

func (c *guestContext) SetGlobal(name string, value any) error {
	if c.disposed.Load() {
		return engine.ErrDisposed
	}
	c.L.SetGlobal(name, c.toGuest(value))
	return nil
}

func (c *guestContext) DeleteGlobal(name string) error {
	if c.disposed.Load() {
		return engine.ErrDisposed
	}
	c.L.SetGlobal(name, lua.LNil)
	return nil
}

func (c *guestContext) Global(name string) (any, error) {
	if c.disposed.Load() {
		return nil, engine.ErrDisposed
	}
	return c.toHost(c.L.GetGlobal(name)), nil
}

func (c *guestContext) Eval(ctx context.Context, code string) (any, error) {
	if c.disposed.Load() {
		return nil, engine.ErrDisposed
	}

	fn, err := c.L.Load(strings.NewReader(code), "eval")
	if err != nil {
		return nil, c.guestError(err)
	}

	if ctx != nil {
		c.L.SetContext(ctx)
		defer c.L.RemoveContext()
	}

	c.L.Push(fn)
	if err := c.L.PCall(0, 1, nil); err != nil {
		return nil, c.guestError(err)
	}
	ret := c.L.Get(-1)
	c.L.Pop(1)
	return c.toHost(ret), nil
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

// close releases the state. It is idempotent.
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
	c.toHostDeferred = nil
	c.fromHostDeferred = nil
	c.L.Close()
}

// callGuest calls a guest function with host arguments.
func (c *guestContext) callGuest(fn *lua.LFunction, args []any) (any, error) {
	if c.disposed.Load() {
		return nil, engine.ErrDisposed
	}
	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = c.toGuest(a)
	}
	if err := c.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, largs...); err != nil {
		return nil, c.guestError(err)
	}
	ret := c.L.Get(-1)
	c.L.Pop(1)
	return c.toHost(ret), nil
}

// guestError converts a gopher-lua error to *engine.GuestError.
func (c *guestContext) guestError(err error) error {
	if _, ok := engine.AsGuestError(err); ok {
		return err
	}
	ge := &engine.GuestError{Engine: EngineName, Message: err.Error(), Cause: err}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.Object != nil && apiErr.Object != lua.LNil {
			ge.Message = apiErr.Object.String()
		}
		ge.Stack = apiErr.StackTrace
	}
	return ge
}
