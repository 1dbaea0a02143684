// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package lua

import (
	"errors"

	lua "github.com/yuin/gopher-lua"

	"github.com/visorhq/visor/pkg/plugin"
)

// luaDeferred is the guest-side deferred value. It is only touched from the
// goroutine that owns the Lua state; continuations always run as queued
// jobs, never synchronously inside resolve or next.
type luaDeferred struct {
	ud        *lua.LUserData
	state     plugin.DeferredState
	value     lua.LValue
	reactions []func(plugin.DeferredState, lua.LValue)
}

// RejectionError is the host-side error for a guest deferred rejected with
// a non-error value.
type RejectionError struct {
	Value any
}

func (e *RejectionError) Error() string {
	if s, ok := e.Value.(string); ok {
		return s
	}
	return "guest deferred rejected"
}

func (c *guestContext) newDeferred() *luaDeferred {
	d := &luaDeferred{state: plugin.DeferredPending, value: lua.LNil}
	d.ud = c.L.NewUserData()
	d.ud.Value = d
	d.ud.Metatable = c.L.GetTypeMetatable(deferredTypeName)
	return d
}

// settle fulfills or rejects d once. Fulfilling with another deferred
// adopts its outcome.
func (c *guestContext) settle(d *luaDeferred, state plugin.DeferredState, value lua.LValue) {
	if d.state != plugin.DeferredPending {
		return
	}
	if state == plugin.DeferredFulfilled {
		if inner := asDeferred(value); inner != nil && inner != d {
			c.subscribe(inner, func(s plugin.DeferredState, v lua.LValue) {
				c.settle(d, s, v)
			})
			return
		}
	}
	d.state, d.value = state, value
	reactions := d.reactions
	d.reactions = nil
	for _, r := range reactions {
		c.queueReaction(r, state, value)
	}
}

// subscribe runs fn as a job once d settles.
func (c *guestContext) subscribe(d *luaDeferred, fn func(plugin.DeferredState, lua.LValue)) {
	if d.state == plugin.DeferredPending {
		d.reactions = append(d.reactions, fn)
		return
	}
	c.queueReaction(fn, d.state, d.value)
}

func (c *guestContext) queueReaction(fn func(plugin.DeferredState, lua.LValue), state plugin.DeferredState, value lua.LValue) {
	c.jobs.Enqueue(func() error {
		fn(state, value)
		return nil
	})
}

// chain implements d:next(onFulfilled, onRejected).
func (c *guestContext) chain(d *luaDeferred, onFulfilled, onRejected *lua.LFunction) *luaDeferred {
	child := c.newDeferred()
	c.subscribe(d, func(state plugin.DeferredState, value lua.LValue) {
		handler := onFulfilled
		if state == plugin.DeferredRejected {
			handler = onRejected
		}
		if handler == nil {
			c.settle(child, state, value)
			return
		}
		if err := c.L.CallByParam(lua.P{Fn: handler, NRet: 1, Protect: true}, value); err != nil {
			c.settle(child, plugin.DeferredRejected, errorValue(err))
			return
		}
		ret := c.L.Get(-1)
		c.L.Pop(1)
		c.settle(child, plugin.DeferredFulfilled, ret)
	})
	return child
}

// deferredToGuest converts a host deferred. Settlement is delivered through
// the job queue so the guest observes it only while jobs are drained.
func (c *guestContext) deferredToGuest(hd *plugin.Deferred) lua.LValue {
	if c.fromHostDeferred == nil {
		return lua.LNil
	}
	if d, ok := c.fromHostDeferred[hd]; ok {
		return d.ud
	}
	d := c.newDeferred()
	c.fromHostDeferred[hd] = d
	hd.Then(func(v any, err error) {
		c.jobs.Enqueue(func() error {
			if c.disposed.Load() {
				return nil
			}
			if err != nil {
				c.settle(d, plugin.DeferredRejected, lua.LString(err.Error()))
				return nil
			}
			c.settle(d, plugin.DeferredFulfilled, c.toGuest(v))
			return nil
		})
	})
	return d.ud
}

// deferredToHost converts a guest deferred into a host *plugin.Deferred.
func (c *guestContext) deferredToHost(d *luaDeferred) *plugin.Deferred {
	if hd, ok := c.toHostDeferred[d]; ok {
		return hd
	}
	hd := plugin.NewDeferred()
	if c.toHostDeferred == nil {
		_ = hd.Reject(errors.New("guest context disposed"))
		return hd
	}
	c.toHostDeferred[d] = hd
	c.fromHostDeferred[hd] = d
	c.subscribe(d, func(state plugin.DeferredState, value lua.LValue) {
		if state == plugin.DeferredFulfilled {
			_ = hd.Resolve(c.toHost(value))
			return
		}
		_ = hd.Reject(&RejectionError{Value: c.toHost(value)})
	})
	return hd
}

func asDeferred(v lua.LValue) *luaDeferred {
	if ud, ok := v.(*lua.LUserData); ok {
		if d, ok := ud.Value.(*luaDeferred); ok {
			return d
		}
	}
	return nil
}

func errorValue(err error) lua.LValue {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object
	}
	return lua.LString(err.Error())
}

// openDeferredLib installs the guest "deferred" library:
//
//	local d = deferred.new()
//	d:next(function(v) ... end, function(err) ... end)
//	d:catch(function(err) ... end)
//	d:resolve(v) / d:reject(err)
//	d:state()             -- "pending", "fulfilled" or "rejected"
//	deferred.resolved(v) / deferred.rejected(err)
//	deferred.queue(fn)    -- run fn as a job
func (c *guestContext) openDeferredLib() {
	L := c.L

	check := func(L *lua.LState) *luaDeferred {
		d := asDeferred(L.Get(1))
		if d == nil {
			L.ArgError(1, "deferred expected")
		}
		return d
	}

	methods := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"resolve": func(L *lua.LState) int {
			c.settle(check(L), plugin.DeferredFulfilled, L.Get(2))
			return 0
		},
		"reject": func(L *lua.LState) int {
			c.settle(check(L), plugin.DeferredRejected, L.Get(2))
			return 0
		},
		"next": func(L *lua.LState) int {
			d := check(L)
			child := c.chain(d, L.OptFunction(2, nil), L.OptFunction(3, nil))
			L.Push(child.ud)
			return 1
		},
		"catch": func(L *lua.LState) int {
			d := check(L)
			child := c.chain(d, nil, L.CheckFunction(2))
			L.Push(child.ud)
			return 1
		},
		"state": func(L *lua.LState) int {
			L.Push(lua.LString(check(L).state.String()))
			return 1
		},
	})

	mt := L.NewTypeMetatable(deferredTypeName)
	L.SetField(mt, "__index", methods)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("deferred<" + check(L).state.String() + ">"))
		return 1
	}))

	lib := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"new": func(L *lua.LState) int {
			L.Push(c.newDeferred().ud)
			return 1
		},
		"resolved": func(L *lua.LState) int {
			d := c.newDeferred()
			c.settle(d, plugin.DeferredFulfilled, L.Get(1))
			L.Push(d.ud)
			return 1
		},
		"rejected": func(L *lua.LState) int {
			d := c.newDeferred()
			c.settle(d, plugin.DeferredRejected, L.Get(1))
			L.Push(d.ud)
			return 1
		},
		"queue": func(L *lua.LState) int {
			fn := L.CheckFunction(1)
			c.jobs.Enqueue(func() error {
				if err := c.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
					return c.guestError(err)
				}
				return nil
			})
			return 0
		},
	})
	L.SetGlobal("deferred", lib)
}
