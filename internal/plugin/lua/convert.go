// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package lua

import (
	"reflect"
	"strconv"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/visorhq/visor/internal/plugin/marshal"
	"github.com/visorhq/visor/pkg/plugin"
)

// maxDepth stops conversion of self-referencing structures.
const maxDepth = 64

// toGuest converts a host value into a Lua value. Every value, including
// each element of records and arrays, is decided by the context policy.
// Rejected values become placeholders that raise when the guest uses them.
func (c *guestContext) toGuest(v any) lua.LValue {
	return c.toGuestDepth(v, 0)
}

func (c *guestContext) toGuestDepth(v any, depth int) lua.LValue {
	if lv, ok := v.(lua.LValue); ok {
		return lv
	}
	if g, ok := v.(*plugin.GuestFunc); ok && g != nil {
		if fn, ok := c.origins[g]; ok {
			return fn
		}
	}
	if depth > maxDepth {
		return c.newPoison(marshal.Rejection(marshal.Classify(v), "value nests too deeply"))
	}

	category, verdict := c.policy.Decide(v)
	switch verdict {
	case marshal.Reject:
		return c.newPoison(marshal.Rejection(category, ""))
	case marshal.Copy:
		copied, err := marshal.CopyValue(v)
		if err != nil {
			return c.newPoison(asMarshalError(category, err))
		}
		return c.plainToGuest(copied)
	}

	switch category {
	case marshal.Primitive:
		return primitiveToGuest(v)
	case marshal.PlainRecord:
		rv := reflect.ValueOf(v)
		tbl := c.L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			tbl.RawSetString(iter.Key().String(), c.toGuestDepth(iter.Value().Interface(), depth+1))
		}
		return tbl
	case marshal.PlainArray:
		rv := reflect.ValueOf(v)
		tbl := c.L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			tbl.RawSetInt(i+1, c.toGuestDepth(rv.Index(i).Interface(), depth+1))
		}
		return tbl
	case marshal.TemporalValue:
		return c.newTime(v.(time.Time))
	case marshal.DeferredValue:
		d, _ := v.(*plugin.Deferred)
		if d == nil {
			return lua.LNil
		}
		return c.deferredToGuest(d)
	case marshal.AsyncCallable:
		fn, _ := v.(plugin.AsyncFunc)
		if fn == nil {
			return lua.LNil
		}
		return c.asyncToGuest(fn)
	case marshal.Callable:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Func && rv.IsNil() {
			return lua.LNil
		}
		return c.callableToGuest(v)
	default:
		return c.newRef(v)
	}
}

// plainToGuest converts the output of marshal.CopyValue.
func (c *guestContext) plainToGuest(v any) lua.LValue {
	switch x := v.(type) {
	case map[string]any:
		tbl := c.L.CreateTable(0, len(x))
		for k, e := range x {
			tbl.RawSetString(k, c.plainToGuest(e))
		}
		return tbl
	case []any:
		tbl := c.L.CreateTable(len(x), 0)
		for i, e := range x {
			tbl.RawSetInt(i+1, c.plainToGuest(e))
		}
		return tbl
	default:
		return primitiveToGuest(v)
	}
}

func primitiveToGuest(v any) lua.LValue {
	if v == nil {
		return lua.LNil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return lua.LBool(rv.Bool())
	case reflect.String:
		return lua.LString(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return lua.LNumber(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float())
	default:
		return lua.LNil
	}
}

// callableToGuest wraps an allowed host callable as a Lua function.
func (c *guestContext) callableToGuest(fn any) *lua.LFunction {
	return c.L.NewFunction(func(L *lua.LState) int {
		result, err := marshal.Invoke(fn, c.argsToHost(L))
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(c.toGuest(result))
		return 1
	})
}

// asyncToGuest wraps an async host callable; the guest receives a deferred.
func (c *guestContext) asyncToGuest(fn plugin.AsyncFunc) *lua.LFunction {
	return c.L.NewFunction(func(L *lua.LState) int {
		d := callAsync(fn, c.argsToHost(L))
		L.Push(c.deferredToGuest(d))
		return 1
	})
}

func callAsync(fn plugin.AsyncFunc, args []any) (d *plugin.Deferred) {
	defer func() {
		if r := recover(); r != nil {
			d = plugin.Rejected(marshal.Rejection(marshal.AsyncCallable, "host function panicked"))
		}
	}()
	d = fn(args...)
	if d == nil {
		d = plugin.Resolved(nil)
	}
	return d
}

func (c *guestContext) argsToHost(L *lua.LState) []any {
	args := make([]any, L.GetTop())
	for i := range args {
		args[i] = c.toHost(L.Get(i + 1))
	}
	return args
}

// toHost converts a Lua value into a host value. Guest values are not
// classified on the way out; functions become *plugin.GuestFunc and
// deferreds become *plugin.Deferred.
func (c *guestContext) toHost(lv lua.LValue) any {
	return c.toHostDepth(lv, make(map[*lua.LTable]bool))
}

func (c *guestContext) toHostDepth(lv lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)
		return c.tableToHost(v, seen)
	case *lua.LFunction:
		return c.guestFunc(v)
	case *lua.LUserData:
		switch x := v.Value.(type) {
		case *luaDeferred:
			return c.deferredToHost(x)
		case timeValue:
			return x.t
		case opaqueRef:
			return x.value
		default:
			return nil
		}
	default:
		return nil
	}
}

// tableToHost returns []any for sequences and map[string]any otherwise.
// An empty table becomes an empty record.
func (c *guestContext) tableToHost(tbl *lua.LTable, seen map[*lua.LTable]bool) any {
	n := tbl.Len()
	count := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			out[i-1] = c.toHostDepth(tbl.RawGetInt(i), seen)
		}
		return out
	}

	out := make(map[string]any, count)
	tbl.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = strconv.FormatFloat(float64(kv), 'f', -1, 64)
		default:
			return
		}
		out[key] = c.toHostDepth(v, seen)
	})
	return out
}

// guestFunc returns the stable host handle for a guest function.
func (c *guestContext) guestFunc(fn *lua.LFunction) *plugin.GuestFunc {
	if g, ok := c.funcs[fn]; ok {
		return g
	}
	if c.funcs == nil {
		g := plugin.NewGuestFunc("function", nil)
		g.Release()
		return g
	}
	name := "function"
	if fn.Proto != nil && fn.Proto.SourceName != "" {
		name = fn.Proto.SourceName + ":" + strconv.Itoa(fn.Proto.LineDefined)
	}
	g := plugin.NewGuestFunc(name, func(args ...any) (any, error) {
		return c.callGuest(fn, args)
	})
	c.funcs[fn] = g
	c.origins[g] = fn
	return g
}

func asMarshalError(category marshal.Category, err error) *marshal.Error {
	if me, ok := err.(*marshal.Error); ok {
		return me
	}
	return marshal.Rejection(category, err.Error())
}
