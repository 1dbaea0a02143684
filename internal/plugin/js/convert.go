// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package js

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/visorhq/visor/internal/plugin/marshal"
	"github.com/visorhq/visor/pkg/plugin"
)

const maxDepth = 64

// RejectionError is the host-side error for a guest promise rejected with
// a value that is not an Error.
type RejectionError struct {
	Value any
}

func (e *RejectionError) Error() string {
	if s, ok := e.Value.(string); ok {
		return s
	}
	return "guest promise rejected"
}

// toGuest converts a host value into a JS value. Every value, including
// each element of records and arrays, is decided by the context policy.
func (c *guestContext) toGuest(v any) goja.Value {
	return c.toGuestDepth(v, 0)
}

func (c *guestContext) toGuestDepth(v any, depth int) goja.Value {
	if jv, ok := v.(goja.Value); ok {
		return jv
	}
	if g, ok := v.(*plugin.GuestFunc); ok && g != nil {
		if obj, ok := c.origins[g]; ok {
			return obj
		}
	}
	if depth > maxDepth {
		return c.poison(marshal.Rejection(marshal.Classify(v), "value nests too deeply"))
	}

	category, verdict := c.policy.Decide(v)
	switch verdict {
	case marshal.Reject:
		return c.poison(marshal.Rejection(category, ""))
	case marshal.Copy:
		copied, err := marshal.CopyValue(v)
		if err != nil {
			return c.poison(asMarshalError(category, err))
		}
		return c.plainToGuest(copied)
	}

	switch category {
	case marshal.Primitive:
		return c.primitiveToGuest(v)
	case marshal.PlainRecord:
		rv := reflect.ValueOf(v)
		if rv.IsNil() {
			return goja.Null()
		}
		obj := c.vm.NewObject()
		iter := rv.MapRange()
		for iter.Next() {
			_ = obj.Set(iter.Key().String(), c.toGuestDepth(iter.Value().Interface(), depth+1))
		}
		return obj
	case marshal.PlainArray:
		rv := reflect.ValueOf(v)
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = c.toGuestDepth(rv.Index(i).Interface(), depth+1)
		}
		return c.vm.NewArray(items...)
	case marshal.TemporalValue:
		t := v.(time.Time)
		return c.mustCall(c.helpers.date, c.vm.ToValue(t.UnixMilli()))
	case marshal.DeferredValue:
		d, _ := v.(*plugin.Deferred)
		if d == nil {
			return goja.Null()
		}
		return c.deferredToGuest(d)
	case marshal.AsyncCallable:
		fn, _ := v.(plugin.AsyncFunc)
		if fn == nil {
			return goja.Null()
		}
		return c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return c.deferredToGuest(callAsync(fn, c.argsToHost(call)))
		})
	case marshal.Callable:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Func && rv.IsNil() {
			return goja.Null()
		}
		return c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			result, err := marshal.Invoke(v, c.argsToHost(call))
			if err != nil {
				panic(c.vm.NewGoError(err))
			}
			return c.toGuest(result)
		})
	default:
		ref := c.mustCall(c.helpers.ref, c.vm.ToValue(fmt.Sprintf("%T", v))).ToObject(c.vm)
		if c.refs != nil {
			c.refs[ref] = v
		}
		return ref
	}
}

func (c *guestContext) plainToGuest(v any) goja.Value {
	switch x := v.(type) {
	case map[string]any:
		obj := c.vm.NewObject()
		for k, e := range x {
			_ = obj.Set(k, c.plainToGuest(e))
		}
		return obj
	case []any:
		items := make([]any, len(x))
		for i, e := range x {
			items[i] = c.plainToGuest(e)
		}
		return c.vm.NewArray(items...)
	default:
		return c.primitiveToGuest(v)
	}
}

func (c *guestContext) primitiveToGuest(v any) goja.Value {
	if v == nil {
		return goja.Null()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return c.vm.ToValue(rv.Bool())
	case reflect.String:
		return c.vm.ToValue(rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return c.vm.ToValue(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return c.vm.ToValue(float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return c.vm.ToValue(rv.Float())
	default:
		return goja.Undefined()
	}
}

func (c *guestContext) poison(err *marshal.Error) goja.Value {
	return c.mustCall(c.helpers.poison, c.vm.ToValue(err.Error()))
}

func (c *guestContext) isPoison(v goja.Value) bool {
	return c.truthy(c.helpers.isPoison, v)
}

// mustCall calls a prelude helper. Helpers do not throw for the inputs
// the host passes, so a failure is a programming error.
func (c *guestContext) mustCall(fn goja.Callable, args ...goja.Value) goja.Value {
	v, err := fn(goja.Undefined(), args...)
	if err != nil {
		panic(err)
	}
	return v
}

func (c *guestContext) truthy(fn goja.Callable, args ...goja.Value) bool {
	v, err := fn(goja.Undefined(), args...)
	return err == nil && v.ToBoolean()
}

func (c *guestContext) argsToHost(call goja.FunctionCall) []any {
	args := make([]any, len(call.Arguments))
	for i, a := range call.Arguments {
		args[i] = c.toHost(a)
	}
	return args
}

func callAsync(fn plugin.AsyncFunc, args []any) (d *plugin.Deferred) {
	defer func() {
		if r := recover(); r != nil {
			d = plugin.Rejected(fmt.Errorf("host function panicked: %v", r))
		}
	}()
	d = fn(args...)
	if d == nil {
		d = plugin.Resolved(nil)
	}
	return d
}

// toHost converts a JS value into a host value. Guest values are not
// classified on the way out; functions become *plugin.GuestFunc and
// promises become *plugin.Deferred.
func (c *guestContext) toHost(v goja.Value) any {
	return c.toHostDepth(v, make(map[*goja.Object]bool))
}

func (c *guestContext) toHostDepth(v goja.Value, seen map[*goja.Object]bool) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		switch x := v.Export().(type) {
		case int64:
			return float64(x)
		case float64:
			if math.IsNaN(x) {
				return nil
			}
			return x
		case bool, string:
			return x
		default:
			return v.String()
		}
	}

	if ref, ok := c.refs[obj]; ok {
		return ref
	}
	if c.isPoison(obj) {
		return nil
	}
	if fn, ok := goja.AssertFunction(obj); ok {
		return c.guestFunc(obj, fn)
	}
	if c.truthy(c.helpers.isPromise, obj) {
		return c.deferredToHost(obj)
	}
	if ms := c.mustCall(c.helpers.dateMillis, obj); !goja.IsNull(ms) {
		return time.UnixMilli(ms.ToInteger()).UTC()
	}

	if seen[obj] {
		return nil
	}
	seen[obj] = true
	defer delete(seen, obj)

	if c.truthy(c.helpers.isArray, obj) {
		n := int(obj.Get("length").ToInteger())
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = c.toHostDepth(obj.Get(strconv.Itoa(i)), seen)
		}
		return out
	}

	keys := obj.Keys()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = c.toHostDepth(obj.Get(k), seen)
	}
	return out
}

// guestFunc returns the stable host handle for a guest function.
func (c *guestContext) guestFunc(obj *goja.Object, fn goja.Callable) *plugin.GuestFunc {
	if g, ok := c.funcs[obj]; ok {
		return g
	}
	if c.funcs == nil {
		g := plugin.NewGuestFunc("function", nil)
		g.Release()
		return g
	}
	name := "function"
	if n := obj.Get("name"); n != nil && n.String() != "" {
		name = n.String()
	}
	g := plugin.NewGuestFunc(name, func(args ...any) (any, error) {
		return c.callGuest(fn, args)
	})
	c.funcs[obj] = g
	c.origins[g] = obj
	return g
}

// deferredToGuest converts a host deferred into a promise. Settlement is
// delivered through the job queue.
func (c *guestContext) deferredToGuest(hd *plugin.Deferred) goja.Value {
	if c.fromHostDeferred == nil {
		return goja.Undefined()
	}
	if p, ok := c.fromHostDeferred[hd]; ok {
		return p
	}

	parts := c.mustCall(c.helpers.deferred).ToObject(c.vm)
	p := parts.Get("0").ToObject(c.vm)
	resolve, _ := goja.AssertFunction(parts.Get("1"))
	reject, _ := goja.AssertFunction(parts.Get("2"))
	c.fromHostDeferred[hd] = p

	hd.Then(func(value any, err error) {
		c.jobs.Enqueue(func() error {
			if c.disposed.Load() {
				return nil
			}
			if err != nil {
				_, cerr := reject(goja.Undefined(), c.vm.NewGoError(err))
				return cerr
			}
			_, cerr := resolve(goja.Undefined(), c.toGuest(value))
			return cerr
		})
	})
	return p
}

// deferredToHost converts a guest promise into a host *plugin.Deferred.
func (c *guestContext) deferredToHost(p *goja.Object) *plugin.Deferred {
	if hd, ok := c.toHostDeferred[p]; ok {
		return hd
	}
	hd := plugin.NewDeferred()
	if c.toHostDeferred == nil {
		_ = hd.Reject(fmt.Errorf("guest context disposed"))
		return hd
	}
	c.toHostDeferred[p] = hd
	c.fromHostDeferred[hd] = p

	onFulfilled := c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		_ = hd.Resolve(c.toHost(call.Argument(0)))
		return goja.Undefined()
	})
	onRejected := c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		reason := call.Argument(0)
		if obj, ok := reason.(*goja.Object); ok && obj.Get("message") != nil && !goja.IsUndefined(obj.Get("message")) {
			_ = hd.Reject(&RejectionError{Value: obj.Get("message").String()})
			return goja.Undefined()
		}
		_ = hd.Reject(&RejectionError{Value: c.toHost(reason)})
		return goja.Undefined()
	})
	c.mustCall(c.helpers.subscribe, p, onFulfilled, onRejected)
	return hd
}

func asMarshalError(category marshal.Category, err error) *marshal.Error {
	if me, ok := err.(*marshal.Error); ok {
		return me
	}
	return marshal.Rejection(category, err.Error())
}
