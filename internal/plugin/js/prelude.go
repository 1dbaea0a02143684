// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package js

import (
	"fmt"

	"github.com/dop251/goja"
)

// prelude runs once per VM. It defines MarshalError, routes promise
// reactions through the host job queue, and returns the helper functions
// the host uses to build and inspect guest values.
//
// Reactions registered with then (and so catch, finally and the Promise
// combinators) run as host jobs. Each host turn advances a chain by one
// step, so a guest cannot spin a promise loop inside a single Eval.
// Continuations of await still run inside the call that settles them.
const prelude = `(function (global, enqueue) {
	"use strict";

	class MarshalError extends Error {
		constructor(message) {
			super(message);
			this.name = "MarshalError";
		}
	}
	Object.defineProperty(global, "MarshalError", { value: MarshalError });

	const nativeThen = Promise.prototype.then;
	const react = function (handler, value, resolve, reject, passthrough) {
		if (typeof handler !== "function") {
			passthrough(value);
			return;
		}
		let result;
		try {
			result = handler(value);
		} catch (e) {
			reject(e);
			return;
		}
		resolve(result);
	};
	Object.defineProperty(Promise.prototype, "then", {
		value: function then(onFulfilled, onRejected) {
			const source = this;
			return new Promise(function (resolve, reject) {
				nativeThen.call(source,
					function (v) { enqueue(function () { react(onFulfilled, v, resolve, reject, resolve); }); },
					function (e) { enqueue(function () { react(onRejected, e, resolve, reject, reject); }); });
			});
		},
		writable: true,
		configurable: true,
	});

	const poisons = new WeakSet();
	const refs = new WeakSet();

	return {
		deferred: function () {
			let resolve, reject;
			const p = new Promise(function (res, rej) { resolve = res; reject = rej; });
			return [p, resolve, reject];
		},
		isPromise: function (v) { return v instanceof Promise; },
		subscribe: function (p, onFulfilled, onRejected) { nativeThen.call(p, onFulfilled, onRejected); },
		poison: function (message) {
			const fail = function () { throw new MarshalError(message); };
			const p = new Proxy(function () {}, {
				get: fail, set: fail, has: fail, deleteProperty: fail,
				apply: fail, construct: fail, ownKeys: fail,
				defineProperty: fail, getOwnPropertyDescriptor: fail,
			});
			poisons.add(p);
			return p;
		},
		isPoison: function (v) { return poisons.has(v); },
		ref: function (label) {
			const r = Object.freeze(Object.create(null, {
				toString: { value: function () { return "ref<" + label + ">"; } },
			}));
			refs.add(r);
			return r;
		},
		isRef: function (v) { return refs.has(v); },
		date: function (ms) { return new Date(ms); },
		dateMillis: function (v) { return v instanceof Date ? v.getTime() : null; },
		isArray: function (v) { return Array.isArray(v); },
	};
})`

// helpers are the prelude functions, resolved once per context.
type helpers struct {
	deferred   goja.Callable
	isPromise  goja.Callable
	subscribe  goja.Callable
	poison     goja.Callable
	isPoison   goja.Callable
	ref        goja.Callable
	isRef      goja.Callable
	date       goja.Callable
	dateMillis goja.Callable
	isArray    goja.Callable
}

// loadHelpers runs the prelude. enqueue receives each promise reaction as
// a guest function to run on a later host turn.
func loadHelpers(vm *goja.Runtime, enqueue func(goja.FunctionCall) goja.Value) (helpers, error) {
	v, err := vm.RunString(prelude)
	if err != nil {
		return helpers{}, fmt.Errorf("prelude: %w", err)
	}
	install, ok := goja.AssertFunction(v)
	if !ok {
		return helpers{}, fmt.Errorf("prelude: not a function")
	}
	ret, err := install(goja.Undefined(), vm.GlobalObject(), vm.ToValue(enqueue))
	if err != nil {
		return helpers{}, fmt.Errorf("prelude: %w", err)
	}
	obj := ret.ToObject(vm)

	var h helpers
	fields := map[string]*goja.Callable{
		"deferred":   &h.deferred,
		"isPromise":  &h.isPromise,
		"subscribe":  &h.subscribe,
		"poison":     &h.poison,
		"isPoison":   &h.isPoison,
		"ref":        &h.ref,
		"isRef":      &h.isRef,
		"date":       &h.date,
		"dateMillis": &h.dateMillis,
		"isArray":    &h.isArray,
	}
	for name, dst := range fields {
		fn, ok := goja.AssertFunction(obj.Get(name))
		if !ok {
			return helpers{}, fmt.Errorf("prelude: %s is not a function", name)
		}
		*dst = fn
	}
	return h, nil
}

// unsafeGlobals are removed from every VM.
var unsafeGlobals = []string{"require", "process", "module", "exports", "eval"}
