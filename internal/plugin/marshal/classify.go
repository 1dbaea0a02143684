// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package marshal decides which host values may cross into a plugin guest
// context, and how.
//
// Every host value falls into exactly one Category. The default policy lets
// data (primitives, records, arrays, times, deferreds, async functions)
// cross and keeps live functions and arbitrary object instances on the host
// side. A host may install an override Predicate; it is consulted for every
// value on every crossing and never cached, because capability objects can
// change shape at runtime.
package marshal

import (
	"reflect"
	"time"

	"github.com/visorhq/visor/pkg/plugin"
)

// Category is the closed set of value kinds the bridge distinguishes.
type Category uint8

// Value categories.
const (
	Primitive Category = iota
	PlainRecord
	PlainArray
	Callable
	OpaqueInstance
	TemporalValue
	DeferredValue
	AsyncCallable
)

// Categories lists every category in declaration order.
func Categories() []Category {
	return []Category{
		Primitive,
		PlainRecord,
		PlainArray,
		Callable,
		OpaqueInstance,
		TemporalValue,
		DeferredValue,
		AsyncCallable,
	}
}

// String returns the category name.
func (c Category) String() string {
	switch c {
	case Primitive:
		return "primitive"
	case PlainRecord:
		return "record"
	case PlainArray:
		return "array"
	case Callable:
		return "callable"
	case OpaqueInstance:
		return "instance"
	case TemporalValue:
		return "time"
	case DeferredValue:
		return "deferred"
	case AsyncCallable:
		return "async callable"
	default:
		return "unknown"
	}
}

// Classify returns the category of a host value.
func Classify(v any) Category {
	switch v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, uintptr,
		float32, float64:
		return Primitive
	case time.Time:
		return TemporalValue
	case *plugin.Deferred:
		return DeferredValue
	case plugin.AsyncFunc:
		return AsyncCallable
	case plugin.Func, *plugin.GuestFunc:
		return Callable
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return Primitive
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return PlainRecord
		}
		return OpaqueInstance
	case reflect.Slice, reflect.Array:
		return PlainArray
	case reflect.Func:
		return Callable
	default:
		// structs, pointers, channels, complex numbers, interfaces
		return OpaqueInstance
	}
}
