// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package marshal

import (
	"reflect"

	"github.com/bytedance/sonic"
)

// maxCopyDepth bounds the pre-copy walk so cyclic pointer graphs are refused
// instead of overflowing the serializer.
const maxCopyDepth = 64

// CopyValue produces a plain deep copy of v made only of nil, bool,
// float64, string, []any and map[string]any. It fails with an *Error when v
// contains callables, deferreds, channels or anything else that has no
// serialized form.
func CopyValue(v any) (any, error) {
	if err := checkCopyable(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}

	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return nil, Rejection(Classify(v), "not serializable: "+err.Error())
	}

	var out any
	if err := sonic.ConfigStd.Unmarshal(data, &out); err != nil {
		return nil, Rejection(Classify(v), "copy failed: "+err.Error())
	}
	return out, nil
}

func checkCopyable(rv reflect.Value, depth int) error {
	if depth > maxCopyDepth {
		return Rejection(OpaqueInstance, "value nests too deeply to copy")
	}
	if !rv.IsValid() {
		return nil
	}

	if rv.CanInterface() {
		switch c := Classify(rv.Interface()); c {
		case Callable, AsyncCallable, DeferredValue:
			return Rejection(c, "copy requires callable-free data")
		}
	}

	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return Rejection(OpaqueInstance, "copy requires serializable data")
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return checkCopyable(rv.Elem(), depth+1)
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if err := checkCopyable(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := checkCopyable(rv.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if !rv.Type().Field(i).IsExported() {
				continue
			}
			if err := checkCopyable(rv.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
