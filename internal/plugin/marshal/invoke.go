// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package marshal

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/visorhq/visor/pkg/plugin"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Invoke calls a host callable with arguments that came from a guest.
//
// plugin.Func and *plugin.GuestFunc are called directly. Any other Go func
// (only reachable when an override predicate allowed it) is called through
// reflection: arguments are converted to the parameter types where Go
// allows it, a trailing error result is returned as the error, and the
// first other result is returned as the value.
func Invoke(fn any, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("host function panicked: %v", r)
		}
	}()

	switch f := fn.(type) {
	case plugin.Func:
		return f(args...)
	case *plugin.GuestFunc:
		return f.Call(args...)
	case func(...any) (any, error):
		return f(args...)
	}

	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, errors.New("value is not callable")
	}
	return invokeReflect(rv, args)
}

func invokeReflect(rv reflect.Value, args []any) (any, error) {
	ft := rv.Type()
	in := make([]reflect.Value, 0, len(args))

	for i := 0; i < ft.NumIn(); i++ {
		var pt reflect.Type
		switch {
		case ft.IsVariadic() && i == ft.NumIn()-1:
			pt = ft.In(i).Elem()
			for j := i; j < len(args); j++ {
				v, err := convertArg(args[j], pt, j)
				if err != nil {
					return nil, err
				}
				in = append(in, v)
			}
			i = ft.NumIn()
			continue
		default:
			pt = ft.In(i)
		}

		var arg any
		if i < len(args) {
			arg = args[i]
		}
		v, err := convertArg(arg, pt, i)
		if err != nil {
			return nil, err
		}
		in = append(in, v)
	}

	out := rv.Call(in)

	var (
		value any
		err   error
		found bool
	)
	for i, o := range out {
		if ft.Out(i).Implements(errorType) && i == len(out)-1 {
			if !o.IsNil() {
				err, _ = o.Interface().(error)
			}
			continue
		}
		if !found {
			value = o.Interface()
			found = true
		}
	}
	return value, err
}

func convertArg(arg any, to reflect.Type, index int) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(to), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(to) {
		return v, nil
	}
	if v.Type().ConvertibleTo(to) {
		return v.Convert(to), nil
	}
	return reflect.Value{}, fmt.Errorf("argument %d: cannot use %s as %s", index+1, v.Type(), to)
}
