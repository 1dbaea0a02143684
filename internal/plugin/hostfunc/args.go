// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package hostfunc

import (
	"sort"

	"github.com/samber/oops"
)

// ErrCodeBadArgument marks a capability call with a missing or mistyped
// argument.
const ErrCodeBadArgument = "HOSTFUNC_BAD_ARGUMENT"

func argError(fn, param, want string, got any) error {
	return oops.Code(ErrCodeBadArgument).
		With("function", fn).
		With("param", param).
		Errorf("%s: %s must be a %s, got %T", fn, param, want, got)
}

func optionalArg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func stringArg(fn string, args []any, i int, param string) (string, error) {
	v := optionalArg(args, i)
	s, ok := v.(string)
	if !ok {
		return "", argError(fn, param, "string", v)
	}
	return s, nil
}

func numberArg(fn string, args []any, i int, param string) (float64, error) {
	v := optionalArg(args, i)
	n, ok := toNumber(v)
	if !ok {
		return 0, argError(fn, param, "number", v)
	}
	return n, nil
}

func recordArg(fn string, args []any, i int, param string) (map[string]any, error) {
	v := optionalArg(args, i)
	m, ok := v.(map[string]any)
	if !ok {
		return nil, argError(fn, param, "table", v)
	}
	return m, nil
}

// toNumber accepts the numeric types guests and Go callers produce.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
