// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package lua implements the plugin engine contract on top of gopher-lua.
package lua

import (
	"context"
	"log/slog"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// safeLibrary is a Lua library that may be opened in a sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the libraries opened in every guest state.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package, coroutine, channel.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// unsafeBaseFunctions are base library functions removed after opening.
// They reach the filesystem or compile code outside the engine's control.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// Limits bounds the memory a guest state may grow its stacks to.
// Zero fields keep gopher-lua's defaults.
type Limits struct {
	CallStackSize int
	RegistrySize  int
	RegistryMax   int
}

// StateFactory creates sandboxed Lua states.
type StateFactory struct {
	libraries []safeLibrary
	limits    Limits
	logger    *slog.Logger
}

// FactoryOption configures a StateFactory.
type FactoryOption func(*StateFactory)

// WithLimits sets stack and registry limits for new states.
func WithLimits(l Limits) FactoryOption {
	return func(f *StateFactory) { f.limits = l }
}

// WithPrintLogger routes guest print() output to logger at debug level.
func WithPrintLogger(logger *slog.Logger) FactoryOption {
	return func(f *StateFactory) { f.logger = logger }
}

// NewStateFactory creates a state factory with the default safe libraries.
func NewStateFactory(opts ...FactoryOption) *StateFactory {
	f := &StateFactory{
		libraries: defaultSafeLibraries(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewState creates a fresh Lua state with only safe libraries loaded and
// print() redirected to the factory logger.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       f.limits.CallStackSize,
		RegistrySize:        f.limits.RegistrySize,
		RegistryMaxSize:     f.limits.RegistryMax,
		MinimizeStackMemory: true,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", lib.name).Wrapf(err, "open library")
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	logger := f.logger
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		logger.DebugContext(ctx, "guest print", "engine", EngineName, "output", strings.Join(parts, "\t"))
		return 0
	}))

	return L, nil
}
