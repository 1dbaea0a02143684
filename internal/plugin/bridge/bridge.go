// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package bridge owns a plugin's guest context and the host values bound
// into it.
package bridge

import (
	"context"
	"errors"
	"sort"

	"github.com/samber/oops"

	"github.com/visorhq/visor/internal/plugin/engine"
	"github.com/visorhq/visor/internal/plugin/marshal"
)

var (
	// ErrNotOpen is returned before Open or after Close.
	ErrNotOpen = errors.New("bridge is not open")
	// ErrAlreadyOpened is returned by a second Open. A bridge creates its
	// guest context at most once.
	ErrAlreadyOpened = errors.New("bridge was already opened")
)

// Binding is one host value exposed as a guest global.
type Binding struct {
	Name     string
	Category marshal.Category
}

// Bridge is the single owner of one runtime and one guest context. It is
// not safe for concurrent use; the owning instance serializes access.
type Bridge struct {
	engine engine.Engine
	policy *marshal.Policy

	runtime  engine.Runtime
	context  engine.Context
	bindings map[string]Binding
	opened   bool
	closed   bool
}

// New creates a bridge for eng. Values crossing into the guest are decided
// by policy (nil means the default policy).
func New(eng engine.Engine, policy *marshal.Policy) *Bridge {
	return &Bridge{engine: eng, policy: policy, bindings: make(map[string]Binding)}
}

// Open creates the runtime and the guest context.
func (b *Bridge) Open(ctx context.Context) error {
	if b.opened {
		return ErrAlreadyOpened
	}
	b.opened = true

	rt, err := b.engine.NewRuntime(ctx)
	if err != nil {
		return oops.In("bridge").With("engine", b.engine.Name()).Wrapf(err, "create runtime")
	}
	gc, err := rt.NewContext(ctx, b.policy)
	if err != nil {
		_ = rt.Dispose()
		return oops.In("bridge").With("engine", b.engine.Name()).Wrapf(err, "create context")
	}
	b.runtime, b.context = rt, gc
	return nil
}

// Context returns the guest context, or nil when not open.
func (b *Bridge) Context() engine.Context {
	if b.closed {
		return nil
	}
	return b.context
}

// Expose binds every top-level key of values as a guest global. Nested
// values are converted by the engine under the bridge policy.
func (b *Bridge) Expose(values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := b.Bind(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Bind exposes one host value as the guest global name.
func (b *Bridge) Bind(name string, value any) error {
	gc := b.Context()
	if gc == nil {
		return ErrNotOpen
	}
	if err := gc.SetGlobal(name, value); err != nil {
		return oops.In("bridge").With("global", name).Wrapf(err, "bind global")
	}
	b.bindings[name] = Binding{Name: name, Category: marshal.Classify(value)}
	return nil
}

// Bindings returns the current bindings sorted by name.
func (b *Bridge) Bindings() []Binding {
	out := make([]Binding, 0, len(b.bindings))
	for _, bd := range b.bindings {
		out = append(out, bd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Retrieve reads a guest global as a host value.
func (b *Bridge) Retrieve(name string) (any, error) {
	gc := b.Context()
	if gc == nil {
		return nil, ErrNotOpen
	}
	return gc.Global(name)
}

// Eval evaluates code in the guest context.
func (b *Bridge) Eval(ctx context.Context, code string) (any, error) {
	gc := b.Context()
	if gc == nil {
		return nil, ErrNotOpen
	}
	return gc.Eval(ctx, code)
}

// Close unbinds every global, then destroys the context and the runtime.
// Only the first call does anything. All failures are joined.
func (b *Bridge) Close() error {
	if b.closed || !b.opened {
		b.closed = true
		return nil
	}
	b.closed = true

	var errs []error
	if b.context != nil {
		for name := range b.bindings {
			if err := b.context.DeleteGlobal(name); err != nil {
				errs = append(errs, err)
			}
		}
		if err := b.context.Dispose(); err != nil {
			errs = append(errs, oops.In("bridge").Wrapf(err, "dispose context"))
		}
	}
	b.bindings = make(map[string]Binding)
	if b.runtime != nil {
		if err := b.runtime.Dispose(); err != nil {
			errs = append(errs, oops.In("bridge").Wrapf(err, "dispose runtime"))
		}
	}
	b.context, b.runtime = nil, nil
	return errors.Join(errs...)
}

// Closed reports whether Close was called.
func (b *Bridge) Closed() bool { return b.closed }
