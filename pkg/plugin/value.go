// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package plugin defines the host-side value types that cross into plugin
// guest contexts.
//
// Hosts build capability objects out of plain Go values (maps, slices,
// primitives, time.Time) plus the function types declared here. Guest
// functions handed back to the host arrive as *GuestFunc.
package plugin

import (
	"errors"
	"sync/atomic"
)

// ErrGuestReleased is returned when a guest function is called after the
// guest context that owns it has been destroyed.
var ErrGuestReleased = errors.New("guest context released")

// Func is a synchronous host function callable from guest code.
//
// Arguments arrive already converted to host values. A returned error is
// raised inside the guest as a catchable error.
type Func func(args ...any) (any, error)

// AsyncFunc is a host function whose result is delivered later through a
// Deferred. The guest sees it as a function returning a deferred value.
type AsyncFunc func(args ...any) *Deferred

// guestFuncSeq hands out identities for guest functions.
var guestFuncSeq atomic.Uint64

// GuestFunc is a reference to a function that lives inside a guest context.
//
// The same guest function always maps to the same *GuestFunc for the
// lifetime of its context, so a GuestFunc can be used as a comparable key
// (e.g. to unregister a listener). Calls must happen while the owning
// instance is executing guest code (from a capability function or a bus
// listener); the engine does not lock on its own.
type GuestFunc struct {
	id       uint64
	name     string
	call     func(args ...any) (any, error)
	released atomic.Bool
}

// NewGuestFunc wraps an engine-level call function. Engines use this when a
// guest function crosses to the host.
func NewGuestFunc(name string, call func(args ...any) (any, error)) *GuestFunc {
	return &GuestFunc{
		id:   guestFuncSeq.Add(1),
		name: name,
		call: call,
	}
}

// ID returns a process-unique identity for the function.
func (g *GuestFunc) ID() uint64 { return g.id }

// Name returns the guest-side name if known, or an empty string.
func (g *GuestFunc) Name() string { return g.name }

// Call invokes the guest function.
func (g *GuestFunc) Call(args ...any) (any, error) {
	if g.released.Load() {
		return nil, ErrGuestReleased
	}
	return g.call(args...)
}

// Release makes every later Call fail with ErrGuestReleased. Engines release
// all outstanding guest functions when their context is destroyed.
func (g *GuestFunc) Release() {
	g.released.Store(true)
}

// Released reports whether the owning context has been destroyed.
func (g *GuestFunc) Released() bool {
	return g.released.Load()
}
