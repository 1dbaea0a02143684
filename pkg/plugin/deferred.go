// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin

import (
	"errors"
	"sync"
)

// ErrAlreadySettled is returned when a Deferred is resolved or rejected twice.
var ErrAlreadySettled = errors.New("deferred already settled")

// DeferredState describes the settlement of a Deferred.
type DeferredState uint8

// Deferred states.
const (
	DeferredPending DeferredState = iota
	DeferredFulfilled
	DeferredRejected
)

// String returns the state name.
func (s DeferredState) String() string {
	switch s {
	case DeferredPending:
		return "pending"
	case DeferredFulfilled:
		return "fulfilled"
	case DeferredRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Deferred is a host-side value that settles exactly once. When it crosses
// into a guest it becomes the engine's native deferred value (a Lua deferred
// object or a JavaScript Promise); guest continuations run as pending jobs
// drained by the instance event loop.
//
// Deferred is safe for concurrent use. Settling from any goroutine is
// allowed.
type Deferred struct {
	mu        sync.Mutex
	state     DeferredState
	value     any
	err       error
	observers []func(value any, err error)
}

// NewDeferred creates a pending Deferred.
func NewDeferred() *Deferred {
	return &Deferred{}
}

// Resolved returns a Deferred already fulfilled with value.
func Resolved(value any) *Deferred {
	return &Deferred{state: DeferredFulfilled, value: value}
}

// Rejected returns a Deferred already rejected with err.
func Rejected(err error) *Deferred {
	return &Deferred{state: DeferredRejected, err: err}
}

// Go runs fn on a new goroutine and settles the returned Deferred with its
// result. It is the usual way to implement an AsyncFunc.
func Go(fn func() (any, error)) *Deferred {
	d := NewDeferred()
	go func() {
		v, err := fn()
		if err != nil {
			//nolint:errcheck // d is private to this goroutine, cannot be settled twice
			d.Reject(err)
			return
		}
		//nolint:errcheck // see above
		d.Resolve(v)
	}()
	return d
}

// Resolve fulfills the Deferred with value.
func (d *Deferred) Resolve(value any) error {
	return d.settle(DeferredFulfilled, value, nil)
}

// Reject rejects the Deferred with err. A nil err is replaced by a generic
// rejection error so observers can always tell the outcomes apart.
func (d *Deferred) Reject(err error) error {
	if err == nil {
		err = errors.New("deferred rejected")
	}
	return d.settle(DeferredRejected, nil, err)
}

func (d *Deferred) settle(state DeferredState, value any, err error) error {
	d.mu.Lock()
	if d.state != DeferredPending {
		d.mu.Unlock()
		return ErrAlreadySettled
	}
	d.state = state
	d.value = value
	d.err = err
	observers := d.observers
	d.observers = nil
	d.mu.Unlock()

	for _, fn := range observers {
		fn(value, err)
	}
	return nil
}

// Then registers fn to observe the settlement. If the Deferred is already
// settled, fn runs immediately on the calling goroutine; otherwise it runs
// on the goroutine that settles it.
func (d *Deferred) Then(fn func(value any, err error)) {
	d.mu.Lock()
	if d.state == DeferredPending {
		d.observers = append(d.observers, fn)
		d.mu.Unlock()
		return
	}
	value, err := d.value, d.err
	d.mu.Unlock()
	fn(value, err)
}

// State returns the current settlement state.
func (d *Deferred) State() DeferredState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Result returns the settled value or error. Both are zero while pending.
func (d *Deferred) Result() (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.err
}
