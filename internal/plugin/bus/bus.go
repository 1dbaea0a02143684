// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package bus implements the in-process message bus between a plugin host
// and its guest code.
package bus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/samber/oops"
)

// ErrCodeListenerFailed is the oops code for a listener that failed while
// handling a published message.
const ErrCodeListenerFailed = "PLUGIN_LISTENER_FAILED"

// ErrNotComparable is returned when registering a listener whose dynamic
// type cannot be compared, such as a func or map based type.
var ErrNotComparable = errors.New("listener is not comparable")

// Listener receives published messages. Listeners are compared by value,
// so they must be comparable (pointers, *plugin.GuestFunc).
type Listener interface {
	Call(args ...any) (any, error)
}

// ListenerFunc adapts a Go function to a Listener. Use the pointer as the
// registration key.
type ListenerFunc struct {
	fn func(msg any) error
}

// NewListener wraps fn.
func NewListener(fn func(msg any) error) *ListenerFunc {
	return &ListenerFunc{fn: fn}
}

// Call implements Listener.
func (l *ListenerFunc) Call(args ...any) (any, error) {
	var msg any
	if len(args) > 0 {
		msg = args[0]
	}
	return nil, l.fn(msg)
}

// Options configures a Bus.
type Options struct {
	// OnMessage observes every published message before any listener.
	OnMessage func(msg any)
	// OnError receives listener failures.
	OnError func(err error)
}

// Bus holds persistent and one-shot listeners.
//
// Publish delivers synchronously on the caller's goroutine. The listener
// lists are guarded separately from delivery, so listeners may register or
// unregister (themselves included) while a publish is running.
type Bus struct {
	opts Options

	mu         sync.Mutex
	persistent []Listener
	once       []Listener
}

// New creates an empty bus.
func New(opts Options) *Bus {
	return &Bus{opts: opts}
}

// On registers a persistent listener. A nil listener is ignored.
func (b *Bus) On(l Listener) error {
	if l == nil {
		return nil
	}
	if !Comparable(l) {
		return ErrNotComparable
	}
	b.mu.Lock()
	b.persistent = append(b.persistent, l)
	b.mu.Unlock()
	return nil
}

// Once registers a listener that fires on the next publish only.
func (b *Bus) Once(l Listener) error {
	if l == nil {
		return nil
	}
	if !Comparable(l) {
		return ErrNotComparable
	}
	b.mu.Lock()
	b.once = append(b.once, l)
	b.mu.Unlock()
	return nil
}

// Off removes every registration of l, persistent and one-shot.
func (b *Bus) Off(l Listener) error {
	if l == nil {
		return nil
	}
	if !Comparable(l) {
		return ErrNotComparable
	}
	b.mu.Lock()
	b.persistent = without(b.persistent, l)
	b.once = without(b.once, l)
	b.mu.Unlock()
	return nil
}

// Comparable reports whether l can be used as a registration key.
func Comparable(l Listener) bool {
	return reflect.TypeOf(l).Comparable()
}

// Clear removes all listeners.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.persistent = nil
	b.once = nil
	b.mu.Unlock()
}

// Len returns the number of persistent and one-shot registrations.
func (b *Bus) Len() (persistent, once int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.persistent), len(b.once)
}

// Publish delivers msg to OnMessage, then to every persistent listener in
// registration order, then to every one-shot listener registered before
// the call, in registration order. The one-shot listeners it delivers to
// are removed. A failing listener is reported and does not stop delivery.
// It returns the number of listeners invoked.
func (b *Bus) Publish(msg any) int {
	b.mu.Lock()
	persistent := append([]Listener(nil), b.persistent...)
	once := b.once
	b.once = nil
	b.mu.Unlock()

	if b.opts.OnMessage != nil {
		b.opts.OnMessage(msg)
	}

	for i, l := range persistent {
		b.deliver(l, msg, "persistent", i)
	}
	for i, l := range once {
		b.deliver(l, msg, "once", i)
	}
	return len(persistent) + len(once)
}

func (b *Bus) deliver(l Listener, msg any, kind string, index int) {
	err := call(l, msg)
	if err == nil || b.opts.OnError == nil {
		return
	}
	b.opts.OnError(oops.
		Code(ErrCodeListenerFailed).
		In("bus").
		With("listener_kind", kind).
		With("listener_index", index).
		Wrapf(err, "listener failed"))
}

func call(l Listener, msg any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	_, err = l.Call(msg)
	return err
}

func without(ls []Listener, l Listener) []Listener {
	out := ls[:0:0]
	for _, x := range ls {
		if x != l {
			out = append(out, x)
		}
	}
	return out
}
