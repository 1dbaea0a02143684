// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package bus_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorhq/visor/internal/plugin/bus"
	"github.com/visorhq/visor/pkg/errutil"
)

type counter struct {
	calls int
	log   *[]string
	name  string
}

func (c *counter) Call(args ...any) (any, error) {
	c.calls++
	if c.log != nil {
		*c.log = append(*c.log, c.name)
	}
	return nil, nil
}

func TestBus_PersistentAndOnceCounts(t *testing.T) {
	tests := []struct {
		persistent, once int
	}{
		{0, 0}, {1, 0}, {0, 1}, {3, 2}, {5, 5},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dx%d", tt.persistent, tt.once), func(t *testing.T) {
			b := bus.New(bus.Options{})
			var ps, os []*counter
			for i := 0; i < tt.persistent; i++ {
				c := &counter{}
				ps = append(ps, c)
				b.On(c)
			}
			for i := 0; i < tt.once; i++ {
				c := &counter{}
				os = append(os, c)
				b.Once(c)
			}

			assert.Equal(t, tt.persistent+tt.once, b.Publish("first"))
			assert.Equal(t, tt.persistent, b.Publish("second"))

			for _, c := range ps {
				assert.Equal(t, 2, c.calls)
			}
			for _, c := range os {
				assert.Equal(t, 1, c.calls)
			}
		})
	}
}

func TestBus_DeliveryOrder(t *testing.T) {
	var log []string
	b := bus.New(bus.Options{
		OnMessage: func(any) { log = append(log, "hook") },
	})

	b.Once(&counter{name: "once-1", log: &log})
	b.On(&counter{name: "on-1", log: &log})
	b.Once(&counter{name: "once-2", log: &log})
	b.On(&counter{name: "on-2", log: &log})

	b.Publish(map[string]any{"type": "ping"})

	assert.Equal(t, []string{"hook", "on-1", "on-2", "once-1", "once-2"}, log)
}

func TestBus_FaultIsolation(t *testing.T) {
	var reported []error
	b := bus.New(bus.Options{OnError: func(err error) { reported = append(reported, err) }})

	before := &counter{}
	after := &counter{}
	b.On(before)
	b.On(bus.NewListener(func(any) error { return errors.New("listener broke") }))
	b.On(bus.NewListener(func(any) error { panic("listener exploded") }))
	b.Once(after)

	b.Publish("msg")

	assert.Equal(t, 1, before.calls)
	assert.Equal(t, 1, after.calls)
	require.Len(t, reported, 2)
	errutil.AssertErrorCode(t, reported[0], bus.ErrCodeListenerFailed)
	assert.Contains(t, reported[1].Error(), "listener exploded")
}

func TestBus_OffRemovesFromBothSets(t *testing.T) {
	b := bus.New(bus.Options{})
	c := &counter{}
	b.On(c)
	b.Once(c)
	b.On(c)

	b.Off(c)
	b.Publish("msg")

	assert.Zero(t, c.calls)
	p, o := b.Len()
	assert.Zero(t, p)
	assert.Zero(t, o)
}

func TestBus_OnceRegisteredDuringPublishWaitsForNext(t *testing.T) {
	b := bus.New(bus.Options{})
	late := &counter{}
	var registrar *bus.ListenerFunc
	registrar = bus.NewListener(func(any) error {
		b.Once(late)
		return nil
	})
	b.Once(registrar)

	b.Publish("first")
	assert.Zero(t, late.calls)

	b.Publish("second")
	assert.Equal(t, 1, late.calls)

	b.Publish("third")
	assert.Equal(t, 1, late.calls)
}

func TestBus_ListenerCanUnsubscribeItself(t *testing.T) {
	b := bus.New(bus.Options{})
	calls := 0
	var self *bus.ListenerFunc
	self = bus.NewListener(func(any) error {
		calls++
		b.Off(self)
		return nil
	})
	b.On(self)

	b.Publish("a")
	b.Publish("b")

	assert.Equal(t, 1, calls)
}

func TestBus_Clear(t *testing.T) {
	b := bus.New(bus.Options{})
	c := &counter{}
	b.On(c)
	b.Once(c)

	b.Clear()

	assert.Zero(t, b.Publish("msg"))
	assert.Zero(t, c.calls)
}

func TestListenerFunc_PassesMessage(t *testing.T) {
	var got any
	l := bus.NewListener(func(msg any) error { got = msg; return nil })

	_, err := l.Call("hello", "ignored")

	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

type funcListener func(args ...any) (any, error)

func (f funcListener) Call(args ...any) (any, error) { return f(args...) }

func TestBus_RejectsUncomparableListener(t *testing.T) {
	b := bus.New(bus.Options{})
	var calls int
	fn := funcListener(func(...any) (any, error) { calls++; return nil, nil })

	assert.ErrorIs(t, b.On(fn), bus.ErrNotComparable)
	assert.ErrorIs(t, b.Once(fn), bus.ErrNotComparable)
	assert.ErrorIs(t, b.Off(fn), bus.ErrNotComparable)

	persistent, once := b.Len()
	assert.Zero(t, persistent)
	assert.Zero(t, once)

	c := &counter{}
	require.NoError(t, b.On(c))
	require.NotPanics(t, func() { _ = b.Off(c) })
	assert.Zero(t, b.Publish("msg"))
	assert.Zero(t, calls)
}
