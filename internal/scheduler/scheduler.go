// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package scheduler provides the host-side "run soon" primitive used to
// drive plugin event loops and deliver surface notifications.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	eventloop "github.com/joeycumines/go-eventloop"
	"github.com/samber/oops"
)

// ErrClosed is returned by Start on a closed loop.
var ErrClosed = errors.New("scheduler closed")

// Handle is a scheduled callback that has not run yet.
type Handle interface {
	// Cancel prevents the callback from running. It reports whether the
	// callback was still pending.
	Cancel() bool
}

// Scheduler runs callbacks soon, in submission order, never synchronously
// inside Immediate.
type Scheduler interface {
	Immediate(fn func()) Handle
}

type task struct {
	fn       func()
	canceled atomic.Bool
}

func (t *task) Cancel() bool {
	return !t.canceled.Swap(true)
}

// Loop is a Scheduler backed by a go-eventloop loop running on its own
// goroutine. Callbacks never run concurrently with each other.
type Loop struct {
	logger *slog.Logger
	ev     *eventloop.Loop

	mu      sync.Mutex
	queued  map[*task]struct{}
	backlog []*task
	done    chan struct{}
	started bool
	closed  bool
	shut    bool
}

var _ Scheduler = (*Loop)(nil)

// NewLoop creates a loop. Call Start to begin running callbacks.
func NewLoop(logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ev, err := eventloop.New()
	if err != nil {
		return nil, oops.In("scheduler").Wrapf(err, "create event loop")
	}
	return &Loop{
		logger: logger,
		ev:     ev,
		queued: make(map[*task]struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start runs the loop on a new goroutine. It stops when ctx is canceled or
// Close is called. Callbacks queued before Start run first, in order.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.started {
		return nil
	}
	l.started = true
	go l.run(ctx)

	backlog := l.backlog
	l.backlog = nil
	for _, t := range backlog {
		l.submit(t)
	}
	return nil
}

// Immediate queues fn. Callbacks queued after Close never run.
func (l *Loop) Immediate(fn func()) Handle {
	t := &task{fn: fn}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		t.canceled.Store(true)
		return t
	}
	l.queued[t] = struct{}{}
	if !l.started {
		l.backlog = append(l.backlog, t)
		return t
	}
	l.submit(t)
	return t
}

// submit hands t to the event loop. l.mu must be held.
func (l *Loop) submit(t *task) {
	if err := l.ev.Submit(func() { l.invoke(t) }); err != nil {
		delete(l.queued, t)
		t.canceled.Store(true)
		l.logger.Debug("scheduled callback dropped", "error", err)
	}
}

// Pending returns the number of queued callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for t := range l.queued {
		if !t.canceled.Load() {
			n++
		}
	}
	return n
}

// Close stops the loop and waits for the running callback, if any, to
// finish. Pending callbacks are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.shut {
		l.mu.Unlock()
		return
	}
	l.shut = true
	started := l.started
	l.drop()
	l.mu.Unlock()

	if started {
		if err := l.ev.Shutdown(context.Background()); err != nil {
			l.logger.Debug("event loop shutdown", "error", err)
		}
		<-l.done
	}
	if err := l.ev.Close(); err != nil {
		l.logger.Debug("event loop close", "error", err)
	}
}

// drop marks the loop closed and cancels every queued callback. l.mu must
// be held.
func (l *Loop) drop() {
	l.closed = true
	for t := range l.queued {
		t.canceled.Store(true)
	}
	clear(l.queued)
	l.backlog = nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	if err := l.ev.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.ErrorContext(ctx, "event loop stopped", "error", err)
	}
	l.mu.Lock()
	l.drop()
	l.mu.Unlock()
}

func (l *Loop) invoke(t *task) {
	l.mu.Lock()
	delete(l.queued, t)
	l.mu.Unlock()
	if t.canceled.Swap(true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("scheduled callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	t.fn()
}
