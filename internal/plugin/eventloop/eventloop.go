// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package eventloop drains a guest context's pending jobs one host turn at
// a time.
package eventloop

import (
	"sync"

	"github.com/visorhq/visor/internal/scheduler"
)

// Jobs is the part of a guest context the loop drives.
type Jobs interface {
	HasPendingJobs() bool
	RunPendingJobs(report func(error)) int
}

// Config wires a Loop to its owner.
type Config struct {
	// Scheduler provides the next host turn.
	Scheduler scheduler.Scheduler
	// Jobs is the guest context being drained.
	Jobs Jobs
	// Guard serializes ticks with every other access to the guest. It is
	// taken before the loop's own state lock. May be nil.
	Guard sync.Locker
	// OnError receives each failing job. Called with Guard held.
	OnError func(error)
	// OnTick observes each completed tick with the number of jobs run.
	OnTick func(ran int)
}

// Loop is a re-armable tick. At most one tick is armed at a time.
type Loop struct {
	cfg Config

	mu      sync.Mutex
	handle  scheduler.Handle
	stopped bool
}

// New creates an idle loop.
func New(cfg Config) *Loop {
	return &Loop{cfg: cfg}
}

// Arm schedules a tick for the next host turn unless one is already armed
// or the loop is stopped.
func (l *Loop) Arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.handle != nil {
		return
	}
	l.handle = l.cfg.Scheduler.Immediate(l.tick)
}

// Armed reports whether a tick is scheduled.
func (l *Loop) Armed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle != nil
}

// Stop cancels the armed tick and prevents future ticks. A tick that was
// already dequeued by the scheduler sees the stopped flag and does nothing.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.handle != nil {
		l.handle.Cancel()
		l.handle = nil
	}
}

// Stopped reports whether Stop was called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) tick() {
	if l.cfg.Guard != nil {
		l.cfg.Guard.Lock()
		defer l.cfg.Guard.Unlock()
	}

	l.mu.Lock()
	l.handle = nil
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return
	}

	ran := l.cfg.Jobs.RunPendingJobs(l.report)
	if l.cfg.OnTick != nil {
		l.cfg.OnTick(ran)
	}

	if l.cfg.Jobs.HasPendingJobs() {
		l.Arm()
	}
}

func (l *Loop) report(err error) {
	if l.cfg.OnError != nil {
		l.cfg.OnError(err)
	}
}
