// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package schedulertest provides a manually driven scheduler for tests.
package schedulertest

import (
	"sync"
	"sync/atomic"

	"github.com/visorhq/visor/internal/scheduler"
)

type task struct {
	fn       func()
	canceled atomic.Bool
}

func (t *task) Cancel() bool {
	return !t.canceled.Swap(true)
}

// Scheduler queues callbacks until the test runs them.
type Scheduler struct {
	mu    sync.Mutex
	queue []*task
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

// New creates an empty manual scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Immediate queues fn.
func (s *Scheduler) Immediate(fn func()) scheduler.Handle {
	t := &task{fn: fn}
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	return t
}

// Pending returns the number of queued, uncanceled callbacks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.queue {
		if !t.canceled.Load() {
			n++
		}
	}
	return n
}

// RunNext runs the oldest queued callback. It reports whether one ran.
func (s *Scheduler) RunNext() bool {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return false
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if t.canceled.Swap(true) {
			continue
		}
		t.fn()
		return true
	}
}

// RunUntilIdle runs callbacks, including ones queued while running, until
// none are left or limit callbacks have run. It returns the number run.
func (s *Scheduler) RunUntilIdle(limit int) int {
	ran := 0
	for ran < limit && s.RunNext() {
		ran++
	}
	return ran
}
