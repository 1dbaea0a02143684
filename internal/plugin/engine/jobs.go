// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package engine

import (
	"fmt"
	"sync"
)

// Job is a unit of guest work, typically a deferred continuation.
type Job func() error

// JobQueue is the FIFO of pending guest jobs shared by engine
// implementations. Enqueue is safe from any goroutine; Run must be called
// from the goroutine that currently owns the guest context.
type JobQueue struct {
	mu     sync.Mutex
	jobs   []Job
	notify func()
	closed bool
}

// SetNotifier registers fn to be called after each Enqueue.
func (q *JobQueue) SetNotifier(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

// Enqueue adds a job. Jobs enqueued after Close are dropped.
func (q *JobQueue) Enqueue(j Job) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.jobs = append(q.jobs, j)
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Len returns the number of pending jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Pending reports whether any job is queued.
func (q *JobQueue) Pending() bool {
	return q.Len() > 0
}

// Run executes the jobs queued at call time, in order. Panics inside a job
// are converted to errors. It returns the number of jobs executed.
func (q *JobQueue) Run(report func(error)) int {
	q.mu.Lock()
	n := len(q.jobs)
	q.mu.Unlock()

	ran := 0
	for i := 0; i < n; i++ {
		q.mu.Lock()
		if q.closed || len(q.jobs) == 0 {
			q.mu.Unlock()
			break
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		ran++
		if err := runJob(job); err != nil && report != nil {
			report(err)
		}
	}
	return ran
}

// Close drops all pending jobs and refuses new ones.
func (q *JobQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.jobs = nil
	q.notify = nil
	q.mu.Unlock()
}

func runJob(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job()
}
