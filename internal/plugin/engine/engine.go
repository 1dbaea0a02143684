// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package engine defines the contract between the plugin runtime and an
// embeddable script engine.
//
// An engine creates runtimes, a runtime creates isolated guest contexts,
// and a context evaluates code, exchanges values with the host and owns a
// queue of pending jobs (deferred continuations) that the host drains
// cooperatively.
package engine

import (
	"context"

	"github.com/visorhq/visor/internal/plugin/marshal"
)

// Engine is an embeddable script engine.
type Engine interface {
	// Name identifies the engine ("lua", "js").
	Name() string

	// Compile checks that code parses, without creating a guest context.
	Compile(name, code string) error

	// NewRuntime creates a runtime that can host guest contexts.
	NewRuntime(ctx context.Context) (Runtime, error)
}

// Runtime owns the engine resources shared by its contexts.
type Runtime interface {
	// NewContext creates an isolated guest context. Host values crossing
	// into the context are decided by policy.
	NewContext(ctx context.Context, policy *marshal.Policy) (Context, error)

	// Dispose releases the runtime. Contexts must be disposed first.
	Dispose() error
}

// Context is one isolated guest execution environment.
//
// A Context is not safe for concurrent use; callers serialize access.
// SetJobNotifier's callback and Deferred settlement may come from any
// goroutine.
type Context interface {
	// SetGlobal converts a host value and binds it to a guest global.
	SetGlobal(name string, value any) error

	// DeleteGlobal removes a guest global.
	DeleteGlobal(name string) error

	// Global reads a guest global and converts it to a host value.
	Global(name string) (any, error)

	// Eval evaluates code and converts its result to a host value. Errors
	// raised by guest code are returned as *GuestError.
	Eval(ctx context.Context, code string) (any, error)

	// HasPendingJobs reports whether jobs are queued.
	HasPendingJobs() bool

	// RunPendingJobs runs the jobs that are queued at the time of the
	// call. Jobs queued while running stay for the next call. Each job
	// error is passed to report; a failing job does not stop the others.
	RunPendingJobs(report func(error)) int

	// SetJobNotifier registers a callback invoked whenever a job is queued.
	SetJobNotifier(fn func())

	// Dispose destroys the context. Later calls fail with ErrDisposed.
	Dispose() error
}
