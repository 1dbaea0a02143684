// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/visorhq/visor/internal/plugin/marshal"
	"github.com/visorhq/visor/internal/plugin/source"
	"github.com/visorhq/visor/internal/scheduler"
)

// Callbacks are the host hooks of an Instance.
//
// OnError is always called after the instance lock is released, so it may
// call Dispose. OnPreInit, OnDispose and OnMessage run while the instance
// is locked and must not call back into the same instance.
type Callbacks struct {
	// OnError receives load failures, guest runtime errors, listener
	// failures and initialization failures.
	OnError func(err error)
	// OnPreInit runs once per session, right before the guest context is
	// created.
	OnPreInit func()
	// OnDispose runs once, as the first teardown step.
	OnDispose func()
	// OnMessage observes every published message.
	OnMessage func(msg any)
}

// Metrics observes instance activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	StateChanged(from, to State)
	Error(kind string)
	Tick(jobs int)
	Message()
}

type noopMetrics struct{}

func (noopMetrics) StateChanged(State, State) {}
func (noopMetrics) Error(string)              {}
func (noopMetrics) Tick(int)                  {}
func (noopMetrics) Message()                  {}

// CapabilityFilter prunes the composed capability map before it is exposed.
type CapabilityFilter func(composed map[string]any) map[string]any

// Option configures an Instance.
type Option func(*options)

type options struct {
	name      string
	callbacks Callbacks
	policy    *marshal.Policy
	scheduler scheduler.Scheduler
	fetcher   source.Fetcher
	filter    CapabilityFilter
	logger    *slog.Logger
	metrics   Metrics
	tracer    trace.Tracer
}

func defaultOptions() options {
	return options{
		name:    "plugin",
		logger:  slog.Default(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer("github.com/visorhq/visor/internal/plugin"),
	}
}

// WithName sets the name used in logs, spans and guest chunk names.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithCallbacks sets the host hooks.
func WithCallbacks(cb Callbacks) Option {
	return func(o *options) { o.callbacks = cb }
}

// WithMarshal overrides which host values may cross into the guest.
func WithMarshal(p *marshal.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithScheduler sets the host scheduler that provides "next turn"
// callbacks for the event loop and surface events. An Instance without a
// scheduler owns a scheduler.Loop, started on first Load and closed on
// Dispose.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithFetcher sets the fetcher for URL sources. Defaults to a
// source.HTTPFetcher.
func WithFetcher(f source.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithCapabilityFilter prunes composed capabilities before exposure.
func WithCapabilityFilter(f CapabilityFilter) Option {
	return func(o *options) { o.filter = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics observer.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer for load, initialization and eval spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}
