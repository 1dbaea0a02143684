// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package plugin provides the plugin instance lifecycle and plugin
// management.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/visorhq/visor/internal/logging"
	"github.com/visorhq/visor/internal/plugin/bridge"
	"github.com/visorhq/visor/internal/plugin/bus"
	"github.com/visorhq/visor/internal/plugin/engine"
	"github.com/visorhq/visor/internal/plugin/eventloop"
	"github.com/visorhq/visor/internal/plugin/source"
	"github.com/visorhq/visor/internal/plugin/surface"
	"github.com/visorhq/visor/internal/scheduler"
	"github.com/visorhq/visor/pkg/errutil"
	pluginpkg "github.com/visorhq/visor/pkg/plugin"
)

// session is one guest context with its bindings and event loop. A primary
// surface reset replaces the session; Dispose destroys the last one.
type session struct {
	bridge *bridge.Bridge
	loop   *eventloop.Loop
}

// Instance runs one plugin in its own guest context.
//
// All guest access is serialized by the instance lock. Capability
// functions run with the lock held, so they must not call Load, EvalCode,
// Publish, Global or Dispose on the same instance; On, Off, Once, State,
// Loaded and the bus handles passed to the Composer are safe. Host
// listeners may call Dispose: teardown then runs as soon as the publish
// that invoked them finishes delivering.
type Instance struct {
	id       ulid.ULID
	engine   engine.Engine
	surfaces *surface.Set
	compose  Composer
	opts     options
	logger   *slog.Logger

	state  atomic.Int32
	loaded atomic.Bool
	bus    *bus.Bus

	delivering       atomic.Int32
	disposeRequested atomic.Bool

	mu        sync.Mutex
	pending   []error
	source    Source
	code      string
	resolved  bool
	session   *session
	stopWatch func()
	sched     scheduler.Scheduler
	ownedLoop *scheduler.Loop
}

// NewInstance creates an uninitialized instance. The surfaces are lent by
// the host: the instance reads their capabilities and clears their
// containers on Dispose but never destroys them. A nil compose uses
// NamespacedComposer.
func NewInstance(eng engine.Engine, surfaces *surface.Set, compose Composer, opts ...Option) *Instance {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if compose == nil {
		compose = NamespacedComposer
	}

	i := &Instance{
		id:       ulid.Make(),
		engine:   eng,
		surfaces: surfaces,
		compose:  compose,
		opts:     o,
		sched:    o.scheduler,
	}
	i.logger = logging.ForPlugin(o.logger, o.name, i.id)
	i.bus = bus.New(bus.Options{
		OnMessage: i.observeMessage,
		OnError:   i.report,
	})
	return i
}

// ID returns the instance identity.
func (i *Instance) ID() ulid.ULID { return i.id }

// Name returns the plugin name.
func (i *Instance) Name() string { return i.opts.name }

// State returns the lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// Loaded reports whether top-level code has run in the current session.
func (i *Instance) Loaded() bool { return i.loaded.Load() }

// Surfaces returns the lent surfaces, or nil after Dispose.
func (i *Instance) Surfaces() *surface.Set {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.surfaces
}

// Load resolves src and initializes the instance once all three surfaces
// are ready. Only the first call on an uninitialized instance does
// anything. A failed load is reported through OnError, returned, and
// leaves the instance uninitialized.
func (i *Instance) Load(ctx context.Context, src Source) error {
	ctx, span := i.opts.tracer.Start(ctx, "Instance.Load",
		trace.WithAttributes(
			attribute.String("plugin.name", i.opts.name),
			attribute.String("plugin.source", src.String()),
		))
	defer span.End()

	i.lock()
	if i.State() != StateUninitialized {
		i.unlock()
		return nil
	}
	if err := src.validate(); err != nil {
		lerr := i.loadError(err, "validate source")
		i.report(lerr)
		i.unlock()
		span.RecordError(lerr)
		return lerr
	}
	i.source = src
	i.setState(StateLoading)
	i.unlock()

	code, err := i.resolve(ctx, src)

	i.lock()
	defer i.unlock()
	if err != nil {
		if i.State() == StateLoading {
			i.setState(StateUninitialized)
		}
		i.report(err)
		span.RecordError(err)
		return err
	}
	if i.State() != StateLoading {
		return nil
	}
	if err := i.startScheduler(ctx); err != nil {
		lerr := i.loadError(err, "start scheduler")
		i.setState(StateUninitialized)
		i.report(lerr)
		span.RecordError(lerr)
		return lerr
	}

	i.code = code
	i.resolved = true
	i.watchSurfaces()
	i.initialize(ctx)
	return nil
}

// EvalCode evaluates code in the guest context and returns the result.
// Errors raised by the guest go to OnError, never to the caller. The event
// loop is armed afterwards either way.
func (i *Instance) EvalCode(ctx context.Context, code string) (any, error) {
	ctx, span := i.opts.tracer.Start(ctx, "Instance.EvalCode",
		trace.WithAttributes(attribute.String("plugin.name", i.opts.name)))
	defer span.End()

	i.lock()
	defer i.unlock()

	sess, err := i.readySession()
	if err != nil {
		return nil, err
	}
	defer sess.loop.Arm()

	result, err := sess.bridge.Eval(ctx, code)
	if err != nil {
		gerr := i.guestError(err, "evaluate code")
		span.RecordError(gerr)
		i.report(gerr)
		return nil, nil
	}
	return result, nil
}

// Global reads a guest global.
func (i *Instance) Global(name string) (any, error) {
	i.lock()
	defer i.unlock()

	sess, err := i.readySession()
	if err != nil {
		return nil, err
	}
	return sess.bridge.Retrieve(name)
}

// Bindings returns the globals exposed in the current session.
func (i *Instance) Bindings() []bridge.Binding {
	i.lock()
	defer i.unlock()
	if i.session == nil {
		return nil
	}
	return i.session.bridge.Bindings()
}

// Publish delivers msg to every listener of the instance bus. Listener
// failures go to OnError.
func (i *Instance) Publish(msg any) error {
	i.lock()
	defer i.unlock()

	if i.disposed() {
		return ErrDisposed
	}
	i.deliver(msg)
	if i.session != nil && !i.disposeRequested.Load() {
		i.session.loop.Arm()
	}
	return nil
}

// deliver publishes msg on the bus. The instance lock must be held.
func (i *Instance) deliver(msg any) int {
	i.delivering.Add(1)
	defer i.delivering.Add(-1)
	return i.bus.Publish(msg)
}

// On registers a persistent host listener.
func (i *Instance) On(l bus.Listener) error { return i.register(l, i.bus.On) }

// Once registers a host listener for the next publish only.
func (i *Instance) Once(l bus.Listener) error { return i.register(l, i.bus.Once) }

// Off removes a listener from both listener sets.
func (i *Instance) Off(l bus.Listener) error { return i.register(l, i.bus.Off) }

// Listeners returns the number of persistent and one-shot registrations.
func (i *Instance) Listeners() (persistent, once int) { return i.bus.Len() }

func (i *Instance) register(l bus.Listener, fn func(bus.Listener) error) error {
	if i.disposed() {
		return ErrDisposed
	}
	listener, err := asListener(l)
	if err != nil {
		return err
	}
	return fn(listener)
}

// Dispose tears the instance down. It is safe to call at any time and any
// number of times; only the first call has effects. Teardown failures are
// logged at debug level and never returned.
func (i *Instance) Dispose() {
	if !i.lockForDispose() {
		return
	}
	defer i.unlock()

	if i.disposed() {
		return
	}
	i.setState(StateDisposing)
	sess := i.session

	i.disposeStep("dispose hook", func() error {
		if cb := i.opts.callbacks.OnDispose; cb != nil {
			cb()
		}
		return nil
	})
	i.disposeStep("clear listeners", func() error {
		i.bus.Clear()
		return nil
	})
	i.disposeStep("release surfaces", func() error {
		if i.stopWatch != nil {
			i.stopWatch()
			i.stopWatch = nil
		}
		if sess != nil && i.surfaces != nil {
			for _, s := range i.surfaces.All() {
				s.Clear()
			}
		}
		i.surfaces = nil
		return nil
	})
	i.disposeStep("cancel event loop", func() error {
		if sess != nil {
			sess.loop.Stop()
		}
		return nil
	})
	i.disposeStep("destroy guest context", func() error {
		if sess == nil {
			return nil
		}
		return sess.bridge.Close()
	})
	i.disposeStep("release handle", func() error {
		i.session = nil
		i.loaded.Store(false)
		if i.ownedLoop != nil {
			// Close waits for the running callback, which may be this one.
			go i.ownedLoop.Close()
		}
		return nil
	})

	i.setState(StateDisposed)
	i.logger.Info("plugin disposed")
}

func (i *Instance) lock() { i.mu.Lock() }

// unlock releases the instance, delivers the errors reported while it was
// held, and then runs a Dispose requested during a publish.
func (i *Instance) unlock() {
	pending := i.pending
	i.pending = nil
	i.mu.Unlock()

	if cb := i.opts.callbacks.OnError; cb != nil {
		for _, err := range pending {
			cb(err)
		}
	}
	if i.disposeRequested.Swap(false) {
		i.Dispose()
	}
}

// lockForDispose takes the instance lock. While a publish holds it and is
// delivering to listeners, possibly on this goroutine, it leaves a request
// for that publish's unlock and reports false instead of waiting.
func (i *Instance) lockForDispose() bool {
	for {
		if i.mu.TryLock() {
			return true
		}
		if i.delivering.Load() == 0 {
			i.lock()
			return true
		}
		i.disposeRequested.Store(true)
		if i.delivering.Load() > 0 {
			return false
		}
	}
}

// instanceGuard lets the event loop take the instance lock.
type instanceGuard struct{ i *Instance }

func (g instanceGuard) Lock()   { g.i.lock() }
func (g instanceGuard) Unlock() { g.i.unlock() }

// report queues err for OnError. The instance lock must be held.
func (i *Instance) report(err error) {
	kind := "unknown"
	if oopsErr, ok := oops.AsOops(err); ok {
		if code := fmt.Sprint(oopsErr.Code()); code != "" && code != "<nil>" {
			kind = code
		}
	}
	i.opts.metrics.Error(kind)
	errutil.LogErrorAt(context.Background(), i.logger, slog.LevelDebug, "plugin error", err)
	i.pending = append(i.pending, err)
}

func (i *Instance) observeMessage(msg any) {
	i.opts.metrics.Message()
	if cb := i.opts.callbacks.OnMessage; cb != nil {
		cb(msg)
	}
}

func (i *Instance) setState(to State) {
	from := State(i.state.Swap(int32(to)))
	if from == to {
		return
	}
	i.opts.metrics.StateChanged(from, to)
	i.logger.Debug("plugin state changed", "from", from.String(), "state", to.String())
}

func (i *Instance) disposed() bool {
	s := i.State()
	return s == StateDisposing || s == StateDisposed
}

func (i *Instance) readySession() (*session, error) {
	switch i.State() {
	case StateReady:
		return i.session, nil
	case StateDisposing, StateDisposed:
		return nil, ErrDisposed
	default:
		return nil, ErrNotReady
	}
}

func (i *Instance) startScheduler(ctx context.Context) error {
	if i.sched != nil {
		return nil
	}
	loop, err := scheduler.NewLoop(i.logger)
	if err != nil {
		return err
	}
	if err := loop.Start(context.WithoutCancel(ctx)); err != nil {
		loop.Close()
		return err
	}
	i.sched, i.ownedLoop = loop, loop
	return nil
}

func (i *Instance) fetcher() source.Fetcher {
	if i.opts.fetcher == nil {
		i.opts.fetcher = source.NewHTTPFetcher(source.WithLogger(i.logger))
	}
	return i.opts.fetcher
}

// resolve fetches, verifies and compiles src. It runs without the instance
// lock.
func (i *Instance) resolve(ctx context.Context, src Source) (string, error) {
	code := src.code
	if src.IsURL() {
		i.mu.Lock()
		f := i.fetcher()
		i.mu.Unlock()

		text, err := f.Fetch(ctx, src.url)
		if err != nil {
			return "", i.loadError(err, "fetch source")
		}
		code = text
	}
	if err := src.verify(code); err != nil {
		return "", i.loadError(err, "verify checksum")
	}
	if err := i.engine.Compile(i.chunkName(src), code); err != nil {
		return "", i.loadError(err, "compile source")
	}
	return code, nil
}

func (i *Instance) chunkName(src Source) string {
	if src.name != "" {
		return src.name
	}
	return i.opts.name
}

func (i *Instance) watchSurfaces() {
	if i.surfaces == nil || i.stopWatch != nil {
		return
	}
	i.stopWatch = i.surfaces.Watch(func(name surface.Name, ev surface.Event) {
		i.sched.Immediate(func() { i.onSurfaceEvent(name, ev) })
	})
}

func (i *Instance) onSurfaceEvent(name surface.Name, ev surface.Event) {
	i.lock()
	defer i.unlock()

	switch i.State() {
	case StateLoading:
		if ev == surface.EventReady {
			i.initialize(context.Background())
		}
	case StateReady:
		if ev == surface.EventReset && name == surface.Primary {
			i.logger.Info("primary surface reset, reinitializing")
			i.teardownSession()
			i.setState(StateLoading)
			i.initialize(context.Background())
		}
	}
}

// initialize creates a session once source is resolved and every surface
// is ready. Otherwise the instance keeps waiting in StateLoading.
func (i *Instance) initialize(ctx context.Context) {
	if i.State() != StateLoading || !i.resolved || i.surfaces == nil {
		return
	}
	caps, ok := i.surfaces.Snapshot()
	if !ok {
		i.logger.Debug("waiting for surfaces")
		return
	}

	ctx, span := i.opts.tracer.Start(ctx, "Instance.initialize",
		trace.WithAttributes(attribute.String("plugin.name", i.opts.name)))
	defer span.End()

	i.setState(StateInitializing)
	if cb := i.opts.callbacks.OnPreInit; cb != nil {
		cb()
	}

	sess, err := i.openSession(ctx, caps)
	if err != nil {
		span.RecordError(err)
		i.setState(StateLoading)
		i.report(err)
		return
	}
	i.session = sess

	if _, err := sess.bridge.Eval(ctx, i.code); err != nil {
		gerr := i.guestError(err, "evaluate source")
		span.RecordError(gerr)
		i.report(gerr)
	}

	sess.loop.Arm()
	i.setState(StateReady)
	i.loaded.Store(true)
	i.logger.Info("plugin ready", "engine", i.engine.Name(), "bindings", len(sess.bridge.Bindings()))
}

func (i *Instance) openSession(ctx context.Context, caps surface.Capabilities) (*session, error) {
	br := bridge.New(i.engine, i.opts.policy)
	if err := br.Open(ctx); err != nil {
		return nil, i.initError(err, "open guest context")
	}

	gc := br.Context()
	sess := &session{bridge: br}
	sess.loop = eventloop.New(eventloop.Config{
		Scheduler: i.sched,
		Jobs:      gc,
		Guard:     instanceGuard{i},
		OnError: func(err error) {
			i.report(i.guestError(err, "run pending jobs"))
		},
		OnTick: i.opts.metrics.Tick,
	})
	gc.SetJobNotifier(sess.loop.Arm)

	composed, err := i.composeCapabilities(caps, sess)
	if err != nil {
		i.closeSession(sess)
		return nil, i.initError(err, "compose capabilities")
	}
	if i.opts.filter != nil {
		composed = i.opts.filter(composed)
	}
	if err := br.Expose(composed); err != nil {
		i.closeSession(sess)
		return nil, i.initError(err, "expose capabilities")
	}
	return sess, nil
}

func (i *Instance) composeCapabilities(caps surface.Capabilities, sess *session) (composed map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("composer panicked: %v", r)
		}
	}()

	return i.compose(ComposeInput{
		Primary: caps.Primary,
		Modal:   caps.Modal,
		Overlay: caps.Overlay,
		On:      i.listenerHandle(i.bus.On),
		Off:     i.listenerHandle(i.bus.Off),
		Once:    i.listenerHandle(i.bus.Once),
		Publish: func(args ...any) (any, error) {
			var msg any
			if len(args) > 0 {
				msg = args[0]
			}
			return i.deliver(msg), nil
		},
		Arm: func(...any) (any, error) {
			sess.loop.Arm()
			return nil, nil
		},
	})
}

func (i *Instance) listenerHandle(fn func(bus.Listener) error) pluginpkg.Func {
	return func(args ...any) (any, error) {
		if len(args) == 0 {
			return nil, errors.New("listener function required")
		}
		l, err := asListener(args[0])
		if err != nil {
			return nil, err
		}
		return nil, fn(l)
	}
}

func asListener(v any) (bus.Listener, error) {
	switch l := v.(type) {
	case *pluginpkg.GuestFunc:
		if l != nil {
			return l, nil
		}
	case bus.Listener:
		if l != nil && bus.Comparable(l) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("listener must be a function, got %T", v)
}

// teardownSession drops the current session in dispose order: listeners,
// event loop, guest context.
func (i *Instance) teardownSession() {
	sess := i.session
	i.session = nil
	i.loaded.Store(false)
	i.bus.Clear()
	if sess != nil {
		i.closeSession(sess)
	}
}

func (i *Instance) closeSession(sess *session) {
	sess.loop.Stop()
	if err := sess.bridge.Close(); err != nil {
		i.logDisposal("close session", err)
	}
}

func (i *Instance) disposeStep(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			i.logDisposal(step, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		i.logDisposal(step, err)
	}
}

func (i *Instance) logDisposal(step string, err error) {
	derr := oops.
		Code(ErrCodeDisposalFailed).
		In("plugin").
		With("plugin", i.opts.name).
		With("step", step).
		Wrap(err)
	errutil.LogErrorAt(context.Background(), i.logger, slog.LevelDebug, "plugin teardown step failed", derr)
}

func (i *Instance) loadError(err error, op string) error {
	return oops.
		Code(ErrCodeLoadFailed).
		In("plugin").
		With("plugin", i.opts.name).
		With("operation", op).
		With("source", i.source.String()).
		Wrapf(err, "load plugin %s", i.opts.name)
}

func (i *Instance) initError(err error, op string) error {
	return oops.
		Code(ErrCodeInitFailed).
		In("plugin").
		With("plugin", i.opts.name).
		With("operation", op).
		Wrapf(err, "initialize plugin %s", i.opts.name)
}

func (i *Instance) guestError(err error, op string) error {
	b := oops.
		Code(ErrCodeGuestRuntime).
		In("plugin").
		With("plugin", i.opts.name).
		With("operation", op)
	if ge, ok := engine.AsGuestError(err); ok && ge.Stack != "" {
		b = b.With("guest_stack", ge.Stack)
	}
	return b.Wrap(err)
}
