// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package hostfunc builds the capability objects lent to plugins through
// their surfaces.
//
// The primary surface carries the viewer (camera and layers), logging,
// request ids, plugin storage and the primary UI container. The modal and
// overlay surfaces carry only their own UI container. Every function is a
// plugin.Func or plugin.AsyncFunc, so the same objects serve every engine.
package hostfunc

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/visorhq/visor/internal/plugin/surface"
	"github.com/visorhq/visor/internal/store"
	"github.com/visorhq/visor/internal/viewer"
	"github.com/visorhq/visor/pkg/plugin"
)

// ErrCodeUnavailable marks a call to a capability whose backing service
// was not configured.
const ErrCodeUnavailable = "HOSTFUNC_UNAVAILABLE"

// DefaultStorageTimeout bounds every storage call.
const DefaultStorageTimeout = 5 * time.Second

// Functions builds capability objects.
type Functions struct {
	kv      store.KVStore
	viewer  *viewer.Viewer
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures Functions.
type Option func(*Functions)

// WithLogger sets the logger plugin log calls are written to.
func WithLogger(l *slog.Logger) Option {
	return func(f *Functions) { f.logger = l }
}

// WithStorageTimeout bounds each storage call.
func WithStorageTimeout(d time.Duration) Option {
	return func(f *Functions) { f.timeout = d }
}

// New creates capability builders over kv and view. Either may be nil; the
// matching capabilities then fail with ErrCodeUnavailable.
func New(kv store.KVStore, view *viewer.Viewer, opts ...Option) *Functions {
	f := &Functions{
		kv:      kv,
		viewer:  view,
		logger:  slog.Default(),
		timeout: DefaultStorageTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Provide lends capability objects for pluginName to every surface of set.
func (f *Functions) Provide(pluginName string, set *surface.Set) {
	set.Primary.Provide(f.Primary(pluginName, set.Primary))
	set.Modal.Provide(f.Secondary(set.Modal))
	set.Overlay.Provide(f.Secondary(set.Overlay))
}

// Primary builds the primary surface capability object.
func (f *Functions) Primary(pluginName string, s *surface.Surface) map[string]any {
	return map[string]any{
		"camera":         f.camera(),
		"layers":         f.layers(),
		"ui":             UI(s),
		"log":            f.logFn(pluginName),
		"new_request_id": plugin.Func(newRequestID),
		"storage":        f.storage(pluginName),
	}
}

// Secondary builds the modal or overlay capability object.
func (f *Functions) Secondary(s *surface.Surface) map[string]any {
	return map[string]any{"ui": UI(s)}
}

// UI binds render, show, hide and clear to a surface container.
func UI(s *surface.Surface) map[string]any {
	return map[string]any{
		"render": plugin.Func(func(args ...any) (any, error) {
			s.Render(optionalArg(args, 0))
			return nil, nil
		}),
		"show": plugin.Func(func(...any) (any, error) {
			s.Show()
			return nil, nil
		}),
		"hide": plugin.Func(func(...any) (any, error) {
			s.Hide()
			return nil, nil
		}),
		"clear": plugin.Func(func(...any) (any, error) {
			s.Clear()
			return nil, nil
		}),
		"visible": plugin.Func(func(...any) (any, error) {
			return s.Visible(), nil
		}),
	}
}

func newRequestID(...any) (any, error) {
	return ulid.Make().String(), nil
}

func (f *Functions) logFn(pluginName string) plugin.Func {
	logger := f.logger.With("plugin", pluginName)
	return func(args ...any) (any, error) {
		level, err := stringArg("log", args, 0, "level")
		if err != nil {
			return nil, err
		}
		message, err := stringArg("log", args, 1, "message")
		if err != nil {
			return nil, err
		}
		var attrs []any
		if fields, ok := optionalArg(args, 2).(map[string]any); ok {
			for _, k := range sortedKeys(fields) {
				attrs = append(attrs, k, fields[k])
			}
		}

		switch level {
		case "debug":
			logger.Debug(message, attrs...)
		case "warn":
			logger.Warn(message, attrs...)
		case "error":
			logger.Error(message, attrs...)
		default:
			logger.Info(message, attrs...)
		}
		return nil, nil
	}
}

func (f *Functions) unavailable(fn, service string) error {
	return oops.Code(ErrCodeUnavailable).
		With("function", fn).
		Errorf("%s: %s not configured", fn, service)
}

func (f *Functions) storageContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.timeout)
}
