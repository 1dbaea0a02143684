// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin

import (
	"errors"

	"github.com/samber/oops"

	"github.com/visorhq/visor/internal/plugin/bus"
)

// Error codes reported through Callbacks.OnError and logs.
const (
	ErrCodeLoadFailed     = "PLUGIN_LOAD_FAILED"
	ErrCodeGuestRuntime   = "PLUGIN_GUEST_RUNTIME"
	ErrCodeListenerFailed = bus.ErrCodeListenerFailed
	ErrCodeInitFailed     = "PLUGIN_INIT_FAILED"
	ErrCodeDisposalFailed = "PLUGIN_DISPOSAL_FAILED"
)

var (
	// ErrNotReady is returned when an operation needs a running guest
	// context and the instance has not reached StateReady.
	ErrNotReady = errors.New("plugin instance is not ready")
	// ErrDisposed is returned by operations on a disposed instance.
	ErrDisposed = errors.New("plugin instance is disposed")
)

// IsLoadError reports whether err is a source fetch or compile failure.
func IsLoadError(err error) bool { return hasCode(err, ErrCodeLoadFailed) }

// IsGuestRuntimeError reports whether err was raised by guest code during
// evaluation or a job-drain tick.
func IsGuestRuntimeError(err error) bool { return hasCode(err, ErrCodeGuestRuntime) }

// IsListenerError reports whether err came from a failing bus listener.
func IsListenerError(err error) bool { return hasCode(err, ErrCodeListenerFailed) }

// IsInitError reports whether err happened while creating a session.
func IsInitError(err error) bool { return hasCode(err, ErrCodeInitFailed) }

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	return oopsErr.Code() == code
}
