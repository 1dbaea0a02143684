// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package engine

import (
	"errors"
	"fmt"
)

// ErrDisposed is returned by a Context or Runtime after Dispose.
var ErrDisposed = errors.New("guest context disposed")

// GuestError is an error raised by guest code.
type GuestError struct {
	// Engine names the engine that produced the error.
	Engine string
	// Message is the guest-side error message.
	Message string
	// Stack is the guest stack trace, if the engine provides one.
	Stack string
	// Cause is the engine-level error.
	Cause error
}

// Error implements error.
func (e *GuestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Engine, e.Message)
}

// Unwrap returns the engine-level error.
func (e *GuestError) Unwrap() error {
	return e.Cause
}

// AsGuestError extracts a *GuestError from err.
func AsGuestError(err error) (*GuestError, bool) {
	var ge *GuestError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
