// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin

// State is the lifecycle state of an Instance.
type State int32

// Instance states, in lifecycle order. StateDisposed is terminal.
const (
	StateUninitialized State = iota
	StateLoading
	StateInitializing
	StateReady
	StateDisposing
	StateDisposed
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateLoading:       "loading",
	StateInitializing:  "initializing",
	StateReady:         "ready",
	StateDisposing:     "disposing",
	StateDisposed:      "disposed",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// States returns every state in lifecycle order.
func States() []State {
	return []State{
		StateUninitialized,
		StateLoading,
		StateInitializing,
		StateReady,
		StateDisposing,
		StateDisposed,
	}
}
