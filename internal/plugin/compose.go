// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin

import (
	pluginpkg "github.com/visorhq/visor/pkg/plugin"
)

// ComposeInput is everything a Composer may expose to the guest.
type ComposeInput struct {
	// Primary, Modal and Overlay are the surface capability objects.
	Primary map[string]any
	Modal   map[string]any
	Overlay map[string]any

	// On, Off and Once take a guest function and (un)register it on the
	// instance bus.
	On   pluginpkg.Func
	Off  pluginpkg.Func
	Once pluginpkg.Func
	// Publish delivers its first argument to every listener and returns
	// how many listeners were called.
	Publish pluginpkg.Func

	// Arm schedules a job-drain tick.
	Arm pluginpkg.Func
}

// Composer merges the surface capabilities and bus handles into the map
// whose top-level keys become guest globals. It runs once per session.
type Composer func(in ComposeInput) (map[string]any, error)

// NamespacedComposer exposes each surface under its own global, the bus
// handles under "events" and the arm handle as "tick".
func NamespacedComposer(in ComposeInput) (map[string]any, error) {
	return map[string]any{
		"primary": in.Primary,
		"modal":   in.Modal,
		"overlay": in.Overlay,
		"events": map[string]any{
			"on":      in.On,
			"off":     in.Off,
			"once":    in.Once,
			"publish": in.Publish,
		},
		"tick": in.Arm,
	}, nil
}
