// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package capability decides which composed host capabilities a plugin may
// see.
//
// A capability is the dotted path of a key in the composed capability map,
// e.g. "primary.camera.fly_to". Grants are gobwas/glob patterns with '.' as
// the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "primary.camera.*" matches "primary.camera.zoom" but NOT "primary.camera"
//   - "primary.**" matches every capability under primary
//   - "**" matches any capability
package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gobwas/glob"
)

// compiledGrant holds a pattern and its compiled glob.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer holds per-plugin grants.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	grants map[string][]compiledGrant // plugin name -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants replaces the grants of a plugin. It fails without changing
// anything if the plugin name is empty or any pattern is invalid.
func (e *Enforcer) SetGrants(plugin string, capabilities []string) error {
	if plugin == "" {
		return errors.New("plugin name cannot be empty")
	}

	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return fmt.Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[plugin] = compiled
	return nil
}

// IsRegistered reports whether SetGrants was called for plugin.
func (e *Enforcer) IsRegistered(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.grants[plugin]
	return ok
}

// RemoveGrants unregisters a plugin.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.grants, plugin)
}

// GetGrants returns a copy of the patterns granted to plugin, or nil if it
// is not registered.
func (e *Enforcer) GetGrants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// ListPlugins returns the registered plugin names, sorted.
func (e *Enforcer) ListPlugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	plugins := make([]string, 0, len(e.grants))
	for name := range e.grants {
		plugins = append(plugins, name)
	}
	sort.Strings(plugins)
	return plugins
}

// Check reports whether plugin holds capability. Unknown plugins and empty
// capabilities are denied.
func (e *Enforcer) Check(plugin, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, grant := range e.grants[plugin] {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}

// Filter returns the part of composed that plugin may see. A granted path
// keeps its whole subtree; a nested record that is not granted itself is
// kept only for its granted descendants. Unregistered plugins keep
// everything, so grants are opt-in per plugin.
func (e *Enforcer) Filter(plugin string, composed map[string]any) map[string]any {
	if !e.IsRegistered(plugin) {
		return composed
	}
	out := e.filter(plugin, "", composed)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// FilterFunc binds Filter to one plugin.
func (e *Enforcer) FilterFunc(plugin string) func(map[string]any) map[string]any {
	return func(composed map[string]any) map[string]any {
		return e.Filter(plugin, composed)
	}
}

func (e *Enforcer) filter(plugin, prefix string, m map[string]any) map[string]any {
	var out map[string]any
	for key, value := range m {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if e.Check(plugin, path) {
			if out == nil {
				out = make(map[string]any)
			}
			out[key] = value
			continue
		}

		nested, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if kept := e.filter(plugin, path, nested); kept != nil {
			if out == nil {
				out = make(map[string]any)
			}
			out[key] = kept
		}
	}
	return out
}
