// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package surface models the host-owned UI surfaces lent to a plugin
// instance. Each surface carries its own capability object; nothing exposed
// through one surface is visible through another.
package surface

import (
	"fmt"
	"sync"
)

// Name identifies a surface.
type Name string

// The three surfaces every plugin instance is given.
const (
	Primary Name = "primary"
	Modal   Name = "modal"
	Overlay Name = "overlay"
)

// Names returns the surfaces in composition order.
func Names() []Name {
	return []Name{Primary, Modal, Overlay}
}

// Event describes a change to a surface.
type Event int

// Surface events.
const (
	EventReady Event = iota
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventReady:
		return "ready"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Surface is one capability domain plus its UI container.
//
// The host owns a Surface and lends it to an instance. Watchers are called
// synchronously on the goroutine that changed the surface and must not
// block.
type Surface struct {
	name Name

	mu       sync.Mutex
	caps     map[string]any
	ready    chan struct{}
	isReady  bool
	watchers map[int]func(Name, Event)
	nextID   int

	content any
	visible bool
}

// New creates a surface that is not yet ready.
func New(name Name) *Surface {
	return &Surface{
		name:     name,
		ready:    make(chan struct{}),
		watchers: make(map[int]func(Name, Event)),
	}
}

// Name returns the surface name.
func (s *Surface) Name() Name { return s.name }

// Provide installs the capability object and marks the surface ready.
// Providing again replaces the capabilities; a ready surface stays ready.
func (s *Surface) Provide(caps map[string]any) {
	s.mu.Lock()
	s.caps = caps
	wasReady := s.isReady
	if !wasReady {
		s.isReady = true
		close(s.ready)
	}
	watchers := s.snapshotWatchers()
	s.mu.Unlock()

	if !wasReady {
		notify(watchers, s.name, EventReady)
	}
}

// Capabilities returns the capability object, or nil if not ready.
func (s *Surface) Capabilities() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Ready is closed once the surface has capabilities. A reset replaces it.
func (s *Surface) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// IsReady reports whether capabilities are present.
func (s *Surface) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isReady
}

// Reset drops the capabilities and clears the container. The surface is
// not ready until Provide is called again.
func (s *Surface) Reset() {
	s.mu.Lock()
	s.caps = nil
	if s.isReady {
		s.isReady = false
		s.ready = make(chan struct{})
	}
	s.content = nil
	s.visible = false
	watchers := s.snapshotWatchers()
	s.mu.Unlock()

	notify(watchers, s.name, EventReset)
}

// Watch registers fn for surface events. The returned func unregisters it.
func (s *Surface) Watch(fn func(Name, Event)) (stop func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// Render replaces the container content.
func (s *Surface) Render(content any) {
	s.mu.Lock()
	s.content = content
	s.mu.Unlock()
}

// Show makes the container visible.
func (s *Surface) Show() {
	s.mu.Lock()
	s.visible = true
	s.mu.Unlock()
}

// Hide makes the container invisible without clearing it.
func (s *Surface) Hide() {
	s.mu.Lock()
	s.visible = false
	s.mu.Unlock()
}

// Clear empties and hides the container. The capabilities are kept; the
// container stays owned by the host.
func (s *Surface) Clear() {
	s.mu.Lock()
	s.content = nil
	s.visible = false
	s.mu.Unlock()
}

// Content returns the rendered content.
func (s *Surface) Content() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

// Visible reports whether the container is shown.
func (s *Surface) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *Surface) snapshotWatchers() []func(Name, Event) {
	out := make([]func(Name, Event), 0, len(s.watchers))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.watchers[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(watchers []func(Name, Event), name Name, ev Event) {
	for _, fn := range watchers {
		fn(name, ev)
	}
}
