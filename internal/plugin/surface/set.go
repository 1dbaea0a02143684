// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package surface

// Capabilities holds one capability object per surface.
type Capabilities struct {
	Primary map[string]any
	Modal   map[string]any
	Overlay map[string]any
}

// Set is the three surfaces lent to one instance.
type Set struct {
	Primary *Surface
	Modal   *Surface
	Overlay *Surface
}

// NewSet creates three fresh surfaces.
func NewSet() *Set {
	return &Set{
		Primary: New(Primary),
		Modal:   New(Modal),
		Overlay: New(Overlay),
	}
}

// All returns the surfaces in composition order.
func (s *Set) All() []*Surface {
	return []*Surface{s.Primary, s.Modal, s.Overlay}
}

// Get returns the surface with the given name, or nil.
func (s *Set) Get(name Name) *Surface {
	switch name {
	case Primary:
		return s.Primary
	case Modal:
		return s.Modal
	case Overlay:
		return s.Overlay
	default:
		return nil
	}
}

// Ready reports whether all three surfaces are ready.
func (s *Set) Ready() bool {
	for _, sf := range s.All() {
		if sf == nil || !sf.IsReady() {
			return false
		}
	}
	return true
}

// Snapshot returns the capability objects when all surfaces are ready.
func (s *Set) Snapshot() (Capabilities, bool) {
	if s.Primary == nil || s.Modal == nil || s.Overlay == nil {
		return Capabilities{}, false
	}
	p, m, o := s.Primary.Capabilities(), s.Modal.Capabilities(), s.Overlay.Capabilities()
	if !s.Primary.IsReady() || !s.Modal.IsReady() || !s.Overlay.IsReady() {
		return Capabilities{}, false
	}
	return Capabilities{Primary: p, Modal: m, Overlay: o}, true
}

// Watch registers fn on all three surfaces. The returned func unregisters
// every watch.
func (s *Set) Watch(fn func(Name, Event)) (stop func()) {
	var stops []func()
	for _, sf := range s.All() {
		if sf != nil {
			stops = append(stops, sf.Watch(fn))
		}
	}
	return func() {
		for _, st := range stops {
			st()
		}
	}
}
