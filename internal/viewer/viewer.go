// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package viewer is a headless model of the map viewer plugins drive: a
// camera and an ordered list of layers. It holds state only; rendering is
// somebody else's job.
package viewer

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Error codes returned by the viewer.
const (
	ErrCodeInvalidCamera = "VIEWER_INVALID_CAMERA"
	ErrCodeLayerNotFound = "VIEWER_LAYER_NOT_FOUND"
	ErrCodeInvalidLayer  = "VIEWER_INVALID_LAYER"
)

// MinHeight is the lowest camera height, in metres.
const MinHeight = 1.0

// Camera is a viewpoint above the globe. Angles are in degrees.
type Camera struct {
	Longitude float64
	Latitude  float64
	Height    float64
	Heading   float64
	Pitch     float64
}

// DefaultCamera looks straight down at 0,0 from orbit.
var DefaultCamera = Camera{Height: 20_000_000, Pitch: -90}

func (c Camera) validate() error {
	switch {
	case c.Latitude < -90 || c.Latitude > 90:
		return oops.Code(ErrCodeInvalidCamera).With("latitude", c.Latitude).Errorf("latitude out of range")
	case c.Longitude < -180 || c.Longitude > 180:
		return oops.Code(ErrCodeInvalidCamera).With("longitude", c.Longitude).Errorf("longitude out of range")
	case c.Height < MinHeight:
		return oops.Code(ErrCodeInvalidCamera).With("height", c.Height).Errorf("height below %v", MinHeight)
	}
	return nil
}

// Map returns the camera as a plain record.
func (c Camera) Map() map[string]any {
	return map[string]any{
		"longitude": c.Longitude,
		"latitude":  c.Latitude,
		"height":    c.Height,
		"heading":   c.Heading,
		"pitch":     c.Pitch,
	}
}

// Layer is one data layer of the viewer.
type Layer struct {
	ID      string
	Name    string
	Kind    string
	Source  string
	Visible bool
}

// Map returns the layer as a plain record.
func (l Layer) Map() map[string]any {
	return map[string]any{
		"id":      l.ID,
		"name":    l.Name,
		"kind":    l.Kind,
		"source":  l.Source,
		"visible": l.Visible,
	}
}

// LayerKinds lists the kinds AddLayer accepts.
var LayerKinds = []string{"imagery", "terrain", "vector", "tiles3d"}

// Change topics passed to a ChangeHandler.
const (
	TopicCameraMoved  = "viewer.camera.moved"
	TopicLayerAdded   = "viewer.layers.added"
	TopicLayerChanged = "viewer.layers.changed"
	TopicLayerRemoved = "viewer.layers.removed"
)

// ChangeHandler is called after every camera or layer change, outside the
// viewer's lock.
type ChangeHandler func(topic string, payload map[string]any)

// Viewer holds the camera and layers. It is safe for concurrent use.
type Viewer struct {
	mu       sync.RWMutex
	camera   Camera
	layers   []Layer
	logger   *slog.Logger
	onChange ChangeHandler
}

// Option configures a Viewer.
type Option func(*Viewer)

// WithLogger sets the logger camera and layer changes are logged to.
func WithLogger(l *slog.Logger) Option {
	return func(v *Viewer) { v.logger = l }
}

// WithChangeHandler sets the handler notified of changes.
func WithChangeHandler(fn ChangeHandler) Option {
	return func(v *Viewer) { v.onChange = fn }
}

// WithCamera sets the initial camera.
func WithCamera(c Camera) Option {
	return func(v *Viewer) { v.camera = c }
}

// New creates a viewer at DefaultCamera with no layers.
func New(opts ...Option) *Viewer {
	v := &Viewer{camera: DefaultCamera, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Camera returns the current camera.
func (v *Viewer) Camera() Camera {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.camera
}

// FlyTo moves the camera. Invalid cameras leave it unchanged.
func (v *Viewer) FlyTo(c Camera) error {
	if err := c.validate(); err != nil {
		return err
	}
	v.mu.Lock()
	v.camera = c
	v.mu.Unlock()

	v.logger.Debug("camera moved",
		"longitude", c.Longitude, "latitude", c.Latitude, "height", c.Height)
	v.notify(TopicCameraMoved, c.Map())
	return nil
}

// Zoom divides the camera height by factor, so factors above 1 move
// closer. The height never drops below MinHeight.
func (v *Viewer) Zoom(factor float64) (Camera, error) {
	if factor <= 0 {
		return Camera{}, oops.Code(ErrCodeInvalidCamera).With("factor", factor).Errorf("zoom factor must be positive")
	}
	v.mu.Lock()
	v.camera.Height = max(v.camera.Height/factor, MinHeight)
	c := v.camera
	v.mu.Unlock()

	v.notify(TopicCameraMoved, c.Map())
	return c, nil
}

// Layers returns the layers in drawing order.
func (v *Viewer) Layers() []Layer {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.layers)
}

// AddLayer appends a visible layer and returns it.
func (v *Viewer) AddLayer(name, kind, source string) (Layer, error) {
	if name == "" {
		return Layer{}, oops.Code(ErrCodeInvalidLayer).Errorf("layer name cannot be empty")
	}
	if !slices.Contains(LayerKinds, kind) {
		return Layer{}, oops.Code(ErrCodeInvalidLayer).
			With("kind", kind).
			Errorf("unknown layer kind %q", kind)
	}

	layer := Layer{
		ID:      ulid.Make().String(),
		Name:    name,
		Kind:    kind,
		Source:  source,
		Visible: true,
	}
	v.mu.Lock()
	v.layers = append(v.layers, layer)
	v.mu.Unlock()

	v.logger.Debug("layer added", "layer_id", layer.ID, "name", name, "kind", kind)
	v.notify(TopicLayerAdded, layer.Map())
	return layer, nil
}

// SetVisible shows or hides a layer.
func (v *Viewer) SetVisible(id string, visible bool) error {
	v.mu.Lock()
	i := v.index(id)
	if i < 0 {
		v.mu.Unlock()
		return oops.Code(ErrCodeLayerNotFound).With("layer_id", id).Errorf("layer not found")
	}
	v.layers[i].Visible = visible
	layer := v.layers[i]
	v.mu.Unlock()

	v.notify(TopicLayerChanged, layer.Map())
	return nil
}

// RemoveLayer deletes a layer.
func (v *Viewer) RemoveLayer(id string) error {
	v.mu.Lock()
	i := v.index(id)
	if i < 0 {
		v.mu.Unlock()
		return oops.Code(ErrCodeLayerNotFound).With("layer_id", id).Errorf("layer not found")
	}
	v.layers = slices.Delete(v.layers, i, i+1)
	v.mu.Unlock()

	v.notify(TopicLayerRemoved, map[string]any{"id": id})
	return nil
}

func (v *Viewer) notify(topic string, payload map[string]any) {
	if v.onChange != nil {
		v.onChange(topic, payload)
	}
}

func (v *Viewer) index(id string) int {
	return slices.IndexFunc(v.layers, func(l Layer) bool { return l.ID == id })
}
