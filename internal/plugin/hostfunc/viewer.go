// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package hostfunc

import (
	"github.com/visorhq/visor/pkg/plugin"
)

func (f *Functions) camera() map[string]any {
	return map[string]any{
		"get": plugin.Func(func(...any) (any, error) {
			if f.viewer == nil {
				return nil, f.unavailable("camera.get", "viewer")
			}
			return f.viewer.Camera().Map(), nil
		}),
		"fly_to": plugin.Func(f.flyTo),
		"zoom": plugin.Func(func(args ...any) (any, error) {
			if f.viewer == nil {
				return nil, f.unavailable("camera.zoom", "viewer")
			}
			factor, err := numberArg("camera.zoom", args, 0, "factor")
			if err != nil {
				return nil, err
			}
			c, err := f.viewer.Zoom(factor)
			if err != nil {
				return nil, err
			}
			return c.Map(), nil
		}),
	}
}

// flyTo merges the given fields over the current camera, so a plugin can
// move only the fields it names.
func (f *Functions) flyTo(args ...any) (any, error) {
	if f.viewer == nil {
		return nil, f.unavailable("camera.fly_to", "viewer")
	}
	target, err := recordArg("camera.fly_to", args, 0, "camera")
	if err != nil {
		return nil, err
	}

	c := f.viewer.Camera()
	fields := []struct {
		name string
		dst  *float64
	}{
		{"longitude", &c.Longitude},
		{"latitude", &c.Latitude},
		{"height", &c.Height},
		{"heading", &c.Heading},
		{"pitch", &c.Pitch},
	}
	for _, field := range fields {
		v, ok := target[field.name]
		if !ok || v == nil {
			continue
		}
		n, ok := toNumber(v)
		if !ok {
			return nil, argError("camera.fly_to", field.name, "number", v)
		}
		*field.dst = n
	}

	if err := f.viewer.FlyTo(c); err != nil {
		return nil, err
	}
	return c.Map(), nil
}

func (f *Functions) layers() map[string]any {
	return map[string]any{
		"list": plugin.Func(func(...any) (any, error) {
			if f.viewer == nil {
				return nil, f.unavailable("layers.list", "viewer")
			}
			layers := f.viewer.Layers()
			out := make([]any, len(layers))
			for i, l := range layers {
				out[i] = l.Map()
			}
			return out, nil
		}),
		"add": plugin.Func(func(args ...any) (any, error) {
			if f.viewer == nil {
				return nil, f.unavailable("layers.add", "viewer")
			}
			name, err := stringArg("layers.add", args, 0, "name")
			if err != nil {
				return nil, err
			}
			kind, err := stringArg("layers.add", args, 1, "kind")
			if err != nil {
				return nil, err
			}
			source, _ := optionalArg(args, 2).(string)
			layer, err := f.viewer.AddLayer(name, kind, source)
			if err != nil {
				return nil, err
			}
			return layer.Map(), nil
		}),
		"show": plugin.Func(f.setVisible("layers.show", true)),
		"hide": plugin.Func(f.setVisible("layers.hide", false)),
	}
}

func (f *Functions) setVisible(fn string, visible bool) plugin.Func {
	return func(args ...any) (any, error) {
		if f.viewer == nil {
			return nil, f.unavailable(fn, "viewer")
		}
		id, err := stringArg(fn, args, 0, "id")
		if err != nil {
			return nil, err
		}
		return nil, f.viewer.SetVisible(id, visible)
	}
}
