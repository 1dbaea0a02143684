// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package hostfunc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorhq/visor/internal/plugin"
	"github.com/visorhq/visor/internal/plugin/engine"
	"github.com/visorhq/visor/internal/plugin/hostfunc"
	pluginjs "github.com/visorhq/visor/internal/plugin/js"
	pluginlua "github.com/visorhq/visor/internal/plugin/lua"
	"github.com/visorhq/visor/internal/plugin/marshal"
	"github.com/visorhq/visor/internal/plugin/surface"
	"github.com/visorhq/visor/internal/scheduler/schedulertest"
	"github.com/visorhq/visor/internal/store"
	"github.com/visorhq/visor/internal/viewer"
)

type guest struct {
	sched *schedulertest.Scheduler
	set   *surface.Set
	inst  *plugin.Instance
	view  *viewer.Viewer
	kv    *store.MemoryKVStore

	mu   sync.Mutex
	errs []error
}

func loadGuest(t *testing.T, eng engine.Engine, code string) *guest {
	t.Helper()
	g := &guest{
		sched: schedulertest.New(),
		set:   surface.NewSet(),
		view:  viewer.New(),
		kv:    store.NewMemoryKVStore(),
	}
	g.inst = plugin.NewInstance(eng, g.set, plugin.NamespacedComposer,
		plugin.WithName("measure"),
		plugin.WithScheduler(g.sched),
		plugin.WithMarshal(marshal.NewPolicy(marshal.AllowHostFuncs)),
		plugin.WithCallbacks(plugin.Callbacks{OnError: func(err error) {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}}),
	)
	t.Cleanup(g.inst.Dispose)

	hostfunc.New(g.kv, g.view).Provide("measure", g.set)
	require.NoError(t, g.inst.Load(context.Background(), plugin.SourceCode(code)))
	g.sched.RunUntilIdle(100)
	require.Equal(t, plugin.StateReady, g.inst.State())
	return g
}

func (g *guest) errors() []error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]error(nil), g.errs...)
}

// eventually drains the scheduler until global name is set.
func (g *guest) eventually(t *testing.T, name string) any {
	t.Helper()
	var got any
	require.Eventually(t, func() bool {
		g.sched.RunUntilIdle(100)
		v, err := g.inst.Global(name)
		got = v
		return err == nil && v != nil
	}, time.Second, 5*time.Millisecond)
	return got
}

func TestLuaPluginDrivesTheViewer(t *testing.T) {
	g := loadGuest(t, pluginlua.NewEngine(nil), `
		primary.camera.fly_to({ longitude = 2.35, latitude = 48.85, height = 2000 })
		primary.camera.zoom(4)
		local layer = primary.layers.add("measurements", "vector")
		primary.layers.hide(layer.id)
		primary.ui.render("<b>distance</b>")
		primary.ui.show()
		overlay.ui.render("hint")
		request = primary.new_request_id()
	`)

	assert.Equal(t, viewer.Camera{Longitude: 2.35, Latitude: 48.85, Height: 500}, g.view.Camera())
	require.Len(t, g.view.Layers(), 1)
	assert.False(t, g.view.Layers()[0].Visible)
	assert.Equal(t, "<b>distance</b>", g.set.Primary.Content())
	assert.True(t, g.set.Primary.Visible())
	assert.Equal(t, "hint", g.set.Overlay.Content())
	assert.Nil(t, g.set.Modal.Content())

	id, err := g.inst.Global("request")
	require.NoError(t, err)
	assert.Len(t, id, 26)
	assert.Empty(t, g.errors())
}

func TestLuaPluginStorage(t *testing.T) {
	g := loadGuest(t, pluginlua.NewEngine(nil), `
		primary.storage.set("unit", "km"):next(function()
			return primary.storage.get("unit")
		end):next(function(v)
			unit = v
		end)
	`)

	assert.Equal(t, "km", g.eventually(t, "unit"))
	raw, err := g.kv.Get(context.Background(), "measure", "unit")
	require.NoError(t, err)
	assert.Equal(t, []byte("km"), raw)
}

func TestLuaPluginCatchesCapabilityErrors(t *testing.T) {
	g := loadGuest(t, pluginlua.NewEngine(nil), `
		ok, err = pcall(primary.camera.zoom, -1)
		caught = tostring(err)
	`)

	caught, err := g.inst.Global("caught")
	require.NoError(t, err)
	assert.Contains(t, caught, "zoom factor must be positive")
	assert.Empty(t, g.errors())
}

func TestJSPluginDrivesTheViewer(t *testing.T) {
	g := loadGuest(t, pluginjs.NewEngine(pluginjs.Config{}), `
		primary.camera.fly_to({ latitude: -33.86, longitude: 151.21, height: 1200 });
		modal.ui.render({ title: "Sydney" });
		modal.ui.show();
		primary.storage.set("city", "sydney").then(() => { saved = true; });
	`)

	assert.Equal(t, viewer.Camera{Longitude: 151.21, Latitude: -33.86, Height: 1200}, g.view.Camera())
	assert.Equal(t, map[string]any{"title": "Sydney"}, g.set.Modal.Content())
	assert.True(t, g.set.Modal.Visible())
	assert.Equal(t, true, g.eventually(t, "saved"))
	assert.Empty(t, g.errors())
}
