// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

//go:build integration

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/visorhq/visor/internal/plugin"
	"github.com/visorhq/visor/internal/plugin/hostfunc"
	"github.com/visorhq/visor/internal/store"
	"github.com/visorhq/visor/internal/viewer"
)

const measurePlugin = `
name: measure
version: 1.2.0
engine: lua
entry: main.lua
capabilities:
  - primary.**
  - overlay.ui.*
`

const measureCode = `
primary.camera.fly_to({ longitude = 2.35, latitude = 48.85, height = 4000 })
overlay.ui.render("measuring")
overlay.ui.show()
events.on(function(msg)
  if msg.topic == "camera.zoom" then
    primary.camera.zoom(msg.payload)
    primary.storage.set("last_zoom", tostring(msg.payload)):next(function()
      saved = true
    end)
  end
end)
`

const annotatePlugin = `
name: annotate
version: 0.3.0
engine: js
entry: main.js
capabilities:
  - primary.layers.*
dependencies:
  measure: "^1.0.0"
`

const annotateCode = `
var layer = primary.layers.add("notes", "vector");
events.on(function (msg) {
  if (msg.topic === "layers.hide") {
    primary.layers.hide(layer.id);
    hidden = layer.id;
  }
});
`

func writeSuitePlugin(root, dir, manifest, entry, code string) {
	path := filepath.Join(root, dir)
	Expect(os.MkdirAll(path, 0o750)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(path, plugin.ManifestFile), []byte(manifest), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(path, entry), []byte(code), 0o600)).To(Succeed())
}

var _ = Describe("Managed plugins", func() {
	var (
		ctx  context.Context
		mgr  *plugin.Manager
		view *viewer.Viewer
		kv   *store.MemoryKVStore
		sub  *plugin.Subscriber
	)

	BeforeEach(func() {
		ctx = context.Background()
		root := GinkgoT().TempDir()
		writeSuitePlugin(root, "measure", measurePlugin, "main.lua", measureCode)
		writeSuitePlugin(root, "annotate", annotatePlugin, "main.js", annotateCode)

		view = viewer.New()
		kv = store.NewMemoryKVStore()
		mgr = plugin.NewManager(root,
			plugin.WithSurfaceProvider(hostfunc.New(kv, view)),
			plugin.WithHostVersion("0.1.0"))
		Expect(mgr.LoadAll(ctx)).To(Succeed())

		sub = plugin.NewSubscriber(mgr, nil)
		Expect(sub.Subscribe("measure", "camera.*")).To(Succeed())
		Expect(sub.Subscribe("annotate", "layers.*")).To(Succeed())
	})

	AfterEach(func() {
		Expect(mgr.Close(ctx)).To(Succeed())
	})

	It("loads every plugin and reaches ready", func() {
		Expect(mgr.ListPlugins()).To(Equal([]string{"annotate", "measure"}))
		Expect(mgr.Ready()).To(BeTrue())
	})

	It("lets plugins drive the viewer through their surfaces", func() {
		Expect(view.Camera().Height).To(BeNumerically("==", 4000))
		Expect(view.Layers()).To(HaveLen(1))
		Expect(view.Layers()[0].Name).To(Equal("notes"))

		overlay := mgr.Get("measure").Surfaces.Overlay
		Expect(overlay.Content()).To(Equal("measuring"))
		Expect(overlay.Visible()).To(BeTrue())
	})

	It("relays host events by topic", func() {
		Expect(sub.Dispatch(plugin.Event{Topic: "camera.zoom", Payload: 2})).To(Equal(1))
		Expect(view.Camera().Height).To(BeNumerically("==", 2000))

		Eventually(func() any {
			v, _ := mgr.Get("measure").Instance.Global("saved")
			return v
		}, time.Second, 10*time.Millisecond).Should(Equal(true))

		raw, err := kv.Get(ctx, "measure", "last_zoom")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(Equal("2"))

		Expect(sub.Dispatch(plugin.Event{Topic: "layers.hide"})).To(Equal(1))
		Expect(view.Layers()[0].Visible).To(BeFalse())
	})

	It("filters surfaces a plugin was not granted", func() {
		v, err := mgr.Get("annotate").Instance.EvalCode(ctx, `typeof primary.camera`)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("undefined"))
	})

	It("disposes plugins on close", func() {
		measure := mgr.Get("measure").Instance
		Expect(mgr.Close(ctx)).To(Succeed())
		Expect(measure.State()).To(Equal(plugin.StateDisposed))
		Expect(sub.Dispatch(plugin.Event{Topic: "camera.zoom", Payload: 2})).To(BeZero())
	})
})
