// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorhq/visor/internal/plugin"
	"github.com/visorhq/visor/pkg/errutil"
)

func TestPluginDirs(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "measure", "lua", "main.lua", "")
	writeTestPlugin(t, root, "annotate", "js", "main.js", "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), nil, 0o600))

	dirs, err := pluginDirs(root)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "annotate"), filepath.Join(root, "measure")}, dirs)

	_, err = pluginDirs(filepath.Join(root, "missing"))
	require.Error(t, err)
}

func TestValidate_AllValid(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "measure", "lua", "main.lua", "x = 1")

	out, err := executeRoot("validate", filepath.Join(root, "measure"))
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+filepath.Join(root, "measure"))
}

func TestValidate_ReportsFailures(t *testing.T) {
	root := t.TempDir()
	writeTestPlugin(t, root, "measure", "lua", "main.lua", "x = 1")

	badEngine := filepath.Join(root, "bad-engine")
	require.NoError(t, os.MkdirAll(badEngine, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(badEngine, plugin.ManifestFile),
		[]byte("name: bad-engine\nversion: 1.0.0\nengine: python\nentry: main.py\n"), 0o600))

	noEntry := filepath.Join(root, "no-entry")
	require.NoError(t, os.MkdirAll(noEntry, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(noEntry, plugin.ManifestFile),
		[]byte("name: no-entry\nversion: 1.0.0\nengine: lua\nentry: main.lua\n"), 0o600))

	out, err := executeRoot("validate", filepath.Join(root, "measure"), badEngine, noEntry, filepath.Join(root, "missing"))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.ErrCodeInvalidManifest)
	assert.Contains(t, err.Error(), "3 of 4 manifests invalid")

	assert.Contains(t, out, "ok   "+filepath.Join(root, "measure"))
	assert.Contains(t, out, "FAIL "+badEngine)
	assert.Contains(t, out, "FAIL "+noEntry)
	assert.Contains(t, out, "FAIL "+filepath.Join(root, "missing"))
}

func TestValidate_DefaultPluginsDir(t *testing.T) {
	data := t.TempDir()
	t.Setenv("XDG_DATA_HOME", data)
	root := filepath.Join(data, "visor", "plugins")
	writeTestPlugin(t, root, "measure", "lua", "main.lua", "x = 1")

	out, err := executeRoot("validate")
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+filepath.Join(root, "measure"))
}

func TestValidate_BundledPlugins(t *testing.T) {
	dirs, err := pluginDirs(filepath.Join("..", "..", "plugins"))
	require.NoError(t, err)
	require.NotEmpty(t, dirs)

	out, err := executeRoot(append([]string{"validate"}, dirs...)...)
	require.NoError(t, err, out)
}

func TestRun_BundledEcho(t *testing.T) {
	cmd, buf := testCommand(t)
	opts := &runOptions{publish: `{"topic":"viewer.camera.moved"}`, eval: "return overlay ~= nil"}
	require.NoError(t, runWithDeps(context.Background(), testConfig(t, filepath.Join("..", "..", "plugins")), opts, cmd, nil))

	assert.Contains(t, buf.String(), "echo: true")
	assert.Contains(t, buf.String(), "Published to 1 plugin(s)")
}
