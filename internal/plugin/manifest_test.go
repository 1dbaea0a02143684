// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorhq/visor/internal/plugin"
	"github.com/visorhq/visor/pkg/errutil"
)

const validManifest = `
name: measure
version: 1.2.0
description: distance and area tools
engine: lua
entry: main.lua
capabilities:
  - primary.camera.*
  - primary.ui.**
requires: ">= 0.1.0"
dependencies:
  units: "^1.0.0"
`

func TestParseManifest(t *testing.T) {
	m, err := plugin.ParseManifest([]byte(validManifest))
	require.NoError(t, err)

	assert.Equal(t, "measure", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, plugin.EngineLua, m.Engine)
	assert.Equal(t, "main.lua", m.Entry)
	assert.Equal(t, []string{"primary.camera.*", "primary.ui.**"}, m.Capabilities)
	assert.Equal(t, []string{"units"}, m.DependencyNames())
}

func TestParseManifest_URLSource(t *testing.T) {
	m, err := plugin.ParseManifest([]byte(`
name: remote
version: 0.1.0
engine: js
url: https://plugins.example/remote.js
checksum: ` + strings.Repeat("ab", 32) + `
`))
	require.NoError(t, err)
	assert.Equal(t, plugin.EngineJS, m.Engine)
	assert.Equal(t, "https://plugins.example/remote.js", m.URL)
}

func TestParseManifest_Invalid(t *testing.T) {
	base := "name: p\nversion: 1.0.0\nengine: lua\nentry: main.lua\n"
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"empty", "", ""},
		{"bad yaml", "name: [", ""},
		{"uppercase name", strings.Replace(base, "name: p", "name: Measure", 1), "name"},
		{"trailing hyphen", strings.Replace(base, "name: p", "name: measure-", 1), "name"},
		{"long name", strings.Replace(base, "name: p", "name: a"+strings.Repeat("b", 64), 1), "name"},
		{"missing version", strings.Replace(base, "version: 1.0.0\n", "", 1), "version"},
		{"leading v", strings.Replace(base, "1.0.0", "v1.0.0", 1), "version"},
		{"two part version", strings.Replace(base, "1.0.0", "\"1.0\"", 1), "version"},
		{"unknown engine", strings.Replace(base, "engine: lua", "engine: wasm", 1), "engine"},
		{"no source", strings.Replace(base, "entry: main.lua\n", "", 1), "entry"},
		{"both sources", base + "url: https://x.example/p.lua\n", "entry"},
		{"escaping entry", strings.Replace(base, "main.lua", "../main.lua", 1), "entry"},
		{"non http url", strings.Replace(base, "entry: main.lua", "url: file:///etc/passwd", 1), "url"},
		{"short checksum", base + "checksum: abc\n", "checksum"},
		{"empty capability", base + "capabilities: [\"\"]\n", "capabilities"},
		{"bad capability", base + "capabilities: [\"primary.[camera\"]\n", "capabilities"},
		{"bad requires", base + "requires: not-a-version\n", "requires"},
		{"self dependency", base + "dependencies:\n  p: \"1.0.0\"\n", "dependencies"},
		{"bad dependency constraint", base + "dependencies:\n  other: \"nope\"\n", "dependencies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(tt.yaml))
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, plugin.ErrCodeInvalidManifest)
			if tt.field != "" {
				errutil.AssertErrorContext(t, err, "field", tt.field)
			}
		})
	}
}

func TestParseManifest_ValidVersions(t *testing.T) {
	for _, version := range []string{"1.0.0", "1.0.0-alpha.1", "1.0.0+build", "0.0.0", "100.200.300"} {
		t.Run(version, func(t *testing.T) {
			m, err := plugin.ParseManifest([]byte("name: p\nversion: " + version + "\nengine: js\nentry: main.js\n"))
			require.NoError(t, err)
			assert.Equal(t, version, m.Version)
		})
	}
}

func TestManifest_Supports(t *testing.T) {
	tests := []struct {
		requires string
		host     string
		want     bool
	}{
		{"", "0.0.1", true},
		{">= 0.3.0", "0.3.0", true},
		{">= 0.3.0", "0.2.9", false},
		{"^1.2.0", "1.9.0", true},
		{"^1.2.0", "2.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.requires+"/"+tt.host, func(t *testing.T) {
			m := &plugin.Manifest{Requires: tt.requires}
			got, err := m.Supports(tt.host)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := (&plugin.Manifest{Requires: ">= 1.0.0"}).Supports("dev")
	assert.Error(t, err)
}

func TestManifest_Satisfies(t *testing.T) {
	m := &plugin.Manifest{Dependencies: map[string]string{"units": "~1.2.0"}}

	assert.True(t, m.Satisfies("units", "1.2.7"))
	assert.False(t, m.Satisfies("units", "1.3.0"))
	assert.False(t, m.Satisfies("other", "1.2.0"))
	assert.False(t, m.Satisfies("units", "garbage"))
}

func TestManifest_Source(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte("x = 1"), 0o600))

	m := &plugin.Manifest{Name: "p", Entry: "main.lua", Checksum: plugin.Checksum("x = 1")}
	src, err := m.Source(dir)
	require.NoError(t, err)
	assert.False(t, src.IsURL())
	assert.Equal(t, "code", src.String())

	m = &plugin.Manifest{Name: "p", URL: "https://x.example/p.js"}
	src, err = m.Source(dir)
	require.NoError(t, err)
	assert.True(t, src.IsURL())

	m = &plugin.Manifest{Name: "p", Entry: "missing.lua"}
	_, err = m.Source(dir)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.ErrCodeLoadFailed)
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	_, err := plugin.ReadManifest(dir)
	errutil.AssertErrorCode(t, err, plugin.ErrCodeInvalidManifest)

	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(validManifest), 0o600))
	m, err := plugin.ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "measure", m.Name)
}
