// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorhq/visor/internal/plugin"
)

func TestSchema_Stdout(t *testing.T) {
	out, err := executeRoot("schema")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, sonic.UnmarshalString(strings.TrimSpace(out), &doc))
	assert.Equal(t, plugin.SchemaID, doc["$id"])
	assert.Contains(t, doc, "properties")
}

func TestSchema_OutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas", "plugin.schema.json")

	out, err := executeRoot("schema", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Generated "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"engine"`)
}
