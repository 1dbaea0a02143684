// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorhq/visor/pkg/errutil"
)

type scriptedMigrator struct {
	fakeMigrator
	downCalls int
	steps     []int
	forced    []int
	version   uint
	dirty     bool
	pending   []uint
}

func (m *scriptedMigrator) Down() error {
	m.downCalls++
	return nil
}

func (m *scriptedMigrator) Steps(n int) error {
	m.steps = append(m.steps, n)
	return nil
}

func (m *scriptedMigrator) Force(v int) error {
	m.forced = append(m.forced, v)
	return nil
}

func (m *scriptedMigrator) Version() (uint, bool, error) {
	return m.version, m.dirty, nil
}

func (m *scriptedMigrator) PendingMigrations() ([]uint, error) {
	return m.pending, nil
}

func (m *scriptedMigrator) AppliedMigrations() ([]uint, error) {
	return nil, nil
}

// useMigrator swaps the migrator factory and isolates config lookup.
func useMigrator(t *testing.T, m Migrator) *[]string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configFile = ""

	var urls []string
	orig := migratorFactory
	migratorFactory = func(url string) (Migrator, error) {
		urls = append(urls, url)
		return m, nil
	}
	t.Cleanup(func() { migratorFactory = orig })
	return &urls
}

func executeRoot(args ...string) (string, error) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestMigrate_Up(t *testing.T) {
	m := &scriptedMigrator{}
	urls := useMigrator(t, m)

	out, err := executeRoot("migrate", "up", "--database-url", "postgres://db/visor")
	require.NoError(t, err)

	assert.Contains(t, out, "Migrations completed successfully")
	assert.Equal(t, 1, m.upCalls)
	assert.True(t, m.closed)
	assert.Equal(t, []string{"postgres://db/visor"}, *urls)
}

func TestMigrate_UpError(t *testing.T) {
	m := &scriptedMigrator{fakeMigrator: fakeMigrator{upErr: errors.New("no change")}}
	useMigrator(t, m)

	_, err := executeRoot("migrate", "up", "--database-url", "postgres://db/visor")
	require.ErrorContains(t, err, "no change")
	assert.True(t, m.closed)
}

func TestMigrate_Down(t *testing.T) {
	m := &scriptedMigrator{}
	useMigrator(t, m)

	out, err := executeRoot("migrate", "down", "--database-url", "postgres://db/visor")
	require.NoError(t, err)
	assert.Contains(t, out, "All migrations rolled back")
	assert.Equal(t, 1, m.downCalls)

	out, err = executeRoot("migrate", "down", "2", "--database-url", "postgres://db/visor")
	require.NoError(t, err)
	assert.Contains(t, out, "Rolled back 2 migration(s)")
	assert.Equal(t, []int{-2}, m.steps)

	_, err = executeRoot("migrate", "down", "zero", "--database-url", "postgres://db/visor")
	errutil.AssertErrorCode(t, err, "INVALID_ARGUMENT")
}

func TestMigrate_Status(t *testing.T) {
	m := &scriptedMigrator{version: 1, pending: []uint{2}}
	useMigrator(t, m)

	out, err := executeRoot("migrate", "status", "--database-url", "postgres://db/visor")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: 1 (clean)")
	assert.Contains(t, out, "Pending: 1")
	assert.Contains(t, out, "000002_plugin_kv_value_size")

	m.dirty = true
	m.pending = []uint{99}
	out, err = executeRoot("migrate", "status", "--database-url", "postgres://db/visor")
	require.NoError(t, err)
	assert.Contains(t, out, "(dirty)")
	assert.Contains(t, out, "  99")

	m.pending = nil
	out, err = executeRoot("migrate", "status", "--database-url", "postgres://db/visor")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending migrations")
}

func TestMigrate_Force(t *testing.T) {
	m := &scriptedMigrator{}
	useMigrator(t, m)

	out, err := executeRoot("migrate", "force", "1", "--database-url", "postgres://db/visor")
	require.NoError(t, err)
	assert.Contains(t, out, "Forced version 1")
	assert.Equal(t, []int{1}, m.forced)
}

func TestMigrate_DatabaseURLSources(t *testing.T) {
	m := &scriptedMigrator{}

	t.Run("config file", func(t *testing.T) {
		urls := useMigrator(t, m)
		path := filepath.Join(t.TempDir(), "visor.yaml")
		require.NoError(t, os.WriteFile(path, []byte("database-url: postgres://cfg/visor\n"), 0o600))

		_, err := executeRoot("--config", path, "migrate", "up")
		require.NoError(t, err)
		assert.Equal(t, []string{"postgres://cfg/visor"}, *urls)
		configFile = ""
	})

	t.Run("environment", func(t *testing.T) {
		urls := useMigrator(t, m)
		origEnv := getenv
		getenv = func(key string) string {
			if key == "DATABASE_URL" {
				return "postgres://env/visor"
			}
			return ""
		}
		t.Cleanup(func() { getenv = origEnv })

		_, err := executeRoot("migrate", "up")
		require.NoError(t, err)
		assert.Equal(t, []string{"postgres://env/visor"}, *urls)
	})

	t.Run("missing", func(t *testing.T) {
		urls := useMigrator(t, m)
		origEnv := getenv
		getenv = func(string) string { return "" }
		t.Cleanup(func() { getenv = origEnv })

		_, err := executeRoot("migrate", "up")
		errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		errutil.AssertErrorHint(t, err, "--database-url")
		assert.Empty(t, *urls)
	})
}

func TestParseForceVersion(t *testing.T) {
	v, err := parseForceVersion("3")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = parseForceVersion("three")
	errutil.AssertErrorCode(t, err, "INVALID_VERSION")

	_, err = parseForceVersion("-1")
	errutil.AssertErrorCode(t, err, "INVALID_VERSION")
}

func TestParsePositive(t *testing.T) {
	n, err := parsePositive("4", "steps")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, arg := range []string{"0", "-2", "x"} {
		_, err := parsePositive(arg, "steps")
		errutil.AssertErrorCode(t, err, "INVALID_ARGUMENT")
	}
}
