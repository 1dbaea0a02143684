// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visorhq/visor/internal/config"
	"github.com/visorhq/visor/pkg/errutil"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := config.Load("", false, newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "/data/visor/plugins", cfg.PluginsDir)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, config.DefaultStorageTimeout, cfg.StorageTimeout)
	assert.Equal(t, config.DefaultCallStackSize, cfg.CallStackSize)
	assert.False(t, cfg.AutoMigrate)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
plugins-dir: /srv/plugins
log-format: text
storage-timeout: 2s
call-stack-size: 256
`)

	cfg, err := config.Load(path, true, newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "/srv/plugins", cfg.PluginsDir)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 2*time.Second, cfg.StorageTimeout)
	assert.Equal(t, 256, cfg.CallStackSize)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep flag defaults")
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "plugins-dir: /srv/plugins\nlog-level: warn\n")

	cfg, err := config.Load(path, true, newFlags(t, "--plugins-dir", "/tmp/p"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/p", cfg.PluginsDir)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	_, err := config.Load(missing, false, newFlags(t))
	require.NoError(t, err, "a missing default file is fine")

	_, err = config.Load(missing, true, newFlags(t))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, config.ErrCodeInvalid)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := config.Load(writeConfig(t, "plugins-dir: ["), true, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, config.ErrCodeInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"log format", func(c *config.Config) { c.LogFormat = "xml" }, "log-format"},
		{"log level", func(c *config.Config) { c.LogLevel = "loud" }, "log-level"},
		{"storage timeout", func(c *config.Config) { c.StorageTimeout = 0 }, "storage-timeout"},
		{"fetch timeout", func(c *config.Config) { c.FetchTimeout = -time.Second }, "fetch-timeout"},
		{"call stack", func(c *config.Config) { c.CallStackSize = -1 }, "call-stack-size"},
		{"auto migrate", func(c *config.Config) { c.AutoMigrate = true }, "auto-migrate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, config.ErrCodeInvalid)
			errutil.AssertErrorContext(t, err, "field", tt.field)
		})
	}
}
