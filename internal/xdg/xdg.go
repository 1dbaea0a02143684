// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package xdg resolves the XDG Base Directory locations visor reads from.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "visor"

// dir returns $env/visor, or $HOME/fallback.../visor when env is unset.
func dir(env string, fallback ...string) string {
	base := os.Getenv(env)
	if base == "" {
		base = filepath.Join(append([]string{os.Getenv("HOME")}, fallback...)...)
	}
	return filepath.Join(base, appName)
}

// ConfigDir returns $XDG_CONFIG_HOME/visor, defaulting to ~/.config/visor.
func ConfigDir() string {
	return dir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns $XDG_DATA_HOME/visor, defaulting to ~/.local/share/visor.
func DataDir() string {
	return dir("XDG_DATA_HOME", ".local", "share")
}

// ConfigFile returns the default config file path.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// PluginsDir returns the default directory holding plugin subdirectories.
func PluginsDir() string {
	return filepath.Join(DataDir(), "plugins")
}
