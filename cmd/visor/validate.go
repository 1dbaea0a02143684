// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package main

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/visorhq/visor/internal/plugin"
	"github.com/visorhq/visor/internal/xdg"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [plugin-dir...]",
		Short: "Validate plugin manifests",
		Long: `Check each plugin directory's plugin.yaml against the manifest schema and
the manifest rules. Without arguments every plugin under the default plugins
directory is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				found, err := pluginDirs(xdg.PluginsDir())
				if err != nil {
					return err
				}
				dirs = found
			}
			return validateDirs(cmd, dirs)
		},
	}
}

// pluginDirs lists the subdirectories of root that hold a manifest.
func pluginDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, oops.With("dir", root).Wrapf(err, "read plugins directory")
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, plugin.ManifestFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// validateDirs prints one line per directory and fails if any is invalid.
func validateDirs(cmd *cobra.Command, dirs []string) error {
	failed := 0
	for _, dir := range dirs {
		if err := validateDir(dir); err != nil {
			failed++
			cmd.Printf("FAIL %s: %s\n", dir, plugin.FormatSchemaError(err))
			continue
		}
		cmd.Printf("ok   %s\n", dir)
	}
	if failed > 0 {
		return oops.Code(plugin.ErrCodeInvalidManifest).
			With("failed", failed).
			Errorf("%d of %d manifests invalid", failed, len(dirs))
	}
	return nil
}

func validateDir(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, plugin.ManifestFile))
	if err != nil {
		return oops.With("dir", dir).Wrap(err)
	}
	if err := plugin.ValidateSchema(data); err != nil {
		return err
	}
	m, err := plugin.ParseManifest(data)
	if err != nil {
		return err
	}
	if _, err := m.Source(dir); err != nil {
		return err
	}
	return nil
}
