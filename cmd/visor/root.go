// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/visorhq/visor/internal/config"
	"github.com/visorhq/visor/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the visor CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visor",
		Short: "Visor - sandboxed plugin runtime for a globe viewer",
		Long: `Visor runs Lua and JavaScript plugins in isolated guest contexts,
exposing the viewer to them through primary, modal and overlay surfaces.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/visor/config.yaml)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// loadConfig reads the config file and overlays the command's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, explicit := configFile, configFile != ""
	if !explicit {
		path = xdg.ConfigFile()
	}
	cfg, err := config.Load(path, explicit, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("visor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
