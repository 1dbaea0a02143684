// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package main

import (
	"os"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/visorhq/visor/internal/store"
)

// Replaced in tests.
var (
	migratorFactory = func(url string) (Migrator, error) {
		return store.NewMigrator(url)
	}
	getenv = os.Getenv
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage plugin storage migrations",
		Long:  `Apply, roll back or inspect the PostgreSQL migrations of plugin storage.`,
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL URL (default: from config)")

	withMigrator := func(fn func(cmd *cobra.Command, m Migrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) (err error) {
			url, err := resolveDatabaseURL(cmd, databaseURL)
			if err != nil {
				return err
			}
			m, err := migratorFactory(url)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := m.Close(); closeErr != nil && err == nil {
					err = closeErr
				}
			}()
			return fn(cmd, m, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			cmd.Println("Migrations completed successfully")
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (all, or the given number of steps)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, args []string) error {
			if len(args) == 0 {
				if err := m.Down(); err != nil {
					return err
				}
				cmd.Println("All migrations rolled back")
				return nil
			}
			n, err := parsePositive(args[0], "steps")
			if err != nil {
				return err
			}
			if err := m.Steps(-n); err != nil {
				return err
			}
			cmd.Printf("Rolled back %d migration(s)\n", n)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current version and pending migrations",
		Args:  cobra.NoArgs,
		RunE:  withMigrator(printStatus),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the recorded version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(cmd *cobra.Command, m Migrator, args []string) error {
			v, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			if err := m.Force(v); err != nil {
				return err
			}
			cmd.Printf("Forced version %d\n", v)
			return nil
		}),
	})

	return cmd
}

func printStatus(cmd *cobra.Command, m Migrator, _ []string) error {
	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	pending, err := m.PendingMigrations()
	if err != nil {
		return err
	}

	state := "clean"
	if dirty {
		state = "dirty"
	}
	cmd.Printf("Version: %d (%s)\n", v, state)
	if len(pending) == 0 {
		cmd.Println("No pending migrations")
		return nil
	}
	cmd.Printf("Pending: %d\n", len(pending))
	for _, p := range pending {
		name, err := store.MigrationName(p)
		if err != nil || name == "" {
			name = strconv.FormatUint(uint64(p), 10)
		}
		cmd.Printf("  %s\n", name)
	}
	return nil
}

// resolveDatabaseURL prefers the flag, then config and DATABASE_URL.
func resolveDatabaseURL(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL, nil
	}
	if env := getenv("DATABASE_URL"); env != "" {
		return env, nil
	}
	return "", oops.Code("CONFIG_INVALID").
		Hint("pass --database-url, set database-url in the config file or DATABASE_URL").
		Errorf("database URL is required")
}

func parseForceVersion(arg string) (int, error) {
	v, err := strconv.Atoi(arg)
	if err != nil {
		return 0, oops.Code("INVALID_VERSION").With("version", arg).Errorf("version must be an integer")
	}
	if v < 0 {
		return 0, oops.Code("INVALID_VERSION").With("version", v).Errorf("version must be non-negative")
	}
	return v, nil
}

func parsePositive(arg, name string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, oops.Code("INVALID_ARGUMENT").With(name, arg).Errorf("%s must be a positive integer", name)
	}
	return n, nil
}
