// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package main

import (
	"context"

	"github.com/visorhq/visor/internal/observability"
	"github.com/visorhq/visor/internal/store"
)

// RunDeps contains injectable dependencies for the run command.
// All fields with nil values will use their default implementations.
type RunDeps struct {
	// KVStoreFactory opens plugin storage for a database URL. The returned
	// func releases it.
	// Default: store.NewPostgresKVStore
	KVStoreFactory func(ctx context.Context, url string) (store.KVStore, func(), error)

	// MigratorFactory creates a migrator for auto-migrate.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (Migrator, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker, opts ...observability.Option) ObservabilityServer
}

// Migrator wraps the methods used by the migrate command and auto-migrate.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	PendingMigrations() ([]uint, error)
	AppliedMigrations() ([]uint, error)
	Close() error
}

var _ Migrator = (*store.Migrator)(nil)

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

func (d *RunDeps) withDefaults() *RunDeps {
	out := RunDeps{}
	if d != nil {
		out = *d
	}
	if out.KVStoreFactory == nil {
		out.KVStoreFactory = func(ctx context.Context, url string) (store.KVStore, func(), error) {
			kv, err := store.NewPostgresKVStore(ctx, url)
			if err != nil {
				return nil, nil, err
			}
			return kv, kv.Close, nil
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = migratorFactory
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, opts ...observability.Option) ObservabilityServer {
			return observability.NewServer(addr, ready, opts...)
		}
	}
	return &out
}
