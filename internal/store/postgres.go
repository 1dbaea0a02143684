// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// poolIface is the subset of *pgxpool.Pool the store uses, so tests can
// substitute pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresKVStore implements KVStore on the plugin_kv table.
type PostgresKVStore struct {
	pool poolIface
}

// NewPostgresKVStore connects to dsn. The schema must already be migrated.
func NewPostgresKVStore(ctx context.Context, dsn string) (*PostgresKVStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code(ErrCodeStoreFailed).With("operation", "connect").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code(ErrCodeStoreFailed).With("operation", "ping").Wrap(err)
	}
	return &PostgresKVStore{pool: pool}, nil
}

func newPostgresKVStore(pool poolIface) *PostgresKVStore {
	return &PostgresKVStore{pool: pool}
}

// Close closes the connection pool.
func (s *PostgresKVStore) Close() {
	s.pool.Close()
}

// Get implements KVStore.
func (s *PostgresKVStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := validateKey(namespace, key); err != nil {
		return nil, err
	}
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM plugin_kv WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPgError(err, "get", namespace, key)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Set implements KVStore.
func (s *PostgresKVStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if err := validateValue(namespace, key, value); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plugin_kv (namespace, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (namespace, key) DO UPDATE SET value = $3, updated_at = now()`,
		namespace, key, value)
	if err != nil {
		return wrapPgError(err, "set", namespace, key)
	}
	return nil
}

// Delete implements KVStore.
func (s *PostgresKVStore) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM plugin_kv WHERE namespace = $1 AND key = $2`,
		namespace, key)
	if err != nil {
		return wrapPgError(err, "delete", namespace, key)
	}
	return nil
}

// Keys implements KVStore.
func (s *PostgresKVStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM plugin_kv WHERE namespace = $1 ORDER BY key`,
		namespace)
	if err != nil {
		return nil, wrapPgError(err, "keys", namespace, "")
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrapPgError(err, "scan key", namespace, "")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError(err, "iterate keys", namespace, "")
	}
	return keys, nil
}

// wrapPgError maps constraint and schema errors to store codes.
func wrapPgError(err error, operation, namespace, key string) error {
	code := ErrCodeStoreFailed
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UndefinedTable:
			code = ErrCodeNotMigrated
		case pgerrcode.CheckViolation:
			code = ErrCodeInvalidKey
			if pgErr.ConstraintName == "plugin_kv_value_size" {
				code = ErrCodeValueTooLarge
			}
		}
	}
	b := oops.Code(code).With("operation", operation).With("namespace", namespace)
	if key != "" {
		b = b.With("key", key)
	}
	return b.Wrap(err)
}
