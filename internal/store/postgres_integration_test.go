// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

//go:build integration

package store_test

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/samber/oops"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/visorhq/visor/internal/store"
)

// setupPostgres starts a migrated PostgreSQL container.
func setupPostgres() (*store.PostgresKVStore, func(), error) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("visor_test"),
		postgres.WithUsername("visor"),
		postgres.WithPassword("visor"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		return nil, nil, err
	}
	_ = migrator.Close()

	kv, err := store.NewPostgresKVStore(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		kv.Close()
		_ = container.Terminate(ctx)
	}
	return kv, cleanup, nil
}

var _ = Describe("PostgresKVStore", func() {
	var kv *store.PostgresKVStore
	var cleanup func()
	ctx := context.Background()

	BeforeEach(func() {
		var err error
		kv, cleanup, err = setupPostgres()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cleanup()
	})

	It("reads a missing key as nil", func() {
		value, err := kv.Get(ctx, "measure", "missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(BeNil())
	})

	It("upserts and deletes", func() {
		Expect(kv.Set(ctx, "measure", "last", []byte("1"))).To(Succeed())
		Expect(kv.Set(ctx, "measure", "last", []byte("2"))).To(Succeed())

		value, err := kv.Get(ctx, "measure", "last")
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(Equal([]byte("2")))

		Expect(kv.Delete(ctx, "measure", "last")).To(Succeed())
		value, err = kv.Get(ctx, "measure", "last")
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(BeNil())
	})

	It("keeps namespaces apart", func() {
		Expect(kv.Set(ctx, "a", "k", []byte("a"))).To(Succeed())
		Expect(kv.Set(ctx, "b", "k", []byte("b"))).To(Succeed())
		Expect(kv.Set(ctx, "a", "j", []byte("a"))).To(Succeed())

		keys, err := kv.Keys(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(Equal([]string{"j", "k"}))

		value, err := kv.Get(ctx, "b", "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(Equal([]byte("b")))
	})

	It("stores an empty value", func() {
		Expect(kv.Set(ctx, "measure", "empty", nil)).To(Succeed())

		value, err := kv.Get(ctx, "measure", "empty")
		Expect(err).NotTo(HaveOccurred())
		Expect(value).NotTo(BeNil())
		Expect(value).To(BeEmpty())
	})

	It("rejects oversized keys before touching the database", func() {
		err := kv.Set(ctx, "measure", strings.Repeat("k", store.MaxKeyLen+1), []byte("x"))
		Expect(err).To(HaveOccurred())
		oopsErr, ok := oops.AsOops(err)
		Expect(ok).To(BeTrue())
		Expect(oopsErr.Code()).To(Equal(store.ErrCodeInvalidKey))
	})
})
