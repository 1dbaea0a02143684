// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package store persists plugin data.
//
// Each plugin gets its own namespace in a KVStore; the storage capability
// exposed to guests is bound to the plugin's name so plugins never see each
// other's keys.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/oops"
)

// Error codes returned by KV stores.
const (
	ErrCodeInvalidKey    = "KV_INVALID_KEY"
	ErrCodeValueTooLarge = "KV_VALUE_TOO_LARGE"
	ErrCodeNotMigrated   = "KV_NOT_MIGRATED"
	ErrCodeStoreFailed   = "KV_STORE_FAILED"
)

// Limits enforced by every store. They mirror the table constraints.
const (
	MaxNamespaceLen = 128
	MaxKeyLen       = 512
	MaxValueSize    = 1 << 20
)

// KVStore is a namespaced byte store.
type KVStore interface {
	// Get returns the value of key, or nil if it does not exist.
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	// Set creates or replaces key.
	Set(ctx context.Context, namespace, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error
	// Keys lists the keys in namespace, sorted.
	Keys(ctx context.Context, namespace string) ([]string, error)
}

func validateKey(namespace, key string) error {
	switch {
	case namespace == "" || len(namespace) > MaxNamespaceLen:
		return oops.Code(ErrCodeInvalidKey).
			With("namespace", namespace).
			Errorf("namespace must be 1-%d bytes", MaxNamespaceLen)
	case key == "" || len(key) > MaxKeyLen:
		return oops.Code(ErrCodeInvalidKey).
			With("namespace", namespace).
			With("key_len", len(key)).
			Errorf("key must be 1-%d bytes", MaxKeyLen)
	}
	return nil
}

func validateValue(namespace, key string, value []byte) error {
	if len(value) > MaxValueSize {
		return oops.Code(ErrCodeValueTooLarge).
			With("namespace", namespace).
			With("key", key).
			With("size", len(value)).
			Errorf("value exceeds %d bytes", MaxValueSize)
	}
	return nil
}

// MemoryKVStore is a KVStore held in process memory. The zero value is
// ready to use.
type MemoryKVStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryKVStore creates an empty in-memory store.
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{data: make(map[string]map[string][]byte)}
}

// Get implements KVStore.
func (s *MemoryKVStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	if err := validateKey(namespace, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[namespace][key]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, value...), nil
}

// Set implements KVStore.
func (s *MemoryKVStore) Set(_ context.Context, namespace, key string, value []byte) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if err := validateValue(namespace, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		s.data = make(map[string]map[string][]byte)
	}
	ns := s.data[namespace]
	if ns == nil {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	ns[key] = append([]byte{}, value...)
	return nil
}

// Delete implements KVStore.
func (s *MemoryKVStore) Delete(_ context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data[namespace], key)
	if len(s.data[namespace]) == 0 {
		delete(s.data, namespace)
	}
	return nil
}

// Keys implements KVStore.
func (s *MemoryKVStore) Keys(_ context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data[namespace]))
	for k := range s.data[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
