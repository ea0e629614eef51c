// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package store

import (
	"context"
	"sort"
	"sync"
)

// Store is a scoped key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Set stores a value under (scope, key), overwriting any previous value.
	Set(ctx context.Context, scope, key string, value interface{}) error
	// Get returns the stored value and whether it exists.
	Get(ctx context.Context, scope, key string) (interface{}, bool, error)
	// Delete removes a single key. Deleting a missing key is not an error.
	Delete(ctx context.Context, scope, key string) error
	// Keys lists the keys in a scope, sorted.
	Keys(ctx context.Context, scope string) ([]string, error)
	// DropScope removes a scope and everything in it.
	DropScope(ctx context.Context, scope string) error
	// Close releases any underlying resources.
	Close() error
}

// MemoryStore is the process-local Store used by default.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]map[string]interface{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]map[string]interface{})}
}

func (s *MemoryStore) Set(ctx context.Context, scope, key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, exists := s.scopes[scope]
	if !exists {
		bucket = make(map[string]interface{})
		s.scopes[scope] = bucket
	}
	bucket[key] = value
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, scope, key string) (interface{}, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, exists := s.scopes[scope]
	if !exists {
		return nil, false, nil
	}
	value, found := bucket[key]
	return value, found, nil
}

func (s *MemoryStore) Delete(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, exists := s.scopes[scope]; exists {
		delete(bucket, key)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, scope string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, exists := s.scopes[scope]
	if !exists {
		return nil, nil
	}
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) DropScope(ctx context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, scope)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
