// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package thread

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/graphpilot/services/llm"
)

// Sentinel errors for stores and the manager.
var (
	// ErrThreadNotFound indicates the thread id has never been saved.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrKeyNotFound indicates a raw key miss.
	ErrKeyNotFound = errors.New("key not found")

	// ErrThreadMismatch indicates a resolved thread belongs to a
	// different graph or workspace than the request (tenant isolation).
	ErrThreadMismatch = errors.New("thread is bound to a different graph or workspace")
)

// Store persists threads durably so they can roam between nodes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the raw value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a raw value under key.
	Set(ctx context.Context, key string, value []byte) error

	// LoadThread returns a saved thread, or ErrThreadNotFound.
	LoadThread(ctx context.Context, threadID string) (*Thread, error)

	// Save persists a thread under its id.
	Save(ctx context.Context, t *Thread) error

	// GenerateThreadID returns a new unique thread id.
	GenerateThreadID() string
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu      sync.RWMutex
	raw     map[string][]byte
	threads map[string]*Thread
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		raw:     make(map[string][]byte),
		threads: make(map[string]*Thread),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.raw[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[key] = append([]byte(nil), value...)
	return nil
}

// LoadThread implements Store. The returned thread is a deep-enough copy
// that the caller can mutate it without racing the store.
func (s *MemoryStore) LoadThread(_ context.Context, threadID string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return copyThread(t), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = copyThread(t)
	return nil
}

// GenerateThreadID implements Store.
func (s *MemoryStore) GenerateThreadID() string {
	return uuid.NewString()
}

func copyThread(t *Thread) *Thread {
	clone := *t
	clone.Messages = append([]llm.Message(nil), t.Messages...)
	if t.PendingAction != nil {
		action := *t.PendingAction
		clone.PendingAction = &action
	}
	return &clone
}
