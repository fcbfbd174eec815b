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
	"log/slog"
	"sync"
	"time"
)

// defaultIdleTTL evicts in-memory threads idle this long. The durable
// copy in the store is untouched, so eviction never loses history.
const defaultIdleTTL = 30 * time.Minute

// Manager owns the per-node in-memory thread registry.
//
// # Description
//
// Resolution order for a request carrying a thread id: in-memory cache,
// then durable store (roaming, when the owning node differs from the
// creating node), then create new. A resolved thread whose graphKey or
// workspace differs from the request's is rejected.
//
// Cross-node consistency happens only through explicit load/save against
// the Store, never through shared memory.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Turns on one thread are serialized
// through LockTurn.
type Manager struct {
	mu      sync.Mutex
	store   Store
	threads map[string]*Thread
	locks   map[string]*sync.Mutex
	idleTTL time.Duration
}

// NewManager creates a manager over a store. idleTTL <= 0 uses the
// default of 30 minutes.
func NewManager(store Store, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &Manager{
		store:   store,
		threads: make(map[string]*Thread),
		locks:   make(map[string]*sync.Mutex),
		idleTTL: idleTTL,
	}
}

// Resolve finds or creates the thread for a chat request.
//
// An empty threadID always creates a new thread bound to the request's
// graph and workspace. A non-empty id is looked up in memory, then in
// the store; a miss in both is ErrThreadNotFound.
func (m *Manager) Resolve(ctx context.Context, threadID, graphKey, workspace, userID string) (*Thread, error) {
	if threadID == "" {
		return m.create(graphKey, workspace, userID), nil
	}

	m.mu.Lock()
	cached, ok := m.threads[threadID]
	m.mu.Unlock()
	if ok {
		if err := checkBinding(cached, graphKey, workspace); err != nil {
			return nil, err
		}
		return cached, nil
	}

	loaded, err := m.store.LoadThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, ErrThreadNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}
	if err := checkBinding(loaded, graphKey, workspace); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have loaded it concurrently; first one wins.
	if existing, ok := m.threads[threadID]; ok {
		return existing, nil
	}
	m.threads[threadID] = loaded
	slog.Info("Thread roamed to this node", "threadID", threadID, "graphKey", graphKey)
	return loaded, nil
}

// Lookup returns an in-memory thread without touching the store.
func (m *Manager) Lookup(threadID string) (*Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	return t, ok
}

// LockTurn acquires the per-thread turn mutex, serializing turns on one
// thread. The returned func releases it.
//
// The sweeper may retire a lock entry while a caller is blocked on it,
// so after acquiring we confirm the mutex is still the registered one
// and retry on the replacement if not. Without the re-check two turns
// could run concurrently on a thread id across an eviction.
func (m *Manager) LockTurn(threadID string) func() {
	for {
		m.mu.Lock()
		lock, ok := m.locks[threadID]
		if !ok {
			lock = &sync.Mutex{}
			m.locks[threadID] = lock
		}
		m.mu.Unlock()

		lock.Lock()

		m.mu.Lock()
		current := m.locks[threadID]
		m.mu.Unlock()
		if current == lock {
			return lock.Unlock
		}
		lock.Unlock()
	}
}

// Save persists a thread to the store.
func (m *Manager) Save(ctx context.Context, t *Thread) error {
	t.Touch()
	return m.store.Save(ctx, t)
}

// Store exposes the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// Size returns the number of threads currently held in memory.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.threads)
}

// StartSweeper evicts idle in-memory threads periodically until ctx is
// done. Each evicted thread is saved first, so a later request can still
// roam it back in.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.idleTTL)

	m.mu.Lock()
	candidates := make([]string, 0, len(m.threads))
	for id, t := range m.threads {
		if t.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	for _, id := range candidates {
		m.evict(ctx, id, cutoff)
	}
}

// evict saves one idle thread and drops it from memory. The turn lock is
// held across the save so a concurrent turn can neither mutate the
// messages mid-marshal nor refresh UpdatedAt after the idle check.
func (m *Manager) evict(ctx context.Context, id string, cutoff time.Time) {
	m.mu.Lock()
	t, ok := m.threads[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	// A thread mid-turn holds its lock; skip it this round.
	if !lock.TryLock() {
		m.mu.Unlock()
		return
	}
	if !t.UpdatedAt.Before(cutoff) {
		lock.Unlock()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.store.Save(ctx, t); err != nil {
		slog.Error("Failed to save thread before eviction, keeping in memory",
			"threadID", id, "error", err)
		lock.Unlock()
		return
	}

	m.mu.Lock()
	delete(m.threads, id)
	delete(m.locks, id)
	m.mu.Unlock()
	lock.Unlock()
	slog.Debug("Evicted idle thread", "threadID", id)
}

func (m *Manager) create(graphKey, workspace, userID string) *Thread {
	now := time.Now().UTC()
	t := &Thread{
		ID:        m.store.GenerateThreadID(),
		GraphKey:  graphKey,
		Workspace: workspace,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.threads[t.ID] = t
	m.mu.Unlock()
	slog.Info("Created thread", "threadID", t.ID, "graphKey", graphKey, "workspace", workspace)
	return t
}

func checkBinding(t *Thread, graphKey, workspace string) error {
	if t.GraphKey != graphKey || (workspace != "" && t.Workspace != workspace) {
		return ErrThreadMismatch
	}
	return nil
}
