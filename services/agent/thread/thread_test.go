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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphpilot/services/agent/tools"
	"github.com/AleutianAI/graphpilot/services/llm"
)

func TestManager_CreateOnEmptyThreadID(t *testing.T) {
	m := NewManager(NewMemoryStore(), 0)

	created, err := m.Resolve(context.Background(), "", "wf-1", "ws-1", "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "wf-1", created.GraphKey)
	assert.Equal(t, "ws-1", created.Workspace)

	cached, err := m.Resolve(context.Background(), created.ID, "wf-1", "ws-1", "user-1")
	require.NoError(t, err)
	assert.Same(t, created, cached, "a second resolve hits the in-memory registry")
}

func TestManager_RoamsFromStore(t *testing.T) {
	store := NewMemoryStore()

	// Simulate a thread created on another node.
	remote := &Thread{
		ID: store.GenerateThreadID(), GraphKey: "wf-1", Workspace: "ws-1", UserID: "user-1",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "earlier"}},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(context.Background(), remote))

	m := NewManager(store, 0)
	roamed, err := m.Resolve(context.Background(), remote.ID, "wf-1", "ws-1", "user-2")
	require.NoError(t, err)
	require.Len(t, roamed.Messages, 1)
	assert.Equal(t, "earlier", roamed.Messages[0].Content)
	assert.Equal(t, 1, m.Size())
}

func TestManager_UnknownThread(t *testing.T) {
	m := NewManager(NewMemoryStore(), 0)

	_, err := m.Resolve(context.Background(), "no-such-thread", "wf-1", "ws-1", "user-1")
	require.ErrorIs(t, err, ErrThreadNotFound)
}

func TestManager_RejectsGraphMismatch(t *testing.T) {
	m := NewManager(NewMemoryStore(), 0)

	created, err := m.Resolve(context.Background(), "", "wf-1", "ws-1", "user-1")
	require.NoError(t, err)

	_, err = m.Resolve(context.Background(), created.ID, "wf-other", "ws-1", "user-1")
	require.ErrorIs(t, err, ErrThreadMismatch)

	_, err = m.Resolve(context.Background(), created.ID, "wf-1", "ws-other", "user-1")
	require.ErrorIs(t, err, ErrThreadMismatch)
}

func TestManager_LockTurnSerializes(t *testing.T) {
	m := NewManager(NewMemoryStore(), 0)
	created, err := m.Resolve(context.Background(), "", "wf-1", "ws-1", "user-1")
	require.NoError(t, err)

	unlock := m.LockTurn(created.ID)
	acquired := make(chan struct{})
	go func() {
		second := m.LockTurn(created.ID)
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatal("second turn acquired the lock while the first held it")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second turn never acquired the lock")
	}
}

func TestManager_SweepEvictsIdleThreads(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, 10*time.Millisecond)

	created, err := m.Resolve(context.Background(), "", "wf-1", "ws-1", "user-1")
	require.NoError(t, err)
	created.Messages = append(created.Messages, llm.Message{Role: llm.RoleUser, Content: "hello"})

	time.Sleep(20 * time.Millisecond)
	m.sweep(context.Background())
	assert.Equal(t, 0, m.Size())

	// The durable copy survives eviction and roams back in.
	roamed, err := m.Resolve(context.Background(), created.ID, "wf-1", "ws-1", "user-1")
	require.NoError(t, err)
	require.Len(t, roamed.Messages, 1)
}

// gatedStore blocks inside Save so tests can observe what the sweeper
// does mid-eviction.
type gatedStore struct {
	Store
	saving  chan string
	release chan struct{}
}

func (s *gatedStore) Save(ctx context.Context, th *Thread) error {
	s.saving <- th.ID
	<-s.release
	return s.Store.Save(ctx, th)
}

func TestManager_SweepHoldsTurnLockAcrossEviction(t *testing.T) {
	store := &gatedStore{
		Store:   NewMemoryStore(),
		saving:  make(chan string),
		release: make(chan struct{}),
	}
	m := NewManager(store, 10*time.Millisecond)

	created, err := m.Resolve(context.Background(), "", "wf-1", "ws-1", "user-1")
	require.NoError(t, err)
	created.Messages = append(created.Messages, llm.Message{Role: llm.RoleUser, Content: "hello"})

	time.Sleep(20 * time.Millisecond)
	go m.sweep(context.Background())

	select {
	case id := <-store.saving:
		require.Equal(t, created.ID, id)
	case <-time.After(time.Second):
		t.Fatal("sweeper never reached the store save")
	}

	// While the eviction save is in flight a new turn on the same thread
	// must block; otherwise it could mutate the messages mid-marshal or
	// run concurrently with a turn started after the lock entry vanished.
	acquired := make(chan func(), 1)
	go func() {
		acquired <- m.LockTurn(created.ID)
	}()

	select {
	case <-acquired:
		t.Fatal("turn acquired the lock while the eviction save was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(store.release)

	var unlock func()
	select {
	case unlock = <-acquired:
	case <-time.After(time.Second):
		t.Fatal("turn never acquired the lock after eviction finished")
	}
	unlock()

	assert.Equal(t, 0, m.Size())

	// The durable copy is intact and roams back in.
	roamed, err := m.Resolve(context.Background(), created.ID, "wf-1", "ws-1", "user-1")
	require.NoError(t, err)
	require.Len(t, roamed.Messages, 1)
}

func TestMemoryStore_RawKeys(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Set(context.Background(), "k", []byte("v")))
	value, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestBadgerStore_ThreadRoundTrip(t *testing.T) {
	store, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	saved := &Thread{
		ID: store.GenerateThreadID(), GraphKey: "wf-1", Workspace: "ws-1", UserID: "user-1",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "create a filter node"},
			{Role: llm.RoleAssistant, Content: "", ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "propose_create_node", Arguments: `{"typeKey":"filter"}`},
			}},
		},
		PendingAction: &tools.ProposedAction{
			Type:    tools.ActionCreateNode,
			Payload: map[string]any{"typeKey": "filter", "sheet": "0"},
			Reason:  "requested by user",
		},
		TurnCount: 1,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Save(context.Background(), saved))

	loaded, err := store.LoadThread(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.GraphKey, loaded.GraphKey)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "propose_create_node", loaded.Messages[1].ToolCalls[0].Name)
	require.NotNil(t, loaded.PendingAction)
	assert.Equal(t, tools.ActionCreateNode, loaded.PendingAction.Type)
	assert.Equal(t, "filter", loaded.PendingAction.Payload["typeKey"])

	_, err = store.LoadThread(context.Background(), "missing")
	require.ErrorIs(t, err, ErrThreadNotFound)
}

func TestBadgerStore_RequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(BadgerConfig{})
	require.Error(t, err)
}
