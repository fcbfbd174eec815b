// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphpilot/services/agent/rag"
	"github.com/AleutianAI/graphpilot/services/agent/thread"
	"github.com/AleutianAI/graphpilot/services/gateway/auth"
	"github.com/AleutianAI/graphpilot/services/graph"
	"github.com/AleutianAI/graphpilot/services/llm"
)

const testGraphKey = "wf-test"

func init() {
	gin.SetMode(gin.TestMode)
}

func sampleSource() *graph.MemorySource {
	source := graph.NewMemorySource()
	source.AddGraph(
		graph.Graph{Key: testGraphKey, Name: "Test Workflow", Sheets: map[string]string{"0": "Main"}},
		[]graph.Node{
			{Key: "root", Type: "start", Sheet: "0"},
			{Key: "fetch-api", Type: "http", Sheet: "0", Process: "fetch records from the API"},
			{Key: "filter-active", Type: "filter", Sheet: "0", Process: "keep active records"},
		},
		[]graph.Edge{
			{Key: "e1", Source: "root", SourceHandle: "out", Target: "fetch-api", TargetHandle: "in", Sheet: "0"},
			{Key: "e2", Source: "fetch-api", SourceHandle: "out", Target: "filter-active", TargetHandle: "in", Sheet: "0"},
		},
		[]graph.NodeTypeConfig{
			{Key: "start", DisplayName: "Start"},
			{Key: "http", DisplayName: "HTTP Request"},
			{Key: "filter", DisplayName: "Filter"},
		},
	)
	return source
}

// scriptedClient plays one scripted chunk sequence per streaming round.
type scriptedClient struct {
	mu     sync.Mutex
	rounds [][]llm.StreamChunk
	round  int
}

func (c *scriptedClient) ModelName() string { return "scripted" }

func (c *scriptedClient) ChatCompletion(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{}, nil
}

func (c *scriptedClient) ChatCompletionWithTools(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, params llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{}, nil
}

func (c *scriptedClient) StreamCompletionWithTools(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, params llm.GenerationParams, callback llm.StreamCallback) error {
	c.mu.Lock()
	var chunks []llm.StreamChunk
	if c.round < len(c.rounds) {
		chunks = c.rounds[c.round]
		c.round++
	}
	c.mu.Unlock()

	for _, chunk := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := callback(chunk); err != nil {
			return err
		}
	}
	return callback(llm.StreamChunk{Type: llm.StreamChunkDone})
}

// blockingClient parks until its context is canceled, then reports the
// cancellation on a channel.
type blockingClient struct {
	started  chan struct{}
	canceled chan error
}

func newBlockingClient() *blockingClient {
	return &blockingClient{
		started:  make(chan struct{}),
		canceled: make(chan error, 1),
	}
}

func (c *blockingClient) ModelName() string { return "blocking" }

func (c *blockingClient) ChatCompletion(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{}, nil
}

func (c *blockingClient) ChatCompletionWithTools(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, params llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{}, nil
}

func (c *blockingClient) StreamCompletionWithTools(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, params llm.GenerationParams, callback llm.StreamCallback) error {
	close(c.started)
	<-ctx.Done()
	c.canceled <- ctx.Err()
	return ctx.Err()
}

func tokenChunk(token string) llm.StreamChunk {
	return llm.StreamChunk{Type: llm.StreamChunkToken, Token: token}
}

func toolCallChunks(index int, id, name, args string) []llm.StreamChunk {
	return []llm.StreamChunk{
		{Type: llm.StreamChunkToolCallStart, Index: index, ToolCall: &llm.ToolCall{ID: id, Name: name}},
		{Type: llm.StreamChunkToolCallDone, Index: index, ToolCall: &llm.ToolCall{ID: id, Name: name, Arguments: args}},
	}
}

// stubAuth accepts tokens listed in identities and rejects everything else.
type stubAuth struct {
	identities map[string]*auth.AuthInfo
}

func (s *stubAuth) Validate(_ context.Context, token string) (*auth.AuthInfo, error) {
	if info, ok := s.identities[token]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("unknown token: %w", auth.ErrUnauthorized)
}

func newTestGateway(t *testing.T, client llm.LLMClient, provider auth.AuthProvider) (*AssistantDeps, *websocket.Conn) {
	t.Helper()

	source := sampleSource()
	deps := &AssistantDeps{
		Client:    client,
		Source:    source,
		Threads:   thread.NewManager(thread.NewMemoryStore(), 0),
		Retriever: rag.NewRetriever(source, nil),
		Tracker:   NewSessionTracker(),
		Auth:      provider,
	}

	router := gin.New()
	router.GET("/ws", HandleAssistantWebSocket(deps))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := readEvent(t, conn)
	require.Equal(t, EventSessionCreated, hello.Type)
	require.NotEmpty(t, hello.SessionID)

	return deps, conn
}

func readEvent(t *testing.T, conn *websocket.Conn) WSEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event WSEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

// collectRequest reads events for one request id until its terminal
// event, returning everything seen in order.
func collectRequest(t *testing.T, conn *websocket.Conn, requestID string) []WSEvent {
	t.Helper()
	var events []WSEvent
	for {
		event := readEvent(t, conn)
		if event.ID != requestID {
			continue
		}
		events = append(events, event)
		switch event.Type {
		case EventComplete, EventApprovalRequired, EventError:
			return events
		}
	}
}

// Registries are assembled per request so the handler holds no state
// that grows with every graph key a client happens to name.
func TestRegistryBuiltFreshPerRequest(t *testing.T) {
	deps := &AssistantDeps{Source: sampleSource()}

	first := deps.registryFor(testGraphKey)
	second := deps.registryFor(testGraphKey)
	assert.NotSame(t, first, second)
	assert.Equal(t, first.Size(), second.Size())
	assert.Positive(t, first.Size())
}

func TestWebSocket_ChatStreamsTokensThenCompletes(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		{tokenChunk("Hel"), tokenChunk("lo"), {Type: llm.StreamChunkUsage, Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}}},
	}}
	_, conn := newTestGateway(t, client, auth.NopAuthProvider{})

	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r1", GraphKey: testGraphKey, Message: "hi there",
	}))

	events := collectRequest(t, conn, "r1")
	require.GreaterOrEqual(t, len(events), 3)

	assert.Equal(t, EventToken, events[0].Type)
	assert.Equal(t, "Hel", events[0].Token)
	assert.Equal(t, EventToken, events[1].Type)
	assert.Equal(t, "lo", events[1].Token)

	terminal := events[len(events)-1]
	assert.Equal(t, EventComplete, terminal.Type)
	assert.Equal(t, "Hello", terminal.FullText)
	assert.NotEmpty(t, terminal.ThreadID)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, 12, terminal.Usage.TotalTokens)

	// Exactly one terminal event: nothing else arrives for this request.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var extra WSEvent
	assert.Error(t, conn.ReadJSON(&extra))
}

func TestWebSocket_ReadToolEmitsStartAndResult(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "search_nodes", `{"query": "fetch"}`),
		{tokenChunk("Found it")},
	}}
	_, conn := newTestGateway(t, client, auth.NopAuthProvider{})

	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r1", GraphKey: testGraphKey, Message: "find the fetch node",
	}))

	events := collectRequest(t, conn, "r1")
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{EventToolStart, EventToolResult, EventToken, EventComplete}, types)

	assert.Equal(t, "search_nodes", events[0].ToolName)
	assert.Equal(t, "call_1", events[0].ToolCallID)
	assert.Contains(t, events[1].Result, "fetch-api")
}

func TestWebSocket_ProposalThenApprovedResume(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "propose_create_node",
			`{"typeKey": "http", "sheet": "0", "posX": 500, "posY": 300, "reason": "add a request step"}`),
		{tokenChunk("Created the node.")},
	}}
	deps, conn := newTestGateway(t, client, auth.NopAuthProvider{})

	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r1", GraphKey: testGraphKey, Message: "add an http node",
	}))

	events := collectRequest(t, conn, "r1")
	terminal := events[len(events)-1]
	require.Equal(t, EventApprovalRequired, terminal.Type)
	require.NotNil(t, terminal.Action)
	assert.Equal(t, "create_node", terminal.Action.Type)
	assert.Equal(t, "add a request step", terminal.Action.Reason)
	assert.NotEmpty(t, terminal.ThreadID)

	// The interrupted thread is persisted before the approval round trip.
	stored, err := deps.Threads.Store().LoadThread(context.Background(), terminal.ThreadID)
	require.NoError(t, err)
	assert.True(t, stored.HasPendingInterrupt())

	approved := true
	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameResume, ID: "r2", GraphKey: testGraphKey,
		ThreadID: terminal.ThreadID, Approved: &approved,
	}))

	resumeEvents := collectRequest(t, conn, "r2")
	resumeTerminal := resumeEvents[len(resumeEvents)-1]
	assert.Equal(t, EventComplete, resumeTerminal.Type)
	assert.Equal(t, "Created the node.", resumeTerminal.FullText)
	assert.Equal(t, terminal.ThreadID, resumeTerminal.ThreadID)

	stored, err = deps.Threads.Store().LoadThread(context.Background(), terminal.ThreadID)
	require.NoError(t, err)
	assert.False(t, stored.HasPendingInterrupt())
}

func TestWebSocket_ChatWhilePendingIsConflict(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "propose_delete_node", `{"nodeKey": "filter-active", "reason": "remove the filter"}`),
	}}
	_, conn := newTestGateway(t, client, auth.NopAuthProvider{})

	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r1", GraphKey: testGraphKey, Message: "remove the filter",
	}))
	events := collectRequest(t, conn, "r1")
	terminal := events[len(events)-1]
	require.Equal(t, EventApprovalRequired, terminal.Type)

	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r2", GraphKey: testGraphKey,
		Message: "never mind", ThreadID: terminal.ThreadID,
	}))
	errEvents := collectRequest(t, conn, "r2")
	require.Len(t, errEvents, 1)
	require.Equal(t, EventError, errEvents[0].Type)
	assert.Equal(t, CodeConflict, errEvents[0].Error.Code)
}

func TestWebSocket_MalformedAndInvalidFrames(t *testing.T) {
	_, conn := newTestGateway(t, &scriptedClient{}, auth.NopAuthProvider{})

	// Not JSON at all.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	event := readEvent(t, conn)
	require.Equal(t, EventError, event.Type)
	assert.Equal(t, CodeBadRequest, event.Error.Code)

	// Unknown frame type fails envelope validation.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ai:unknown", "id": "r1"}))
	event = readEvent(t, conn)
	require.Equal(t, EventError, event.Type)
	assert.Equal(t, CodeBadRequest, event.Error.Code)

	// Chat without a message.
	require.NoError(t, conn.WriteJSON(WSRequest{Type: FrameChat, ID: "r2", GraphKey: testGraphKey}))
	event = readEvent(t, conn)
	require.Equal(t, EventError, event.Type)
	assert.Equal(t, CodeBadRequest, event.Error.Code)

	// Resume without approved.
	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameResume, ID: "r3", GraphKey: testGraphKey, ThreadID: "t-1",
	}))
	event = readEvent(t, conn)
	require.Equal(t, EventError, event.Type)
	assert.Equal(t, CodeBadRequest, event.Error.Code)
}

func TestWebSocket_ResumeUnknownThread(t *testing.T) {
	_, conn := newTestGateway(t, &scriptedClient{}, auth.NopAuthProvider{})

	approved := false
	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameResume, ID: "r1", GraphKey: testGraphKey,
		ThreadID: "no-such-thread", Approved: &approved,
	}))
	events := collectRequest(t, conn, "r1")
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	assert.Equal(t, CodeNotFound, events[0].Error.Code)
}

func TestWebSocket_InterruptUnknownRequest(t *testing.T) {
	_, conn := newTestGateway(t, &scriptedClient{}, auth.NopAuthProvider{})

	require.NoError(t, conn.WriteJSON(WSRequest{Type: FrameInterrupt, ID: "ghost"}))
	event := readEvent(t, conn)
	require.Equal(t, EventError, event.Type)
	assert.Equal(t, CodeNotFound, event.Error.Code)
}

func TestWebSocket_InvalidTokenRejected(t *testing.T) {
	provider := &stubAuth{identities: map[string]*auth.AuthInfo{
		"good": {UserID: "u1", Roles: []string{auth.RoleEditor}},
	}}
	_, conn := newTestGateway(t, &scriptedClient{rounds: [][]llm.StreamChunk{
		{tokenChunk("ok")},
	}}, provider)

	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r1", GraphKey: testGraphKey,
		Message: "hi", Token: "bad",
	}))
	events := collectRequest(t, conn, "r1")
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	assert.Equal(t, CodeAuthFailed, events[0].Error.Code)

	// Missing token falls back to the trusted-transport identity.
	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r2", GraphKey: testGraphKey, Message: "hi",
	}))
	events = collectRequest(t, conn, "r2")
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestWebSocket_ViewerCannotApprove(t *testing.T) {
	provider := &stubAuth{identities: map[string]*auth.AuthInfo{
		"viewer": {UserID: "u2", Roles: []string{auth.RoleViewer}},
	}}
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "propose_delete_node", `{"nodeKey": "filter-active", "reason": "remove the filter"}`),
	}}
	_, conn := newTestGateway(t, client, provider)

	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r1", GraphKey: testGraphKey, Message: "remove the filter",
	}))
	events := collectRequest(t, conn, "r1")
	terminal := events[len(events)-1]
	require.Equal(t, EventApprovalRequired, terminal.Type)

	approved := true
	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameResume, ID: "r2", GraphKey: testGraphKey,
		ThreadID: terminal.ThreadID, Approved: &approved, Token: "viewer",
	}))
	resumeEvents := collectRequest(t, conn, "r2")
	require.Len(t, resumeEvents, 1)
	require.Equal(t, EventError, resumeEvents[0].Type)
	assert.Equal(t, CodeAuthFailed, resumeEvents[0].Error.Code)
}

func TestWebSocket_DisconnectCancelsInFlight(t *testing.T) {
	client := newBlockingClient()
	deps, conn := newTestGateway(t, client, auth.NopAuthProvider{})

	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r1", GraphKey: testGraphKey, Message: "hang forever",
	}))

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started")
	}

	require.NoError(t, conn.Close())

	select {
	case err := <-client.canceled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request was not canceled on disconnect")
	}

	// The request's thread was created but its turn never committed.
	assert.Equal(t, 1, deps.Threads.Size())
}

func TestWebSocket_ExplicitInterruptYieldsCanceledError(t *testing.T) {
	client := newBlockingClient()
	_, conn := newTestGateway(t, client, auth.NopAuthProvider{})

	require.NoError(t, conn.WriteJSON(WSRequest{
		Type: FrameChat, ID: "r1", GraphKey: testGraphKey, Message: "hang forever",
	}))

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never started")
	}

	require.NoError(t, conn.WriteJSON(WSRequest{Type: FrameInterrupt, ID: "r1"}))

	events := collectRequest(t, conn, "r1")
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Type)
	assert.Equal(t, CodeCanceled, events[0].Error.Code)
	assert.True(t, events[0].Error.Retryable)
}
