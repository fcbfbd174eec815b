// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/graphpilot/services/agent/rag"
	"github.com/AleutianAI/graphpilot/services/agent/thread"
	"github.com/AleutianAI/graphpilot/services/agent/tools"
	"github.com/AleutianAI/graphpilot/services/graph"
	"github.com/AleutianAI/graphpilot/services/llm"
)

const testGraphKey = "wf-test"

func sampleSource() *graph.MemorySource {
	source := graph.NewMemorySource()
	source.AddGraph(
		graph.Graph{Key: testGraphKey, Name: "Test Workflow", Sheets: map[string]string{"0": "Main"}},
		[]graph.Node{
			{Key: "root", Type: "start", Sheet: "0"},
			{Key: "fetch-api", Type: "http", Sheet: "0", Process: "fetch records from the API"},
			{Key: "filter-active", Type: "filter", Sheet: "0", Process: "keep active records"},
			{Key: "error-handler", Type: "handler", Sheet: "0"},
		},
		[]graph.Edge{
			{Key: "e1", Source: "root", SourceHandle: "out", Target: "fetch-api", TargetHandle: "in", Sheet: "0"},
			{Key: "e2", Source: "fetch-api", SourceHandle: "out", Target: "filter-active", TargetHandle: "in", Sheet: "0"},
			{Key: "e3", Source: "fetch-api", SourceHandle: "err", Target: "error-handler", TargetHandle: "in", Sheet: "0"},
		},
		[]graph.NodeTypeConfig{
			{Key: "start", DisplayName: "Start"},
			{Key: "http", DisplayName: "HTTP Request"},
			{Key: "filter", DisplayName: "Filter"},
			{Key: "handler", DisplayName: "Error Handler"},
		},
	)
	return source
}

// scriptedClient plays one scripted chunk sequence per streaming round.
type scriptedClient struct {
	rounds [][]llm.StreamChunk
	round  int

	// seen records the message history of every round.
	seen [][]llm.Message
}

func (c *scriptedClient) ModelName() string { return "scripted" }

func (c *scriptedClient) ChatCompletion(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{}, nil
}

func (c *scriptedClient) ChatCompletionWithTools(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, params llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{}, nil
}

func (c *scriptedClient) StreamCompletionWithTools(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, params llm.GenerationParams, callback llm.StreamCallback) error {
	c.seen = append(c.seen, append([]llm.Message(nil), messages...))
	if c.round >= len(c.rounds) {
		return callback(llm.StreamChunk{Type: llm.StreamChunkDone})
	}
	chunks := c.rounds[c.round]
	c.round++
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

func tokenChunk(token string) llm.StreamChunk {
	return llm.StreamChunk{Type: llm.StreamChunkToken, Token: token}
}

func toolCallChunks(index int, id, name, args string) []llm.StreamChunk {
	return []llm.StreamChunk{
		{Type: llm.StreamChunkToolCallStart, Index: index, ToolCall: &llm.ToolCall{ID: id, Name: name}},
		{Type: llm.StreamChunkToolCallDone, Index: index, ToolCall: &llm.ToolCall{ID: id, Name: name, Arguments: args}},
	}
}

func newTestOrchestrator(t *testing.T, client llm.LLMClient) *Orchestrator {
	t.Helper()
	source := sampleSource()
	registry := tools.NewRegistry()
	tools.RegisterGraphTools(registry, source, testGraphKey)

	manager := thread.NewManager(thread.NewMemoryStore(), 0)
	th, err := manager.Resolve(context.Background(), "", testGraphKey, "ws-1", "user-1")
	require.NoError(t, err)

	return NewOrchestrator(client, registry, rag.NewRetriever(source, nil), th)
}

func TestChat_PlainTextTurn(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		{tokenChunk("Hel"), tokenChunk("lo"), {Type: llm.StreamChunkUsage, Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}}},
	}}
	o := newTestOrchestrator(t, client)

	var streamed string
	result, err := o.Chat(context.Background(), "hi there", TurnEvents{
		OnToken: func(token string) { streamed += token },
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "Hello", result.Text)
	assert.Equal(t, "Hello", streamed)
	assert.Equal(t, 12, result.Usage.TotalTokens)

	th := o.Thread()
	require.Len(t, th.Messages, 2)
	assert.Equal(t, llm.RoleUser, th.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, th.Messages[1].Role)
	assert.Equal(t, 1, th.TurnCount)
}

func TestChat_SystemPromptCarriesGraphContext(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{{tokenChunk("ok")}}}
	o := newTestOrchestrator(t, client)

	_, err := o.Chat(context.Background(), "show me the fetch node", TurnEvents{})
	require.NoError(t, err)

	require.NotEmpty(t, client.seen)
	system := client.seen[0][0]
	assert.Equal(t, llm.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "fetch-api")
}

func TestChat_ReadToolRoundTrip(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "search_nodes", `{"query": "fetch"}`),
		{tokenChunk("The fetch node is fetch-api.")},
	}}
	o := newTestOrchestrator(t, client)

	var startedTools, resultTools []string
	result, err := o.Chat(context.Background(), "find the fetch node", TurnEvents{
		OnToolStart:  func(id, name string) { startedTools = append(startedTools, name) },
		OnToolResult: func(id, name, result string) { resultTools = append(resultTools, name) },
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, []string{"search_nodes"}, startedTools)
	assert.Equal(t, []string{"search_nodes"}, resultTools)

	// Round two saw the tool result in history.
	require.Len(t, client.seen, 2)
	secondRound := client.seen[1]
	toolMsg := secondRound[len(secondRound)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "fetch-api")

	// Committed history: user, assistant(tool_calls), tool, assistant.
	require.Len(t, o.Thread().Messages, 4)
}

func TestChat_ArgumentErrorFedBack(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "search_nodes", `{"wrong": true}`),
		{tokenChunk("Let me try again.")},
	}}
	o := newTestOrchestrator(t, client)

	result, err := o.Chat(context.Background(), "search", TurnEvents{})
	require.NoError(t, err, "validation failures never fail the turn")
	assert.Equal(t, StateCompleted, result.State)

	require.Len(t, client.seen, 2)
	secondRound := client.seen[1]
	toolMsg := secondRound[len(secondRound)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "error")
}

func TestChat_UnknownToolFailsTurn(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "propose_rename_graph", `{}`),
	}}
	o := newTestOrchestrator(t, client)

	_, err := o.Chat(context.Background(), "rename it", TurnEvents{})
	require.ErrorIs(t, err, tools.ErrUnknownTool)
	assert.Equal(t, StateFailed, o.State())
	assert.Empty(t, o.Thread().Messages, "a failed turn commits nothing")
}

func TestChat_WriteToolInterruptsTurn(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "propose_create_node",
			`{"typeKey": "filter", "sheet": "0", "posX": 500, "posY": 300, "reason": "test"}`),
	}}
	o := newTestOrchestrator(t, client)

	result, err := o.Chat(context.Background(), "add a filter node", TurnEvents{})
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingApproval, result.State)
	assert.True(t, o.HasPendingInterrupt())
	require.NotNil(t, result.Proposal)
	assert.Equal(t, tools.ActionCreateNode, result.Proposal.Type)
	assert.Equal(t, map[string]any{
		"typeKey": "filter",
		"sheet":   "0",
		"posX":    float64(500),
		"posY":    float64(300),
	}, result.Proposal.Payload)
	_, hasReason := result.Proposal.Payload["reason"]
	assert.False(t, hasReason)
	assert.Equal(t, "call_1", result.Proposal.ToolCallID)
}

func TestResume_ApprovedContinuesWithoutReinvoking(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "propose_create_node",
			`{"typeKey": "filter", "sheet": "0", "posX": 500, "posY": 300, "reason": "test"}`),
		{tokenChunk("Created the filter node.")},
	}}
	o := newTestOrchestrator(t, client)

	_, err := o.Chat(context.Background(), "add a filter node", TurnEvents{})
	require.NoError(t, err)
	require.True(t, o.HasPendingInterrupt())

	result, err := o.Resume(context.Background(), true, "", TurnEvents{})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, result.State)
	assert.False(t, o.HasPendingInterrupt(), "the proposal is consumed exactly once")
	assert.Equal(t, 2, client.round, "resume must not re-invoke the tool")

	// The model saw the approval echo as the tool result.
	resumeRound := client.seen[len(client.seen)-1]
	toolMsg := resumeRound[len(resumeRound)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, `"status":"approved"`)
	assert.NotContains(t, toolMsg.Content, "reason")
}

func TestResume_RejectedCarriesFeedback(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "propose_delete_node", `{"nodeKey": "root", "reason": "cleanup"}`),
		{tokenChunk("Understood, leaving it in place.")},
	}}
	o := newTestOrchestrator(t, client)

	_, err := o.Chat(context.Background(), "delete the root node", TurnEvents{})
	require.NoError(t, err)

	result, err := o.Resume(context.Background(), false, "we still need that node", TurnEvents{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)

	resumeRound := client.seen[len(client.seen)-1]
	toolMsg := resumeRound[len(resumeRound)-1]
	assert.Contains(t, toolMsg.Content, `"status":"rejected"`)
	assert.Contains(t, toolMsg.Content, "we still need that node")
}

func TestResume_WithoutInterruptIsUsageError(t *testing.T) {
	client := &scriptedClient{}
	o := newTestOrchestrator(t, client)

	_, err := o.Resume(context.Background(), true, "", TurnEvents{})
	require.ErrorIs(t, err, ErrNoPendingInterrupt)
	assert.Empty(t, o.Thread().Messages)
	assert.Nil(t, o.Thread().PendingAction)
}

func TestChat_RejectedWhileInterruptPending(t *testing.T) {
	client := &scriptedClient{rounds: [][]llm.StreamChunk{
		toolCallChunks(0, "call_1", "propose_delete_node", `{"nodeKey": "root", "reason": "x"}`),
	}}
	o := newTestOrchestrator(t, client)

	_, err := o.Chat(context.Background(), "delete root", TurnEvents{})
	require.NoError(t, err)

	_, err = o.Chat(context.Background(), "actually, another thing", TurnEvents{})
	require.ErrorIs(t, err, ErrInterruptPending)
}

func TestChat_SecondWriteCallInBatchIsSkipped(t *testing.T) {
	chunks := toolCallChunks(0, "call_1", "propose_delete_node", `{"nodeKey": "error-handler", "reason": "a"}`)
	chunks = append(chunks, toolCallChunks(1, "call_2", "propose_delete_node", `{"nodeKey": "root", "reason": "b"}`)...)
	client := &scriptedClient{rounds: [][]llm.StreamChunk{chunks}}
	o := newTestOrchestrator(t, client)

	result, err := o.Chat(context.Background(), "delete both", TurnEvents{})
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingApproval, result.State)
	assert.Equal(t, "error-handler", result.Proposal.Payload["nodeKey"], "the first write call wins")

	// The second call got a skip marker so the history stays well-formed.
	messages := o.Thread().Messages
	last := messages[len(messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call_2", last.ToolCallID)
	assert.Contains(t, last.Content, "awaiting approval")
}

func TestChat_CancellationLeavesThreadUntouched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &cancellingClient{cancel: cancel}
	o := newTestOrchestrator(t, client)

	_, err := o.Chat(ctx, "hello", TurnEvents{})
	require.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, o.Thread().Messages, "as if the turn never started")
	assert.Equal(t, 0, o.Thread().TurnCount)
	assert.Equal(t, StateIdle, o.State())
}

// cancellingClient cancels its own context after the first token, as a
// disconnecting client would.
type cancellingClient struct {
	cancel context.CancelFunc
}

func (c *cancellingClient) ModelName() string { return "cancelling" }

func (c *cancellingClient) ChatCompletion(ctx context.Context, messages []llm.Message, params llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{}, nil
}

func (c *cancellingClient) ChatCompletionWithTools(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, params llm.GenerationParams) (*llm.ChatResult, error) {
	return &llm.ChatResult{}, nil
}

func (c *cancellingClient) StreamCompletionWithTools(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, params llm.GenerationParams, callback llm.StreamCallback) error {
	if err := callback(llm.StreamChunk{Type: llm.StreamChunkToken, Token: "partial"}); err != nil {
		return err
	}
	c.cancel()
	<-ctx.Done()
	return ctx.Err()
}

func TestTurnLimitFailsLoudly(t *testing.T) {
	// Every round calls the same read tool forever.
	rounds := make([][]llm.StreamChunk, maxToolRounds+1)
	for i := range rounds {
		rounds[i] = toolCallChunks(0, "call_x", "list_available_node_types", `{}`)
	}
	client := &scriptedClient{rounds: rounds}
	o := newTestOrchestrator(t, client)

	start := time.Now()
	_, err := o.Chat(context.Background(), "loop", TurnEvents{})
	require.ErrorIs(t, err, ErrTooManyToolRounds)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateFailed, o.State())
}
