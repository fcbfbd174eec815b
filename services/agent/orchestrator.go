// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent drives one conversational turn per thread: it ties the
// streaming LLM adapter, the tool registry and the GraphRAG retriever
// into an interrupt/resume state machine.
//
// A turn streams tokens live, executes read tools synchronously and
// loops back to the model, and halts into AwaitingApproval the moment a
// write tool proposes a mutation. Nothing is applied by this package;
// approval hands the proposal to the external edit pipeline.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/graphpilot/services/agent/rag"
	"github.com/AleutianAI/graphpilot/services/agent/thread"
	"github.com/AleutianAI/graphpilot/services/agent/tools"
	"github.com/AleutianAI/graphpilot/services/graph"
	"github.com/AleutianAI/graphpilot/services/llm"
)

var tracer = otel.Tracer("graphpilot.agent")

// maxToolRounds bounds read-tool round trips within one turn.
const maxToolRounds = 8

// State is the orchestrator's position in the turn state machine.
type State string

const (
	// StateIdle means no turn is in flight and nothing is pending.
	StateIdle State = "idle"

	// StateStreaming means a turn is in flight.
	StateStreaming State = "streaming"

	// StateCompleted means the last turn ended with assistant text.
	StateCompleted State = "completed"

	// StateAwaitingApproval means a proposed action awaits a decision.
	StateAwaitingApproval State = "awaiting_approval"

	// StateFailed means the last turn ended with an error.
	StateFailed State = "failed"
)

// TurnEvents receives live output while a turn streams.
//
// Callbacks run on the turn's goroutine in adapter emission order; a nil
// callback is skipped. This is the only place output is observably
// non-atomic.
type TurnEvents struct {
	// OnToken receives each streamed text token.
	OnToken func(token string)

	// OnToolStart fires when the model begins invoking a tool, before
	// its arguments finish arriving.
	OnToolStart func(toolCallID, toolName string)

	// OnToolResult fires after a read tool executes, with the result
	// text fed back to the model.
	OnToolResult func(toolCallID, toolName, result string)
}

// TurnResult is the terminal outcome of one Chat or Resume call.
type TurnResult struct {
	// State is Completed or AwaitingApproval.
	State State

	// Text is the full assistant text accumulated across the turn.
	Text string

	// Proposal is set when State is AwaitingApproval.
	Proposal *tools.ProposedAction

	// Usage is the token accounting for this turn.
	Usage llm.Usage
}

// Orchestrator runs turns for exactly one thread.
//
// # Thread Safety
//
// Orchestrator is NOT internally synchronized: turns on one thread are
// strictly sequential by construction, and callers (the session
// controller) serialize them through the thread manager's turn lock.
type Orchestrator struct {
	client    llm.LLMClient
	registry  *tools.Registry
	retriever *rag.Retriever
	thread    *thread.Thread
	state     State
}

// NewOrchestrator creates an orchestrator bound to one thread. The
// registry must already be bound to the thread's graph.
func NewOrchestrator(client llm.LLMClient, registry *tools.Registry, retriever *rag.Retriever, t *thread.Thread) *Orchestrator {
	state := StateIdle
	if t.HasPendingInterrupt() {
		// A roamed thread may arrive mid-interrupt.
		state = StateAwaitingApproval
	}
	return &Orchestrator{
		client:    client,
		registry:  registry,
		retriever: retriever,
		thread:    t,
		state:     state,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.state
}

// Thread returns the bound thread.
func (o *Orchestrator) Thread() *thread.Thread {
	return o.thread
}

// HasPendingInterrupt reports whether a proposed action awaits a
// decision. True only in AwaitingApproval.
func (o *Orchestrator) HasPendingInterrupt() bool {
	return o.thread.HasPendingInterrupt()
}

// Chat runs one turn for a new user message.
//
// # Outputs
//
//	*TurnResult - Terminal outcome (Completed or AwaitingApproval)
//	error - ErrInterruptPending while an approval is outstanding;
//	        ctx.Err() on cancellation (thread left untouched);
//	        provider/tool errors otherwise
func (o *Orchestrator) Chat(ctx context.Context, userMessage string, events TurnEvents) (*TurnResult, error) {
	if o.thread.HasPendingInterrupt() {
		return nil, ErrInterruptPending
	}

	ctx, span := tracer.Start(ctx, "Orchestrator.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("thread.id", o.thread.ID))

	staged := append([]llm.Message(nil), o.thread.Messages...)
	staged = append(staged, llm.Message{Role: llm.RoleUser, Content: userMessage})
	return o.runTurn(ctx, staged, userMessage, events)
}

// Resume continues a thread halted in AwaitingApproval.
//
// The pending proposal is consumed exactly once: approval feeds the
// model a tool result echoing the applied action, rejection feeds the
// operator's feedback. Either way the turn proceeds to Completed,
// Failed, or another AwaitingApproval.
func (o *Orchestrator) Resume(ctx context.Context, approved bool, feedback string, events TurnEvents) (*TurnResult, error) {
	if !o.thread.HasPendingInterrupt() {
		return nil, ErrNoPendingInterrupt
	}

	ctx, span := tracer.Start(ctx, "Orchestrator.Resume")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread.id", o.thread.ID),
		attribute.Bool("resume.approved", approved),
	)

	action := o.thread.PendingAction
	staged := append([]llm.Message(nil), o.thread.Messages...)
	staged = append(staged, llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: action.ToolCallID,
		Name:       tools.WriteToolPrefix + action.Type,
		Content:    resumeToolResult(action, approved, feedback),
	})

	result, err := o.runTurn(ctx, staged, lastUserMessage(staged), events)
	if err != nil {
		// The proposal stays pending; the caller may retry the resume.
		return nil, err
	}
	if result.State == StateCompleted {
		// Consumed. A new AwaitingApproval replaced it inside the turn.
		o.thread.PendingAction = nil
	}
	return result, nil
}

// runTurn drives the streaming loop until the model stops calling read
// tools. staged is committed to the thread only on a non-cancelled end.
func (o *Orchestrator) runTurn(ctx context.Context, staged []llm.Message, query string, events TurnEvents) (*TurnResult, error) {
	prior := o.state
	o.state = StateStreaming

	var (
		fullText  strings.Builder
		turnUsage llm.Usage
	)
	schemas := o.registry.Schemas()

	for round := 0; round < maxToolRounds; round++ {
		messages := append([]llm.Message{o.systemMessage(ctx, query)}, staged...)

		var toolCalls []llm.ToolCall
		var roundUsage *llm.Usage
		var roundText strings.Builder

		err := o.client.StreamCompletionWithTools(ctx, messages, schemas, llm.GenerationParams{}, func(chunk llm.StreamChunk) error {
			switch chunk.Type {
			case llm.StreamChunkToken:
				roundText.WriteString(chunk.Token)
				fullText.WriteString(chunk.Token)
				if events.OnToken != nil {
					events.OnToken(chunk.Token)
				}
			case llm.StreamChunkToolCallStart:
				if events.OnToolStart != nil {
					events.OnToolStart(chunk.ToolCall.ID, chunk.ToolCall.Name)
				}
			case llm.StreamChunkToolCallDone:
				toolCalls = append(toolCalls, *chunk.ToolCall)
			case llm.StreamChunkUsage:
				roundUsage = chunk.Usage
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled: discard staged work, thread untouched.
				o.state = prior
				return nil, ctx.Err()
			}
			o.state = StateFailed
			return nil, fmt.Errorf("llm stream failed: %w", err)
		}
		if roundUsage != nil {
			turnUsage.PromptTokens += roundUsage.PromptTokens
			turnUsage.CompletionTokens += roundUsage.CompletionTokens
			turnUsage.TotalTokens += roundUsage.TotalTokens
		}

		if len(toolCalls) == 0 {
			staged = append(staged, llm.Message{Role: llm.RoleAssistant, Content: roundText.String()})
			o.commit(staged, turnUsage)
			o.state = StateCompleted
			return &TurnResult{State: StateCompleted, Text: fullText.String(), Usage: turnUsage}, nil
		}

		staged = append(staged, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   roundText.String(),
			ToolCalls: toolCalls,
		})

		proposal, next, err := o.processToolCalls(ctx, staged, toolCalls, events)
		if err != nil {
			o.state = StateFailed
			return nil, err
		}
		staged = next
		if proposal != nil {
			o.thread.PendingAction = proposal
			o.commit(staged, turnUsage)
			o.state = StateAwaitingApproval
			return &TurnResult{State: StateAwaitingApproval, Text: fullText.String(), Proposal: proposal, Usage: turnUsage}, nil
		}
	}

	o.state = StateFailed
	return nil, ErrTooManyToolRounds
}

// processToolCalls executes one batch of completed tool calls in order.
//
// The first write-tool call becomes the turn's proposal; anything after
// it in the same batch is answered with a skip marker so the history
// stays well-formed. Recoverable tool failures are fed back to the model
// as results; an unknown tool name fails the turn.
func (o *Orchestrator) processToolCalls(ctx context.Context, staged []llm.Message, calls []llm.ToolCall, events TurnEvents) (*tools.ProposedAction, []llm.Message, error) {
	var proposal *tools.ProposedAction

	for _, call := range calls {
		if proposal != nil {
			staged = append(staged, toolMessage(call,
				`{"error": "not executed: a proposed action from this turn is awaiting approval"}`))
			continue
		}

		result, err := tools.ExecuteTool(ctx, o.registry, call.Name, call.Arguments)
		if err != nil {
			if errors.Is(err, tools.ErrUnknownTool) {
				return nil, nil, fmt.Errorf("tool call %s: %w", call.ID, err)
			}
			if recoverable(err) {
				slog.Debug("Tool call failed, feeding error back to model",
					"threadID", o.thread.ID, "tool", call.Name, "error", err)
				payload := fmt.Sprintf(`{"error": %q}`, err.Error())
				staged = append(staged, toolMessage(call, payload))
				if events.OnToolResult != nil {
					events.OnToolResult(call.ID, call.Name, payload)
				}
				continue
			}
			return nil, nil, fmt.Errorf("tool %s failed: %w", call.Name, err)
		}

		if action, ok := result.Output.(*tools.ProposedAction); ok {
			action.ToolCallID = call.ID
			proposal = action
			continue
		}

		staged = append(staged, toolMessage(call, result.OutputText))
		if events.OnToolResult != nil {
			events.OnToolResult(call.ID, call.Name, result.OutputText)
		}
	}
	return proposal, staged, nil
}

// commit makes the staged history durable on the thread. Called only on
// a natural turn end; a cancelled turn never reaches here.
func (o *Orchestrator) commit(staged []llm.Message, usage llm.Usage) {
	o.thread.Messages = staged
	o.thread.TurnCount++
	o.thread.Usage.PromptTokens += usage.PromptTokens
	o.thread.Usage.CompletionTokens += usage.CompletionTokens
	o.thread.Usage.TotalTokens += usage.TotalTokens
	o.thread.Touch()
}

// systemMessage builds the per-round system prompt, seeded with fresh
// retrieval context so the model sees the graph as it is now.
func (o *Orchestrator) systemMessage(ctx context.Context, query string) llm.Message {
	var contextBlock string
	if o.retriever != nil {
		ragContext, err := o.retriever.Retrieve(ctx, o.thread.GraphKey, query)
		if err != nil {
			slog.Warn("Context retrieval failed, prompting without graph context",
				"threadID", o.thread.ID, "graphKey", o.thread.GraphKey, "error", err)
		} else if raw, err := json.Marshal(ragContext); err == nil {
			contextBlock = "\n\nCurrent graph context:\n" + string(raw)
		}
	}
	return llm.Message{
		Role: llm.RoleSystem,
		Content: "You are a workflow graph assistant. You inspect the graph with read tools " +
			"and propose changes with propose_* tools. Proposals require human approval; " +
			"never claim a change was applied until a proposal is approved." + contextBlock,
	}
}

func toolMessage(call llm.ToolCall, content string) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    content,
	}
}

// recoverable reports whether a tool failure should be fed back to the
// model instead of failing the turn.
func recoverable(err error) bool {
	var argErr *tools.ArgumentError
	return errors.As(err, &argErr) ||
		errors.Is(err, graph.ErrNodeNotFound) ||
		errors.Is(err, graph.ErrGraphNotFound)
}

// resumeToolResult renders the tool result injected by a resume
// decision. Approval echoes the applied action so the model knows what
// now exists; rejection carries the operator's feedback.
func resumeToolResult(action *tools.ProposedAction, approved bool, feedback string) string {
	if approved {
		echo := map[string]any{
			"status": "approved",
			"appliedAction": map[string]any{
				"type":    action.Type,
				"payload": action.Payload,
			},
		}
		raw, _ := json.Marshal(echo)
		return string(raw)
	}
	rejection := map[string]any{"status": "rejected"}
	if feedback != "" {
		rejection["feedback"] = feedback
	}
	raw, _ := json.Marshal(rejection)
	return string(raw)
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
