// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides a provider-agnostic chat and streaming interface.
//
// Every backend (OpenAI, Ollama) is normalized into one chunk protocol so
// the orchestrator never sees provider wire formats. See StreamChunk for
// the ordering contract.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoChoices indicates the backend returned an empty completion.
var ErrNoChoices = errors.New("backend returned no choices")

// Role values for Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls are set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name for tool-role messages.
	Name string `json:"name,omitempty"`
}

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	// ID is the provider-assigned call id. May be synthesized for
	// backends that do not assign ids.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the raw argument JSON as emitted by the model.
	Arguments string `json:"arguments"`
}

// ToolSchema describes one tool exposed to the model.
//
// Parameters must be a JSON-schema-shaped object (type, properties,
// required) as expected by tool-calling chat APIs.
type ToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// Usage reports cumulative token counts for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationParams tunes a single completion call.
//
// Pointer fields distinguish "unset" from zero; backends apply their own
// defaults for unset fields.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// ChatResult is a single normalized (non-streaming) completion.
type ChatResult struct {
	// Content is the assistant text, possibly empty when tools were called.
	Content string `json:"content"`

	// ToolCalls are the tool invocations requested by the model.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// StopReason is "end" or "tool_use".
	StopReason string `json:"stop_reason"`

	// Usage is the backend-reported token accounting, if available.
	Usage Usage `json:"usage"`
}

// LLMClient defines the standard interface for any chat backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
type LLMClient interface {
	// ChatCompletion returns a single normalized response.
	ChatCompletion(ctx context.Context, messages []Message, params GenerationParams) (*ChatResult, error)

	// ChatCompletionWithTools returns a single normalized response with
	// tool definitions attached to the call.
	ChatCompletionWithTools(ctx context.Context, messages []Message, tools []ToolSchema, params GenerationParams) (*ChatResult, error)

	// StreamCompletionWithTools streams a completion as StreamChunk
	// values delivered to callback in emission order.
	//
	// The produced sequence is lazy, finite and non-restartable. On
	// context cancellation the transport is aborted, no further chunks
	// are delivered (partial tool-call accumulation is discarded) and
	// the context error is returned.
	StreamCompletionWithTools(ctx context.Context, messages []Message, tools []ToolSchema, params GenerationParams, callback StreamCallback) error

	// ModelName returns the configured model identifier.
	ModelName() string
}

// ProviderError wraps a backend failure with classification context.
//
// The raw underlying error is meant for logs only; transports surface a
// classified, user-safe message instead.
type ProviderError struct {
	// Provider is the backend name ("openai", "ollama").
	Provider string

	// Model is the model in use when the call failed.
	Model string

	// StatusCode is the HTTP status, 0 when not applicable.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s call failed (model %s, status %d): %v", e.Provider, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s call failed (model %s): %v", e.Provider, e.Model, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}
