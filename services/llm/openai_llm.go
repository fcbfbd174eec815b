// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var openaiTracer = otel.Tracer("graphpilot.llm.openai")

// OpenAIClient implements LLMClient against the OpenAI chat API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client from environment configuration.
//
// OPENAI_API_KEY is required (falling back to the container secret at
// /run/secrets/openai_api_key); OPENAI_MODEL defaults to gpt-4o-mini.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// ModelName implements LLMClient.
func (o *OpenAIClient) ModelName() string {
	return o.model
}

// ChatCompletion implements LLMClient.
func (o *OpenAIClient) ChatCompletion(ctx context.Context, messages []Message, params GenerationParams) (*ChatResult, error) {
	return o.ChatCompletionWithTools(ctx, messages, nil, params)
}

// ChatCompletionWithTools implements LLMClient.
func (o *OpenAIClient) ChatCompletionWithTools(ctx context.Context, messages []Message, tools []ToolSchema, params GenerationParams) (*ChatResult, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.ChatCompletionWithTools")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_tools", len(tools)),
	)

	req := o.buildRequest(messages, tools, params)
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, o.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return nil, &ProviderError{Provider: "openai", Model: o.model, Err: ErrNoChoices}
	}

	choice := resp.Choices[0]
	result := &ChatResult{
		Content:    choice.Message.Content,
		StopReason: "end",
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.StopReason = "tool_use"
	}
	return result, nil
}

// StreamCompletionWithTools implements LLMClient.
//
// Tool-call fragments arrive with a zero-based index; the first fragment
// for an index surfaces tool_call_start immediately so callers can render
// "invoking tool X" before the arguments finish arriving.
func (o *OpenAIClient) StreamCompletionWithTools(ctx context.Context, messages []Message, tools []ToolSchema, params GenerationParams, callback StreamCallback) error {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.StreamCompletionWithTools")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_tools", len(tools)),
	)

	req := o.buildRequest(messages, tools, params)
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.wrapError(err)
	}
	defer stream.Close()

	acc := newToolCallAccumulator()
	var usage *Usage

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Aborted stream: discard accumulation, emit nothing further.
			if ctx.Err() != nil {
				span.SetAttributes(attribute.Bool("llm.canceled", true))
				return ctx.Err()
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return o.wrapError(err)
		}

		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			if err := callback(StreamChunk{Type: StreamChunkToken, Token: delta.Content}); err != nil {
				return err
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			first := acc.add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			if first {
				started := acc.start(index)
				chunk := StreamChunk{Type: StreamChunkToolCallStart, Index: index, ToolCall: &started}
				if err := callback(chunk); err != nil {
					return err
				}
			}
		}
	}

	if usage != nil {
		if err := callback(StreamChunk{Type: StreamChunkUsage, Usage: usage}); err != nil {
			return err
		}
	}
	if err := acc.flush(callback); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("llm.tool_calls", acc.size()))
	return callback(StreamChunk{Type: StreamChunkDone})
}

// buildRequest maps normalized messages, tools and params to the OpenAI
// request shape.
func (o *OpenAIClient) buildRequest(messages []Message, tools []ToolSchema, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// wrapError converts a go-openai error into a ProviderError with the
// HTTP status attached when known.
func (o *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: "openai", Model: o.model, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	return &ProviderError{Provider: "openai", Model: o.model, Err: err}
}
