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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ollamaTracer = otel.Tracer("graphpilot.llm.ollama")

// OllamaClient implements LLMClient against a local Ollama server using
// the NDJSON /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient creates a client from environment configuration.
//
// OLLAMA_BASE_URL is required; OLLAMA_MODEL defaults to llama3.1.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		slog.Error("OLLAMA_BASE_URL environment variable not set")
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		model = "llama3.1"
		slog.Warn("OLLAMA_MODEL not set, defaulting to llama3.1")
	}
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
	}, nil
}

// ModelName implements LLMClient.
func (o *OllamaClient) ModelName() string {
	return o.model
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// ChatCompletion implements LLMClient.
func (o *OllamaClient) ChatCompletion(ctx context.Context, messages []Message, params GenerationParams) (*ChatResult, error) {
	return o.ChatCompletionWithTools(ctx, messages, nil, params)
}

// ChatCompletionWithTools implements LLMClient.
func (o *OllamaClient) ChatCompletionWithTools(ctx context.Context, messages []Message, tools []ToolSchema, params GenerationParams) (*ChatResult, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.ChatCompletionWithTools")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	result := &ChatResult{StopReason: "end"}
	err := o.stream(ctx, messages, tools, params, func(chunk StreamChunk) error {
		switch chunk.Type {
		case StreamChunkToken:
			result.Content += chunk.Token
		case StreamChunkToolCallDone:
			result.ToolCalls = append(result.ToolCalls, *chunk.ToolCall)
		case StreamChunkUsage:
			result.Usage = *chunk.Usage
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(result.ToolCalls) > 0 {
		result.StopReason = "tool_use"
	}
	return result, nil
}

// StreamCompletionWithTools implements LLMClient.
//
// Ollama delivers tool calls whole rather than as argument fragments.
// Each one surfaces as a tool_call_start on arrival, indexed by arrival
// order; the tool_call_done chunks are held back until natural stream
// end so the ordering contract matches the fragmented backends.
func (o *OllamaClient) StreamCompletionWithTools(ctx context.Context, messages []Message, tools []ToolSchema, params GenerationParams, callback StreamCallback) error {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.StreamCompletionWithTools")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	if err := o.stream(ctx, messages, tools, params, callback); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return callback(StreamChunk{Type: StreamChunkDone})
}

func (o *OllamaClient) stream(ctx context.Context, messages []Message, tools []ToolSchema, params GenerationParams, callback StreamCallback) error {
	req := ollamaChatRequest{
		Model:    o.model,
		Messages: make([]ollamaMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, m := range messages {
		msg := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = json.RawMessage(tc.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, otc)
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	options := map[string]any{}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	if len(options) > 0 {
		req.Options = options
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal ollama request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Provider: "ollama", Model: o.model, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("Ollama chat request failed", "status", resp.StatusCode, "body", string(respBody))
		return &ProviderError{
			Provider:   "ollama",
			Model:      o.model,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	acc := newToolCallAccumulator()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("failed to decode ollama stream line: %w", err)
		}

		if chunk.Message.Content != "" {
			if err := callback(StreamChunk{Type: StreamChunkToken, Token: chunk.Message.Content}); err != nil {
				return err
			}
		}
		for _, otc := range chunk.Message.ToolCalls {
			index := acc.size()
			acc.add(index, fmt.Sprintf("call_%d", index), otc.Function.Name, string(otc.Function.Arguments))
			started := acc.start(index)
			if err := callback(StreamChunk{Type: StreamChunkToolCallStart, Index: index, ToolCall: &started}); err != nil {
				return err
			}
		}
		if chunk.Done {
			usage := &Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
			}
			if err := callback(StreamChunk{Type: StreamChunkUsage, Usage: usage}); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Provider: "ollama", Model: o.model, Err: err}
	}
	return acc.flush(callback)
}
