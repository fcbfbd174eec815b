// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// OllamaEmbedder generates embeddings through an Ollama server.
type OllamaEmbedder struct {
	httpClient *http.Client
	baseURL    string
	model      string
	dimension  int
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an embedder from environment configuration.
//
// OLLAMA_BASE_URL must be set. OLLAMA_EMBED_MODEL defaults to
// "nomic-embed-text" (768 dimensions).
func NewOllamaEmbedder() (*OllamaEmbedder, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("OLLAMA_EMBED_MODEL")
	dimension := 768
	if model == "" {
		model = "nomic-embed-text"
		slog.Warn("OLLAMA_EMBED_MODEL not set, defaulting to nomic-embed-text")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama embedder", "base_url", baseURL, "model", model)
	return &OllamaEmbedder{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    baseURL,
		model:      model,
		dimension:  dimension,
	}, nil
}

// GenerateEmbedding implements EmbeddingProvider.
func (e *OllamaEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	payload := ollamaEmbedRequest{Model: e.model, Prompt: text}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Ollama embedding call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Ollama embedding call failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var embedResp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &embedResp); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("Ollama returned an empty embedding")
	}
	return embedResp.Embedding, nil
}

// Dimension implements EmbeddingProvider.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// ModelName implements EmbeddingProvider.
func (e *OllamaEmbedder) ModelName() string {
	return e.model
}
