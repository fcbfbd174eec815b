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
	"context"
	"errors"
)

// Sentinel errors returned by DataSource implementations.
var (
	// ErrGraphNotFound indicates the graph key does not exist.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrNodeNotFound indicates the node key does not exist in the graph.
	ErrNodeNotFound = errors.New("node not found")
)

// DataSource is the narrow read-only interface to the live graph.
//
// # Description
//
// DataSource is implemented outside this subsystem (by the graph
// persistence engine) and consumed by the tool layer and the GraphRAG
// retriever. Implementations arbitrate concurrent reads themselves; this
// subsystem never holds graph state exclusively.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type DataSource interface {
	// GetGraph returns graph metadata, or ErrGraphNotFound.
	GetGraph(ctx context.Context, graphKey string) (*Graph, error)

	// GetNodes returns all nodes of the graph.
	GetNodes(ctx context.Context, graphKey string) ([]Node, error)

	// GetEdges returns all edges of the graph.
	GetEdges(ctx context.Context, graphKey string) ([]Edge, error)

	// SearchNodes returns up to max nodes matching the query.
	//
	// When embedding is non-nil the source may use vector similarity;
	// otherwise it falls back to lexical token matching. An empty result
	// is not an error.
	SearchNodes(ctx context.Context, graphKey, query string, max int, embedding []float32) ([]Node, error)

	// GetNeighborhood expands around nodeKey up to depth hops following
	// edges in the given direction. Returns ErrNodeNotFound if the start
	// node does not exist.
	GetNeighborhood(ctx context.Context, graphKey, nodeKey string, depth int, direction Direction) (*Neighborhood, error)

	// GetNodeByKey returns one node, or ErrNodeNotFound.
	GetNodeByKey(ctx context.Context, graphKey, nodeKey string) (*Node, error)

	// GetNodeConfigs returns the node type configs available in the graph.
	GetNodeConfigs(ctx context.Context, graphKey string) ([]NodeTypeConfig, error)
}

// EmbeddingProvider produces query embeddings for vector-assisted search.
//
// Failures from an EmbeddingProvider are always non-fatal to callers:
// retrieval falls back to lexical search.
type EmbeddingProvider interface {
	// GenerateEmbedding returns the embedding vector for text.
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector dimension the provider produces.
	Dimension() int

	// ModelName returns the embedding model identifier.
	ModelName() string
}
