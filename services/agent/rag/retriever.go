// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag assembles a bounded, relevance-ranked context from a live
// workflow graph for LLM prompting.
//
// A graph can be arbitrarily large; the retriever compresses it to at most
// maxNodes node records plus the edges and type configs they reference,
// seeded by search matches and expanded through their neighborhoods.
// Results are cached per (graphKey, query) with a TTL.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/graphpilot/services/graph"
)

var tracer = otel.Tracer("graphpilot.rag")

const (
	// defaultMaxNodes bounds the node records in one context.
	defaultMaxNodes = 20

	// defaultSeedCount is how many top matches get neighborhood expansion.
	defaultSeedCount = 5

	// defaultMaxDepth is the expansion depth in hops.
	defaultMaxDepth = 2

	// defaultCacheTTL applies when RAG_CACHE_TTL_MS is unset.
	defaultCacheTTL = 120 * time.Second

	// maxProcessChars truncates node process code in the context.
	maxProcessChars = 500

	// maxDataChars truncates the JSON rendering of node data.
	maxDataChars = 200
)

// Context is the immutable result of one retrieval.
type Context struct {
	// Summary describes the graph itself.
	Summary GraphSummary `json:"summary"`

	// Nodes are the relevant node records, at most maxNodes of them.
	Nodes []NodeContext `json:"nodes"`

	// Edges connect nodes that are both present in Nodes.
	Edges []EdgeContext `json:"edges"`

	// TypeConfigs are the distinct type configs referenced by Nodes.
	TypeConfigs []TypeConfigSummary `json:"typeConfigs"`
}

// GraphSummary is the graph-level slice of a Context.
type GraphSummary struct {
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Sheets      map[string]string `json:"sheets"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// NodeContext is one node record compressed for prompting.
type NodeContext struct {
	Key             string `json:"key"`
	Type            string `json:"type"`
	TypeDisplayName string `json:"typeDisplayName,omitempty"`
	SheetID         string `json:"sheetId"`
	SheetName       string `json:"sheetName,omitempty"`

	// Process is the node's process code, truncated to maxProcessChars.
	Process string `json:"process,omitempty"`

	// Handles is a compact "id=accepts" summary of the handle map.
	Handles string `json:"handles,omitempty"`

	// Data is the node data rendered as JSON, truncated to maxDataChars.
	Data string `json:"data,omitempty"`
}

// EdgeContext is one edge record of a Context.
type EdgeContext struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle"`
	Label        string `json:"label,omitempty"`
}

// TypeConfigSummary is one node-type config compressed for prompting.
type TypeConfigSummary struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Icon        string `json:"icon,omitempty"`

	// Handles is the flattened handle signature, one
	// "<side>:<direction>(<accept-type>)" per handle joined by commas.
	Handles string `json:"handles,omitempty"`
}

// Retriever runs the GraphRAG pipeline.
//
// # Thread Safety
//
// Retriever is safe for concurrent use; the cache serializes its own
// access and the data source arbitrates concurrent reads.
type Retriever struct {
	source   graph.DataSource
	embedder graph.EmbeddingProvider
	cache    *Cache

	maxNodes  int
	seedCount int
	maxDepth  int

	// onCacheResult, when set, observes every cache lookup.
	onCacheResult func(hit bool)
}

// NewRetriever creates a retriever over a data source.
//
// embedder may be nil; retrieval then uses lexical search only. The cache
// TTL comes from RAG_CACHE_TTL_MS (milliseconds; 0 disables caching),
// defaulting to 120000.
func NewRetriever(source graph.DataSource, embedder graph.EmbeddingProvider) *Retriever {
	ttl := defaultCacheTTL
	if raw := os.Getenv("RAG_CACHE_TTL_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			slog.Warn("Invalid RAG_CACHE_TTL_MS, using default", "value", raw, "default_ms", defaultCacheTTL.Milliseconds())
		} else {
			ttl = time.Duration(ms) * time.Millisecond
		}
	}
	return &Retriever{
		source:    source,
		embedder:  embedder,
		cache:     NewCache(ttl),
		maxNodes:  defaultMaxNodes,
		seedCount: defaultSeedCount,
		maxDepth:  defaultMaxDepth,
	}
}

// Cache exposes the retriever's cache for invalidation and introspection.
func (r *Retriever) Cache() *Cache {
	return r.cache
}

// SetCacheObserver installs a hook receiving every cache lookup outcome.
// Call before the retriever is shared across goroutines.
func (r *Retriever) SetCacheObserver(fn func(hit bool)) {
	r.onCacheResult = fn
}

// Retrieve assembles the context for (graphKey, query).
//
// # Description
//
// Returns the cached context when a live entry exists. Otherwise: load
// graph metadata; optionally embed the query (failure falls back to
// lexical search silently); search up to maxNodes matches, falling back
// to the first maxNodes nodes of the graph when nothing matches so the
// model always receives some context; expand the first seedCount matches
// maxDepth hops in both directions; materialize up to maxNodes node
// records; keep only edges with both endpoints materialized; collect the
// referenced type configs; assemble, cache and return.
//
// # Outputs
//
//	*Context - The assembled context, never nil on success
//	error - graph.ErrGraphNotFound when the graph does not exist
func (r *Retriever) Retrieve(ctx context.Context, graphKey, query string) (*Context, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("rag.graph_key", graphKey))

	if cached := r.cache.Get(graphKey, query); cached != nil {
		span.SetAttributes(attribute.Bool("rag.cache_hit", true))
		if r.onCacheResult != nil {
			r.onCacheResult(true)
		}
		return cached, nil
	}
	span.SetAttributes(attribute.Bool("rag.cache_hit", false))
	if r.onCacheResult != nil {
		r.onCacheResult(false)
	}

	g, err := r.source.GetGraph(ctx, graphKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph %s: %w", graphKey, err)
	}

	embedding := r.embedQuery(ctx, query)

	matches, err := r.source.SearchNodes(ctx, graphKey, query, r.maxNodes, embedding)
	if err != nil {
		return nil, fmt.Errorf("node search failed for graph %s: %w", graphKey, err)
	}
	if len(matches) == 0 {
		// Unscored fallback: first maxNodes nodes of the graph.
		all, err := r.source.GetNodes(ctx, graphKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load nodes for graph %s: %w", graphKey, err)
		}
		if len(all) > r.maxNodes {
			all = all[:r.maxNodes]
		}
		matches = all
	}

	nodeByKey := make(map[string]graph.Node)
	keyOrder := make([]string, 0, len(matches))
	addNode := func(n graph.Node) {
		if _, ok := nodeByKey[n.Key]; ok {
			return
		}
		nodeByKey[n.Key] = n
		keyOrder = append(keyOrder, n.Key)
	}
	for _, n := range matches {
		addNode(n)
	}

	var discoveredEdges []graph.Edge
	seedCount := r.seedCount
	if seedCount > len(matches) {
		seedCount = len(matches)
	}
	for _, seed := range matches[:seedCount] {
		neighborhood, err := r.source.GetNeighborhood(ctx, graphKey, seed.Key, r.maxDepth, graph.DirectionAny)
		if err != nil {
			slog.Warn("Neighborhood expansion failed, skipping seed",
				"graphKey", graphKey, "nodeKey", seed.Key, "error", err)
			continue
		}
		for _, n := range neighborhood.Nodes {
			addNode(n)
		}
		discoveredEdges = append(discoveredEdges, neighborhood.Edges...)
	}

	// Materialize up to maxNodes in set insertion order.
	materialized := keyOrder
	if len(materialized) > r.maxNodes {
		materialized = materialized[:r.maxNodes]
	}
	included := make(map[string]bool, len(materialized))
	for _, key := range materialized {
		included[key] = true
	}

	seenEdges := make(map[string]bool)
	edges := make([]EdgeContext, 0, len(discoveredEdges))
	for _, e := range discoveredEdges {
		if !included[e.Source] || !included[e.Target] || seenEdges[e.Key] {
			continue
		}
		seenEdges[e.Key] = true
		edges = append(edges, EdgeContext{
			Source:       e.Source,
			SourceHandle: e.SourceHandle,
			Target:       e.Target,
			TargetHandle: e.TargetHandle,
			Label:        e.Label,
		})
	}

	configs, err := r.source.GetNodeConfigs(ctx, graphKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load node configs for graph %s: %w", graphKey, err)
	}
	configByKey := make(map[string]graph.NodeTypeConfig, len(configs))
	for _, c := range configs {
		configByKey[c.Key] = c
	}

	nodes := make([]NodeContext, 0, len(materialized))
	usedTypes := make(map[string]bool)
	var typeOrder []string
	for _, key := range materialized {
		n := nodeByKey[key]
		if !usedTypes[n.Type] {
			usedTypes[n.Type] = true
			typeOrder = append(typeOrder, n.Type)
		}
		nodes = append(nodes, NodeContext{
			Key:             n.Key,
			Type:            n.Type,
			TypeDisplayName: configByKey[n.Type].DisplayName,
			SheetID:         n.Sheet,
			SheetName:       g.Sheets[n.Sheet],
			Process:         truncate(n.Process, maxProcessChars),
			Handles:         summarizeHandles(n.Handles),
			Data:            renderData(n.Data),
		})
	}

	typeConfigs := make([]TypeConfigSummary, 0, len(typeOrder))
	for _, typeKey := range typeOrder {
		c, ok := configByKey[typeKey]
		if !ok {
			continue
		}
		typeConfigs = append(typeConfigs, TypeConfigSummary{
			Key:         c.Key,
			DisplayName: c.DisplayName,
			Description: c.Description,
			Category:    c.Category,
			Icon:        c.Icon,
			Handles:     handleSignature(c.Handles),
		})
	}

	assembled := &Context{
		Summary: GraphSummary{
			Key:         g.Key,
			Name:        g.Name,
			Description: g.Description,
			Sheets:      g.Sheets,
			Metadata:    g.Metadata,
		},
		Nodes:       nodes,
		Edges:       edges,
		TypeConfigs: typeConfigs,
	}

	r.cache.Put(graphKey, query, assembled)
	span.SetAttributes(
		attribute.Int("rag.nodes", len(nodes)),
		attribute.Int("rag.edges", len(edges)),
	)
	return assembled, nil
}

// embedQuery returns a query embedding or nil. Any embedding failure is
// non-fatal; retrieval falls back to lexical search.
func (r *Retriever) embedQuery(ctx context.Context, query string) []float32 {
	if r.embedder == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	embedding, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		slog.Warn("Query embedding failed, falling back to lexical search",
			"model", r.embedder.ModelName(), "error", err)
		return nil
	}
	return embedding
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// renderData renders node data as JSON truncated to maxDataChars.
func renderData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return truncate(string(raw), maxDataChars)
}

func summarizeHandles(handles map[string]string) string {
	if len(handles) == 0 {
		return ""
	}
	parts := make([]string, 0, len(handles))
	for id, accepts := range handles {
		parts = append(parts, id+"="+accepts)
	}
	// Deterministic summary regardless of map order.
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

// handleSignature flattens a type's handles into
// "<side>:<direction>(<accept-type>)" joined by commas.
func handleSignature(handles []graph.HandleConfig) string {
	if len(handles) == 0 {
		return ""
	}
	parts := make([]string, 0, len(handles))
	for _, h := range handles {
		parts = append(parts, fmt.Sprintf("%s:%s(%s)", h.Side, h.Direction, h.Accepts))
	}
	return strings.Join(parts, ",")
}
