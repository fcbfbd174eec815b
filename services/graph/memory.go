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
	"math"
	"sort"
	"strings"
	"sync"
)

// MemorySource is an in-memory DataSource for local development and tests.
//
// # Description
//
// MemorySource holds whole graphs in process memory. Search uses cosine
// similarity when both the query embedding and node embeddings are present,
// and lowercase token matching otherwise. Neighborhood expansion is a
// breadth-first walk honoring the requested direction.
//
// # Thread Safety
//
// MemorySource is safe for concurrent use.
type MemorySource struct {
	mu     sync.RWMutex
	graphs map[string]*memoryGraph
}

type memoryGraph struct {
	meta    Graph
	nodes   []Node
	edges   []Edge
	configs []NodeTypeConfig
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{graphs: make(map[string]*memoryGraph)}
}

// AddGraph registers a graph with its nodes, edges and type configs.
// An existing graph under the same key is replaced.
func (s *MemorySource) AddGraph(meta Graph, nodes []Node, edges []Edge, configs []NodeTypeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[meta.Key] = &memoryGraph{
		meta:    meta,
		nodes:   append([]Node(nil), nodes...),
		edges:   append([]Edge(nil), edges...),
		configs: append([]NodeTypeConfig(nil), configs...),
	}
}

func (s *MemorySource) get(graphKey string) (*memoryGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[graphKey]
	if !ok {
		return nil, ErrGraphNotFound
	}
	return g, nil
}

// GetGraph implements DataSource.
func (s *MemorySource) GetGraph(_ context.Context, graphKey string) (*Graph, error) {
	g, err := s.get(graphKey)
	if err != nil {
		return nil, err
	}
	meta := g.meta
	return &meta, nil
}

// GetNodes implements DataSource.
func (s *MemorySource) GetNodes(_ context.Context, graphKey string) ([]Node, error) {
	g, err := s.get(graphKey)
	if err != nil {
		return nil, err
	}
	return append([]Node(nil), g.nodes...), nil
}

// GetEdges implements DataSource.
func (s *MemorySource) GetEdges(_ context.Context, graphKey string) ([]Edge, error) {
	g, err := s.get(graphKey)
	if err != nil {
		return nil, err
	}
	return append([]Edge(nil), g.edges...), nil
}

// SearchNodes implements DataSource.
func (s *MemorySource) SearchNodes(_ context.Context, graphKey, query string, max int, embedding []float32) ([]Node, error) {
	g, err := s.get(graphKey)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	type scored struct {
		node  Node
		score float64
	}
	var matches []scored

	if embedding != nil {
		for _, n := range g.nodes {
			if len(n.Embedding) == 0 {
				continue
			}
			if score := cosine(embedding, n.Embedding); score > 0 {
				matches = append(matches, scored{node: n, score: score})
			}
		}
	}

	// Lexical path: also the fallback when no node carries a vector.
	if len(matches) == 0 {
		terms := strings.Fields(strings.ToLower(query))
		for _, n := range g.nodes {
			haystack := strings.ToLower(n.Key + " " + n.Type + " " + n.Process)
			score := 0.0
			for _, term := range terms {
				if strings.Contains(haystack, term) {
					score++
				}
			}
			if score > 0 {
				matches = append(matches, scored{node: n, score: score})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > max {
		matches = matches[:max]
	}
	result := make([]Node, len(matches))
	for i, m := range matches {
		result[i] = m.node
	}
	return result, nil
}

// GetNeighborhood implements DataSource.
func (s *MemorySource) GetNeighborhood(_ context.Context, graphKey, nodeKey string, depth int, direction Direction) (*Neighborhood, error) {
	g, err := s.get(graphKey)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]Node, len(g.nodes))
	for _, n := range g.nodes {
		byKey[n.Key] = n
	}
	start, ok := byKey[nodeKey]
	if !ok {
		return nil, ErrNodeNotFound
	}
	if depth < 1 {
		depth = 1
	}
	if !direction.Valid() {
		direction = DirectionAny
	}

	visited := map[string]bool{nodeKey: true}
	frontier := []string{nodeKey}
	result := &Neighborhood{Nodes: []Node{start}}
	seenEdges := make(map[string]bool)

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, key := range frontier {
			for _, e := range g.edges {
				var peer string
				switch {
				case e.Source == key && direction != DirectionInbound:
					peer = e.Target
				case e.Target == key && direction != DirectionOutbound:
					peer = e.Source
				default:
					continue
				}
				if !seenEdges[e.Key] {
					seenEdges[e.Key] = true
					result.Edges = append(result.Edges, e)
				}
				if visited[peer] {
					continue
				}
				visited[peer] = true
				if n, ok := byKey[peer]; ok {
					result.Nodes = append(result.Nodes, n)
					next = append(next, peer)
				}
			}
		}
		frontier = next
	}
	return result, nil
}

// GetNodeByKey implements DataSource.
func (s *MemorySource) GetNodeByKey(_ context.Context, graphKey, nodeKey string) (*Node, error) {
	g, err := s.get(graphKey)
	if err != nil {
		return nil, err
	}
	for _, n := range g.nodes {
		if n.Key == nodeKey {
			node := n
			return &node, nil
		}
	}
	return nil, ErrNodeNotFound
}

// GetNodeConfigs implements DataSource.
func (s *MemorySource) GetNodeConfigs(_ context.Context, graphKey string) ([]NodeTypeConfig, error) {
	g, err := s.get(graphKey)
	if err != nil {
		return nil, err
	}
	return append([]NodeTypeConfig(nil), g.configs...), nil
}

// cosine returns the cosine similarity of two vectors, 0 on mismatch.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
