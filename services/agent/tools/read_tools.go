// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/graphpilot/services/graph"
)

// RegisterGraphTools registers the full read/write tool surface for one
// graph into a registry. Tools are bound to the thread's graph at
// registration; the model never addresses a graph it was not bound to.
func RegisterGraphTools(registry *Registry, source graph.DataSource, graphKey string) {
	registry.Register(NewReadGraphOverviewTool(source, graphKey))
	registry.Register(NewSearchNodesTool(source, graphKey))
	registry.Register(NewExploreNeighborhoodTool(source, graphKey))
	registry.Register(NewReadNodeDetailTool(source, graphKey))
	registry.Register(NewReadNodeConfigTool(source, graphKey))
	registry.Register(NewListAvailableNodeTypesTool(source, graphKey))
	registry.Register(NewListNodeEdgesTool(source, graphKey))
	registry.Register(NewProposeCreateNodeTool())
	registry.Register(NewProposeCreateEdgeTool())
	registry.Register(NewProposeDeleteNodeTool())
}

// jsonResult wraps a value as a tool result with its JSON rendering as
// the text fed back to the model.
func jsonResult(output any) (*Result, error) {
	text, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to render tool result: %w", err)
	}
	return &Result{Output: output, OutputText: string(text)}, nil
}

func directionParam() ParamDef {
	return ParamDef{
		Type:        ParamTypeString,
		Description: "Edge direction filter relative to the node.",
		Default:     string(graph.DirectionAny),
		Enum:        []any{string(graph.DirectionAny), string(graph.DirectionInbound), string(graph.DirectionOutbound)},
	}
}

func directionArg(args map[string]any) graph.Direction {
	if v, ok := args["direction"].(string); ok {
		return graph.Direction(v)
	}
	return graph.DirectionAny
}

// ---------------------------------------------------------------------------
// read_graph_overview

// ReadGraphOverviewTool returns the graph's metadata summary.
type ReadGraphOverviewTool struct {
	source   graph.DataSource
	graphKey string
}

// NewReadGraphOverviewTool creates the tool bound to one graph.
func NewReadGraphOverviewTool(source graph.DataSource, graphKey string) *ReadGraphOverviewTool {
	return &ReadGraphOverviewTool{source: source, graphKey: graphKey}
}

func (t *ReadGraphOverviewTool) Name() string           { return "read_graph_overview" }
func (t *ReadGraphOverviewTool) Category() ToolCategory { return CategoryRead }

func (t *ReadGraphOverviewTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Read the graph's name, description, sheets and metadata, plus node and edge counts.",
		Category:    CategoryRead,
		Parameters: map[string]ParamDef{
			"graphKey": {
				Type:        ParamTypeString,
				Description: "Key of the graph to summarize.",
				Required:    true,
			},
		},
	}
}

func (t *ReadGraphOverviewTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	graphKey := t.graphKey
	if v, ok := args["graphKey"].(string); ok && v != "" {
		graphKey = v
	}
	g, err := t.source.GetGraph(ctx, graphKey)
	if err != nil {
		return nil, err
	}
	nodes, err := t.source.GetNodes(ctx, graphKey)
	if err != nil {
		return nil, err
	}
	edges, err := t.source.GetEdges(ctx, graphKey)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"key":         g.Key,
		"name":        g.Name,
		"description": g.Description,
		"sheets":      g.Sheets,
		"metadata":    g.Metadata,
		"nodeCount":   len(nodes),
		"edgeCount":   len(edges),
	})
}

// ---------------------------------------------------------------------------
// search_nodes

// SearchNodesTool searches graph nodes by relevance to a query.
type SearchNodesTool struct {
	source   graph.DataSource
	graphKey string
}

// NewSearchNodesTool creates the tool bound to one graph.
func NewSearchNodesTool(source graph.DataSource, graphKey string) *SearchNodesTool {
	return &SearchNodesTool{source: source, graphKey: graphKey}
}

func (t *SearchNodesTool) Name() string           { return "search_nodes" }
func (t *SearchNodesTool) Category() ToolCategory { return CategoryRead }

func (t *SearchNodesTool) Definition() ToolDefinition {
	minResults := float64(1)
	maxResults := float64(50)
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Search nodes in the graph matching a natural-language query.",
		Category:    CategoryRead,
		Parameters: map[string]ParamDef{
			"query": {
				Type:        ParamTypeString,
				Description: "What to look for.",
				Required:    true,
			},
			"sheetId": {
				Type:        ParamTypeString,
				Description: "Restrict results to one sheet.",
			},
			"maxResults": {
				Type:        ParamTypeInt,
				Description: "Maximum number of results.",
				Default:     10,
				Minimum:     &minResults,
				Maximum:     &maxResults,
			},
		},
	}
}

func (t *SearchNodesTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	query, _ := args["query"].(string)
	maxResults := 10
	if v, ok := args["maxResults"].(float64); ok {
		maxResults = int(v)
	}
	nodes, err := t.source.SearchNodes(ctx, t.graphKey, query, maxResults, nil)
	if err != nil {
		return nil, err
	}
	if sheetID, ok := args["sheetId"].(string); ok && sheetID != "" {
		// The source may hand back a slice it still owns; filter into a
		// fresh one instead of compacting in place.
		filtered := make([]graph.Node, 0, len(nodes))
		for _, n := range nodes {
			if n.Sheet == sheetID {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	summaries := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		summaries = append(summaries, map[string]any{
			"key":   n.Key,
			"type":  n.Type,
			"sheet": n.Sheet,
		})
	}
	return jsonResult(map[string]any{"nodes": summaries, "count": len(summaries)})
}

// ---------------------------------------------------------------------------
// explore_neighborhood

// ExploreNeighborhoodTool expands the graph around one node.
type ExploreNeighborhoodTool struct {
	source   graph.DataSource
	graphKey string
}

// NewExploreNeighborhoodTool creates the tool bound to one graph.
func NewExploreNeighborhoodTool(source graph.DataSource, graphKey string) *ExploreNeighborhoodTool {
	return &ExploreNeighborhoodTool{source: source, graphKey: graphKey}
}

func (t *ExploreNeighborhoodTool) Name() string           { return "explore_neighborhood" }
func (t *ExploreNeighborhoodTool) Category() ToolCategory { return CategoryRead }

func (t *ExploreNeighborhoodTool) Definition() ToolDefinition {
	minDepth := float64(1)
	maxDepth := float64(3)
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Expand the neighborhood around a node up to maxDepth hops.",
		Category:    CategoryRead,
		Parameters: map[string]ParamDef{
			"nodeKey": {
				Type:        ParamTypeString,
				Description: "The node to expand around.",
				Required:    true,
			},
			"maxDepth": {
				Type:        ParamTypeInt,
				Description: "Expansion depth in hops.",
				Default:     2,
				Minimum:     &minDepth,
				Maximum:     &maxDepth,
			},
			"direction": directionParam(),
		},
	}
}

func (t *ExploreNeighborhoodTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	nodeKey, _ := args["nodeKey"].(string)
	depth := 2
	if v, ok := args["maxDepth"].(float64); ok {
		depth = int(v)
	}
	neighborhood, err := t.source.GetNeighborhood(ctx, t.graphKey, nodeKey, depth, directionArg(args))
	if err != nil {
		return nil, err
	}
	nodes := make([]map[string]any, 0, len(neighborhood.Nodes))
	for _, n := range neighborhood.Nodes {
		nodes = append(nodes, map[string]any{
			"key":   n.Key,
			"type":  n.Type,
			"sheet": n.Sheet,
		})
	}
	edges := make([]map[string]any, 0, len(neighborhood.Edges))
	for _, e := range neighborhood.Edges {
		edges = append(edges, map[string]any{
			"key":    e.Key,
			"source": e.Source,
			"target": e.Target,
			"label":  e.Label,
		})
	}
	return jsonResult(map[string]any{"nodes": nodes, "edges": edges})
}

// ---------------------------------------------------------------------------
// read_node_detail

// ReadNodeDetailTool returns the full record of one node.
type ReadNodeDetailTool struct {
	source   graph.DataSource
	graphKey string
}

// NewReadNodeDetailTool creates the tool bound to one graph.
func NewReadNodeDetailTool(source graph.DataSource, graphKey string) *ReadNodeDetailTool {
	return &ReadNodeDetailTool{source: source, graphKey: graphKey}
}

func (t *ReadNodeDetailTool) Name() string           { return "read_node_detail" }
func (t *ReadNodeDetailTool) Category() ToolCategory { return CategoryRead }

func (t *ReadNodeDetailTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Read the full record of one node: position, process code, handles and data.",
		Category:    CategoryRead,
		Parameters: map[string]ParamDef{
			"nodeKey": {
				Type:        ParamTypeString,
				Description: "The node to read.",
				Required:    true,
			},
		},
	}
}

func (t *ReadNodeDetailTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	nodeKey, _ := args["nodeKey"].(string)
	node, err := t.source.GetNodeByKey(ctx, t.graphKey, nodeKey)
	if err != nil {
		return nil, err
	}
	return jsonResult(node)
}

// ---------------------------------------------------------------------------
// read_node_config

// ReadNodeConfigTool returns the type config for one node type.
type ReadNodeConfigTool struct {
	source   graph.DataSource
	graphKey string
}

// NewReadNodeConfigTool creates the tool bound to one graph.
func NewReadNodeConfigTool(source graph.DataSource, graphKey string) *ReadNodeConfigTool {
	return &ReadNodeConfigTool{source: source, graphKey: graphKey}
}

func (t *ReadNodeConfigTool) Name() string           { return "read_node_config" }
func (t *ReadNodeConfigTool) Category() ToolCategory { return CategoryRead }

func (t *ReadNodeConfigTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Read the configuration of one node type, including its handles.",
		Category:    CategoryRead,
		Parameters: map[string]ParamDef{
			"typeKey": {
				Type:        ParamTypeString,
				Description: "The node type to read.",
				Required:    true,
			},
		},
	}
}

func (t *ReadNodeConfigTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	typeKey, _ := args["typeKey"].(string)
	configs, err := t.source.GetNodeConfigs(ctx, t.graphKey)
	if err != nil {
		return nil, err
	}
	for _, c := range configs {
		if c.Key == typeKey {
			return jsonResult(c)
		}
	}
	return nil, &ArgumentError{
		Parameter: "typeKey",
		Message:   "unknown node type",
		Expected:  "one of the types from list_available_node_types",
		Actual:    typeKey,
	}
}

// ---------------------------------------------------------------------------
// list_available_node_types

// ListAvailableNodeTypesTool lists the node types usable in the graph.
type ListAvailableNodeTypesTool struct {
	source   graph.DataSource
	graphKey string
}

// NewListAvailableNodeTypesTool creates the tool bound to one graph.
func NewListAvailableNodeTypesTool(source graph.DataSource, graphKey string) *ListAvailableNodeTypesTool {
	return &ListAvailableNodeTypesTool{source: source, graphKey: graphKey}
}

func (t *ListAvailableNodeTypesTool) Name() string           { return "list_available_node_types" }
func (t *ListAvailableNodeTypesTool) Category() ToolCategory { return CategoryRead }

func (t *ListAvailableNodeTypesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "List all node types available in this graph.",
		Category:    CategoryRead,
		Parameters:  map[string]ParamDef{},
	}
}

func (t *ListAvailableNodeTypesTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	configs, err := t.source.GetNodeConfigs(ctx, t.graphKey)
	if err != nil {
		return nil, err
	}
	types := make([]map[string]any, 0, len(configs))
	for _, c := range configs {
		types = append(types, map[string]any{
			"key":         c.Key,
			"displayName": c.DisplayName,
			"description": c.Description,
			"category":    c.Category,
		})
	}
	return jsonResult(map[string]any{"types": types})
}

// ---------------------------------------------------------------------------
// list_node_edges

// ListNodeEdgesTool lists the edges touching one node.
type ListNodeEdgesTool struct {
	source   graph.DataSource
	graphKey string
}

// NewListNodeEdgesTool creates the tool bound to one graph.
func NewListNodeEdgesTool(source graph.DataSource, graphKey string) *ListNodeEdgesTool {
	return &ListNodeEdgesTool{source: source, graphKey: graphKey}
}

func (t *ListNodeEdgesTool) Name() string           { return "list_node_edges" }
func (t *ListNodeEdgesTool) Category() ToolCategory { return CategoryRead }

func (t *ListNodeEdgesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "List the edges touching a node, optionally filtered by direction.",
		Category:    CategoryRead,
		Parameters: map[string]ParamDef{
			"nodeKey": {
				Type:        ParamTypeString,
				Description: "The node whose edges to list.",
				Required:    true,
			},
			"direction": directionParam(),
		},
	}
}

func (t *ListNodeEdgesTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	nodeKey, _ := args["nodeKey"].(string)
	if _, err := t.source.GetNodeByKey(ctx, t.graphKey, nodeKey); err != nil {
		return nil, err
	}
	edges, err := t.source.GetEdges(ctx, t.graphKey)
	if err != nil {
		return nil, err
	}
	direction := directionArg(args)

	seen := make(map[string]bool)
	matched := make([]graph.Edge, 0)
	for _, e := range edges {
		outbound := e.Source == nodeKey && direction != graph.DirectionInbound
		inbound := e.Target == nodeKey && direction != graph.DirectionOutbound
		if (outbound || inbound) && !seen[e.Key] {
			seen[e.Key] = true
			matched = append(matched, e)
		}
	}
	return jsonResult(map[string]any{"edges": matched, "count": len(matched)})
}
