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
)

// buildProposal assembles a ProposedAction from validated arguments.
//
// Only arguments the model actually provided enter the payload; the
// reason is lifted out into the display-only field and never appears in
// the payload.
func buildProposal(actionType string, def ToolDefinition, args map[string]any) *ProposedAction {
	payload := make(map[string]any, len(args))
	for name := range def.Parameters {
		if name == "reason" {
			continue
		}
		if value, ok := args[name]; ok {
			payload[name] = value
		}
	}
	reason, _ := args["reason"].(string)
	return &ProposedAction{
		Type:    actionType,
		Payload: payload,
		Reason:  reason,
	}
}

func reasonParam() ParamDef {
	return ParamDef{
		Type:        ParamTypeString,
		Description: "Human-readable justification shown to the operator in the approval prompt.",
		Required:    true,
	}
}

// ---------------------------------------------------------------------------
// propose_create_node

// ProposeCreateNodeTool proposes adding a node to the graph.
type ProposeCreateNodeTool struct{}

// NewProposeCreateNodeTool creates the tool.
func NewProposeCreateNodeTool() *ProposeCreateNodeTool { return &ProposeCreateNodeTool{} }

func (t *ProposeCreateNodeTool) Name() string           { return WriteToolPrefix + "create_node" }
func (t *ProposeCreateNodeTool) Category() ToolCategory { return CategoryWrite }

func (t *ProposeCreateNodeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Propose creating a new node. Nothing is created until a human approves.",
		Category:    CategoryWrite,
		Parameters: map[string]ParamDef{
			"typeKey": {
				Type:        ParamTypeString,
				Description: "Node type to create (see list_available_node_types).",
				Required:    true,
			},
			"sheet": {
				Type:        ParamTypeString,
				Description: "Sheet id the node is placed on.",
				Required:    true,
			},
			"posX": {
				Type:        ParamTypeNumber,
				Description: "Canvas X coordinate.",
				Required:    true,
			},
			"posY": {
				Type:        ParamTypeNumber,
				Description: "Canvas Y coordinate.",
				Required:    true,
			},
			"process": {
				Type:        ParamTypeString,
				Description: "Process code for the node.",
				Default:     "",
			},
			"handles": {
				Type:        ParamTypeObject,
				Description: "Handle id to accept-type bindings.",
			},
			"data": {
				Type:        ParamTypeObject,
				Description: "Initial data payload for the node.",
			},
			"reason": reasonParam(),
		},
	}
}

func (t *ProposeCreateNodeTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	action := buildProposal(ActionCreateNode, t.Definition(), args)
	return &Result{
		Output:     action,
		OutputText: "Proposed creating a node; awaiting human approval.",
	}, nil
}

// ---------------------------------------------------------------------------
// propose_create_edge

// ProposeCreateEdgeTool proposes connecting two node handles.
type ProposeCreateEdgeTool struct{}

// NewProposeCreateEdgeTool creates the tool.
func NewProposeCreateEdgeTool() *ProposeCreateEdgeTool { return &ProposeCreateEdgeTool{} }

func (t *ProposeCreateEdgeTool) Name() string           { return WriteToolPrefix + "create_edge" }
func (t *ProposeCreateEdgeTool) Category() ToolCategory { return CategoryWrite }

func (t *ProposeCreateEdgeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Propose connecting two nodes with an edge. Nothing is created until a human approves.",
		Category:    CategoryWrite,
		Parameters: map[string]ParamDef{
			"sourceKey": {
				Type:        ParamTypeString,
				Description: "Key of the source node.",
				Required:    true,
			},
			"sourceHandle": {
				Type:        ParamTypeString,
				Description: "Handle id on the source node.",
				Required:    true,
			},
			"targetKey": {
				Type:        ParamTypeString,
				Description: "Key of the target node.",
				Required:    true,
			},
			"targetHandle": {
				Type:        ParamTypeString,
				Description: "Handle id on the target node.",
				Required:    true,
			},
			"sheet": {
				Type:        ParamTypeString,
				Description: "Sheet id both endpoints live on.",
				Required:    true,
			},
			"label": {
				Type:        ParamTypeString,
				Description: "Optional display label for the edge.",
			},
			"reason": reasonParam(),
		},
	}
}

func (t *ProposeCreateEdgeTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	action := buildProposal(ActionCreateEdge, t.Definition(), args)
	return &Result{
		Output:     action,
		OutputText: "Proposed creating an edge; awaiting human approval.",
	}, nil
}

// ---------------------------------------------------------------------------
// propose_delete_node

// ProposeDeleteNodeTool proposes removing a node from the graph.
type ProposeDeleteNodeTool struct{}

// NewProposeDeleteNodeTool creates the tool.
func NewProposeDeleteNodeTool() *ProposeDeleteNodeTool { return &ProposeDeleteNodeTool{} }

func (t *ProposeDeleteNodeTool) Name() string           { return WriteToolPrefix + "delete_node" }
func (t *ProposeDeleteNodeTool) Category() ToolCategory { return CategoryWrite }

func (t *ProposeDeleteNodeTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: "Propose deleting a node and its edges. Nothing is deleted until a human approves.",
		Category:    CategoryWrite,
		Parameters: map[string]ParamDef{
			"nodeKey": {
				Type:        ParamTypeString,
				Description: "Key of the node to delete.",
				Required:    true,
			},
			"reason": reasonParam(),
		},
	}
}

func (t *ProposeDeleteNodeTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	action := buildProposal(ActionDeleteNode, t.Definition(), args)
	return &Result{
		Output:     action,
		OutputText: "Proposed deleting a node; awaiting human approval.",
	}, nil
}
