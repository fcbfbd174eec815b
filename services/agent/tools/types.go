// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools provides the tool registry and execution framework for the
// graph assistant.
//
// Tools come in two disjoint classes discriminated by name: read tools are
// pure queries against the graph data source, and write tools (all sharing
// the WriteToolPrefix) never mutate anything: they parse their arguments
// into a ProposedAction that must be approved by a human before the
// external edit pipeline applies it.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package tools

import (
	"context"
	"strings"
)

// WriteToolPrefix marks mutation-proposing tools. The prefix is a stable
// public contract: any integrator can distinguish read/write intent from
// the tool name alone.
const WriteToolPrefix = "propose_"

// IsWriteTool reports whether a tool name denotes a write tool.
func IsWriteTool(name string) bool {
	return strings.HasPrefix(name, WriteToolPrefix)
}

// ToolCategory represents the category a tool belongs to.
type ToolCategory string

const (
	// CategoryRead includes pure graph query tools.
	CategoryRead ToolCategory = "read"

	// CategoryWrite includes propose-only mutation tools.
	CategoryWrite ToolCategory = "write"
)

// String returns the string representation of the category.
func (c ToolCategory) String() string {
	return string(c)
}

// ParamType represents the type of a tool parameter.
type ParamType string

const (
	// ParamTypeString is a string parameter.
	ParamTypeString ParamType = "string"

	// ParamTypeInt is an integer parameter.
	ParamTypeInt ParamType = "integer"

	// ParamTypeNumber is a floating-point parameter.
	ParamTypeNumber ParamType = "number"

	// ParamTypeBool is a boolean parameter.
	ParamTypeBool ParamType = "boolean"

	// ParamTypeObject is an object parameter.
	ParamTypeObject ParamType = "object"
)

// ParamDef defines a single parameter for a tool.
type ParamDef struct {
	// Type is the parameter type.
	Type ParamType `json:"type"`

	// Description explains what the parameter is for.
	Description string `json:"description"`

	// Required indicates if the parameter must be provided.
	Required bool `json:"required"`

	// Default is the default value if not provided.
	Default any `json:"default,omitempty"`

	// Enum restricts values to a set of options.
	Enum []any `json:"enum,omitempty"`

	// Minimum is the minimum value (for numeric types).
	Minimum *float64 `json:"minimum,omitempty"`

	// Maximum is the maximum value (for numeric types).
	Maximum *float64 `json:"maximum,omitempty"`
}

// ToolDefinition describes a tool's interface for the LLM.
//
// This structure is serializable to JSON Schema format for use with LLM
// tool calling APIs; see JSONSchema.
type ToolDefinition struct {
	// Name is the unique identifier for the tool.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description"`

	// Parameters defines the input parameters.
	Parameters map[string]ParamDef `json:"parameters"`

	// Category is the tool category (read, write).
	Category ToolCategory `json:"category"`
}

// RequiredParams returns a list of required parameter names.
func (d *ToolDefinition) RequiredParams() []string {
	var required []string
	for name, param := range d.Parameters {
		if param.Required {
			required = append(required, name)
		}
	}
	return required
}

// JSONSchema renders the definition as a JSON-schema-shaped parameters
// object for the chat API.
func (d *ToolDefinition) JSONSchema() map[string]any {
	properties := make(map[string]any, len(d.Parameters))
	required := make([]string, 0)
	for name, param := range d.Parameters {
		prop := map[string]any{
			"type":        string(param.Type),
			"description": param.Description,
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			prop["enum"] = param.Enum
		}
		if param.Minimum != nil {
			prop["minimum"] = *param.Minimum
		}
		if param.Maximum != nil {
			prop["maximum"] = *param.Maximum
		}
		properties[name] = prop
		if param.Required {
			required = append(required, name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// Tool defines the interface for executable tools.
//
// Implementations must be safe for concurrent use.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Category returns the tool category.
	Category() ToolCategory

	// Definition returns the tool's parameter schema.
	Definition() ToolDefinition

	// Execute runs the tool with the given arguments.
	//
	// Arguments are validated against the definition before this is
	// called. Read tools query the data source; write tools produce a
	// Result whose Output is a *ProposedAction.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result contains the outcome of a tool execution.
type Result struct {
	// Output is the tool's output data. For write tools this is the
	// *ProposedAction awaiting approval.
	Output any `json:"output"`

	// OutputText is a text representation of the output fed back to
	// the model as the tool result.
	OutputText string `json:"output_text"`
}

// Action type values for ProposedAction.Type.
const (
	ActionCreateNode = "create_node"
	ActionCreateEdge = "create_edge"
	ActionDeleteNode = "delete_node"
)

// ProposedAction is a validated, not-yet-applied graph mutation awaiting
// human approval.
//
// The payload holds only schema-declared fields the model actually
// provided. The justification lives in Reason and is display-only; it is
// never copied into the payload, so approving an action hands the edit
// pipeline exactly the mutation and nothing else.
type ProposedAction struct {
	// Type is one of create_node, create_edge, delete_node.
	Type string `json:"type"`

	// Payload is the schema-fixed mutation payload.
	Payload map[string]any `json:"payload"`

	// Reason is the model's human-readable justification, for display
	// in the approval prompt only.
	Reason string `json:"reason"`

	// ToolCallID links the action back to the originating tool call.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ArgumentError represents a tool-argument validation failure.
//
// It is a recoverable value, not a fault: the caller feeds it back to the
// model as a tool result so the model can correct itself.
type ArgumentError struct {
	// Parameter is the parameter name that failed validation.
	Parameter string `json:"parameter"`

	// Message describes the validation failure.
	Message string `json:"message"`

	// Expected describes what was expected.
	Expected string `json:"expected,omitempty"`

	// Actual describes what was received.
	Actual string `json:"actual,omitempty"`
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	if e.Expected != "" && e.Actual != "" {
		return e.Parameter + ": " + e.Message + " (expected " + e.Expected + ", got " + e.Actual + ")"
	}
	return e.Parameter + ": " + e.Message
}
