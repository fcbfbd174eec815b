// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph defines the read-only surface of the workflow graph that the
// assistant is allowed to see.
//
// The graph itself is owned by the external edit pipeline; this package only
// describes its shape and the narrow DataSource interface used to query it.
// Nothing in this repository writes to the graph directly.
package graph

// Direction restricts edge traversal relative to a node.
type Direction string

const (
	// DirectionAny follows edges in both directions.
	DirectionAny Direction = "any"

	// DirectionInbound follows only edges pointing at the node.
	DirectionInbound Direction = "inbound"

	// DirectionOutbound follows only edges leaving the node.
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is one of the three known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionAny, DirectionInbound, DirectionOutbound:
		return true
	default:
		return false
	}
}

// Graph holds the metadata of one workflow graph.
type Graph struct {
	// Key is the stable graph identifier.
	Key string `json:"key"`

	// Name is the display name.
	Name string `json:"name"`

	// Description is an optional free-text description.
	Description string `json:"description,omitempty"`

	// Sheets maps sheet id to sheet display name.
	Sheets map[string]string `json:"sheets"`

	// Metadata carries opaque graph-level metadata.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is a single node of a workflow graph.
type Node struct {
	// Key is the node identifier, unique within the graph.
	Key string `json:"key"`

	// Type is the node type key (resolved via NodeTypeConfig).
	Type string `json:"type"`

	// Sheet is the sheet id the node lives on.
	Sheet string `json:"sheet"`

	// PosX and PosY are canvas coordinates.
	PosX float64 `json:"posX"`
	PosY float64 `json:"posY"`

	// Process is the node's process code, if any.
	Process string `json:"process,omitempty"`

	// Handles maps handle id to the accept-type bound at that handle.
	Handles map[string]string `json:"handles,omitempty"`

	// Data is the node's opaque data payload.
	Data map[string]any `json:"data,omitempty"`

	// Embedding is an optional vector for similarity search. It is owned
	// by the data source and never leaves this subsystem.
	Embedding []float32 `json:"-"`
}

// Edge connects two node handles on one sheet.
type Edge struct {
	// Key is the edge identifier, unique within the graph.
	Key string `json:"key"`

	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle"`

	// Sheet is the sheet id both endpoints live on.
	Sheet string `json:"sheet"`

	// Label is an optional display label.
	Label string `json:"label,omitempty"`
}

// HandleConfig describes one handle of a node type.
type HandleConfig struct {
	// ID is the handle identifier within the type.
	ID string `json:"id"`

	// Side is the canvas side (top, bottom, left, right).
	Side string `json:"side"`

	// Direction is "in" or "out".
	Direction string `json:"direction"`

	// Accepts is the accepted payload type (e.g. "json", "any").
	Accepts string `json:"accepts"`
}

// NodeTypeConfig describes a node type available in a graph.
type NodeTypeConfig struct {
	// Key is the type identifier referenced by Node.Type.
	Key string `json:"key"`

	// DisplayName is the human-readable type name.
	DisplayName string `json:"displayName"`

	// Description explains what nodes of this type do.
	Description string `json:"description,omitempty"`

	// Category groups types in the palette (e.g. "io", "transform").
	Category string `json:"category,omitempty"`

	// Icon is the palette icon name.
	Icon string `json:"icon,omitempty"`

	// Handles lists the handles every node of this type exposes.
	Handles []HandleConfig `json:"handles,omitempty"`
}

// Neighborhood is the result of a bounded graph expansion around one node.
type Neighborhood struct {
	// Nodes are the discovered nodes, including the start node.
	Nodes []Node `json:"nodes"`

	// Edges are the edges traversed during expansion.
	Edges []Edge `json:"edges"`
}
