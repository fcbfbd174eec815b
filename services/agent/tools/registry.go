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
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/graphpilot/services/llm"
)

// ErrUnknownTool indicates a tool name the registry has never seen. For a
// write-prefixed name this is a registry/schema mismatch bug, loud by
// design of the error taxonomy, never fed back to the model.
var ErrUnknownTool = errors.New("unknown tool")

// Registry manages tool registration and lookup.
//
// Thread Safety:
//
//	Registry is fully thread-safe. All methods can be called concurrently.
type Registry struct {
	mu sync.RWMutex

	// byName maps tool names to tool instances.
	byName map[string]Tool

	// byCategory maps categories to lists of tools.
	byCategory map[ToolCategory][]Tool
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]Tool),
		byCategory: make(map[ToolCategory][]Tool),
	}
}

// Register adds a tool to the registry under its Name() and Category().
// A tool with the same name replaces the previous registration.
func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	category := tool.Category()

	if existing, ok := r.byName[name]; ok {
		oldCategory := existing.Category()
		if oldCategory != category {
			r.removeFromCategory(oldCategory, name)
		}
	}

	r.byName[name] = tool

	for i, t := range r.byCategory[category] {
		if t.Name() == name {
			r.byCategory[category][i] = tool
			return
		}
	}
	r.byCategory[category] = append(r.byCategory[category], tool)
}

// removeFromCategory removes a tool from a category list.
// Caller must hold the write lock.
func (r *Registry) removeFromCategory(category ToolCategory, name string) {
	tools := r.byCategory[category]
	for i, t := range tools {
		if t.Name() == name {
			r.byCategory[category] = append(tools[:i], tools[i+1:]...)
			return
		}
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool, nil
}

// ByCategory returns all tools in a category, sorted by name.
func (r *Registry) ByCategory(category ToolCategory) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, len(r.byCategory[category]))
	copy(tools, r.byCategory[category])
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas renders every registered tool as a chat-API tool schema, sorted
// by name so the surface exposed to the model is deterministic.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	schemas := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		def := r.byName[name].Definition()
		schemas = append(schemas, llm.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.JSONSchema(),
		})
	}
	return schemas
}

// Size returns the number of registered tools.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
