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
	"math"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseArguments decodes a model-emitted argument string into a map.
//
// Models produce slightly malformed JSON often enough (trailing commas,
// single quotes, unquoted keys) that the string is passed through
// jsonrepair before the strict decode. An empty string means no
// arguments.
func ParseArguments(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	args := map[string]any{}
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		return args, nil
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, &ArgumentError{
			Parameter: "arguments",
			Message:   "arguments are not valid JSON",
			Expected:  "a JSON object",
			Actual:    truncateForError(trimmed),
		}
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, &ArgumentError{
			Parameter: "arguments",
			Message:   "arguments are not a JSON object",
			Expected:  "a JSON object",
			Actual:    truncateForError(trimmed),
		}
	}
	return args, nil
}

// ValidateArguments checks args against a tool definition.
//
// Unknown fields are rejected so the write-tool payload contract stays
// schema-fixed. Defaults are not injected here; tools apply their own.
// A failure is returned as an *ArgumentError value for feedback to the
// model.
func ValidateArguments(def ToolDefinition, args map[string]any) error {
	for name := range args {
		if _, ok := def.Parameters[name]; !ok {
			return &ArgumentError{
				Parameter: name,
				Message:   "unknown parameter",
				Expected:  "one of: " + strings.Join(paramNames(def), ", "),
			}
		}
	}

	for name, param := range def.Parameters {
		value, present := args[name]
		if !present {
			if param.Required {
				return &ArgumentError{
					Parameter: name,
					Message:   "required parameter missing",
					Expected:  string(param.Type),
				}
			}
			continue
		}
		if err := checkType(name, param, value); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteTool resolves, parses, validates and runs one tool call.
//
// An unknown name returns ErrUnknownTool (hard failure). Parse and
// validation failures return an *ArgumentError (recoverable, feed back
// to the model). Tools receive only the arguments the model actually
// provided.
func ExecuteTool(ctx context.Context, registry *Registry, name, rawArgs string) (*Result, error) {
	tool, err := registry.Get(name)
	if err != nil {
		return nil, err
	}
	args, err := ParseArguments(rawArgs)
	if err != nil {
		return nil, err
	}
	if err := ValidateArguments(tool.Definition(), args); err != nil {
		return nil, err
	}
	return tool.Execute(ctx, args)
}

func checkType(name string, param ParamDef, value any) error {
	switch param.Type {
	case ParamTypeString:
		s, ok := value.(string)
		if !ok {
			return typeMismatch(name, param, value)
		}
		if len(param.Enum) > 0 && !enumContains(param.Enum, s) {
			return &ArgumentError{
				Parameter: name,
				Message:   "value not allowed",
				Expected:  "one of " + fmt.Sprint(param.Enum),
				Actual:    s,
			}
		}
	case ParamTypeInt:
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return typeMismatch(name, param, value)
		}
		if err := checkRange(name, param, f); err != nil {
			return err
		}
	case ParamTypeNumber:
		f, ok := value.(float64)
		if !ok {
			return typeMismatch(name, param, value)
		}
		if err := checkRange(name, param, f); err != nil {
			return err
		}
	case ParamTypeBool:
		if _, ok := value.(bool); !ok {
			return typeMismatch(name, param, value)
		}
	case ParamTypeObject:
		if _, ok := value.(map[string]any); !ok {
			return typeMismatch(name, param, value)
		}
	}
	return nil
}

func checkRange(name string, param ParamDef, f float64) error {
	if param.Minimum != nil && f < *param.Minimum {
		return &ArgumentError{
			Parameter: name,
			Message:   "value below minimum",
			Expected:  fmt.Sprintf(">= %v", *param.Minimum),
			Actual:    fmt.Sprint(f),
		}
	}
	if param.Maximum != nil && f > *param.Maximum {
		return &ArgumentError{
			Parameter: name,
			Message:   "value above maximum",
			Expected:  fmt.Sprintf("<= %v", *param.Maximum),
			Actual:    fmt.Sprint(f),
		}
	}
	return nil
}

func typeMismatch(name string, param ParamDef, value any) error {
	return &ArgumentError{
		Parameter: name,
		Message:   "wrong type",
		Expected:  string(param.Type),
		Actual:    fmt.Sprintf("%T", value),
	}
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if e == value {
			return true
		}
	}
	return false
}

func paramNames(def ToolDefinition) []string {
	names := make([]string, 0, len(def.Parameters))
	for name := range def.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func truncateForError(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
