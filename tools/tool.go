// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"fmt"

	"agentflow/platform/llm"
)

// Tool is an external capability a worker agent can invoke during a run
type Tool interface {
	// Name returns the unique tool identifier
	Name() string

	// Description returns a human-readable summary shown to the model
	Description() string

	// Schema returns the parameter schema declared to the model
	Schema() llm.ToolSchema

	// Call executes the tool with the given parameters
	Call(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// ToolExecutionError indicates a tool call failed after its retry budget
// was spent
type ToolExecutionError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool '%s' failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// stringParam extracts a required string parameter
func stringParam(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter '%s'", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter '%s' must be a string, got %T", key, raw)
	}
	return s, nil
}

// optionalStringParam extracts an optional string parameter with a default
func optionalStringParam(params map[string]interface{}, key, fallback string) string {
	if raw, ok := params[key]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// numberParam extracts an optional numeric parameter with a default.
// JSON-decoded numbers arrive as float64; ints are accepted for direct
// callers.
func numberParam(params map[string]interface{}, key string, fallback float64) float64 {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := raw.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return fallback
	}
}
