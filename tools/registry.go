// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"agentflow/platform/llm"
	"agentflow/platform/sdk"
	"agentflow/platform/shared/faults"
)

// Registry manages the tools available to worker agents
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	retry  *sdk.RetryConfig
	logger *log.Logger
}

// NewRegistry creates a new tool registry with the default retry budget
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		retry:  DefaultToolRetryConfig(),
		logger: log.New(os.Stdout, "[TOOL_REGISTRY] ", log.LstdFlags),
	}
}

// DefaultToolRetryConfig returns the retry budget applied to each tool
// call. Tool retries are separate from task-level delegation retries.
func DefaultToolRetryConfig() *sdk.RetryConfig {
	return &sdk.RetryConfig{
		MaxRetries:      2,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		RetryIf:         func(err error) bool { return err != nil },
	}
}

// SetRetryConfig overrides the per-call retry budget
func (r *Registry) SetRetryConfig(config *sdk.RetryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if config != nil {
		r.retry = config
	}
}

// Register adds a tool to the registry. Registering a duplicate name is an
// error.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("cannot register nil tool")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool '%s' is already registered", name)
	}

	r.tools[name] = tool
	r.logger.Printf("Registered tool: %s", name)
	return nil
}

// Unregister removes a tool from the registry
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return faults.NewNotFoundError("tool", name)
	}

	delete(r.tools, name)
	r.logger.Printf("Unregistered tool: %s", name)
	return nil
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, faults.NewNotFoundError("tool", name)
	}
	return tool, nil
}

// List returns the registered tool names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Schemas returns the schemas of all registered tools, for declaring to a
// generation provider
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(r.tools))
	for _, tool := range r.tools {
		schemas = append(schemas, tool.Schema())
	}
	return schemas
}

// Execute runs a tool call under the registry's retry budget. A call that
// still fails once the budget is spent returns *ToolExecutionError.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}) (interface{}, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	retryConfig := r.retry
	r.mu.RUnlock()

	result, err := sdk.RetryWithBackoff(ctx, retryConfig, func() (interface{}, error) {
		return tool.Call(ctx, params)
	})
	if err != nil {
		attempts := 1
		var retryErr *sdk.RetryError
		if errors.As(err, &retryErr) {
			attempts = retryErr.Attempts
		}
		r.logger.Printf("Tool %s failed after %d attempt(s): %v", name, attempts, err)
		return nil, &ToolExecutionError{Tool: name, Attempts: attempts, Err: err}
	}

	return result, nil
}
