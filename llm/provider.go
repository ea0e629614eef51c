// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of conversation content
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSchema declares a callable tool to the model
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Request is a single generation request
type Request struct {
	Contents          []Message    `json:"contents"`
	SystemInstruction string       `json:"system_instruction,omitempty"`
	Tools             []ToolSchema `json:"tools,omitempty"`
	Temperature       float64      `json:"temperature,omitempty"`
	MaxTokens         int          `json:"max_tokens,omitempty"`
}

// ToolCall is a structured tool invocation produced by the model
type ToolCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Part is one piece of a generation response: either text or a tool call
type Part struct {
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// Response is the provider's answer to a Request
type Response struct {
	Parts        []Part        `json:"parts"`
	Model        string        `json:"model"`
	TokensUsed   int           `json:"tokens_used"`
	ResponseTime time.Duration `json:"response_time"`
}

// Text returns the concatenated text parts of the response
func (r *Response) Text() string {
	var text string
	for _, p := range r.Parts {
		text += p.Text
	}
	return text
}

// ToolCalls returns the tool-call parts of the response in order
func (r *Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range r.Parts {
		if p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// HasToolCalls reports whether the response contains any tool invocations
func (r *Response) HasToolCalls() bool {
	for _, p := range r.Parts {
		if p.ToolCall != nil {
			return true
		}
	}
	return false
}

// Provider is the generation capability consumed by worker agents
type Provider interface {
	// Name returns the provider identifier (mock, bedrock, ...)
	Name() string

	// Generate performs a single generation call
	Generate(ctx context.Context, req *Request) (*Response, error)

	// UpdateToolSchemas declares the tools callable in subsequent requests
	UpdateToolSchemas(schemas []ToolSchema)

	// Healthy reports whether the provider is currently usable
	Healthy() bool
}

// GenerationError indicates a generation-capability call failed
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed on provider '%s': %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// NewGenerationError wraps a provider failure
func NewGenerationError(provider string, err error) *GenerationError {
	return &GenerationError{Provider: provider, Err: err}
}
