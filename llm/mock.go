// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockProvider is a deterministic in-process provider used for demos and
// testing when no real provider credentials are configured. Prompts that
// ask for a structured payload get canned JSON back; everything else is
// echoed.
type MockProvider struct {
	name    string
	mu      sync.Mutex
	schemas []ToolSchema
}

// NewMockProvider creates a mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{name: "mock"}
}

// Name returns "mock"
func (m *MockProvider) Name() string {
	return m.name
}

// Healthy always reports true
func (m *MockProvider) Healthy() bool {
	return true
}

// UpdateToolSchemas stores the declared tool schemas
func (m *MockProvider) UpdateToolSchemas(schemas []ToolSchema) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas = schemas
}

// Generate returns a canned response after a short simulated latency
func (m *MockProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	// Simulate processing time
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}

	prompt := lastUserContent(req)
	start := time.Now()

	resp := &Response{
		Model:        "mock-model",
		TokensUsed:   len(prompt) / 4,
		ResponseTime: time.Since(start) + 100*time.Millisecond,
	}

	switch {
	case strings.Contains(prompt, `"subTasks"`):
		resp.Parts = []Part{{Text: mockPlanPayload(prompt)}}
	case strings.Contains(prompt, `"decision"`):
		resp.Parts = []Part{{Text: mockReasonPayload()}}
	case strings.Contains(prompt, `"alternatives"`):
		resp.Parts = []Part{{Text: mockReplanPayload()}}
	default:
		resp.Parts = []Part{{Text: fmt.Sprintf("Mock response from %s for: %s", m.name, firstLine(prompt))}}
	}

	return resp, nil
}

// mockPlanPayload produces a two-task plan that references the goal text so
// downstream output stays recognizable in demos
func mockPlanPayload(prompt string) string {
	goal := firstLine(prompt)
	if len(goal) > 60 {
		goal = goal[:60]
	}
	return fmt.Sprintf(`{
  "subTasks": [
    {"id": "task-1", "description": "Research: %s", "role": "research"},
    {"id": "task-2", "description": "Summarize findings for: %s", "role": "writer"}
  ],
  "sequence": ["task-1", "task-2"]
}`, goal, goal)
}

func mockReasonPayload() string {
	return `{
  "steps": [
    "Reviewed the available workers and their capabilities",
    "Compared each candidate against the evaluation criteria"
  ],
  "decision": "Delegate to the best-scoring available worker"
}`
}

func mockReplanPayload() string {
	return `{
  "alternatives": [
    {"description": "Break the work into a smaller lookup step"},
    {"description": "Retry with a simplified input"}
  ]
}`
}

func lastUserContent(req *Request) string {
	for i := len(req.Contents) - 1; i >= 0; i-- {
		if req.Contents[i].Role == RoleUser {
			return req.Contents[i].Content
		}
	}
	if len(req.Contents) > 0 {
		return req.Contents[len(req.Contents)-1].Content
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "\n"); idx != -1 {
		return s[:idx]
	}
	return s
}
