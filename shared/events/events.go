// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

// Package events provides the typed event bus used by AgentFlow components.
// Each orchestrator or agency owns its own Bus instance and passes it by
// reference to the components it composes; there are no global emitters.
package events

import (
	"sync"
	"time"
)

// Type identifies a kind of lifecycle event
type Type string

const (
	// Agent lifecycle
	AgentRegistered   Type = "agent_registered"
	AgentUnregistered Type = "agent_unregistered"
	AgentHealthy      Type = "agent_healthy"
	AgentUnhealthy    Type = "agent_unhealthy"

	// Worker run lifecycle
	RunStarted        Type = "run_started"
	ToolCallsDetected Type = "tool_calls_detected"
	RunCompleted      Type = "run_completed"
	RunError          Type = "run_error"

	// Task queue lifecycle
	TaskStarted   Type = "task_started"
	TaskCompleted Type = "task_completed"
	TaskFailed    Type = "task_failed"

	// Job and workflow lifecycle
	JobAssigned       Type = "job_assigned"
	JobCompleted      Type = "job_completed"
	JobFailed         Type = "job_failed"
	WorkflowStarted   Type = "workflow_started"
	WorkflowCompleted Type = "workflow_completed"
	WorkflowFailed    Type = "workflow_failed"

	// Orchestrator lifecycle
	OrchestratorShutdown Type = "orchestrator_shutdown"
)

// Event is a single lifecycle notification. Correlation ids are filled in
// where they apply; Data carries event-specific payload.
type Event struct {
	Type       Type                   `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	AgentID    string                 `json:"agent_id,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	JobID      string                 `json:"job_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Bus dispatches events to per-kind and catch-all subscribers
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for a single event kind
func (b *Bus) Subscribe(t Type, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event kind
func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers an event to all matching subscribers. The timestamp is
// stamped here when the caller left it zero.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.handlers[evt.Type])+len(b.all))
	matched = append(matched, b.handlers[evt.Type]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	// Invoke outside the lock so handlers can subscribe without deadlocking
	for _, h := range matched {
		h(evt)
	}
}

// SubscriberCount returns the number of handlers registered for a kind,
// not counting catch-all subscribers
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}
