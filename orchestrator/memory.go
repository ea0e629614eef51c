// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentflow/platform/shared/faults"
	"agentflow/platform/store"
)

// ScopeGlobal is the memory scope shared across workflows and agents.
const ScopeGlobal = "global"

// memoryResultsKey is where a workflow's final results map is stored within
// its scope, and what CleanupWorkflow can retain globally.
const memoryResultsKey = "results"

const maxMemoryHistory = 1000

// WorkflowScope returns the memory scope dedicated to one workflow.
func WorkflowScope(workflowID string) string {
	return "workflow:" + workflowID
}

// AgentScope returns the memory scope dedicated to one agent.
func AgentScope(agentID string) string {
	return "agent:" + agentID
}

// MemoryOp is one entry of the memory history log.
type MemoryOp struct {
	Op        string    `json:"op"` // remember, recall, forget, cleanup
	Scope     string    `json:"scope"`
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
}

// MemoryManager provides scoped shared memory for workflows and agents on
// top of a pluggable store backend. Keys are unique within a scope; the
// manager keeps an ordered history of operations for debugging.
type MemoryManager struct {
	store store.Store

	mu      sync.Mutex
	history []MemoryOp
}

// NewMemoryManager creates a memory manager. A nil store falls back to the
// in-process MemoryStore.
func NewMemoryManager(s store.Store) *MemoryManager {
	if s == nil {
		s = store.NewMemoryStore()
	}
	return &MemoryManager{store: s}
}

// Remember stores a value under scope/key. An empty scope means global.
func (m *MemoryManager) Remember(ctx context.Context, scope, key string, value interface{}) error {
	if key == "" {
		return faults.NewValidationError("key", "must not be empty")
	}
	if scope == "" {
		scope = ScopeGlobal
	}
	if err := m.store.Set(ctx, scope, key, value); err != nil {
		return fmt.Errorf("remember %s/%s: %w", scope, key, err)
	}
	m.logOp("remember", scope, key)
	return nil
}

// Recall returns the value under scope/key and whether it exists.
func (m *MemoryManager) Recall(ctx context.Context, scope, key string) (interface{}, bool, error) {
	if scope == "" {
		scope = ScopeGlobal
	}
	value, ok, err := m.store.Get(ctx, scope, key)
	if err != nil {
		return nil, false, fmt.Errorf("recall %s/%s: %w", scope, key, err)
	}
	m.logOp("recall", scope, key)
	return value, ok, nil
}

// Forget removes the value under scope/key. Forgetting an absent key is not
// an error.
func (m *MemoryManager) Forget(ctx context.Context, scope, key string) error {
	if scope == "" {
		scope = ScopeGlobal
	}
	if err := m.store.Delete(ctx, scope, key); err != nil {
		return fmt.Errorf("forget %s/%s: %w", scope, key, err)
	}
	m.logOp("forget", scope, key)
	return nil
}

// Keys lists the keys present in a scope.
func (m *MemoryManager) Keys(ctx context.Context, scope string) ([]string, error) {
	if scope == "" {
		scope = ScopeGlobal
	}
	return m.store.Keys(ctx, scope)
}

// CleanupWorkflow discards a workflow's memory scope. With retainResults the
// workflow's results map is copied into global memory first, under
// "workflow:<id>:results".
func (m *MemoryManager) CleanupWorkflow(ctx context.Context, workflowID string, retainResults bool) error {
	scope := WorkflowScope(workflowID)

	if retainResults {
		results, ok, err := m.store.Get(ctx, scope, memoryResultsKey)
		if err != nil {
			return fmt.Errorf("cleanup %s: %w", workflowID, err)
		}
		if ok {
			globalKey := fmt.Sprintf("workflow:%s:%s", workflowID, memoryResultsKey)
			if err := m.store.Set(ctx, ScopeGlobal, globalKey, results); err != nil {
				return fmt.Errorf("cleanup %s: retain results: %w", workflowID, err)
			}
		}
	}

	if err := m.store.DropScope(ctx, scope); err != nil {
		return fmt.Errorf("cleanup %s: %w", workflowID, err)
	}
	m.logOp("cleanup", scope, "*")
	return nil
}

// History returns a copy of the ordered operation log.
func (m *MemoryManager) History() []MemoryOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]MemoryOp, len(m.history))
	copy(history, m.history)
	return history
}

func (m *MemoryManager) logOp(op, scope, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, MemoryOp{Op: op, Scope: scope, Key: key, Timestamp: time.Now().UTC()})
	if len(m.history) > maxMemoryHistory {
		m.history = m.history[len(m.history)-maxMemoryHistory:]
	}
}
