// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"sort"
	"time"

	"agentflow/platform/shared/faults"
)

// Job statuses. Transitions only move forward
// (pending -> assigned -> in_progress -> completed/failed); RetryJob is the
// one exception and resets a failed job to assigned.
const (
	JobStatusPending    = "pending"
	JobStatusAssigned   = "assigned"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Assignee kinds.
const (
	AssigneeAgent = "agent"
	AssigneeTeam  = "team"
)

var jobStatusRank = map[string]int{
	JobStatusPending:    0,
	JobStatusAssigned:   1,
	JobStatusInProgress: 2,
	JobStatusCompleted:  3,
	JobStatusFailed:     3,
}

// FieldSpec declares the shape checks for one field: presence, broad type,
// and an optional closed set of allowed values.
type FieldSpec struct {
	Required bool          `json:"required,omitempty" yaml:"required"`
	Type     string        `json:"type,omitempty" yaml:"type"` // string, number, boolean, object, array
	Enum     []interface{} `json:"enum,omitempty" yaml:"enum"`
}

// JobSchema declares optional input/output validation for a job. It is a
// shape check only, not full schema validation.
type JobSchema struct {
	Input  map[string]FieldSpec `json:"input,omitempty" yaml:"input"`
	Output map[string]FieldSpec `json:"output,omitempty" yaml:"output"`
}

// Brief tells an assignee what a job must accomplish.
type Brief struct {
	Objective      string                 `json:"objective" yaml:"objective"`
	Inputs         map[string]interface{} `json:"inputs,omitempty" yaml:"inputs"`
	ExpectedOutput string                 `json:"expected_output,omitempty" yaml:"expectedOutput"`
	Schema         *JobSchema             `json:"schema,omitempty" yaml:"schema"`
}

// Job is one unit of assigned work tracked by an agency.
type Job struct {
	ID           string                 `json:"id"`
	WorkflowID   string                 `json:"workflow_id,omitempty"`
	AssigneeID   string                 `json:"assignee_id"`
	AssigneeType string                 `json:"assignee_type"`
	Brief        *Brief                 `json:"brief,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Status       string                 `json:"status"`
	Result       interface{}            `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Retries      int                    `json:"retries"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// validateFields checks values against per-field specs. Fields are checked
// in name order so validation failures are deterministic.
func validateFields(values map[string]interface{}, specs map[string]FieldSpec) error {
	fields := make([]string, 0, len(specs))
	for field := range specs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		spec := specs[field]
		value, present := values[field]
		if !present {
			if spec.Required {
				return faults.NewValidationError(field, "required field is missing")
			}
			continue
		}
		if spec.Type != "" && !typeMatches(value, spec.Type) {
			return faults.NewValidationError(field, fmt.Sprintf("expected type %s, got %T", spec.Type, value))
		}
		if len(spec.Enum) > 0 && !enumContains(spec.Enum, value) {
			return faults.NewValidationError(field, fmt.Sprintf("value %v is not in the allowed set", value))
		}
	}
	return nil
}

func typeMatches(value interface{}, want string) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		switch value.(type) {
		case []interface{}, []string, []map[string]interface{}:
			return true
		}
		return false
	}
	// Unknown type names are not enforced.
	return true
}

func enumContains(enum []interface{}, value interface{}) bool {
	for _, allowed := range enum {
		if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
			return true
		}
	}
	return false
}
