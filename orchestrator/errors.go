// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import "fmt"

// ExhaustedRetriesError is returned when a delegation ran out of retry
// attempts and redelegation hops without a success.
type ExhaustedRetriesError struct {
	TaskID   string
	AgentID  string // the last agent that was tried
	Attempts int    // attempts made on that agent
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("task %s exhausted %d attempt(s) on agent %s: %v", e.TaskID, e.Attempts, e.AgentID, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// WorkflowError carries where a workflow failed: the step index and the job
// that caused it.
type WorkflowError struct {
	WorkflowID string
	StepIndex  int
	JobID      string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s failed at step %d (job %s): %v", e.WorkflowID, e.StepIndex, e.JobID, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }
