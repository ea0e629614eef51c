// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentflow/platform/agents"
	"agentflow/platform/shared/events"
	"agentflow/platform/shared/faults"
	"agentflow/platform/shared/logger"
)

// DefaultMaxJobRetries bounds RetryJob re-executions per job.
const DefaultMaxJobRetries = 2

// Step types.
const (
	StepSequential  = "sequential"
	StepParallel    = "parallel"
	StepConditional = "conditional"
)

// Workflow statuses.
const (
	WorkflowStatusPending   = "pending"
	WorkflowStatusRunning   = "running"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
)

// WorkflowStep is one entry of an externally supplied workflow definition.
// Type defaults to sequential. Parallel steps carry their fan-out in
// Branches; conditional steps carry a Condition evaluated against the
// current data and workflow memory.
type WorkflowStep struct {
	JobID        string                 `json:"job_id,omitempty" yaml:"jobId"`
	AssigneeID   string                 `json:"assignee_id,omitempty" yaml:"assigneeId"`
	AssigneeType string                 `json:"assignee_type,omitempty" yaml:"assigneeType"`
	Inputs       map[string]interface{} `json:"inputs,omitempty" yaml:"inputs"`
	Brief        *Brief                 `json:"brief,omitempty" yaml:"brief"`
	Type         string                 `json:"type,omitempty" yaml:"type"`
	Condition    string                 `json:"condition,omitempty" yaml:"condition"`
	Branches     []WorkflowStep         `json:"branches,omitempty" yaml:"branches"`
}

// StepRecord captures how one step of a workflow settled.
type StepRecord struct {
	Index  int    `json:"index"`
	JobID  string `json:"job_id,omitempty"`
	Type   string `json:"type"`
	Status string `json:"status"` // completed, failed, skipped
	Error  string `json:"error,omitempty"`
}

// WorkflowExecution is the record of one ExecuteWorkflow run.
type WorkflowExecution struct {
	ID          string                 `json:"id"`
	Status      string                 `json:"status"`
	CurrentStep int                    `json:"current_step"`
	Steps       []StepRecord           `json:"steps"`
	Results     map[string]interface{} `json:"results"`
	InitialData map[string]interface{} `json:"initial_data,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartTime   time.Time              `json:"start_time"`
	EndTime     *time.Time             `json:"end_time,omitempty"`
}

// JobErrorHandler is invoked when a job registered with OnJobError fails.
// Returning nil swallows the failure; the job stays failed but the error
// does not propagate.
type JobErrorHandler func(ctx context.Context, job *Job, jobErr error) error

// WorkflowErrorHandler is invoked when a workflow registered with
// OnWorkflowError fails at a step. Returning nil recovers the workflow:
// the failing step is recorded and execution continues.
type WorkflowErrorHandler func(ctx context.Context, execution *WorkflowExecution, wfErr error) error

// AgencyConfig configures a new Agency.
type AgencyConfig struct {
	Registry      *agents.Registry
	Orchestrator  *Orchestrator
	Memory        *MemoryManager
	Bus           *events.Bus
	Logger        *logger.Logger
	Audit         *AuditTrail
	MaxJobRetries int
}

// Agency executes externally supplied workflows: it tracks jobs, assigns
// them to agents or teams, runs sequential/parallel/conditional steps, and
// keeps per-workflow shared memory.
type Agency struct {
	registry      *agents.Registry
	orchestrator  *Orchestrator
	memory        *MemoryManager
	bus           *events.Bus
	logger        *logger.Logger
	audit         *AuditTrail
	maxJobRetries int

	mu               sync.RWMutex
	jobs             map[string]*Job
	executions       map[string]*WorkflowExecution
	teams            map[string][]string
	jobHandlers      map[string]JobErrorHandler
	workflowHandlers map[string]WorkflowErrorHandler
}

// NewAgency creates an agency. The registry is required, directly or via
// an orchestrator; everything else gets a default.
func NewAgency(config AgencyConfig) (*Agency, error) {
	registry := config.Registry
	if registry == nil && config.Orchestrator != nil {
		registry = config.Orchestrator.Registry()
	}
	if registry == nil {
		return nil, faults.NewConfigurationError("agency", "registry", "an agent registry is required")
	}

	bus := config.Bus
	if bus == nil && config.Orchestrator != nil {
		bus = config.Orchestrator.Bus()
	}
	if bus == nil {
		bus = events.NewBus()
	}

	memory := config.Memory
	if memory == nil {
		memory = NewMemoryManager(nil)
	}

	lg := config.Logger
	if lg == nil {
		lg = logger.New("agency")
	}

	audit := config.Audit
	if audit == nil && config.Orchestrator != nil {
		audit = config.Orchestrator.audit
	}

	maxJobRetries := config.MaxJobRetries
	if maxJobRetries <= 0 {
		maxJobRetries = DefaultMaxJobRetries
	}

	return &Agency{
		registry:         registry,
		orchestrator:     config.Orchestrator,
		memory:           memory,
		bus:              bus,
		logger:           lg,
		audit:            audit,
		maxJobRetries:    maxJobRetries,
		jobs:             make(map[string]*Job),
		executions:       make(map[string]*WorkflowExecution),
		teams:            make(map[string][]string),
		jobHandlers:      make(map[string]JobErrorHandler),
		workflowHandlers: make(map[string]WorkflowErrorHandler),
	}, nil
}

// Memory returns the agency's memory manager.
func (ag *Agency) Memory() *MemoryManager { return ag.memory }

// RegisterTeam names a group of agents that can be assigned jobs as one
// assignee. Every member must already be registered.
func (ag *Agency) RegisterTeam(name string, agentIDs []string) error {
	if name == "" {
		return faults.NewValidationError("name", "team name must not be empty")
	}
	if len(agentIDs) == 0 {
		return faults.NewValidationError("agents", "a team needs at least one agent")
	}
	for _, id := range agentIDs {
		if _, err := ag.registry.Get(id); err != nil {
			return err
		}
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	ag.teams[name] = append([]string(nil), agentIDs...)
	return nil
}

// OnJobError registers a per-job error handler.
func (ag *Agency) OnJobError(jobID string, handler JobErrorHandler) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	ag.jobHandlers[jobID] = handler
}

// OnWorkflowError registers a per-workflow error handler.
func (ag *Agency) OnWorkflowError(workflowID string, handler WorkflowErrorHandler) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	ag.workflowHandlers[workflowID] = handler
}

// CreateJob registers a job for an assignee without executing it. An empty
// jobID gets a generated one; an empty assignee is allowed only when the
// agency has an orchestrator to pick one at execution time.
func (ag *Agency) CreateJob(jobID, workflowID, assigneeID, assigneeType string, brief *Brief, jobContext map[string]interface{}) (*Job, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	if assigneeType == "" {
		assigneeType = AssigneeAgent
	}

	switch assigneeType {
	case AssigneeAgent:
		if assigneeID == "" {
			if ag.orchestrator == nil {
				return nil, faults.NewValidationError("assignee_id", "job has no assignee and no orchestrator to pick one")
			}
		} else if _, err := ag.registry.Get(assigneeID); err != nil {
			return nil, err
		}
	case AssigneeTeam:
		ag.mu.RLock()
		_, known := ag.teams[assigneeID]
		ag.mu.RUnlock()
		if !known {
			return nil, faults.NewNotFoundError("team", assigneeID)
		}
	default:
		return nil, faults.NewValidationError("assignee_type", fmt.Sprintf("unknown assignee type %q", assigneeType))
	}

	now := time.Now()
	job := &Job{
		ID:           jobID,
		WorkflowID:   workflowID,
		AssigneeID:   assigneeID,
		AssigneeType: assigneeType,
		Brief:        brief,
		Context:      jobContext,
		Status:       JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()
	if _, exists := ag.jobs[jobID]; exists {
		return nil, fmt.Errorf("job %q already exists", jobID)
	}
	ag.jobs[jobID] = job
	return cloneJob(job), nil
}

// GetJob returns a snapshot of a job.
func (ag *Agency) GetJob(jobID string) (*Job, error) {
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	job, ok := ag.jobs[jobID]
	if !ok {
		return nil, faults.NewNotFoundError("job", jobID)
	}
	return cloneJob(job), nil
}

// WorkflowJobs returns snapshots of a workflow's jobs in creation order.
func (ag *Agency) WorkflowJobs(workflowID string) []*Job {
	ag.mu.RLock()
	defer ag.mu.RUnlock()

	jobs := make([]*Job, 0)
	for _, job := range ag.jobs {
		if job.WorkflowID == workflowID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// GetWorkflow returns a snapshot of a workflow execution.
func (ag *Agency) GetWorkflow(workflowID string) (*WorkflowExecution, error) {
	ag.mu.RLock()
	defer ag.mu.RUnlock()
	exec, ok := ag.executions[workflowID]
	if !ok {
		return nil, faults.NewNotFoundError("workflow", workflowID)
	}
	return cloneExecution(exec), nil
}

// ExecuteJob runs one job now: merges brief inputs, job context, and
// additionalInputs, validates them against the job's schema when one is
// declared, and invokes the assignee. A failure marks the job failed and
// propagates unless a per-job error handler swallows it.
func (ag *Agency) ExecuteJob(ctx context.Context, jobID string, additionalInputs map[string]interface{}) (interface{}, error) {
	ag.mu.Lock()
	job, ok := ag.jobs[jobID]
	if !ok {
		ag.mu.Unlock()
		return nil, faults.NewNotFoundError("job", jobID)
	}
	if job.Status != JobStatusPending && job.Status != JobStatusAssigned {
		status := job.Status
		ag.mu.Unlock()
		return nil, fmt.Errorf("job %s is %s and cannot be executed", jobID, status)
	}

	merged := make(map[string]interface{})
	if job.Brief != nil {
		for k, v := range job.Brief.Inputs {
			merged[k] = v
		}
	}
	for k, v := range job.Context {
		merged[k] = v
	}
	for k, v := range additionalInputs {
		merged[k] = v
	}

	var schema *JobSchema
	if job.Brief != nil {
		schema = job.Brief.Schema
	}
	assigneeID := job.AssigneeID
	assigneeType := job.AssigneeType
	brief := job.Brief
	ag.mu.Unlock()

	if schema != nil {
		if err := validateFields(merged, schema.Input); err != nil {
			return nil, ag.failJob(ctx, jobID, err)
		}
	}

	if assigneeType == AssigneeAgent && assigneeID == "" {
		picked, err := ag.pickAgent(brief)
		if err != nil {
			return nil, ag.failJob(ctx, jobID, err)
		}
		assigneeID = picked.ID()
		ag.mu.Lock()
		if j, stillThere := ag.jobs[jobID]; stillThere {
			j.AssigneeID = assigneeID
		}
		ag.mu.Unlock()
	}

	ag.setJobStatus(jobID, JobStatusInProgress)
	start := time.Now()

	result, err := ag.runAssignee(ctx, assigneeID, assigneeType, brief, merged)
	if err != nil {
		return nil, ag.failJob(ctx, jobID, err)
	}

	if schema != nil && len(schema.Output) > 0 {
		if outputMap, isMap := result.(map[string]interface{}); isMap {
			if verr := validateFields(outputMap, schema.Output); verr != nil {
				return nil, ag.failJob(ctx, jobID, verr)
			}
		}
	}

	ag.completeJob(ctx, jobID, result, time.Since(start))
	return result, nil
}

// RetryJob re-executes a failed job, bounded by the agency's retry cap.
func (ag *Agency) RetryJob(ctx context.Context, jobID string) (interface{}, error) {
	ag.mu.Lock()
	job, ok := ag.jobs[jobID]
	if !ok {
		ag.mu.Unlock()
		return nil, faults.NewNotFoundError("job", jobID)
	}
	if job.Status != JobStatusFailed {
		status := job.Status
		ag.mu.Unlock()
		return nil, fmt.Errorf("job %s is %s; only failed jobs can be retried", jobID, status)
	}
	if job.Retries >= ag.maxJobRetries {
		ag.mu.Unlock()
		return nil, fmt.Errorf("job %s reached the retry cap of %d", jobID, ag.maxJobRetries)
	}
	job.Retries++
	job.Status = JobStatusAssigned
	job.Error = ""
	job.UpdatedAt = time.Now()
	ag.mu.Unlock()

	return ag.ExecuteJob(ctx, jobID, nil)
}

// ReplanFailedJob asks the failed job's assignee to propose up to three
// alternative subtasks for the failure reason and creates a new pending
// job for each.
func (ag *Agency) ReplanFailedJob(ctx context.Context, jobID, reason string) ([]*Job, error) {
	ag.mu.RLock()
	job, ok := ag.jobs[jobID]
	var snapshot Job
	if ok {
		snapshot = *job
	}
	ag.mu.RUnlock()

	if !ok {
		return nil, faults.NewNotFoundError("job", jobID)
	}
	if snapshot.Status != JobStatusFailed {
		return nil, fmt.Errorf("job %s is %s; only failed jobs can be replanned", jobID, snapshot.Status)
	}
	if snapshot.AssigneeType == AssigneeTeam {
		return nil, faults.NewValidationError("assignee_type", "replanning needs a single agent assignee")
	}

	agent, err := ag.registry.Get(snapshot.AssigneeID)
	if err != nil {
		return nil, err
	}

	objective := ""
	if snapshot.Brief != nil {
		objective = snapshot.Brief.Objective
	}
	alternatives, err := agent.ProposeAlternatives(ctx, objective, reason)
	if err != nil {
		return nil, fmt.Errorf("replanning job %s: %w", jobID, err)
	}

	replacements := make([]*Job, 0, len(alternatives))
	for _, alt := range alternatives {
		newJob, err := ag.CreateJob("", snapshot.WorkflowID, snapshot.AssigneeID, AssigneeAgent, &Brief{Objective: alt}, snapshot.Context)
		if err != nil {
			return replacements, err
		}
		replacements = append(replacements, newJob)
	}

	ag.logger.Info(snapshot.WorkflowID, jobID, "job replanned", map[string]interface{}{"alternatives": len(replacements)})
	return replacements, nil
}

// ExecuteWorkflow runs an ordered list of steps. It creates the workflow
// record and a dedicated memory scope seeded from initialData, then walks
// the steps: sequential by default, parallel fan-out over Branches,
// conditional gating on Condition. A step failure marks the workflow failed
// at that step index and stops, unless a registered workflow error handler
// recovers it.
func (ag *Agency) ExecuteWorkflow(ctx context.Context, steps []WorkflowStep, workflowID string, initialData map[string]interface{}) (*WorkflowExecution, error) {
	if len(steps) == 0 {
		return nil, faults.NewValidationError("steps", "workflow needs at least one step")
	}
	if workflowID == "" {
		workflowID = fmt.Sprintf("wf_%d_%s", time.Now().Unix(), uuid.New().String()[:8])
	}

	exec := &WorkflowExecution{
		ID:          workflowID,
		Status:      WorkflowStatusRunning,
		Results:     make(map[string]interface{}),
		InitialData: initialData,
		StartTime:   time.Now(),
	}

	ag.mu.Lock()
	if _, exists := ag.executions[workflowID]; exists {
		ag.mu.Unlock()
		return nil, fmt.Errorf("workflow %q already exists", workflowID)
	}
	ag.executions[workflowID] = exec
	ag.mu.Unlock()

	scope := WorkflowScope(workflowID)
	for key, value := range initialData {
		if err := ag.memory.Remember(ctx, scope, key, value); err != nil {
			ag.logger.Warn(workflowID, "", "failed to seed workflow memory", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}

	ag.publish(events.Event{Type: events.WorkflowStarted, WorkflowID: workflowID, Data: map[string]interface{}{"steps": len(steps)}})
	ag.logger.Info(workflowID, "", "workflow started", map[string]interface{}{"steps": len(steps)})

	var currentData interface{} = initialData

	for i, step := range steps {
		ag.setCurrentStep(exec, i)

		kind := step.Type
		if kind == "" {
			kind = StepSequential
		}

		if kind == StepConditional {
			if !ag.evaluateCondition(ctx, workflowID, step.Condition, currentData) {
				ag.recordStep(exec, StepRecord{Index: i, JobID: step.JobID, Type: kind, Status: "skipped"})
				ag.storeResult(exec, resultKey(step, i), map[string]interface{}{"skipped": true, "condition": step.Condition})
				ag.logger.Info(workflowID, step.JobID, "conditional step skipped", map[string]interface{}{"step": i, "condition": step.Condition})
				continue
			}
			kind = StepSequential
		}

		var (
			result interface{}
			err    error
		)
		if kind == StepParallel {
			result, err = ag.runParallelStep(ctx, exec, step, currentData)
		} else {
			step.JobID = ensureJobID(step.JobID)
			result, err = ag.runWorkflowJob(ctx, exec, step, currentData)
		}

		if err != nil {
			wfErr := &WorkflowError{WorkflowID: workflowID, StepIndex: i, JobID: step.JobID, Err: err}
			if ag.recoverWorkflow(ctx, exec, wfErr) {
				ag.recordStep(exec, StepRecord{Index: i, JobID: step.JobID, Type: kind, Status: "failed", Error: err.Error()})
				continue
			}
			ag.failWorkflow(ctx, exec, StepRecord{Index: i, JobID: step.JobID, Type: kind, Status: "failed", Error: err.Error()}, wfErr)
			return exec, wfErr
		}

		ag.recordStep(exec, StepRecord{Index: i, JobID: step.JobID, Type: kind, Status: "completed"})
		currentData = result
	}

	ag.completeWorkflow(ctx, exec)
	return exec, nil
}

// CleanupWorkflow discards a finished workflow's execution record, its
// jobs and handlers, and its memory scope. With retainResults the results
// map is kept in global memory.
func (ag *Agency) CleanupWorkflow(ctx context.Context, workflowID string, retainResults bool) error {
	ag.mu.Lock()
	exec, ok := ag.executions[workflowID]
	if !ok {
		ag.mu.Unlock()
		return faults.NewNotFoundError("workflow", workflowID)
	}
	if exec.Status == WorkflowStatusRunning {
		ag.mu.Unlock()
		return fmt.Errorf("workflow %s is still running", workflowID)
	}
	delete(ag.executions, workflowID)
	delete(ag.workflowHandlers, workflowID)
	for jobID, job := range ag.jobs {
		if job.WorkflowID == workflowID {
			delete(ag.jobs, jobID)
			delete(ag.jobHandlers, jobID)
		}
	}
	ag.mu.Unlock()

	return ag.memory.CleanupWorkflow(ctx, workflowID, retainResults)
}

// runWorkflowJob runs one sequential unit of a workflow: ensure the job
// and its brief exist, assign it, and execute it with the step inputs plus
// the previous step's data.
func (ag *Agency) runWorkflowJob(ctx context.Context, exec *WorkflowExecution, step WorkflowStep, currentData interface{}) (interface{}, error) {
	if err := ag.ensureJob(exec.ID, step); err != nil {
		return nil, err
	}
	ag.assignJob(step.JobID)

	stepInputs := make(map[string]interface{}, len(step.Inputs)+1)
	for k, v := range step.Inputs {
		stepInputs[k] = v
	}
	stepInputs["previousStepData"] = currentData

	result, err := ag.ExecuteJob(ctx, step.JobID, stepInputs)
	if err != nil {
		return nil, err
	}
	ag.storeResult(exec, step.JobID, result)
	return result, nil
}

// runParallelStep fans the step's branches out concurrently and joins them
// all. Every branch result is recorded even when a sibling fails; the
// first branch error fails the step.
func (ag *Agency) runParallelStep(ctx context.Context, exec *WorkflowExecution, step WorkflowStep, currentData interface{}) (interface{}, error) {
	if len(step.Branches) == 0 {
		return nil, faults.NewValidationError("branches", "parallel step declares no branches")
	}

	branches := make([]WorkflowStep, len(step.Branches))
	copy(branches, step.Branches)
	for b := range branches {
		branches[b].JobID = ensureJobID(branches[b].JobID)
	}

	results := make([]interface{}, len(branches))
	errs := make([]error, len(branches))

	var wg sync.WaitGroup
	for b, branch := range branches {
		wg.Add(1)
		go func(b int, branch WorkflowStep) {
			defer wg.Done()
			results[b], errs[b] = ag.runWorkflowJob(ctx, exec, branch, currentData)
		}(b, branch)
	}
	wg.Wait()

	combined := make(map[string]interface{}, len(branches))
	var firstErr error
	failed := 0
	for b, branch := range branches {
		if errs[b] != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("branch %s: %w", branch.JobID, errs[b])
			}
			continue
		}
		combined[branch.JobID] = results[b]
	}

	if firstErr != nil {
		if failed > 1 {
			return nil, fmt.Errorf("%d of %d branches failed: %w", failed, len(branches), firstErr)
		}
		return nil, firstErr
	}
	return combined, nil
}

func (ag *Agency) ensureJob(workflowID string, step WorkflowStep) error {
	ag.mu.Lock()
	if job, exists := ag.jobs[step.JobID]; exists {
		if job.WorkflowID == "" {
			job.WorkflowID = workflowID
		}
		ag.mu.Unlock()
		return nil
	}
	ag.mu.Unlock()

	brief := step.Brief
	if brief == nil {
		brief = &Brief{Objective: fmt.Sprintf("Complete job %s", step.JobID)}
	}
	_, err := ag.CreateJob(step.JobID, workflowID, step.AssigneeID, step.AssigneeType, brief, nil)
	return err
}

func (ag *Agency) assignJob(jobID string) {
	ag.mu.Lock()
	job, ok := ag.jobs[jobID]
	if !ok {
		ag.mu.Unlock()
		return
	}
	if jobStatusRank[JobStatusAssigned] >= jobStatusRank[job.Status] {
		job.Status = JobStatusAssigned
		job.UpdatedAt = time.Now()
	}
	workflowID := job.WorkflowID
	assigneeID := job.AssigneeID
	ag.mu.Unlock()

	ag.publish(events.Event{Type: events.JobAssigned, WorkflowID: workflowID, JobID: jobID, AgentID: assigneeID})
}

func (ag *Agency) runAssignee(ctx context.Context, assigneeID, assigneeType string, brief *Brief, inputs map[string]interface{}) (interface{}, error) {
	if assigneeType == AssigneeTeam {
		ag.mu.RLock()
		members := append([]string(nil), ag.teams[assigneeID]...)
		ag.mu.RUnlock()
		if len(members) == 0 {
			return nil, faults.NewNotFoundError("team", assigneeID)
		}
		return ag.runTeam(ctx, members, jobPrompt(brief), inputs)
	}

	agent, err := ag.registry.Get(assigneeID)
	if err != nil {
		return nil, err
	}
	_ = ag.registry.UpdateHeartbeat(assigneeID)

	runResult, err := agent.Run(ctx, jobPrompt(brief), inputs, false)
	if err != nil {
		return nil, err
	}
	if runResult.Structured != nil {
		return runResult.Structured, nil
	}
	return runResult.Output, nil
}

// runTeam fans a job out to every team member concurrently and combines
// their outputs keyed by member id. Any member failure fails the job.
func (ag *Agency) runTeam(ctx context.Context, members []string, description string, inputs map[string]interface{}) (map[string]interface{}, error) {
	results := make([]interface{}, len(members))
	errs := make([]error, len(members))

	var wg sync.WaitGroup
	for i, memberID := range members {
		agent, err := ag.registry.Get(memberID)
		if err != nil {
			errs[i] = err
			continue
		}
		_ = ag.registry.UpdateHeartbeat(memberID)

		wg.Add(1)
		go func(i int, agent *agents.Agent) {
			defer wg.Done()
			runResult, err := agent.Run(ctx, description, inputs, false)
			if err != nil {
				errs[i] = err
				return
			}
			if runResult.Structured != nil {
				results[i] = runResult.Structured
			} else {
				results[i] = runResult.Output
			}
		}(i, agent)
	}
	wg.Wait()

	combined := make(map[string]interface{}, len(members))
	for i, memberID := range members {
		if errs[i] != nil {
			return nil, fmt.Errorf("team member %s: %w", memberID, errs[i])
		}
		combined[memberID] = results[i]
	}
	return combined, nil
}

func (ag *Agency) pickAgent(brief *Brief) (*agents.Agent, error) {
	objective := ""
	if brief != nil {
		objective = brief.Objective
	}
	agent := ag.orchestrator.Scorer().Select(objective, "", ag.registry.Healthy())
	if agent == nil {
		return nil, fmt.Errorf("no healthy agent available for unassigned job")
	}
	return agent, nil
}

func (ag *Agency) setJobStatus(jobID, status string) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	job, ok := ag.jobs[jobID]
	if !ok {
		return
	}
	if jobStatusRank[status] < jobStatusRank[job.Status] {
		return
	}
	job.Status = status
	job.UpdatedAt = time.Now()
}

func (ag *Agency) completeJob(ctx context.Context, jobID string, result interface{}, duration time.Duration) {
	ag.mu.Lock()
	job, ok := ag.jobs[jobID]
	if !ok {
		ag.mu.Unlock()
		return
	}
	job.Status = JobStatusCompleted
	job.Result = result
	job.Error = ""
	job.UpdatedAt = time.Now()
	workflowID := job.WorkflowID
	assigneeID := job.AssigneeID
	ag.mu.Unlock()

	scope := AgentScope(assigneeID)
	if workflowID != "" {
		scope = WorkflowScope(workflowID)
	}
	if err := ag.memory.Remember(ctx, scope, jobID, result); err != nil {
		ag.logger.Warn(workflowID, jobID, "failed to store job result in memory", map[string]interface{}{"error": err.Error()})
	}

	promJobsTotal.WithLabelValues("completed").Inc()
	promTaskDuration.WithLabelValues("job").Observe(float64(duration.Milliseconds()))
	ag.publish(events.Event{Type: events.JobCompleted, WorkflowID: workflowID, JobID: jobID, AgentID: assigneeID, Data: map[string]interface{}{"duration_ms": duration.Milliseconds()}})
	ag.logger.InfoWithDuration(workflowID, jobID, "job completed", float64(duration.Milliseconds()), nil)
}

// failJob marks the job failed and routes the error through the per-job
// handler when one is registered. A nil return means the failure was
// swallowed by the handler.
func (ag *Agency) failJob(ctx context.Context, jobID string, cause error) error {
	ag.mu.Lock()
	job, ok := ag.jobs[jobID]
	if !ok {
		ag.mu.Unlock()
		return fmt.Errorf("job %s failed: %w", jobID, cause)
	}
	job.Status = JobStatusFailed
	job.Error = cause.Error()
	job.UpdatedAt = time.Now()
	handler := ag.jobHandlers[jobID]
	snapshot := cloneJob(job)
	workflowID := job.WorkflowID
	assigneeID := job.AssigneeID
	ag.mu.Unlock()

	promJobsTotal.WithLabelValues("failed").Inc()
	ag.publish(events.Event{Type: events.JobFailed, WorkflowID: workflowID, JobID: jobID, AgentID: assigneeID, Data: map[string]interface{}{"error": cause.Error()}})
	ag.logger.ErrorWithAgent(workflowID, jobID, "job failed", assigneeID, cause, nil)

	if handler != nil {
		if herr := handler(ctx, snapshot, cause); herr != nil {
			return fmt.Errorf("job %s failed: %w", jobID, herr)
		}
		ag.logger.Warn(workflowID, jobID, "job failure recovered by handler", nil)
		return nil
	}
	return fmt.Errorf("job %s failed: %w", jobID, cause)
}

func (ag *Agency) recoverWorkflow(ctx context.Context, exec *WorkflowExecution, wfErr *WorkflowError) bool {
	ag.mu.RLock()
	handler := ag.workflowHandlers[exec.ID]
	ag.mu.RUnlock()
	if handler == nil {
		return false
	}
	if herr := handler(ctx, exec, wfErr); herr != nil {
		return false
	}
	ag.logger.Warn(exec.ID, wfErr.JobID, "workflow failure recovered by handler", map[string]interface{}{"step": wfErr.StepIndex})
	return true
}

func (ag *Agency) completeWorkflow(ctx context.Context, exec *WorkflowExecution) {
	now := time.Now()
	ag.mu.Lock()
	exec.Status = WorkflowStatusCompleted
	exec.EndTime = &now
	duration := now.Sub(exec.StartTime)
	steps := len(exec.Steps)
	ag.mu.Unlock()

	ag.rememberResults(ctx, exec)

	promWorkflowsTotal.WithLabelValues("completed").Inc()
	promTaskDuration.WithLabelValues("workflow").Observe(float64(duration.Milliseconds()))
	ag.publish(events.Event{Type: events.WorkflowCompleted, WorkflowID: exec.ID, Data: map[string]interface{}{"duration_ms": duration.Milliseconds()}})
	ag.audit.RecordWorkflow(WorkflowAudit{
		WorkflowID: exec.ID,
		Status:     WorkflowStatusCompleted,
		Steps:      steps,
		DurationMs: duration.Milliseconds(),
	})
	ag.logger.InfoWithDuration(exec.ID, "", "workflow completed", float64(duration.Milliseconds()), nil)
}

func (ag *Agency) failWorkflow(ctx context.Context, exec *WorkflowExecution, record StepRecord, wfErr *WorkflowError) {
	now := time.Now()
	ag.mu.Lock()
	exec.Status = WorkflowStatusFailed
	exec.CurrentStep = record.Index
	exec.Error = wfErr.Error()
	exec.Steps = append(exec.Steps, record)
	exec.EndTime = &now
	duration := now.Sub(exec.StartTime)
	steps := len(exec.Steps)
	ag.mu.Unlock()

	ag.rememberResults(ctx, exec)

	promWorkflowsTotal.WithLabelValues("failed").Inc()
	ag.publish(events.Event{Type: events.WorkflowFailed, WorkflowID: exec.ID, JobID: wfErr.JobID, Data: map[string]interface{}{"step": record.Index, "error": wfErr.Err.Error()}})
	ag.audit.RecordWorkflow(WorkflowAudit{
		WorkflowID:  exec.ID,
		Status:      WorkflowStatusFailed,
		Steps:       steps,
		CurrentStep: record.Index,
		DurationMs:  duration.Milliseconds(),
		Error:       wfErr.Error(),
	})
	ag.logger.Error(exec.ID, wfErr.JobID, "workflow failed", map[string]interface{}{"step": record.Index, "error": wfErr.Err.Error()})
}

func (ag *Agency) rememberResults(ctx context.Context, exec *WorkflowExecution) {
	ag.mu.RLock()
	results := make(map[string]interface{}, len(exec.Results))
	for k, v := range exec.Results {
		results[k] = v
	}
	ag.mu.RUnlock()

	if err := ag.memory.Remember(ctx, WorkflowScope(exec.ID), memoryResultsKey, results); err != nil {
		ag.logger.Warn(exec.ID, "", "failed to store workflow results", map[string]interface{}{"error": err.Error()})
	}
}

func (ag *Agency) setCurrentStep(exec *WorkflowExecution, index int) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	exec.CurrentStep = index
}

func (ag *Agency) recordStep(exec *WorkflowExecution, record StepRecord) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	exec.Steps = append(exec.Steps, record)
}

func (ag *Agency) storeResult(exec *WorkflowExecution, key string, result interface{}) {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	exec.Results[key] = result
}

// evaluateCondition evaluates a step condition against the current data
// and workflow memory. Supported forms: "a == b", "a != b", and a bare
// key checked for truthiness. Template vars like {{key}} resolve through
// the current data first, then workflow memory; "memory.key" reads
// workflow memory directly.
func (ag *Agency) evaluateCondition(ctx context.Context, workflowID, condition string, currentData interface{}) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true
	}

	if strings.Contains(condition, "!=") {
		parts := strings.SplitN(condition, "!=", 2)
		left := ag.resolveConditionValue(ctx, workflowID, strings.TrimSpace(parts[0]), currentData)
		right := strings.Trim(strings.TrimSpace(parts[1]), " \"'")
		return fmt.Sprintf("%v", left) != right
	}

	if strings.Contains(condition, "==") {
		parts := strings.SplitN(condition, "==", 2)
		left := ag.resolveConditionValue(ctx, workflowID, strings.TrimSpace(parts[0]), currentData)
		right := strings.Trim(strings.TrimSpace(parts[1]), " \"'")
		return fmt.Sprintf("%v", left) == right
	}

	return truthy(ag.resolveConditionValue(ctx, workflowID, condition, currentData))
}

func (ag *Agency) resolveConditionValue(ctx context.Context, workflowID, path string, currentData interface{}) interface{} {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "{{") && strings.HasSuffix(path, "}}") {
		path = strings.TrimSpace(strings.Trim(path, "{}"))
	}

	if strings.HasPrefix(path, "memory.") {
		key := strings.TrimPrefix(path, "memory.")
		if value, found, err := ag.memory.Recall(ctx, WorkflowScope(workflowID), key); err == nil && found {
			return value
		}
		return nil
	}

	if value := lookupPath(currentData, strings.Split(path, ".")); value != nil {
		return value
	}

	if value, found, err := ag.memory.Recall(ctx, WorkflowScope(workflowID), path); err == nil && found {
		return value
	}
	return nil
}

// lookupPath walks nested string-keyed maps along a dotted path.
func lookupPath(data interface{}, parts []string) interface{} {
	current := data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return true
	}
}

func jobPrompt(brief *Brief) string {
	if brief == nil || brief.Objective == "" {
		return "Complete the assigned job using the provided inputs."
	}
	var b strings.Builder
	b.WriteString(brief.Objective)
	if brief.ExpectedOutput != "" {
		b.WriteString("\n\nExpected output: ")
		b.WriteString(brief.ExpectedOutput)
	}
	return b.String()
}

func ensureJobID(jobID string) string {
	if jobID != "" {
		return jobID
	}
	return uuid.New().String()
}

func resultKey(step WorkflowStep, index int) string {
	if step.JobID != "" {
		return step.JobID
	}
	return fmt.Sprintf("step_%d", index)
}

func cloneJob(job *Job) *Job {
	clone := *job
	return &clone
}

func cloneExecution(exec *WorkflowExecution) *WorkflowExecution {
	clone := *exec
	clone.Steps = append([]StepRecord(nil), exec.Steps...)
	clone.Results = make(map[string]interface{}, len(exec.Results))
	for k, v := range exec.Results {
		clone.Results[k] = v
	}
	return &clone
}

func (ag *Agency) publish(evt events.Event) {
	if ag.bus != nil {
		ag.bus.Publish(evt)
	}
}
