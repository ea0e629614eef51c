// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentflow/platform/agents"
	"agentflow/platform/sdk"
	"agentflow/platform/shared/events"
)

const (
	// DefaultMaxRetries is how many times a delegation attempts one agent.
	DefaultMaxRetries = 3
	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = time.Second
	// DefaultBackoffMultiplier grows the delay after each failed attempt.
	DefaultBackoffMultiplier = 2.0
	// DefaultMaxRedelegations caps automatic hops to other agents after one
	// agent exhausts its retries.
	DefaultMaxRedelegations = 1
	// DefaultBreakerThreshold opens the circuit after this many consecutive
	// failed delegations.
	DefaultBreakerThreshold = 5
	// DefaultBreakerResetTimeout is how long the open circuit rejects
	// delegations before allowing a trial.
	DefaultBreakerResetTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds the drain phase of Shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	drainPollInterval = 100 * time.Millisecond
)

// Config configures a new Orchestrator. Zero values fall back to the
// defaults above; a nil Bus/Registry/Scorer is created internally.
type Config struct {
	Bus                 *events.Bus
	Registry            *agents.Registry
	Scorer              *agents.Scorer
	MaxConcurrentTasks  int
	MaxRetries          int
	BaseDelay           time.Duration
	BackoffMultiplier   float64
	MaxRedelegations    int
	BreakerThreshold    int
	BreakerResetTimeout time.Duration
	ShutdownTimeout     time.Duration
	Audit               *AuditTrail
}

// ActiveExecution is a read-only snapshot of one in-flight delegation.
type ActiveExecution struct {
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
}

// Status is a read-only snapshot of orchestrator state.
type Status struct {
	ManagedAgents    int        `json:"managed_agents"`
	HealthyAgents    int        `json:"healthy_agents"`
	ActiveExecutions int        `json:"active_executions"`
	QueueDepth       int        `json:"queue_depth"`
	Queue            QueueStats `json:"queue"`
	BreakerState     string     `json:"breaker_state"`
	TotalDelegations int64      `json:"total_delegations"`
	Completed        int64      `json:"completed"`
	Failed           int64      `json:"failed"`
	Redelegations    int64      `json:"redelegations"`
	UptimeSeconds    float64    `json:"uptime_seconds"`
	ShuttingDown     bool       `json:"shutting_down"`
}

// DelegationResult is the outcome of a successful delegation.
type DelegationResult struct {
	TaskID      string                 `json:"task_id"`
	AgentID     string                 `json:"agent_id"`
	AgentName   string                 `json:"agent_name"`
	Output      string                 `json:"output"`
	Structured  map[string]interface{} `json:"structured,omitempty"`
	ToolResults []agents.ToolOutcome   `json:"tool_results,omitempty"`
	Attempt     int                    `json:"attempt"`
	Redelegated bool                   `json:"redelegated"`
	Duration    time.Duration          `json:"duration"`
}

// Orchestrator delegates tasks to registered agents with retry, backoff,
// automatic redelegation, and circuit-breaker protection. Delegations run
// through the bounded task queue.
type Orchestrator struct {
	bus      *events.Bus
	registry *agents.Registry
	scorer   *agents.Scorer
	queue    *TaskQueue
	breaker  *sdk.CircuitBreaker
	audit    *AuditTrail
	logger   *log.Logger

	maxRetries        int
	baseDelay         time.Duration
	backoffMultiplier float64
	maxRedelegations  int
	shutdownTimeout   time.Duration

	mu               sync.RWMutex
	accepting        bool
	startedAt        time.Time
	executions       map[string]*ActiveExecution
	totalDelegations int64
	completed        int64
	failed           int64
	redelegations    int64
}

// New creates an orchestrator from the given config.
func New(config Config) *Orchestrator {
	bus := config.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	registry := config.Registry
	if registry == nil {
		registry = agents.NewRegistry(bus)
	}
	scorer := config.Scorer
	if scorer == nil {
		scorer = agents.NewScorer()
	}

	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	baseDelay := config.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	multiplier := config.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = DefaultBackoffMultiplier
	}
	maxRedelegations := config.MaxRedelegations
	if maxRedelegations < 0 {
		maxRedelegations = 0
	} else if maxRedelegations == 0 {
		maxRedelegations = DefaultMaxRedelegations
	}
	threshold := config.BreakerThreshold
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	resetTimeout := config.BreakerResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = DefaultBreakerResetTimeout
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	return &Orchestrator{
		bus:               bus,
		registry:          registry,
		scorer:            scorer,
		queue:             NewTaskQueue(config.MaxConcurrentTasks, bus),
		breaker:           sdk.NewCircuitBreaker("orchestrator", threshold, resetTimeout),
		audit:             config.Audit,
		logger:            log.New(os.Stdout, "[ORCHESTRATOR] ", log.LstdFlags),
		maxRetries:        maxRetries,
		baseDelay:         baseDelay,
		backoffMultiplier: multiplier,
		maxRedelegations:  maxRedelegations,
		shutdownTimeout:   shutdownTimeout,
		accepting:         true,
		startedAt:         time.Now(),
		executions:        make(map[string]*ActiveExecution),
	}
}

// Start launches the task-queue dispatcher and the registry health sweep.
func (o *Orchestrator) Start(ctx context.Context) {
	o.queue.Start()
	o.registry.Start(ctx)
}

// Bus returns the orchestrator's event bus.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Registry returns the agent registry.
func (o *Orchestrator) Registry() *agents.Registry { return o.registry }

// Scorer returns the agent scorer.
func (o *Orchestrator) Scorer() *agents.Scorer { return o.scorer }

// RegisterAgent adds an agent to the registry.
func (o *Orchestrator) RegisterAgent(a *agents.Agent) error {
	return o.registry.Register(a)
}

// UnregisterAgent removes an agent from the registry.
func (o *Orchestrator) UnregisterAgent(id string) error {
	return o.registry.Unregister(id)
}

// GetManagedAgents returns snapshots of every registered agent.
func (o *Orchestrator) GetManagedAgents() []agents.Info {
	all := o.registry.GetAll()
	infos := make([]agents.Info, 0, len(all))
	for _, a := range all {
		infos = append(infos, a.Info())
	}
	return infos
}

// GetActiveExecutions returns snapshots of the in-flight delegations.
func (o *Orchestrator) GetActiveExecutions() []ActiveExecution {
	o.mu.RLock()
	defer o.mu.RUnlock()

	executions := make([]ActiveExecution, 0, len(o.executions))
	for _, exec := range o.executions {
		executions = append(executions, *exec)
	}
	return executions
}

// GetOrchestratorStatus returns a read-only status snapshot.
func (o *Orchestrator) GetOrchestratorStatus() Status {
	queueStats := o.queue.Stats()

	o.mu.RLock()
	defer o.mu.RUnlock()
	return Status{
		ManagedAgents:    o.registry.Count(),
		HealthyAgents:    o.registry.HealthyCount(),
		ActiveExecutions: len(o.executions),
		QueueDepth:       queueStats.Depth,
		Queue:            queueStats,
		BreakerState:     o.breaker.State().String(),
		TotalDelegations: o.totalDelegations,
		Completed:        o.completed,
		Failed:           o.failed,
		Redelegations:    o.redelegations,
		UptimeSeconds:    time.Since(o.startedAt).Seconds(),
		ShuttingDown:     !o.accepting,
	}
}

// DelegateTask sends a task to a specific agent and waits for it to settle.
// The task is retried on the agent up to MaxRetries times with exponential
// backoff; if the agent exhausts its retries, the task is redelegated to
// the best other healthy agent before ExhaustedRetriesError is returned.
func (o *Orchestrator) DelegateTask(ctx context.Context, agentID, description string, taskContext map[string]interface{}, useChainOfThought bool) (*DelegationResult, error) {
	handle, err := o.DelegateTaskAsync(ctx, agentID, description, taskContext, useChainOfThought)
	if err != nil {
		return nil, err
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return result.(*DelegationResult), nil
}

// DelegateTaskAsync enqueues a delegation and returns its queue handle.
func (o *Orchestrator) DelegateTaskAsync(ctx context.Context, agentID, description string, taskContext map[string]interface{}, useChainOfThought bool) (*TaskHandle, error) {
	o.mu.RLock()
	accepting := o.accepting
	o.mu.RUnlock()
	if !accepting {
		return nil, fmt.Errorf("orchestrator is shutting down")
	}

	if err := o.breaker.Allow(); err != nil {
		return nil, err
	}

	agent, err := o.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	taskID := uuid.New().String()
	o.mu.Lock()
	o.totalDelegations++
	o.mu.Unlock()

	fn := func(taskCtx context.Context) (interface{}, error) {
		return o.runDelegation(taskCtx, taskID, agent, description, taskContext, useChainOfThought)
	}
	return o.queue.Enqueue(ctx, taskID, description, fn)
}

// runDelegation drives one delegation: retries on the requested agent, then
// bounded redelegation hops across other healthy agents.
func (o *Orchestrator) runDelegation(ctx context.Context, taskID string, agent *agents.Agent, description string, taskContext map[string]interface{}, useChainOfThought bool) (*DelegationResult, error) {
	start := time.Now()

	result, attempts, err := o.attemptAgent(ctx, taskID, agent, description, taskContext, useChainOfThought)
	if err == nil {
		o.recordOutcome(true)
		result.Duration = time.Since(start)
		o.auditDelegation(result, attempts, nil)
		return result, nil
	}

	excluded := map[string]bool{agent.ID(): true}
	lastAgent, lastAttempts, lastErr := agent, attempts, err

	for hop := 0; hop < o.maxRedelegations; hop++ {
		next := o.scorer.Select(description, "", o.healthyExcluding(excluded))
		if next == nil {
			break
		}

		o.logger.Printf("redelegating task %s from %s to %s (hop %d/%d)",
			taskID, lastAgent.Name(), next.Name(), hop+1, o.maxRedelegations)
		promRedelegations.Inc()
		o.mu.Lock()
		o.redelegations++
		o.mu.Unlock()

		result, attempts, err = o.attemptAgent(ctx, taskID, next, description, taskContext, useChainOfThought)
		if err == nil {
			o.recordOutcome(true)
			result.Redelegated = true
			result.Duration = time.Since(start)
			o.auditDelegation(result, attempts, nil)
			return result, nil
		}

		excluded[next.ID()] = true
		lastAgent, lastAttempts, lastErr = next, attempts, err
	}

	o.recordOutcome(false)
	exhausted := &ExhaustedRetriesError{TaskID: taskID, AgentID: lastAgent.ID(), Attempts: lastAttempts, Err: lastErr}
	o.auditDelegation(&DelegationResult{TaskID: taskID, AgentID: lastAgent.ID(), Duration: time.Since(start)}, lastAttempts, exhausted)
	return nil, exhausted
}

// attemptAgent runs the task on one agent with the retry budget, keeping
// the agent's heartbeat, load, metrics, and the breaker up to date.
func (o *Orchestrator) attemptAgent(ctx context.Context, taskID string, agent *agents.Agent, description string, taskContext map[string]interface{}, useChainOfThought bool) (*DelegationResult, int, error) {
	// Every delegation attempt counts as a heartbeat.
	_ = o.registry.UpdateHeartbeat(agent.ID())

	o.trackExecution(taskID, agent, description)
	defer o.untrackExecution(taskID)

	agent.IncrementLoad()
	defer agent.DecrementLoad()

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		runResult, err := agent.Run(ctx, description, taskContext, useChainOfThought)
		if err == nil {
			duration := time.Since(start)
			agent.RecordTaskResult(duration, true)
			o.breaker.RecordSuccess()
			promTaskDuration.WithLabelValues("delegation").Observe(float64(duration.Milliseconds()))
			return &DelegationResult{
				TaskID:      taskID,
				AgentID:     agent.ID(),
				AgentName:   agent.Name(),
				Output:      runResult.Output,
				Structured:  runResult.Structured,
				ToolResults: runResult.ToolResults,
				Attempt:     attempt,
			}, attempt, nil
		}

		lastErr = err
		o.logger.Printf("task %s attempt %d/%d on %s failed: %v", taskID, attempt, o.maxRetries, agent.Name(), err)

		if attempt < o.maxRetries {
			select {
			case <-ctx.Done():
				agent.RecordTaskResult(time.Since(start), false)
				o.breaker.RecordFailure()
				return nil, attempt, ctx.Err()
			case <-time.After(backoffDelay(o.baseDelay, o.backoffMultiplier, attempt)):
			}
		}
	}

	agent.RecordTaskResult(time.Since(start), false)
	o.breaker.RecordFailure()
	return nil, o.maxRetries, lastErr
}

// backoffDelay returns baseDelay x multiplier^(attempt-1).
func backoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(multiplier, float64(attempt-1)))
}

func (o *Orchestrator) healthyExcluding(excluded map[string]bool) []*agents.Agent {
	healthy := o.registry.Healthy()
	candidates := make([]*agents.Agent, 0, len(healthy))
	for _, a := range healthy {
		if !excluded[a.ID()] {
			candidates = append(candidates, a)
		}
	}
	return candidates
}

func (o *Orchestrator) trackExecution(taskID string, agent *agents.Agent, description string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executions[taskID] = &ActiveExecution{
		TaskID:      taskID,
		AgentID:     agent.ID(),
		AgentName:   agent.Name(),
		Description: description,
		StartedAt:   time.Now(),
	}
}

func (o *Orchestrator) untrackExecution(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.executions, taskID)
}

func (o *Orchestrator) recordOutcome(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if success {
		o.completed++
		promTasksTotal.WithLabelValues("completed").Inc()
	} else {
		o.failed++
		promTasksTotal.WithLabelValues("failed").Inc()
	}
}

func (o *Orchestrator) auditDelegation(result *DelegationResult, attempts int, cause error) {
	audit := DelegationAudit{
		TaskID:      result.TaskID,
		AgentID:     result.AgentID,
		Status:      "completed",
		Attempts:    attempts,
		Redelegated: result.Redelegated,
		DurationMs:  result.Duration.Milliseconds(),
	}
	if cause != nil {
		audit.Status = "failed"
		audit.Error = cause.Error()
	}
	o.audit.RecordDelegation(audit)
}

// OrchestrateOptions tunes a single Orchestrate call.
type OrchestrateOptions struct {
	// PlannerID names the agent that reasons and plans. Empty selects the
	// best-scoring healthy agent for the goal.
	PlannerID string
	// Sequential runs subtasks strictly in plan order instead of
	// concurrently.
	Sequential bool
	// FailFast aborts remaining subtasks after the first failure.
	FailFast bool
	// UseChainOfThought asks agents for structured step-by-step answers.
	UseChainOfThought bool
	// Context is passed through to every delegation.
	Context map[string]interface{}
}

// TaskOutcome records how one planned subtask settled.
type TaskOutcome struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Role        string `json:"role,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	AgentName   string `json:"agent_name,omitempty"`
	Output      string `json:"output,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Error       string `json:"error,omitempty"`
}

// OrchestrationResult is the outcome of one Orchestrate call.
type OrchestrationResult struct {
	ID        string                  `json:"id"`
	Goal      string                  `json:"goal"`
	PlannerID string                  `json:"planner_id"`
	Reasoning *agents.Reasoning       `json:"reasoning,omitempty"`
	Plan      *agents.Plan            `json:"plan"`
	Outcomes  map[string]*TaskOutcome `json:"outcomes"`
	Status    string                  `json:"status"` // completed, completed_with_errors, failed
	Duration  time.Duration           `json:"duration"`
}

// Orchestrate decomposes a goal into subtasks via a planner agent, selects
// an agent for each subtask, and delegates them. The planner's reasoning is
// explanatory only: a reasoning failure is logged, a planning failure
// aborts the call.
func (o *Orchestrator) Orchestrate(ctx context.Context, goal string, opts OrchestrateOptions) (*OrchestrationResult, error) {
	start := time.Now()

	healthy := o.registry.Healthy()
	if len(healthy) == 0 {
		return nil, fmt.Errorf("no healthy agents available for goal %q", goal)
	}

	planner, err := o.resolvePlanner(goal, opts.PlannerID, healthy)
	if err != nil {
		return nil, err
	}

	result := &OrchestrationResult{
		ID:        uuid.New().String(),
		Goal:      goal,
		PlannerID: planner.ID(),
		Outcomes:  make(map[string]*TaskOutcome),
	}

	// Non-binding rationale over the candidate set.
	candidates := make([]string, 0, len(healthy))
	for _, a := range healthy {
		candidates = append(candidates, fmt.Sprintf("%s: %s", a.Name(), a.Description()))
	}
	criteria := fmt.Sprintf("Which agents are best suited to accomplish: %s", goal)
	if reasoning, reasonErr := planner.Reason(ctx, candidates, criteria); reasonErr != nil {
		o.logger.Printf("orchestration %s: reasoning unavailable: %v", result.ID, reasonErr)
	} else {
		result.Reasoning = reasoning
	}

	plan, err := planner.Plan(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("planning failed for goal %q: %w", goal, err)
	}
	result.Plan = plan

	subtasks := orderedSubTasks(plan)
	if opts.Sequential {
		o.runSequential(ctx, subtasks, opts, result)
	} else {
		o.runConcurrent(ctx, subtasks, opts, result)
	}

	failures := 0
	for _, outcome := range result.Outcomes {
		if outcome.Error != "" {
			failures++
		}
	}
	switch {
	case failures == 0:
		result.Status = "completed"
	case failures == len(result.Outcomes):
		result.Status = "failed"
	case opts.FailFast:
		result.Status = "failed"
	default:
		result.Status = "completed_with_errors"
	}

	result.Duration = time.Since(start)
	o.logger.Printf("orchestration %s %s: %d/%d subtasks succeeded in %s",
		result.ID, result.Status, len(result.Outcomes)-failures, len(result.Outcomes), result.Duration)
	return result, nil
}

func (o *Orchestrator) resolvePlanner(goal, plannerID string, healthy []*agents.Agent) (*agents.Agent, error) {
	if plannerID != "" {
		return o.registry.Get(plannerID)
	}
	planner := o.scorer.Select(goal, "", healthy)
	if planner == nil {
		return nil, fmt.Errorf("no agent available to plan goal %q", goal)
	}
	return planner, nil
}

// orderedSubTasks resolves the plan's sequence to subtasks, skipping ids
// the plan never defined and appending any subtasks the sequence omitted.
func orderedSubTasks(plan *agents.Plan) []agents.SubTask {
	byID := make(map[string]agents.SubTask, len(plan.SubTasks))
	for _, st := range plan.SubTasks {
		byID[st.ID] = st
	}

	ordered := make([]agents.SubTask, 0, len(plan.SubTasks))
	seen := make(map[string]bool, len(plan.SubTasks))
	for _, id := range plan.Sequence {
		if st, ok := byID[id]; ok && !seen[id] {
			ordered = append(ordered, st)
			seen[id] = true
		}
	}
	for _, st := range plan.SubTasks {
		if !seen[st.ID] {
			ordered = append(ordered, st)
		}
	}
	return ordered
}

func (o *Orchestrator) runSequential(ctx context.Context, subtasks []agents.SubTask, opts OrchestrateOptions, result *OrchestrationResult) {
	failed := false
	for _, st := range subtasks {
		outcome := &TaskOutcome{TaskID: st.ID, Description: st.Description, Role: st.Role}
		result.Outcomes[st.ID] = outcome

		if failed && opts.FailFast {
			outcome.Error = "skipped after earlier failure"
			continue
		}

		agent := o.scorer.Select(st.Description, st.Role, o.registry.Healthy())
		if agent == nil {
			outcome.Error = "no suitable agent available"
			failed = true
			continue
		}

		dr, err := o.DelegateTask(ctx, agent.ID(), st.Description, opts.Context, opts.UseChainOfThought)
		if err != nil {
			outcome.Error = err.Error()
			failed = true
			continue
		}
		fillOutcome(outcome, dr)
	}
}

func (o *Orchestrator) runConcurrent(ctx context.Context, subtasks []agents.SubTask, opts OrchestrateOptions, result *OrchestrationResult) {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if opts.FailFast {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var wg sync.WaitGroup
	for _, st := range subtasks {
		outcome := &TaskOutcome{TaskID: st.ID, Description: st.Description, Role: st.Role}
		result.Outcomes[st.ID] = outcome

		agent := o.scorer.Select(st.Description, st.Role, o.registry.Healthy())
		if agent == nil {
			outcome.Error = "no suitable agent available"
			if opts.FailFast {
				cancel()
			}
			continue
		}

		wg.Add(1)
		go func(st agents.SubTask, outcome *TaskOutcome, agentID string) {
			defer wg.Done()

			dr, err := o.DelegateTask(runCtx, agentID, st.Description, opts.Context, opts.UseChainOfThought)
			if err != nil {
				outcome.Error = err.Error()
				if opts.FailFast {
					cancel()
				}
				return
			}
			fillOutcome(outcome, dr)
		}(st, outcome, agent.ID())
	}
	wg.Wait()
}

func fillOutcome(outcome *TaskOutcome, dr *DelegationResult) {
	outcome.AgentID = dr.AgentID
	outcome.AgentName = dr.AgentName
	outcome.Output = dr.Output
	outcome.Attempt = dr.Attempt
}

// Shutdown stops accepting delegations, waits up to the shutdown timeout
// for active work to drain, force-clears whatever remains, and stops the
// queue and registry sweep.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.accepting {
		o.mu.Unlock()
		return nil
	}
	o.accepting = false
	o.mu.Unlock()

	o.logger.Printf("shutdown: draining %d active and %d queued task(s)",
		o.queue.ActiveCount(), o.queue.Depth())

	deadline := time.Now().Add(o.shutdownTimeout)
drain:
	for time.Now().Before(deadline) {
		if o.queue.ActiveCount() == 0 && o.queue.Depth() == 0 {
			break drain
		}
		select {
		case <-ctx.Done():
			break drain
		case <-time.After(drainPollInterval):
		}
	}

	cleared := o.queue.ForceClear()
	o.queue.Stop()
	o.registry.Stop()

	o.bus.Publish(events.Event{
		Type: events.OrchestratorShutdown,
		Data: map[string]interface{}{"force_cleared": cleared},
	})
	o.logger.Printf("shutdown complete (%d task(s) force-cleared)", cleared)
	return nil
}
