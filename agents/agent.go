// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentflow/platform/llm"
	"agentflow/platform/shared/events"
	"agentflow/platform/shared/faults"
	"agentflow/platform/tools"
)

// Status is the agent's lifecycle state
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusReasoning Status = "reasoning"
	StatusPlanning  Status = "planning"
	StatusBusy      Status = "busy"
	StatusError     Status = "error"
)

// historyExcerptSize is how many past runs are surfaced to the model
const historyExcerptSize = 3

// Metrics tracks an agent's observed performance
type Metrics struct {
	TasksCompleted       int           `json:"tasks_completed"`
	SuccessRate          float64       `json:"success_rate"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	LastHeartbeat        time.Time     `json:"last_heartbeat"`

	totalRuns      int
	successfulRuns int
}

// HistoryEntry is one remembered run
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
}

// Config configures a new Agent
type Config struct {
	ID           string
	Name         string
	Persona      Persona
	Capabilities []string
	Provider     llm.Provider
	Tools        *tools.Registry
	Bus          *events.Bus
	Temperature  float64
	MaxTokens    int
}

// Agent is a worker unit: a generation provider plus optional tools and a
// short-term memory, addressable by the orchestrator
type Agent struct {
	id           string
	name         string
	persona      Persona
	capabilities []string
	provider     llm.Provider
	tools        *tools.Registry
	bus          *events.Bus
	temperature  float64
	maxTokens    int

	mu          sync.RWMutex
	status      Status
	currentLoad int
	metrics     Metrics
	history     []HistoryEntry
}

// New creates an Agent from the given config
func New(config Config) (*Agent, error) {
	if config.Name == "" {
		return nil, faults.NewConfigurationError("agent", "name", "")
	}
	if config.Provider == nil {
		return nil, faults.NewConfigurationError("agent", "provider", "")
	}

	id := config.ID
	if id == "" {
		id = uuid.New().String()
	}

	temperature := config.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	return &Agent{
		id:           id,
		name:         config.Name,
		persona:      config.Persona,
		capabilities: config.Capabilities,
		provider:     config.Provider,
		tools:        config.Tools,
		bus:          config.Bus,
		temperature:  temperature,
		maxTokens:    maxTokens,
		status:       StatusIdle,
		metrics:      Metrics{SuccessRate: 1.0, LastHeartbeat: time.Now()},
	}, nil
}

// ID returns the agent id
func (a *Agent) ID() string { return a.id }

// Name returns the agent name
func (a *Agent) Name() string { return a.name }

// Description returns the persona description
func (a *Agent) Description() string { return a.persona.Description }

// Capabilities returns a copy of the capability tags
func (a *Agent) Capabilities() []string {
	caps := make([]string, len(a.capabilities))
	copy(caps, a.capabilities)
	return caps
}

// Provider returns the agent's generation provider
func (a *Agent) Provider() llm.Provider { return a.provider }

// Status returns the current status
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// SetStatus sets the status directly
func (a *Agent) SetStatus(status Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
}

// CurrentLoad returns the number of in-flight delegations
func (a *Agent) CurrentLoad() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentLoad
}

// IncrementLoad marks one more in-flight delegation
func (a *Agent) IncrementLoad() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentLoad++
}

// DecrementLoad marks one delegation settled
func (a *Agent) DecrementLoad() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentLoad > 0 {
		a.currentLoad--
	}
}

// Metrics returns a copy of the performance metrics
func (a *Agent) Metrics() Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}

// Heartbeat refreshes the agent's last-heartbeat timestamp
func (a *Agent) Heartbeat() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics.LastHeartbeat = time.Now()
}

// RecordTaskResult folds one settled delegation into the metrics: success
// rate over all runs, completed count and running-average execution time
// over successful runs
func (a *Agent) RecordTaskResult(duration time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.metrics.totalRuns++
	if success {
		a.metrics.successfulRuns++
		a.metrics.TasksCompleted++
		n := time.Duration(a.metrics.TasksCompleted)
		a.metrics.AverageExecutionTime = (a.metrics.AverageExecutionTime*(n-1) + duration) / n
	}
	a.metrics.SuccessRate = float64(a.metrics.successfulRuns) / float64(a.metrics.totalRuns)
}

// SetMetrics overwrites the performance metrics. Intended for restoring
// state and for tests.
func (a *Agent) SetMetrics(m Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = m
}

// History returns a copy of the run history
func (a *Agent) History() []HistoryEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	history := make([]HistoryEntry, len(a.history))
	copy(history, a.history)
	return history
}

// Info is a read-only snapshot of the agent
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       Status   `json:"status"`
	CurrentLoad  int      `json:"current_load"`
	Metrics      Metrics  `json:"metrics"`
}

// Info returns a read-only snapshot of the agent
func (a *Agent) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Info{
		ID:           a.id,
		Name:         a.name,
		Description:  a.persona.Description,
		Capabilities: a.Capabilities(),
		Status:       a.status,
		CurrentLoad:  a.currentLoad,
		Metrics:      a.metrics,
	}
}

// RunResult is the outcome of a completed run
type RunResult struct {
	Output      string                 `json:"output"`
	Structured  map[string]interface{} `json:"structured,omitempty"`
	ToolResults []ToolOutcome          `json:"tool_results,omitempty"`
	TokensUsed  int                    `json:"tokens_used"`
	Duration    time.Duration          `json:"duration"`
}

// ToolOutcome records one tool invocation made during a run. Failed calls
// carry the error text; they do not fail the run.
type ToolOutcome struct {
	Tool   string      `json:"tool"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Run executes a task. The model may request tool calls; each is executed
// under the tool registry's retry budget with failures folded into the
// synthesized answer as text. When useChainOfThought is set the final
// answer must be a structured payload and a malformed one fails the run.
func (a *Agent) Run(ctx context.Context, input string, taskContext map[string]interface{}, useChainOfThought bool) (*RunResult, error) {
	start := time.Now()
	a.SetStatus(StatusWorking)
	a.publish(events.Event{Type: events.RunStarted, AgentID: a.id, Data: map[string]interface{}{
		"input": truncate(input, 200),
	}})

	result, err := a.run(ctx, input, taskContext, useChainOfThought)
	if err != nil {
		a.SetStatus(StatusError)
		a.publish(events.Event{Type: events.RunError, AgentID: a.id, Data: map[string]interface{}{
			"error": err.Error(),
		}})
		return nil, err
	}

	result.Duration = time.Since(start)
	a.appendHistory(input, result.Output)
	a.SetStatus(StatusIdle)
	a.publish(events.Event{Type: events.RunCompleted, AgentID: a.id, Data: map[string]interface{}{
		"duration_ms": result.Duration.Milliseconds(),
	}})

	return result, nil
}

func (a *Agent) run(ctx context.Context, input string, taskContext map[string]interface{}, useChainOfThought bool) (*RunResult, error) {
	req := a.buildRunRequest(input, taskContext, useChainOfThought)

	if a.tools != nil {
		a.provider.UpdateToolSchemas(req.Tools)
	}

	resp, err := a.provider.Generate(ctx, req)
	if err != nil {
		return nil, llm.NewGenerationError(a.provider.Name(), err)
	}

	result := &RunResult{TokensUsed: resp.TokensUsed}

	// Tool loop: execute requested calls, then synthesize a final answer
	if resp.HasToolCalls() && a.tools != nil {
		calls := resp.ToolCalls()
		a.publish(events.Event{Type: events.ToolCallsDetected, AgentID: a.id, Data: map[string]interface{}{
			"count": len(calls),
		}})

		result.ToolResults = a.executeToolCalls(ctx, calls)

		synthesis, err := a.synthesize(ctx, input, result.ToolResults)
		if err != nil {
			return nil, err
		}
		result.Output = synthesis.Text()
		result.TokensUsed += synthesis.TokensUsed
		return result, nil
	}

	result.Output = resp.Text()

	if useChainOfThought {
		payload, err := llm.ExtractPayload(result.Output)
		if err != nil {
			return nil, err
		}
		result.Structured = payload
		if answer, ok := payload["answer"].(string); ok {
			result.Output = answer
		}
	}

	return result, nil
}

// executeToolCalls runs each requested tool call, capturing failures as
// text instead of propagating them
func (a *Agent) executeToolCalls(ctx context.Context, calls []llm.ToolCall) []ToolOutcome {
	outcomes := make([]ToolOutcome, 0, len(calls))
	for _, call := range calls {
		outcome := ToolOutcome{Tool: call.Name}
		result, err := a.tools.Execute(ctx, call.Name, call.Args)
		if err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.Result = result
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// synthesize issues the second generation call that folds tool outputs
// into a final answer
func (a *Agent) synthesize(ctx context.Context, input string, outcomes []ToolOutcome) (*llm.Response, error) {
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for _, outcome := range outcomes {
		if outcome.Error != "" {
			fmt.Fprintf(&b, "- %s failed: %s\n", outcome.Tool, outcome.Error)
			continue
		}
		rendered, err := json.Marshal(outcome.Result)
		if err != nil {
			fmt.Fprintf(&b, "- %s: %v\n", outcome.Tool, outcome.Result)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", outcome.Tool, rendered)
	}
	b.WriteString("\nUsing these tool results, give the final answer to the original request.")

	req := &llm.Request{
		SystemInstruction: a.persona.SystemInstruction(a.name),
		Contents: []llm.Message{
			{Role: llm.RoleUser, Content: input},
			{Role: llm.RoleTool, Content: b.String()},
			{Role: llm.RoleUser, Content: "Provide the final answer."},
		},
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}

	resp, err := a.provider.Generate(ctx, req)
	if err != nil {
		return nil, llm.NewGenerationError(a.provider.Name(), err)
	}
	return resp, nil
}

func (a *Agent) buildRunRequest(input string, taskContext map[string]interface{}, useChainOfThought bool) *llm.Request {
	var content strings.Builder
	content.WriteString(input)

	if len(taskContext) > 0 {
		if rendered, err := json.Marshal(taskContext); err == nil {
			fmt.Fprintf(&content, "\n\nTask context: %s", rendered)
		}
	}

	if excerpt := a.memoryExcerpt(); excerpt != "" {
		fmt.Fprintf(&content, "\n\n%s", excerpt)
	}

	if useChainOfThought {
		content.WriteString("\n\nThink step by step. Respond ONLY with a JSON object: " +
			`{"reasoning": ["step 1", "step 2"], "answer": "final answer"}`)
	}

	req := &llm.Request{
		SystemInstruction: a.persona.SystemInstruction(a.name),
		Contents:          []llm.Message{{Role: llm.RoleUser, Content: content.String()}},
		Temperature:       a.temperature,
		MaxTokens:         a.maxTokens,
	}

	if a.tools != nil {
		req.Tools = a.tools.Schemas()
	}

	return req
}

// memoryExcerpt renders the most recent history entries for the prompt
func (a *Agent) memoryExcerpt() string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.history) == 0 {
		return ""
	}

	start := len(a.history) - historyExcerptSize
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	b.WriteString("Relevant previous work:")
	for _, entry := range a.history[start:] {
		fmt.Fprintf(&b, "\n- %s -> %s", truncate(entry.Input, 80), truncate(entry.Output, 160))
	}
	return b.String()
}

func (a *Agent) appendHistory(input, output string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, HistoryEntry{
		Timestamp: time.Now(),
		Input:     input,
		Output:    output,
	})
}

// Reasoning is an explained decision between options
type Reasoning struct {
	Steps    []string `json:"steps"`
	Decision string   `json:"decision"`
}

// Reason evaluates options against criteria and returns an explained
// decision
func (a *Agent) Reason(ctx context.Context, options []string, criteria string) (*Reasoning, error) {
	a.SetStatus(StatusReasoning)

	var b strings.Builder
	b.WriteString("Decide between the following options.\n\nOptions:")
	for _, option := range options {
		fmt.Fprintf(&b, "\n- %s", option)
	}
	if criteria != "" {
		fmt.Fprintf(&b, "\n\nCriteria: %s", criteria)
	}
	b.WriteString("\n\nRespond ONLY with a JSON object: " +
		`{"steps": ["reasoning step"], "decision": "chosen option and why"}`)

	resp, err := a.provider.Generate(ctx, &llm.Request{
		SystemInstruction: a.persona.SystemInstruction(a.name),
		Contents:          []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature:       a.temperature,
		MaxTokens:         a.maxTokens,
	})
	if err != nil {
		a.SetStatus(StatusError)
		return nil, llm.NewGenerationError(a.provider.Name(), err)
	}

	var reasoning Reasoning
	if err := llm.ExtractInto(resp.Text(), &reasoning); err != nil {
		a.SetStatus(StatusError)
		return nil, err
	}

	a.SetStatus(StatusIdle)
	return &reasoning, nil
}

// SubTask is one unit of a plan
type SubTask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Role        string `json:"role,omitempty"`
}

// Plan is a goal decomposition: subtasks plus the order to run them in
type Plan struct {
	SubTasks []SubTask `json:"subTasks"`
	Sequence []string  `json:"sequence"`
}

// Plan decomposes a goal into subtasks with an execution sequence
func (a *Agent) Plan(ctx context.Context, goal string) (*Plan, error) {
	a.SetStatus(StatusPlanning)

	prompt := fmt.Sprintf(`%s

Break this goal into 2-5 concrete subtasks. Respond ONLY with a JSON object:
{"subTasks": [{"id": "task-1", "description": "...", "role": "optional role hint"}], "sequence": ["task-1"]}`, goal)

	resp, err := a.provider.Generate(ctx, &llm.Request{
		SystemInstruction: a.persona.SystemInstruction(a.name),
		Contents:          []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature:       a.temperature,
		MaxTokens:         a.maxTokens,
	})
	if err != nil {
		a.SetStatus(StatusError)
		return nil, llm.NewGenerationError(a.provider.Name(), err)
	}

	var plan Plan
	if err := llm.ExtractInto(resp.Text(), &plan); err != nil {
		a.SetStatus(StatusError)
		return nil, err
	}

	if len(plan.SubTasks) == 0 {
		a.SetStatus(StatusError)
		return nil, &llm.ParseError{Reason: "plan contains no subtasks", Snippet: truncate(resp.Text(), 120)}
	}

	// Default the sequence to subtask order when the model omits it
	if len(plan.Sequence) == 0 {
		for _, task := range plan.SubTasks {
			plan.Sequence = append(plan.Sequence, task.ID)
		}
	}

	a.SetStatus(StatusIdle)
	return &plan, nil
}

// ProposeAlternatives asks the agent's provider for 1-3 alternative
// subtasks after a failure. Used by the workflow executor's replanning.
func (a *Agent) ProposeAlternatives(ctx context.Context, taskDescription, failureReason string) ([]string, error) {
	prompt := fmt.Sprintf(`The following task failed.

Task: %s
Failure: %s

Propose 1-3 alternative subtasks that could achieve the same outcome.
Respond ONLY with a JSON object: {"alternatives": [{"description": "..."}]}`, taskDescription, failureReason)

	resp, err := a.provider.Generate(ctx, &llm.Request{
		SystemInstruction: a.persona.SystemInstruction(a.name),
		Contents:          []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature:       a.temperature,
		MaxTokens:         a.maxTokens,
	})
	if err != nil {
		return nil, llm.NewGenerationError(a.provider.Name(), err)
	}

	var payload struct {
		Alternatives []struct {
			Description string `json:"description"`
		} `json:"alternatives"`
	}
	if err := llm.ExtractInto(resp.Text(), &payload); err != nil {
		return nil, err
	}

	if len(payload.Alternatives) == 0 {
		return nil, &llm.ParseError{Reason: "no alternatives proposed", Snippet: truncate(resp.Text(), 120)}
	}

	descriptions := make([]string, 0, len(payload.Alternatives))
	for _, alt := range payload.Alternatives {
		if alt.Description != "" {
			descriptions = append(descriptions, alt.Description)
		}
	}
	if len(descriptions) > 3 {
		descriptions = descriptions[:3]
	}
	return descriptions, nil
}

func (a *Agent) publish(evt events.Event) {
	if a.bus != nil {
		a.bus.Publish(evt)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
