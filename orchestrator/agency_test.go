// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"agentflow/platform/agents"
	"agentflow/platform/shared/events"
)

func newTestAgency(t *testing.T, registry *agents.Registry) *Agency {
	t.Helper()
	ag, err := NewAgency(AgencyConfig{Registry: registry})
	if err != nil {
		t.Fatalf("failed to create agency: %v", err)
	}
	return ag
}

func TestNewAgency_RequiresRegistry(t *testing.T) {
	if _, err := NewAgency(AgencyConfig{}); err == nil {
		t.Fatal("expected agency creation without a registry to fail")
	}
}

func TestAgency_ExecuteWorkflow_Sequential(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	alphaProv := &scriptedProvider{reply: "alpha done"}
	bravoProv := &scriptedProvider{reply: "bravo done"}
	charlieProv := &scriptedProvider{reply: "charlie done"}
	alpha := newTestAgent(t, "alpha", alphaProv, "First worker")
	bravo := newTestAgent(t, "bravo", bravoProv, "Second worker")
	charlie := newTestAgent(t, "charlie", charlieProv, "Third worker")
	for _, a := range []*agents.Agent{alpha, bravo, charlie} {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	ag := newTestAgency(t, registry)

	steps := []WorkflowStep{
		{JobID: "step-a", AssigneeID: alpha.ID(), Brief: &Brief{Objective: "Collect the raw data"}},
		{JobID: "step-b", AssigneeID: bravo.ID(), Brief: &Brief{Objective: "Analyze the data"}},
		{JobID: "step-c", AssigneeID: charlie.ID(), Brief: &Brief{Objective: "Write the report"}},
	}
	exec, err := ag.ExecuteWorkflow(context.Background(), steps, "wf-seq", map[string]interface{}{"topic": "tides"})
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if exec.Status != WorkflowStatusCompleted {
		t.Errorf("expected status completed, got %s", exec.Status)
	}
	if exec.EndTime == nil {
		t.Error("expected end time to be set")
	}
	if len(exec.Steps) != 3 {
		t.Fatalf("expected 3 step records, got %d", len(exec.Steps))
	}
	for i, record := range exec.Steps {
		if record.Status != "completed" {
			t.Errorf("expected step %d completed, got %s", i, record.Status)
		}
	}

	want := map[string]string{"step-a": "alpha done", "step-b": "bravo done", "step-c": "charlie done"}
	for jobID, output := range want {
		if exec.Results[jobID] != output {
			t.Errorf("expected result %q for %s, got %v", output, jobID, exec.Results[jobID])
		}
	}

	// Initial data reaches the first step; each later step sees its
	// predecessor's output.
	if !strings.Contains(alphaProv.lastPrompt(), `"topic":"tides"`) {
		t.Error("expected the first step to receive the initial data")
	}
	if !strings.Contains(bravoProv.lastPrompt(), `"previousStepData":"alpha done"`) {
		t.Error("expected step-b to receive step-a's output as previousStepData")
	}
	if !strings.Contains(charlieProv.lastPrompt(), `"previousStepData":"bravo done"`) {
		t.Error("expected step-c to receive step-b's output as previousStepData")
	}

	jobs := ag.WorkflowJobs("wf-seq")
	if len(jobs) != 3 {
		t.Fatalf("expected 3 workflow jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.Status != JobStatusCompleted {
			t.Errorf("expected job %s completed, got %s", job.ID, job.Status)
		}
	}

	ctx := context.Background()
	scope := WorkflowScope("wf-seq")
	if v, ok, _ := ag.Memory().Recall(ctx, scope, "step-b"); !ok || v != "bravo done" {
		t.Errorf("expected step-b result in workflow memory, got %v (found %v)", v, ok)
	}
	results, ok, _ := ag.Memory().Recall(ctx, scope, "results")
	if !ok {
		t.Fatal("expected the workflow results map in memory")
	}
	if m, isMap := results.(map[string]interface{}); !isMap || len(m) != 3 {
		t.Errorf("expected a 3-entry results map, got %v", results)
	}
}

func TestAgency_ExecuteWorkflow_FailureHaltsAtStep(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	alpha := newTestAgent(t, "alpha", &scriptedProvider{reply: "alpha done"}, "First worker")
	bravoProv := &scriptedProvider{failures: 100}
	bravo := newTestAgent(t, "bravo", bravoProv, "Failing worker")
	charlieProv := &scriptedProvider{reply: "never runs"}
	charlie := newTestAgent(t, "charlie", charlieProv, "Third worker")
	for _, a := range []*agents.Agent{alpha, bravo, charlie} {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	ag := newTestAgency(t, registry)

	steps := []WorkflowStep{
		{JobID: "step-a", AssigneeID: alpha.ID()},
		{JobID: "step-b", AssigneeID: bravo.ID()},
		{JobID: "step-c", AssigneeID: charlie.ID()},
	}
	exec, err := ag.ExecuteWorkflow(context.Background(), steps, "wf-fail", nil)
	if err == nil {
		t.Fatal("expected the workflow to fail")
	}

	var wfErr *WorkflowError
	if !errors.As(err, &wfErr) {
		t.Fatalf("expected WorkflowError, got %T: %v", err, err)
	}
	if wfErr.StepIndex != 1 {
		t.Errorf("expected failure at step 1, got %d", wfErr.StepIndex)
	}
	if wfErr.JobID != "step-b" {
		t.Errorf("expected failing job step-b, got %s", wfErr.JobID)
	}

	if exec.Status != WorkflowStatusFailed {
		t.Errorf("expected status failed, got %s", exec.Status)
	}
	if exec.CurrentStep != 1 {
		t.Errorf("expected current step 1, got %d", exec.CurrentStep)
	}
	if exec.Error == "" {
		t.Error("expected the execution to record the error")
	}

	if exec.Results["step-a"] != "alpha done" {
		t.Errorf("expected step-a result to be preserved, got %v", exec.Results["step-a"])
	}
	if _, ok := exec.Results["step-b"]; ok {
		t.Error("expected no result for the failed step")
	}
	if len(exec.Steps) != 2 {
		t.Fatalf("expected 2 step records, got %d", len(exec.Steps))
	}
	if exec.Steps[1].Status != "failed" {
		t.Errorf("expected step 1 record failed, got %s", exec.Steps[1].Status)
	}

	// Step 3 never ran: no job record, no provider call.
	if charlieProv.callCount() != 0 {
		t.Errorf("expected step-c to never run, got %d calls", charlieProv.callCount())
	}
	if _, err := ag.GetJob("step-c"); err == nil {
		t.Error("expected no job record for the unreached step")
	}

	failedJob, err := ag.GetJob("step-b")
	if err != nil {
		t.Fatalf("expected step-b job record: %v", err)
	}
	if failedJob.Status != JobStatusFailed || failedJob.Error == "" {
		t.Errorf("expected failed job with error, got %s %q", failedJob.Status, failedJob.Error)
	}

	// Partial results are still remembered for the failed workflow.
	results, ok, _ := ag.Memory().Recall(context.Background(), WorkflowScope("wf-fail"), "results")
	if !ok {
		t.Fatal("expected results map for the failed workflow")
	}
	if m, isMap := results.(map[string]interface{}); !isMap || len(m) != 1 {
		t.Errorf("expected a 1-entry results map, got %v", results)
	}
}

func TestAgency_ExecuteWorkflow_ParallelBranchFailureKeepsSiblings(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	alpha := newTestAgent(t, "alpha", &scriptedProvider{reply: "A done"}, "Branch worker")
	beta := newTestAgent(t, "beta", &scriptedProvider{failures: 100}, "Failing branch worker")
	gamma := newTestAgent(t, "gamma", &scriptedProvider{reply: "C done"}, "Branch worker")
	for _, a := range []*agents.Agent{alpha, beta, gamma} {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	ag := newTestAgency(t, registry)

	steps := []WorkflowStep{{
		Type: StepParallel,
		Branches: []WorkflowStep{
			{JobID: "b-a", AssigneeID: alpha.ID()},
			{JobID: "b-b", AssigneeID: beta.ID()},
			{JobID: "b-c", AssigneeID: gamma.ID()},
		},
	}}
	exec, err := ag.ExecuteWorkflow(context.Background(), steps, "wf-par", nil)
	if err == nil {
		t.Fatal("expected the workflow to fail")
	}
	if !strings.Contains(err.Error(), "branch b-b") {
		t.Errorf("expected the error to name the failing branch, got %v", err)
	}

	if exec.Status != WorkflowStatusFailed {
		t.Errorf("expected status failed, got %s", exec.Status)
	}
	if exec.Results["b-a"] != "A done" {
		t.Errorf("expected branch b-a result, got %v", exec.Results["b-a"])
	}
	if exec.Results["b-c"] != "C done" {
		t.Errorf("expected branch b-c result, got %v", exec.Results["b-c"])
	}
	if _, ok := exec.Results["b-b"]; ok {
		t.Error("expected no result for the failed branch")
	}

	for jobID, want := range map[string]string{"b-a": JobStatusCompleted, "b-b": JobStatusFailed, "b-c": JobStatusCompleted} {
		job, err := ag.GetJob(jobID)
		if err != nil {
			t.Fatalf("expected job %s: %v", jobID, err)
		}
		if job.Status != want {
			t.Errorf("expected job %s %s, got %s", jobID, want, job.Status)
		}
	}
}

func TestAgency_ExecuteWorkflow_ParallelCombinesBranchResults(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	alpha := newTestAgent(t, "alpha", &scriptedProvider{reply: "X done"}, "Branch worker")
	beta := newTestAgent(t, "beta", &scriptedProvider{reply: "Y done"}, "Branch worker")
	joinProv := &scriptedProvider{reply: "joined"}
	joiner := newTestAgent(t, "joiner", joinProv, "Join worker")
	for _, a := range []*agents.Agent{alpha, beta, joiner} {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	ag := newTestAgency(t, registry)

	steps := []WorkflowStep{
		{
			Type: StepParallel,
			Branches: []WorkflowStep{
				{JobID: "b-x", AssigneeID: alpha.ID()},
				{JobID: "b-y", AssigneeID: beta.ID()},
			},
		},
		{JobID: "step-join", AssigneeID: joiner.ID()},
	}
	exec, err := ag.ExecuteWorkflow(context.Background(), steps, "wf-join", nil)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if exec.Status != WorkflowStatusCompleted {
		t.Errorf("expected status completed, got %s", exec.Status)
	}
	if len(exec.Steps) != 2 {
		t.Fatalf("expected 2 step records, got %d", len(exec.Steps))
	}
	if exec.Steps[0].Type != StepParallel || exec.Steps[0].Status != "completed" {
		t.Errorf("unexpected parallel step record %+v", exec.Steps[0])
	}

	// The join step sees the combined branch outputs as previousStepData.
	prompt := joinProv.lastPrompt()
	if !strings.Contains(prompt, `"b-x":"X done"`) || !strings.Contains(prompt, `"b-y":"Y done"`) {
		t.Errorf("expected combined branch results in the join prompt, got %q", prompt)
	}
}

func TestAgency_ExecuteWorkflow_ConditionalSteps(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	prov := &scriptedProvider{reply: "done"}
	worker := newTestAgent(t, "worker", prov, "Worker")
	if err := registry.Register(worker); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	ag := newTestAgency(t, registry)

	steps := []WorkflowStep{
		{JobID: "c1", AssigneeID: worker.ID(), Type: StepConditional, Condition: `mode == "fast"`},
		{JobID: "c2", AssigneeID: worker.ID(), Type: StepConditional, Condition: `mode == "slow"`},
		{JobID: "c3", AssigneeID: worker.ID(), Type: StepConditional, Condition: `mode != "slow"`},
	}
	exec, err := ag.ExecuteWorkflow(context.Background(), steps, "wf-cond", map[string]interface{}{"mode": "fast"})
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if exec.Status != WorkflowStatusCompleted {
		t.Errorf("expected status completed, got %s", exec.Status)
	}
	if len(exec.Steps) != 3 {
		t.Fatalf("expected 3 step records, got %d", len(exec.Steps))
	}
	if exec.Steps[0].Status != "completed" {
		t.Errorf("expected c1 to run, got %s", exec.Steps[0].Status)
	}
	if exec.Steps[1].Status != "skipped" || exec.Steps[1].Type != StepConditional {
		t.Errorf("expected c2 to be skipped, got %+v", exec.Steps[1])
	}
	if exec.Steps[2].Status != "completed" {
		t.Errorf("expected c3 to run, got %s", exec.Steps[2].Status)
	}

	skipped, ok := exec.Results["c2"].(map[string]interface{})
	if !ok || skipped["skipped"] != true {
		t.Errorf("expected a skip marker for c2, got %v", exec.Results["c2"])
	}
	if _, err := ag.GetJob("c2"); err == nil {
		t.Error("expected no job record for the skipped step")
	}

	// Only the two passing steps ran.
	if prov.callCount() != 2 {
		t.Errorf("expected 2 provider calls, got %d", prov.callCount())
	}
}

func TestAgency_ExecuteWorkflow_HandlerRecoversFailedStep(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	flaky := newTestAgent(t, "flaky", &scriptedProvider{failures: 100}, "Failing worker")
	steady := newTestAgent(t, "steady", &scriptedProvider{reply: "second step done"}, "Reliable worker")
	for _, a := range []*agents.Agent{flaky, steady} {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	ag := newTestAgency(t, registry)

	var handled *WorkflowError
	ag.OnWorkflowError("wf-recover", func(ctx context.Context, execution *WorkflowExecution, wfErr error) error {
		errors.As(wfErr, &handled)
		return nil
	})

	steps := []WorkflowStep{
		{JobID: "r1", AssigneeID: flaky.ID()},
		{JobID: "r2", AssigneeID: steady.ID()},
	}
	exec, err := ag.ExecuteWorkflow(context.Background(), steps, "wf-recover", nil)
	if err != nil {
		t.Fatalf("expected the handler to recover the workflow, got %v", err)
	}

	if handled == nil || handled.StepIndex != 0 || handled.JobID != "r1" {
		t.Errorf("expected the handler to see the step failure, got %+v", handled)
	}
	if exec.Status != WorkflowStatusCompleted {
		t.Errorf("expected status completed, got %s", exec.Status)
	}
	if exec.Steps[0].Status != "failed" {
		t.Errorf("expected step 0 recorded as failed, got %s", exec.Steps[0].Status)
	}
	if exec.Steps[1].Status != "completed" {
		t.Errorf("expected step 1 completed, got %s", exec.Steps[1].Status)
	}
	if exec.Results["r2"] != "second step done" {
		t.Errorf("expected the second step result, got %v", exec.Results["r2"])
	}
}

func TestAgency_ExecuteWorkflow_Validation(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	worker := newTestAgent(t, "worker", &scriptedProvider{reply: "done"}, "Worker")
	if err := registry.Register(worker); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	ag := newTestAgency(t, registry)

	if _, err := ag.ExecuteWorkflow(context.Background(), nil, "wf-empty", nil); err == nil {
		t.Error("expected a workflow without steps to be rejected")
	}

	steps := []WorkflowStep{{JobID: "dup-1", AssigneeID: worker.ID()}}
	if _, err := ag.ExecuteWorkflow(context.Background(), steps, "wf-dup", nil); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	steps2 := []WorkflowStep{{JobID: "dup-2", AssigneeID: worker.ID()}}
	if _, err := ag.ExecuteWorkflow(context.Background(), steps2, "wf-dup", nil); err == nil {
		t.Error("expected a duplicate workflow id to be rejected")
	}

	// An omitted id gets a generated one.
	exec, err := ag.ExecuteWorkflow(context.Background(), []WorkflowStep{{JobID: "gen-1", AssigneeID: worker.ID()}}, "", nil)
	if err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if !strings.HasPrefix(exec.ID, "wf_") {
		t.Errorf("expected a generated workflow id, got %q", exec.ID)
	}
}

func TestAgency_ExecuteJob_SchemaValidation(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	worker := newTestAgent(t, "worker", &scriptedProvider{reply: "booked"}, "Worker")
	if err := registry.Register(worker); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	ag := newTestAgency(t, registry)

	schema := &JobSchema{Input: map[string]FieldSpec{
		"city": {Required: true, Type: "string"},
		"mode": {Type: "string", Enum: []interface{}{"fast", "slow"}},
	}}
	brief := &Brief{Objective: "Book the trip", Schema: schema}
	ctx := context.Background()

	if _, err := ag.CreateJob("j-miss", "", worker.ID(), "", brief, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err := ag.ExecuteJob(ctx, "j-miss", map[string]interface{}{"mode": "fast"})
	if err == nil || !strings.Contains(err.Error(), `"city"`) || !strings.Contains(err.Error(), "required field is missing") {
		t.Errorf("expected missing-field error, got %v", err)
	}
	if job, _ := ag.GetJob("j-miss"); job == nil || job.Status != JobStatusFailed {
		t.Error("expected the job to be marked failed after validation")
	}

	if _, err := ag.CreateJob("j-type", "", worker.ID(), "", brief, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = ag.ExecuteJob(ctx, "j-type", map[string]interface{}{"city": 42})
	if err == nil || !strings.Contains(err.Error(), "expected type string") {
		t.Errorf("expected type error, got %v", err)
	}

	if _, err := ag.CreateJob("j-enum", "", worker.ID(), "", brief, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = ag.ExecuteJob(ctx, "j-enum", map[string]interface{}{"city": "Kyoto", "mode": "warp"})
	if err == nil || !strings.Contains(err.Error(), "not in the allowed set") {
		t.Errorf("expected enum error, got %v", err)
	}

	if _, err := ag.CreateJob("j-ok", "", worker.ID(), "", brief, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	result, err := ag.ExecuteJob(ctx, "j-ok", map[string]interface{}{"city": "Kyoto", "mode": "fast"})
	if err != nil {
		t.Fatalf("expected valid inputs to pass, got %v", err)
	}
	if result != "booked" {
		t.Errorf("expected job result %q, got %v", "booked", result)
	}
	if job, _ := ag.GetJob("j-ok"); job == nil || job.Status != JobStatusCompleted {
		t.Error("expected the job to complete")
	}
}

func TestAgency_JobErrorHandler(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	flaky := newTestAgent(t, "flaky", &scriptedProvider{failures: 100}, "Failing worker")
	if err := registry.Register(flaky); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	ag := newTestAgency(t, registry)
	ctx := context.Background()

	// A handler returning nil swallows the failure.
	if _, err := ag.CreateJob("h-swallow", "", flaky.ID(), "", &Brief{Objective: "Doomed"}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	var handledJob *Job
	ag.OnJobError("h-swallow", func(ctx context.Context, job *Job, jobErr error) error {
		handledJob = job
		return nil
	})
	result, err := ag.ExecuteJob(ctx, "h-swallow", nil)
	if err != nil {
		t.Fatalf("expected the handler to swallow the failure, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result for a swallowed failure, got %v", result)
	}
	if handledJob == nil || handledJob.Status != JobStatusFailed {
		t.Errorf("expected the handler to see the failed job, got %+v", handledJob)
	}
	if job, _ := ag.GetJob("h-swallow"); job == nil || job.Status != JobStatusFailed || job.Error == "" {
		t.Error("expected the job to stay failed with its error recorded")
	}

	// A handler returning an error replaces the propagated failure.
	if _, err := ag.CreateJob("h-rewrap", "", flaky.ID(), "", &Brief{Objective: "Doomed"}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	ag.OnJobError("h-rewrap", func(ctx context.Context, job *Job, jobErr error) error {
		return fmt.Errorf("handler rejected: %w", jobErr)
	})
	_, err = ag.ExecuteJob(ctx, "h-rewrap", nil)
	if err == nil || !strings.Contains(err.Error(), "handler rejected") {
		t.Errorf("expected the handler's error, got %v", err)
	}

	// Without a handler the failure propagates.
	if _, err := ag.CreateJob("h-none", "", flaky.ID(), "", &Brief{Objective: "Doomed"}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := ag.ExecuteJob(ctx, "h-none", nil); err == nil {
		t.Error("expected the unhandled failure to propagate")
	}
}

func TestAgency_RetryJob(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	flaky := newTestAgent(t, "flaky", &scriptedProvider{reply: "recovered", failures: 2}, "Flaky worker")
	doomed := newTestAgent(t, "doomed", &scriptedProvider{failures: 100}, "Failing worker")
	for _, a := range []*agents.Agent{flaky, doomed} {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	ag := newTestAgency(t, registry)
	ctx := context.Background()

	// Fails twice, succeeds on the third attempt.
	if _, err := ag.CreateJob("retry-ok", "", flaky.ID(), "", &Brief{Objective: "Flaky work"}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := ag.ExecuteJob(ctx, "retry-ok", nil); err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	if _, err := ag.RetryJob(ctx, "retry-ok"); err == nil {
		t.Fatal("expected the second attempt to fail")
	}
	result, err := ag.RetryJob(ctx, "retry-ok")
	if err != nil {
		t.Fatalf("expected the third attempt to succeed, got %v", err)
	}
	if result != "recovered" {
		t.Errorf("expected result %q, got %v", "recovered", result)
	}
	job, err := ag.GetJob("retry-ok")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.Status != JobStatusCompleted || job.Retries != 2 {
		t.Errorf("expected completed job with 2 retries, got %s with %d", job.Status, job.Retries)
	}

	// A completed job cannot be retried.
	if _, err := ag.RetryJob(ctx, "retry-ok"); err == nil || !strings.Contains(err.Error(), "only failed jobs") {
		t.Errorf("expected retry of a completed job to be rejected, got %v", err)
	}

	// The retry cap bounds re-executions.
	if _, err := ag.CreateJob("retry-cap", "", doomed.ID(), "", &Brief{Objective: "Doomed work"}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := ag.ExecuteJob(ctx, "retry-cap", nil); err == nil {
		t.Fatal("expected the job to fail")
	}
	for i := 0; i < DefaultMaxJobRetries; i++ {
		if _, err := ag.RetryJob(ctx, "retry-cap"); err == nil {
			t.Fatalf("expected retry %d to fail", i+1)
		}
	}
	if _, err := ag.RetryJob(ctx, "retry-cap"); err == nil || !strings.Contains(err.Error(), "retry cap") {
		t.Errorf("expected the retry cap to reject further retries, got %v", err)
	}
}

func TestAgency_ReplanFailedJob(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	prov := &scriptedProvider{
		reply:    `{"alternatives": [{"description": "Try a smaller query"}, {"description": "Use cached data"}]}`,
		failures: 1,
	}
	worker := newTestAgent(t, "worker", prov, "Worker")
	if err := registry.Register(worker); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	ag := newTestAgency(t, registry)
	ctx := context.Background()

	if _, err := ag.CreateJob("rp-1", "wf-rp", worker.ID(), "", &Brief{Objective: "Fetch the dataset"}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Replanning a job that has not failed is rejected.
	if _, err := ag.ReplanFailedJob(ctx, "rp-1", "nothing wrong"); err == nil {
		t.Error("expected replanning a pending job to be rejected")
	}

	if _, err := ag.ExecuteJob(ctx, "rp-1", nil); err == nil {
		t.Fatal("expected the job to fail")
	}

	replacements, err := ag.ReplanFailedJob(ctx, "rp-1", "upstream timeout")
	if err != nil {
		t.Fatalf("replanning failed: %v", err)
	}
	if len(replacements) != 2 {
		t.Fatalf("expected 2 replacement jobs, got %d", len(replacements))
	}

	wantObjectives := []string{"Try a smaller query", "Use cached data"}
	for i, replacement := range replacements {
		if replacement.Status != JobStatusPending {
			t.Errorf("expected replacement %d pending, got %s", i, replacement.Status)
		}
		if replacement.WorkflowID != "wf-rp" {
			t.Errorf("expected replacement %d in workflow wf-rp, got %q", i, replacement.WorkflowID)
		}
		if replacement.AssigneeID != worker.ID() {
			t.Errorf("expected replacement %d assigned to the original agent", i)
		}
		if replacement.Brief == nil || replacement.Brief.Objective != wantObjectives[i] {
			t.Errorf("expected replacement %d objective %q, got %+v", i, wantObjectives[i], replacement.Brief)
		}
		if _, err := ag.GetJob(replacement.ID); err != nil {
			t.Errorf("expected replacement %d to be tracked: %v", i, err)
		}
	}

	// The replanning prompt carries the objective and the failure reason.
	prompt := prov.lastPrompt()
	if !strings.Contains(prompt, "Fetch the dataset") || !strings.Contains(prompt, "upstream timeout") {
		t.Errorf("expected objective and failure reason in the replan prompt, got %q", prompt)
	}
}

func TestAgency_TeamJobs(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	alpha := newTestAgent(t, "alpha", &scriptedProvider{reply: "from-alpha"}, "Team member")
	beta := newTestAgent(t, "beta", &scriptedProvider{reply: "from-beta"}, "Team member")
	gamma := newTestAgent(t, "gamma", &scriptedProvider{failures: 100}, "Failing member")
	for _, a := range []*agents.Agent{alpha, beta, gamma} {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	ag := newTestAgency(t, registry)
	ctx := context.Background()

	if err := ag.RegisterTeam("duo", []string{alpha.ID(), beta.ID()}); err != nil {
		t.Fatalf("team registration failed: %v", err)
	}
	if err := ag.RegisterTeam("ghosts", []string{"missing"}); err == nil {
		t.Error("expected a team with unknown members to be rejected")
	}
	if _, err := ag.CreateJob("no-team", "", "phantom", AssigneeTeam, nil, nil); err == nil {
		t.Error("expected a job for an unknown team to be rejected")
	}

	if _, err := ag.CreateJob("team-job", "", "duo", AssigneeTeam, &Brief{Objective: "Summarize jointly"}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	result, err := ag.ExecuteJob(ctx, "team-job", nil)
	if err != nil {
		t.Fatalf("team job failed: %v", err)
	}
	combined, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a combined result map, got %T", result)
	}
	if combined[alpha.ID()] != "from-alpha" || combined[beta.ID()] != "from-beta" {
		t.Errorf("expected per-member outputs, got %v", combined)
	}

	// A single member failure fails the whole team job.
	if err := ag.RegisterTeam("trio", []string{alpha.ID(), gamma.ID()}); err != nil {
		t.Fatalf("team registration failed: %v", err)
	}
	if _, err := ag.CreateJob("team-fail", "", "trio", AssigneeTeam, &Brief{Objective: "Doomed"}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = ag.ExecuteJob(ctx, "team-fail", nil)
	if err == nil || !strings.Contains(err.Error(), "team member "+gamma.ID()) {
		t.Errorf("expected the failing member to be named, got %v", err)
	}
}

func TestAgency_UnassignedJobPicksAgent(t *testing.T) {
	o := New(Config{})
	worker := newTestAgent(t, "worker", &scriptedProvider{reply: "picked and done"}, "Only worker")
	if err := o.RegisterAgent(worker); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	ag, err := NewAgency(AgencyConfig{Orchestrator: o})
	if err != nil {
		t.Fatalf("failed to create agency: %v", err)
	}

	if _, err := ag.CreateJob("auto-1", "", "", "", &Brief{Objective: "Anything"}, nil); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	result, err := ag.ExecuteJob(context.Background(), "auto-1", nil)
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	if result != "picked and done" {
		t.Errorf("unexpected result %v", result)
	}
	job, err := ag.GetJob("auto-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.AssigneeID != worker.ID() {
		t.Errorf("expected the scorer to pick %s, got %q", worker.ID(), job.AssigneeID)
	}

	// Without an orchestrator an unassigned job is rejected at creation.
	plain := newTestAgency(t, agents.NewRegistry(events.NewBus()))
	if _, err := plain.CreateJob("auto-2", "", "", "", nil, nil); err == nil {
		t.Error("expected an unassigned job without an orchestrator to be rejected")
	}
}

func TestAgency_CleanupWorkflow(t *testing.T) {
	registry := agents.NewRegistry(events.NewBus())
	worker := newTestAgent(t, "worker", &scriptedProvider{reply: "cleaned work"}, "Worker")
	if err := registry.Register(worker); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	ag := newTestAgency(t, registry)
	ctx := context.Background()

	steps := []WorkflowStep{{JobID: "cl-1", AssigneeID: worker.ID()}}
	if _, err := ag.ExecuteWorkflow(ctx, steps, "wf-clean", nil); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	if err := ag.CleanupWorkflow(ctx, "wf-clean", true); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	if _, err := ag.GetWorkflow("wf-clean"); err == nil {
		t.Error("expected the execution record to be gone")
	}
	if _, err := ag.GetJob("cl-1"); err == nil {
		t.Error("expected the workflow's jobs to be gone")
	}

	keys, err := ag.Memory().Keys(ctx, WorkflowScope("wf-clean"))
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected an empty workflow scope, got %v", keys)
	}

	retained, ok, err := ag.Memory().Recall(ctx, ScopeGlobal, "workflow:wf-clean:results")
	if err != nil || !ok {
		t.Fatalf("expected retained results in global memory, got %v (found %v, err %v)", retained, ok, err)
	}
	if m, isMap := retained.(map[string]interface{}); !isMap || m["cl-1"] != "cleaned work" {
		t.Errorf("unexpected retained results %v", retained)
	}

	if err := ag.CleanupWorkflow(ctx, "wf-missing", false); err == nil {
		t.Error("expected cleanup of an unknown workflow to fail")
	}
}
