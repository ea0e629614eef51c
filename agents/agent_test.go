// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agentflow/platform/llm"
	"agentflow/platform/sdk"
	"agentflow/platform/shared/events"
	"agentflow/platform/shared/faults"
	"agentflow/platform/tools"
)

// stubProvider is a scriptable generation provider for tests. Each call to
// Generate pops the next queued response (or error) and records the request.
type stubProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []*llm.Request
	schemas   []llm.ToolSchema
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Healthy() bool { return true }

func (p *stubProvider) UpdateToolSchemas(schemas []llm.ToolSchema) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas = schemas
}

func (p *stubProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	call := len(p.requests) - 1

	if call < len(p.errs) && p.errs[call] != nil {
		return nil, p.errs[call]
	}
	if call < len(p.responses) {
		return p.responses[call], nil
	}
	return textResponse("ok"), nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *stubProvider) request(i int) *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func textResponse(text string) *llm.Response {
	return &llm.Response{Parts: []llm.Part{{Text: text}}, TokensUsed: 10}
}

func toolCallResponse(name string, args map[string]interface{}) *llm.Response {
	return &llm.Response{
		Parts:      []llm.Part{{ToolCall: &llm.ToolCall{Name: name, Args: args}}},
		TokensUsed: 10,
	}
}

// echoTool returns its "text" parameter, or fails when told to.
type echoTool struct {
	fail bool
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input" }

func (e *echoTool) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "echo",
		Description: "echoes its input",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
		},
	}
}

func (e *echoTool) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if e.fail {
		return nil, &sdk.NonRetryableError{Err: errors.New("echo unavailable")}
	}
	return params["text"], nil
}

func newTestAgent(t *testing.T, provider llm.Provider) *Agent {
	t.Helper()
	a, err := New(Config{
		Name:     "researcher",
		Persona:  Persona{Role: "research analyst", Description: "digs up facts"},
		Provider: provider,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return a
}

func TestNew_Validation(t *testing.T) {
	var confErr *faults.ConfigurationError

	_, err := New(Config{Provider: &stubProvider{}})
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError for missing name, got %v", err)
	}
	if confErr.Field != "name" {
		t.Errorf("expected field 'name', got '%s'", confErr.Field)
	}

	_, err = New(Config{Name: "researcher"})
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError for missing provider, got %v", err)
	}
	if confErr.Field != "provider" {
		t.Errorf("expected field 'provider', got '%s'", confErr.Field)
	}
}

func TestNew_Defaults(t *testing.T) {
	a := newTestAgent(t, &stubProvider{})

	if a.ID() == "" {
		t.Error("expected generated id")
	}
	if a.Status() != StatusIdle {
		t.Errorf("expected status idle, got %s", a.Status())
	}
	if a.CurrentLoad() != 0 {
		t.Errorf("expected zero load, got %d", a.CurrentLoad())
	}
	if rate := a.Metrics().SuccessRate; rate != 1.0 {
		t.Errorf("expected initial success rate 1.0, got %f", rate)
	}
}

func TestAgent_Run_Text(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{textResponse("Lisbon in spring")}}
	a := newTestAgent(t, provider)

	result, err := a.Run(context.Background(), "suggest a destination", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Output != "Lisbon in spring" {
		t.Errorf("expected output 'Lisbon in spring', got '%s'", result.Output)
	}
	if a.Status() != StatusIdle {
		t.Errorf("expected status idle after run, got %s", a.Status())
	}
	if len(a.History()) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(a.History()))
	}
}

func TestAgent_Run_ChainOfThought(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{
		textResponse(`{"reasoning": ["compare climates", "check prices"], "answer": "Lisbon"}`),
	}}
	a := newTestAgent(t, provider)

	result, err := a.Run(context.Background(), "suggest a destination", nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Output != "Lisbon" {
		t.Errorf("expected answer 'Lisbon', got '%s'", result.Output)
	}
	if result.Structured == nil {
		t.Fatal("expected structured payload")
	}
	steps, ok := result.Structured["reasoning"].([]interface{})
	if !ok || len(steps) != 2 {
		t.Errorf("expected 2 reasoning steps, got %v", result.Structured["reasoning"])
	}

	// The scaffold must be part of the prompt
	if !strings.Contains(provider.request(0).Contents[0].Content, "Think step by step") {
		t.Error("expected chain-of-thought scaffold in prompt")
	}
}

func TestAgent_Run_ChainOfThoughtMalformed(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{textResponse("no structure here")}}
	a := newTestAgent(t, provider)

	_, err := a.Run(context.Background(), "suggest a destination", nil, true)

	var parseErr *llm.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if a.Status() != StatusError {
		t.Errorf("expected status error, got %s", a.Status())
	}
}

func TestAgent_Run_TaskContext(t *testing.T) {
	provider := &stubProvider{}
	a := newTestAgent(t, provider)

	_, err := a.Run(context.Background(), "book it", map[string]interface{}{"city": "Lisbon"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt := provider.request(0).Contents[0].Content
	if !strings.Contains(prompt, "Task context:") || !strings.Contains(prompt, "Lisbon") {
		t.Errorf("expected task context in prompt, got '%s'", prompt)
	}
}

func TestAgent_Run_ToolCalls(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(&echoTool{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	provider := &stubProvider{responses: []*llm.Response{
		toolCallResponse("echo", map[string]interface{}{"text": "hello"}),
		textResponse("the echo said hello"),
	}}

	a, err := New(Config{Name: "researcher", Provider: provider, Tools: registry})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := a.Run(context.Background(), "use the echo tool", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Output != "the echo said hello" {
		t.Errorf("expected synthesized output, got '%s'", result.Output)
	}
	if len(result.ToolResults) != 1 {
		t.Fatalf("expected 1 tool result, got %d", len(result.ToolResults))
	}
	if result.ToolResults[0].Result != "hello" {
		t.Errorf("expected tool result 'hello', got %v", result.ToolResults[0].Result)
	}

	// Second call is the synthesis request carrying the tool transcript
	if provider.callCount() != 2 {
		t.Fatalf("expected 2 generation calls, got %d", provider.callCount())
	}
	synthesis := provider.request(1)
	found := false
	for _, msg := range synthesis.Contents {
		if msg.Role == llm.RoleTool && strings.Contains(msg.Content, "Tool results:") {
			found = true
		}
	}
	if !found {
		t.Error("expected tool transcript in synthesis request")
	}

	// Schemas must be declared before the first call
	if len(provider.schemas) != 1 || provider.schemas[0].Name != "echo" {
		t.Errorf("expected echo schema declared, got %v", provider.schemas)
	}
}

func TestAgent_Run_ToolFailureFolded(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(&echoTool{fail: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	provider := &stubProvider{responses: []*llm.Response{
		toolCallResponse("echo", map[string]interface{}{"text": "hello"}),
		textResponse("could not echo"),
	}}

	a, err := New(Config{Name: "researcher", Provider: provider, Tools: registry})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := a.Run(context.Background(), "use the echo tool", nil, false)
	if err != nil {
		t.Fatalf("expected tool failure to be folded, got run error: %v", err)
	}

	if len(result.ToolResults) != 1 {
		t.Fatalf("expected 1 tool result, got %d", len(result.ToolResults))
	}
	if result.ToolResults[0].Error == "" {
		t.Error("expected tool outcome to carry the error text")
	}
	if a.Status() != StatusIdle {
		t.Errorf("expected status idle, got %s", a.Status())
	}
}

func TestAgent_Run_GenerationError(t *testing.T) {
	provider := &stubProvider{errs: []error{errors.New("model overloaded")}}
	a := newTestAgent(t, provider)

	_, err := a.Run(context.Background(), "suggest a destination", nil, false)

	var genErr *llm.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if a.Status() != StatusError {
		t.Errorf("expected status error, got %s", a.Status())
	}
	if len(a.History()) != 0 {
		t.Error("expected no history entry for a failed run")
	}
}

func TestAgent_Run_Events(t *testing.T) {
	bus := events.NewBus()
	var seen []events.Type
	bus.SubscribeAll(func(evt events.Event) {
		seen = append(seen, evt.Type)
	})

	provider := &stubProvider{responses: []*llm.Response{textResponse("done")}}
	a, err := New(Config{Name: "researcher", Provider: provider, Bus: bus})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := a.Run(context.Background(), "task", nil, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []events.Type{events.RunStarted, events.RunCompleted}
	if len(seen) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(seen), seen)
	}
	for i, typ := range want {
		if seen[i] != typ {
			t.Errorf("event %d: expected %s, got %s", i, typ, seen[i])
		}
	}
}

func TestAgent_Run_ErrorEvent(t *testing.T) {
	bus := events.NewBus()
	var seen []events.Type
	bus.SubscribeAll(func(evt events.Event) {
		seen = append(seen, evt.Type)
	})

	provider := &stubProvider{errs: []error{errors.New("boom")}}
	a, err := New(Config{Name: "researcher", Provider: provider, Bus: bus})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := a.Run(context.Background(), "task", nil, false); err == nil {
		t.Fatal("expected error")
	}

	want := []events.Type{events.RunStarted, events.RunError}
	if len(seen) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(seen), seen)
	}
	for i, typ := range want {
		if seen[i] != typ {
			t.Errorf("event %d: expected %s, got %s", i, typ, seen[i])
		}
	}
}

func TestAgent_MemoryExcerpt(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{
		textResponse("first"),
		textResponse("second"),
	}}
	a := newTestAgent(t, provider)

	if _, err := a.Run(context.Background(), "task one", nil, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Run(context.Background(), "task two", nil, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Second prompt carries the first run's history
	prompt := provider.request(1).Contents[0].Content
	if !strings.Contains(prompt, "Relevant previous work:") {
		t.Error("expected history excerpt in second prompt")
	}
	if !strings.Contains(prompt, "task one") {
		t.Error("expected first input in history excerpt")
	}
}

func TestAgent_Reason(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{
		textResponse(`{"steps": ["weigh cost", "weigh speed"], "decision": "option B for speed"}`),
	}}
	a := newTestAgent(t, provider)

	reasoning, err := a.Reason(context.Background(), []string{"option A", "option B"}, "pick the fastest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(reasoning.Steps) != 2 {
		t.Errorf("expected 2 steps, got %d", len(reasoning.Steps))
	}
	if reasoning.Decision != "option B for speed" {
		t.Errorf("unexpected decision '%s'", reasoning.Decision)
	}
	if a.Status() != StatusIdle {
		t.Errorf("expected status idle, got %s", a.Status())
	}
}

func TestAgent_Reason_Error(t *testing.T) {
	provider := &stubProvider{errs: []error{errors.New("boom")}}
	a := newTestAgent(t, provider)

	_, err := a.Reason(context.Background(), []string{"option A"}, "criteria")
	if err == nil {
		t.Fatal("expected error")
	}
	if a.Status() != StatusError {
		t.Errorf("expected status error, got %s", a.Status())
	}
}

func TestAgent_Plan(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{
		textResponse(`{"subTasks": [{"id": "task-1", "description": "research", "role": "researcher"}, {"id": "task-2", "description": "write", "role": "writer"}], "sequence": ["task-1", "task-2"]}`),
	}}
	a := newTestAgent(t, provider)

	plan, err := a.Plan(context.Background(), "write a travel report")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan.SubTasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(plan.SubTasks))
	}
	if plan.SubTasks[0].Role != "researcher" {
		t.Errorf("expected role 'researcher', got '%s'", plan.SubTasks[0].Role)
	}
	if len(plan.Sequence) != 2 || plan.Sequence[0] != "task-1" {
		t.Errorf("unexpected sequence %v", plan.Sequence)
	}
	if a.Status() != StatusIdle {
		t.Errorf("expected status idle, got %s", a.Status())
	}
}

func TestAgent_Plan_DefaultSequence(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{
		textResponse(`{"subTasks": [{"id": "task-1", "description": "research"}, {"id": "task-2", "description": "write"}]}`),
	}}
	a := newTestAgent(t, provider)

	plan, err := a.Plan(context.Background(), "write a travel report")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan.Sequence) != 2 || plan.Sequence[0] != "task-1" || plan.Sequence[1] != "task-2" {
		t.Errorf("expected sequence defaulted to subtask order, got %v", plan.Sequence)
	}
}

func TestAgent_Plan_Empty(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{
		textResponse(`{"subTasks": []}`),
	}}
	a := newTestAgent(t, provider)

	_, err := a.Plan(context.Background(), "write a travel report")

	var parseErr *llm.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for empty plan, got %v", err)
	}
	if a.Status() != StatusError {
		t.Errorf("expected status error, got %s", a.Status())
	}
}

func TestAgent_ProposeAlternatives(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{
		textResponse(`{"alternatives": [{"description": "try the cache"}, {"description": "query the replica"}, {"description": "ask support"}, {"description": "give up"}]}`),
	}}
	a := newTestAgent(t, provider)

	alts, err := a.ProposeAlternatives(context.Background(), "query the primary", "primary unreachable")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(alts) != 3 {
		t.Errorf("expected alternatives capped at 3, got %d", len(alts))
	}
	if alts[0] != "try the cache" {
		t.Errorf("unexpected first alternative '%s'", alts[0])
	}
}

func TestAgent_ProposeAlternatives_Empty(t *testing.T) {
	provider := &stubProvider{responses: []*llm.Response{
		textResponse(`{"alternatives": []}`),
	}}
	a := newTestAgent(t, provider)

	_, err := a.ProposeAlternatives(context.Background(), "task", "reason")
	if err == nil {
		t.Fatal("expected error for empty alternatives")
	}
}

func TestAgent_LoadTracking(t *testing.T) {
	a := newTestAgent(t, &stubProvider{})

	a.IncrementLoad()
	a.IncrementLoad()
	if a.CurrentLoad() != 2 {
		t.Errorf("expected load 2, got %d", a.CurrentLoad())
	}

	a.DecrementLoad()
	a.DecrementLoad()
	a.DecrementLoad()
	if a.CurrentLoad() != 0 {
		t.Errorf("expected load floored at 0, got %d", a.CurrentLoad())
	}
}

func TestAgent_RecordTaskResult(t *testing.T) {
	a := newTestAgent(t, &stubProvider{})

	a.RecordTaskResult(100*time.Millisecond, true)
	a.RecordTaskResult(300*time.Millisecond, true)
	a.RecordTaskResult(0, false)

	m := a.Metrics()
	if m.TasksCompleted != 2 {
		t.Errorf("expected 2 completed tasks, got %d", m.TasksCompleted)
	}
	if want := 2.0 / 3.0; m.SuccessRate < want-0.001 || m.SuccessRate > want+0.001 {
		t.Errorf("expected success rate %.3f, got %.3f", want, m.SuccessRate)
	}
	if m.AverageExecutionTime != 200*time.Millisecond {
		t.Errorf("expected average 200ms, got %s", m.AverageExecutionTime)
	}
}

func TestAgent_Info(t *testing.T) {
	a, err := New(Config{
		Name:         "researcher",
		Persona:      Persona{Description: "digs up facts"},
		Capabilities: []string{"research", "analysis"},
		Provider:     &stubProvider{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info := a.Info()
	if info.Name != "researcher" {
		t.Errorf("expected name 'researcher', got '%s'", info.Name)
	}
	if len(info.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %d", len(info.Capabilities))
	}
	if info.Status != StatusIdle {
		t.Errorf("expected status idle, got %s", info.Status)
	}
}

func TestPersona_SystemInstruction(t *testing.T) {
	p := Persona{
		Role:         "travel planner",
		Description:  "plans trips end to end",
		Goals:        []string{"minimize cost"},
		Instructions: []string{"always confirm dates"},
	}

	instruction := p.SystemInstruction("atlas")
	for _, fragment := range []string{"atlas", "travel planner", "minimize cost", "always confirm dates"} {
		if !strings.Contains(instruction, fragment) {
			t.Errorf("expected system instruction to contain '%s'", fragment)
		}
	}
}

func TestPersona_SystemInstruction_DefaultRole(t *testing.T) {
	instruction := Persona{}.SystemInstruction("atlas")
	if !strings.Contains(instruction, "assistant") {
		t.Errorf("expected default role 'assistant', got '%s'", instruction)
	}
}
