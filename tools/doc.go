// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package tools provides the tool capability consumed by worker agents: a
Tool interface, a registry with per-call retry, and the built-in tools
shipped with the platform (search, calculator, datetime, flight-search,
hotel-search).

# Tools

A Tool exposes a name, a description, a parameter schema the model sees,
and a Call method:

	type Tool interface {
	    Name() string
	    Description() string
	    Schema() llm.ToolSchema
	    Call(ctx context.Context, params map[string]interface{}) (interface{}, error)
	}

# Registry

The Registry holds tools by name and executes calls under a bounded retry
budget. Exhausting the budget surfaces a *ToolExecutionError; worker agents
fold that error into the synthesized answer as text rather than failing the
run.

	reg := tools.NewRegistry()
	reg.Register(tools.NewCalculator())
	result, err := reg.Execute(ctx, "calculator", map[string]interface{}{
	    "expression": "2 * (3 + 4)",
	})

The built-in search and travel tools answer from canned datasets so demos
run without network access or API keys.
*/
package tools
