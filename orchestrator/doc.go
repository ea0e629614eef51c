// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package orchestrator coordinates work across registered agents: single-task
delegation with retries and redelegation, goal-level planning, and
multi-step workflows.

# Delegation

DelegateTask hands one task to one agent and settles it through a retry
loop with exponential backoff. When an agent exhausts its attempts the
orchestrator can redelegate to the next best-scoring healthy agent. A
shared circuit breaker sheds load when delegations keep failing, and a
bounded queue caps how many tasks run concurrently.

# Orchestration

Orchestrate takes a free-form goal, asks a planner agent to break it into
subtasks, delegates each subtask to the best-matching agent, and asks the
planner to synthesize the outcomes into a final answer.

# Workflows

The Agency executes declared workflows: ordered steps assigned to agents
or teams, with sequential, parallel, and conditional step types, shared
per-workflow memory, and error handlers for replanning. Workflow
definitions can be loaded from YAML files.

# Observability

Delegations and workflows publish events on the shared bus, update
Prometheus metrics, and, when a database is configured, leave an audit
trail. The Server type exposes health, metrics, and the delegation,
orchestration, and workflow APIs over HTTP; Run assembles the whole
platform from a config file.
*/
package orchestrator
