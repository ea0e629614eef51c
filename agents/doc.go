// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package agents implements worker agents and the machinery for tracking and
selecting them: the agent registry with heartbeat-based health monitoring,
and the multi-criteria scorer that ranks candidates for a task.

# Agents

An Agent wraps a generation provider, an optional tool registry, and a
short-term memory. It exposes three operations:

  - Run executes a task, detecting and executing structured tool calls in
    the model output, then synthesizing a final answer.
  - Reason produces an explained decision between options.
  - Plan decomposes a goal into subtasks with an execution sequence.

Agents publish lifecycle events (run_started, tool_calls_detected,
run_completed, run_error) on the event bus they were constructed with.

# Registry

The Registry tracks agents with registration order preserved, matches
capability queries by case-insensitive substring, and runs a periodic
health sweep: an agent whose last heartbeat is older than twice the sweep
interval is marked unhealthy. Health transitions publish agent_healthy and
agent_unhealthy events.

# Scorer

The Scorer ranks healthy candidates for a task across seven weighted
criteria (role match, keyword match, performance, load balance,
availability, experience, response time). Weights are configuration;
DefaultWeights reproduces the standard ranking profile.
*/
package agents
