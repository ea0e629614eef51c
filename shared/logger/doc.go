// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging with workflow correlation
for AgentFlow components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (agents, orchestrator, etc.)
  - Instance ID and container name (for distributed tracing)
  - Workflow ID (for workflow correlation)
  - Task ID (for task correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("orchestrator")

Log messages with workflow and task context:

	log.Info("wf-123", "task-456", "Delegating task", map[string]interface{}{
	    "agent_id": "researcher",
	    "attempt":  1,
	})

Log errors attributed to an agent:

	log.ErrorWithAgent("wf-123", "task-456", "Delegation failed", "researcher", err, nil)

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("wf-123", "task-456", "Task completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"orchestrator","instance_id":"i-abc123","container":"orch-xyz",
	 "workflow_id":"wf-123","task_id":"task-456",
	 "message":"Delegating task","fields":{"agent_id":"researcher"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
