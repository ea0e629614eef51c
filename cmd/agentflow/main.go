// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the AgentFlow platform server.
//
// The server assembles an orchestrator, an agency, and the agents declared
// in the platform config, then serves the delegation, orchestration, and
// workflow APIs over HTTP.
//
// Usage:
//
//	./agentflow
//
// Environment Variables:
//
//	AGENTFLOW_CONFIG - path to a platform YAML file (default: built-in defaults)
//	AGENTFLOW_PORT - HTTP server port (default: 8080)
//	AGENTFLOW_LLM_PROVIDER - generation provider: mock or bedrock
//	AGENTFLOW_BEDROCK_REGION - AWS Bedrock region (optional)
//	AGENTFLOW_BEDROCK_MODEL - AWS Bedrock model id (optional)
//	AGENTFLOW_MEMORY_STORE - global memory backend: memory or redis
//	AGENTFLOW_REDIS_ADDR - Redis address when the store is redis
//	DATABASE_URL - PostgreSQL connection string for the audit trail (optional)
package main

import (
	"agentflow/platform/orchestrator"
)

func main() {
	orchestrator.Run()
}
