// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

// Package store provides the scoped key-value storage behind workflow and
// agent memory.
//
// A Store keeps values under (scope, key) pairs. Scopes isolate workflows
// and agents from each other and from the global scope, and can be dropped
// wholesale when a workflow is cleaned up. Two implementations ship with the
// platform:
//
//   - MemoryStore: process-local, used by default.
//   - RedisStore: shared across processes, values serialized as JSON. Note
//     that JSON round-tripping turns all numbers into float64.
package store
