// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package llm defines the generation-capability contract consumed by worker
agents, plus the structured-payload parser used to read JSON out of
free-form model output.

# Providers

A Provider turns a Request (system instruction, conversation contents,
declared tools, sampling options) into a Response made of parts. Each part
is either text or a structured tool call:

	resp, err := provider.Generate(ctx, &llm.Request{
	    SystemInstruction: persona,
	    Contents:          []llm.Message{{Role: llm.RoleUser, Content: input}},
	    Temperature:       0.7,
	    MaxTokens:         2048,
	})
	for _, call := range resp.ToolCalls() {
	    // execute call.Name with call.Args
	}

Tool schemas are declared ahead of a request with UpdateToolSchemas so the
model knows what it may invoke.

Concrete providers live in subpackages (bedrock). MockProvider is a
deterministic in-process provider for demos and tests; it needs no
credentials.

# Payload extraction

Models wrap JSON in prose and markdown fences. ExtractPayload strips the
fences, trims to the outermost brace pair and unmarshals, reporting
failures as *ParseError rather than silently returning partial data.
*/
package llm
