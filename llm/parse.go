// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxSnippetLen bounds the amount of raw model output echoed in ParseError
// messages
const maxSnippetLen = 120

// ParseError indicates free-form model output did not contain a usable
// structured payload
type ParseError struct {
	Reason  string
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("payload parse failed: %s", e.Reason)
	}
	return fmt.Sprintf("payload parse failed: %s (input: %q)", e.Reason, e.Snippet)
}

// ExtractPayload extracts a JSON object from free-form model output.
//
// The grammar is deliberately small: markdown code fences are stripped,
// the text is trimmed to its outermost '{' ... '}' pair, and the result
// must unmarshal as a JSON object. Anything else is a *ParseError.
func ExtractPayload(text string) (map[string]interface{}, error) {
	raw, err := extractRawObject(text)
	if err != nil {
		return nil, err
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, &ParseError{Reason: err.Error(), Snippet: snippet(raw)}
	}

	return payload, nil
}

// ExtractInto extracts a JSON object from free-form model output and
// unmarshals it into v
func ExtractInto(text string, v interface{}) error {
	raw, err := extractRawObject(text)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return &ParseError{Reason: err.Error(), Snippet: snippet(raw)}
	}

	return nil
}

// extractRawObject strips fences and trims to the outermost brace pair
func extractRawObject(text string) (string, error) {
	s := stripFences(strings.TrimSpace(text))

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "", &ParseError{Reason: "no JSON object found", Snippet: snippet(text)}
	}

	return s[start : end+1], nil
}

// stripFences removes the first markdown code fence pair, keeping its
// contents. An optional language tag on the opening fence line is dropped.
func stripFences(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}

	rest := s[start+3:]
	if nl := strings.Index(rest, "\n"); nl != -1 {
		// Drop the opening fence line when it carries only a language tag
		if !strings.Contains(rest[:nl], "{") {
			rest = rest[nl+1:]
		}
	}

	if end := strings.Index(rest, "```"); end != -1 {
		rest = rest[:end]
	}

	return strings.TrimSpace(rest)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxSnippetLen {
		return s[:maxSnippetLen] + "..."
	}
	return s
}
