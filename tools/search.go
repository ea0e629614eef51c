// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"strings"

	"agentflow/platform/llm"
	"agentflow/platform/sdk"
	"agentflow/platform/shared/faults"
)

// Search answers queries from a canned document corpus so demos run
// without network access. Matching is case-insensitive substring over
// title and body.
type Search struct {
	corpus []searchDocument
}

type searchDocument struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NewSearch creates the search tool with the built-in corpus
func NewSearch() *Search {
	return &Search{corpus: builtinCorpus}
}

// Name returns "search"
func (s *Search) Name() string {
	return "search"
}

// Description returns the tool summary shown to the model
func (s *Search) Description() string {
	return "Searches a reference corpus and returns matching documents."
}

// Schema returns the parameter schema
func (s *Search) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        s.Name(),
		Description: s.Description(),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query",
				},
			},
			"required": []string{"query"},
		},
	}
}

// Call searches the corpus for the query
func (s *Search) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, &sdk.NonRetryableError{Err: faults.NewValidationError("query", err.Error())}
	}

	needle := strings.ToLower(query)
	var matches []searchDocument
	for _, doc := range s.corpus {
		if strings.Contains(strings.ToLower(doc.Title), needle) ||
			strings.Contains(strings.ToLower(doc.Body), needle) {
			matches = append(matches, doc)
		}
	}

	return map[string]interface{}{
		"query":   query,
		"count":   len(matches),
		"results": matches,
	}, nil
}

var builtinCorpus = []searchDocument{
	{
		Title: "Lisbon travel overview",
		Body:  "Lisbon is Portugal's hilly coastal capital, known for its tram network, pastel buildings, and the Belem Tower. Best visited in spring and early autumn.",
	},
	{
		Title: "Tokyo travel overview",
		Body:  "Tokyo mixes ultra-modern districts like Shibuya with historic temples such as Senso-ji. The rail network makes day trips to Hakone and Nikko straightforward.",
	},
	{
		Title: "Currency basics for travelers",
		Body:  "Portugal uses the euro. Japan uses the yen. Card acceptance is broad in both, but smaller restaurants in Japan often prefer cash.",
	},
	{
		Title: "Airline baggage allowances",
		Body:  "Most European carriers include one 8kg cabin bag. Checked baggage on economy fares is commonly 23kg; weight rather than piece rules apply.",
	},
	{
		Title: "Remote work visa options",
		Body:  "Portugal offers a digital nomad visa for remote workers meeting an income threshold. Japan introduced a six-month digital nomad visa in 2024.",
	},
}
