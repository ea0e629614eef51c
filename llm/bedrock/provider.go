// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

// Package bedrock implements llm.Provider on AWS Bedrock using the AWS SDK
// v2 runtime client, with AWS Signature V4 authentication via IAM roles.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"agentflow/platform/llm"
)

const (
	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"
	// DefaultModel is used when no model id is configured.
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	defaultMaxTokens = 1024
)

// ModelInvoker is the slice of the bedrockruntime client the provider uses.
// Tests substitute a stub.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider calls Bedrock-hosted models. Request bodies are shaped per model
// family (anthropic messages, amazon titan, meta llama).
type Provider struct {
	client ModelInvoker
	region string
	model  string

	mu      sync.Mutex
	healthy bool
	schemas []llm.ToolSchema
}

// New creates a Bedrock provider from the ambient AWS configuration.
// Returns an error if AWS config loading fails; callers should handle this
// rather than silently falling back to mock.
func New(region, model string) (*Provider, error) {
	if region == "" {
		region = DefaultRegion
	}
	if model == "" {
		model = DefaultModel
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}

	log.Printf("[Bedrock] initialized (region: %s, model: %s)", region, model)
	return &Provider{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		region:  region,
		model:   model,
		healthy: true,
	}, nil
}

// Name returns "bedrock"
func (p *Provider) Name() string {
	return "bedrock"
}

// Healthy reports whether the last invocation succeeded.
func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy && p.region != ""
}

// UpdateToolSchemas stores the declared tool schemas. Only the anthropic
// model family receives them; titan and llama bodies have no tools field.
func (p *Provider) UpdateToolSchemas(schemas []llm.ToolSchema) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas = schemas
}

// Generate invokes the configured model with a body shaped for its family
// and maps the family-specific response back onto llm.Response parts.
func (p *Provider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	start := time.Now()

	family := modelFamily(p.model)
	body, err := p.buildRequestBody(family, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		p.setHealthy(false)
		log.Printf("[Bedrock] API call failed: %v", err)
		return nil, fmt.Errorf("bedrock API error: %w", err)
	}
	p.setHealthy(true)

	resp, err := parseResponseBody(family, output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	resp.Model = p.model
	resp.ResponseTime = time.Since(start)
	return resp, nil
}

func (p *Provider) setHealthy(ok bool) {
	p.mu.Lock()
	p.healthy = ok
	p.mu.Unlock()
}

func (p *Provider) buildRequestBody(family string, req *llm.Request) (map[string]interface{}, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	switch family {
	case "anthropic":
		messages := make([]map[string]string, 0, len(req.Contents))
		for _, msg := range req.Contents {
			role := msg.Role
			if role == "" {
				role = "user"
			}
			messages = append(messages, map[string]string{"role": role, "content": msg.Content})
		}
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       req.Temperature,
			"messages":          messages,
		}
		if req.SystemInstruction != "" {
			body["system"] = req.SystemInstruction
		}
		if tools := p.anthropicTools(); len(tools) > 0 {
			body["tools"] = tools
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": flattenPrompt(req),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      flattenPrompt(req),
			"max_gen_len": maxTokens,
			"temperature": req.Temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
}

func (p *Provider) anthropicTools() []map[string]interface{} {
	p.mu.Lock()
	schemas := p.schemas
	p.mu.Unlock()

	tools := make([]map[string]interface{}, 0, len(schemas))
	for _, s := range schemas {
		params := s.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object"}
		}
		tools = append(tools, map[string]interface{}{
			"name":         s.Name,
			"description":  s.Description,
			"input_schema": params,
		})
	}
	return tools
}

// flattenPrompt folds a chat request into the single prompt string the
// titan and llama bodies expect.
func flattenPrompt(req *llm.Request) string {
	var b strings.Builder
	if req.SystemInstruction != "" {
		b.WriteString(req.SystemInstruction)
	}
	for _, msg := range req.Contents {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if msg.Role != "" && msg.Role != "user" {
			b.WriteString(msg.Role)
			b.WriteString(": ")
		}
		b.WriteString(msg.Content)
	}
	return b.String()
}

func parseResponseBody(family string, body []byte) (*llm.Response, error) {
	switch family {
	case "anthropic":
		return parseAnthropicResponse(body)
	case "amazon":
		return parseTitanResponse(body)
	case "meta":
		return parseLlamaResponse(body)
	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
}

func parseAnthropicResponse(body []byte) (*llm.Response, error) {
	var resp struct {
		Content []struct {
			Type  string                 `json:"type"`
			Text  string                 `json:"text"`
			Name  string                 `json:"name"`
			Input map[string]interface{} `json:"input"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	parts := make([]llm.Part, 0, len(resp.Content))
	for _, block := range resp.Content {
		switch block.Type {
		case "tool_use":
			parts = append(parts, llm.Part{ToolCall: &llm.ToolCall{Name: block.Name, Args: block.Input}})
		default:
			if block.Text != "" {
				parts = append(parts, llm.Part{Text: block.Text})
			}
		}
	}
	return &llm.Response{
		Parts:      parts,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

func parseTitanResponse(body []byte) (*llm.Response, error) {
	var resp struct {
		Results []struct {
			OutputText string `json:"outputText"`
			TokenCount int    `json:"tokenCount"`
		} `json:"results"`
		InputTextTokenCount int `json:"inputTextTokenCount"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	content := ""
	outputTokens := 0
	if len(resp.Results) > 0 {
		content = resp.Results[0].OutputText
		outputTokens = resp.Results[0].TokenCount
	}
	return &llm.Response{
		Parts:      []llm.Part{{Text: content}},
		TokensUsed: resp.InputTextTokenCount + outputTokens,
	}, nil
}

func parseLlamaResponse(body []byte) (*llm.Response, error) {
	var resp struct {
		Generation       string `json:"generation"`
		PromptTokenCount int    `json:"prompt_token_count"`
		GenTokenCount    int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &llm.Response{
		Parts:      []llm.Part{{Text: resp.Generation}},
		TokensUsed: resp.PromptTokenCount + resp.GenTokenCount,
	}, nil
}

// inferenceProfilePrefixes are the known Bedrock inference profile prefixes.
var inferenceProfilePrefixes = []string{"eu", "us", "apac", "global"}

// supportedFamilies are the model families this provider can shape bodies for.
var supportedFamilies = []string{"anthropic", "amazon", "meta"}

// modelFamily extracts the model family from a model id. Standard ids look
// like "anthropic.claude-3-5-sonnet-20240620-v1:0"; inference profile ids
// carry a regional prefix, e.g. "us.anthropic.claude-sonnet-4-5-...".
func modelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}

	first := segments[0]
	for _, prefix := range inferenceProfilePrefixes {
		if first == prefix {
			return validFamily(segments[1])
		}
	}
	return validFamily(first)
}

func validFamily(family string) string {
	for _, supported := range supportedFamilies {
		if family == supported {
			return family
		}
	}
	return ""
}
