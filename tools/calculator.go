// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"agentflow/platform/llm"
	"agentflow/platform/sdk"
	"agentflow/platform/shared/faults"
)

// Calculator evaluates arithmetic expressions with +, -, *, /, parentheses
// and unary minus
type Calculator struct{}

// NewCalculator creates the calculator tool
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Name returns "calculator"
func (c *Calculator) Name() string {
	return "calculator"
}

// Description returns the tool summary shown to the model
func (c *Calculator) Description() string {
	return "Evaluates an arithmetic expression. Supports +, -, *, /, parentheses and decimal numbers."
}

// Schema returns the parameter schema
func (c *Calculator) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        c.Name(),
		Description: c.Description(),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{
					"type":        "string",
					"description": "The arithmetic expression to evaluate, e.g. \"2 * (3 + 4)\"",
				},
			},
			"required": []string{"expression"},
		},
	}
}

// Call evaluates the expression parameter
func (c *Calculator) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	expr, err := stringParam(params, "expression")
	if err != nil {
		return nil, &sdk.NonRetryableError{Err: faults.NewValidationError("expression", err.Error())}
	}

	result, err := evaluate(expr)
	if err != nil {
		return nil, &sdk.NonRetryableError{Err: err}
	}

	return map[string]interface{}{
		"expression": expr,
		"result":     result,
	}, nil
}

// evaluate parses and evaluates an arithmetic expression using recursive
// descent: expr := term (('+'|'-') term)*, term := factor (('*'|'/')
// factor)*, factor := number | '(' expr ')' | '-' factor
func evaluate(expr string) (float64, error) {
	p := &exprParser{input: strings.TrimSpace(expr)}
	result, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return result, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}

	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++

		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}

	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++

		right, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	switch p.input[p.pos] {
	case '(':
		p.pos++
		result, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return result, nil
	case '-':
		p.pos++
		result, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -result, nil
	}

	return p.parseNumber()
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if (ch >= '0' && ch <= '9') || ch == '.' {
			p.pos++
			continue
		}
		break
	}

	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}

	value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", p.input[start:p.pos], err)
	}
	return value, nil
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}
