// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package tools

import (
	"context"
	"fmt"
	"time"

	"agentflow/platform/llm"
	"agentflow/platform/sdk"
	"agentflow/platform/shared/faults"
)

// dateLayout is the wire format for dates exchanged with the model
const dateLayout = "2006-01-02"

// DateTime answers date and time questions: current time, day-of-week,
// date arithmetic and differences
type DateTime struct {
	// now is swappable for tests
	now func() time.Time
}

// NewDateTime creates the datetime tool
func NewDateTime() *DateTime {
	return &DateTime{now: time.Now}
}

// Name returns "datetime"
func (d *DateTime) Name() string {
	return "datetime"
}

// Description returns the tool summary shown to the model
func (d *DateTime) Description() string {
	return "Date and time operations: 'now', 'weekday', 'add_days', 'diff_days'. Dates use YYYY-MM-DD."
}

// Schema returns the parameter schema
func (d *DateTime) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        d.Name(),
		Description: d.Description(),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"operation": map[string]interface{}{
					"type": "string",
					"enum": []string{"now", "weekday", "add_days", "diff_days"},
				},
				"date": map[string]interface{}{
					"type":        "string",
					"description": "Input date (YYYY-MM-DD), required for weekday and add_days",
				},
				"end_date": map[string]interface{}{
					"type":        "string",
					"description": "End date (YYYY-MM-DD), required for diff_days",
				},
				"days": map[string]interface{}{
					"type":        "number",
					"description": "Number of days to add, for add_days",
				},
			},
			"required": []string{"operation"},
		},
	}
}

// Call executes the requested date operation
func (d *DateTime) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	operation, err := stringParam(params, "operation")
	if err != nil {
		return nil, &sdk.NonRetryableError{Err: faults.NewValidationError("operation", err.Error())}
	}

	switch operation {
	case "now":
		current := d.now().UTC()
		return map[string]interface{}{
			"date":    current.Format(dateLayout),
			"time":    current.Format("15:04:05"),
			"weekday": current.Weekday().String(),
		}, nil

	case "weekday":
		date, err := d.parseDate(params, "date")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"date":    date.Format(dateLayout),
			"weekday": date.Weekday().String(),
		}, nil

	case "add_days":
		date, err := d.parseDate(params, "date")
		if err != nil {
			return nil, err
		}
		days := int(numberParam(params, "days", 0))
		result := date.AddDate(0, 0, days)
		return map[string]interface{}{
			"date":    result.Format(dateLayout),
			"weekday": result.Weekday().String(),
		}, nil

	case "diff_days":
		start, err := d.parseDate(params, "date")
		if err != nil {
			return nil, err
		}
		end, err := d.parseDate(params, "end_date")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"days": int(end.Sub(start).Hours() / 24),
		}, nil
	}

	return nil, &sdk.NonRetryableError{
		Err: faults.NewValidationError("operation", fmt.Sprintf("unknown operation '%s'", operation)),
	}
}

func (d *DateTime) parseDate(params map[string]interface{}, key string) (time.Time, error) {
	raw, err := stringParam(params, key)
	if err != nil {
		return time.Time{}, &sdk.NonRetryableError{Err: faults.NewValidationError(key, err.Error())}
	}
	date, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, &sdk.NonRetryableError{
			Err: faults.NewValidationError(key, fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", raw)),
		}
	}
	return date, nil
}
