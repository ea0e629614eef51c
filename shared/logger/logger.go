// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging with workflow/task correlation
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry represents a structured log entry. WorkflowID and TaskID tie an
// entry to the orchestration run that produced it so log streams from
// concurrent workflows can be separated downstream.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Get instance ID from environment (set during deployment)
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	// Get container name from hostname
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, workflowID, taskID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		WorkflowID: workflowID,
		TaskID:     taskID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	// Write JSON log to stdout (Docker will capture this)
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(workflowID, taskID, message string, fields map[string]interface{}) {
	l.Log(INFO, workflowID, taskID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(workflowID, taskID, message string, fields map[string]interface{}) {
	l.Log(ERROR, workflowID, taskID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(workflowID, taskID, message string, fields map[string]interface{}) {
	l.Log(WARN, workflowID, taskID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(workflowID, taskID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, workflowID, taskID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(workflowID, taskID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(workflowID, taskID, message, fields)
}

// ErrorWithAgent logs an error attributed to a specific agent
func (l *Logger) ErrorWithAgent(workflowID, taskID, message, agentID string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["agent_id"] = agentID
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(workflowID, taskID, message, fields)
}
