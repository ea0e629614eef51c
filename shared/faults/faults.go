// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

// Package faults defines the error types shared across AgentFlow components.
// Component-specific failures (circuit-open, exhausted retries, generation
// and tool errors) live next to the components that raise them; this package
// holds only the cross-cutting kinds every layer reports.
package faults

import "fmt"

// ConfigurationError indicates a component was constructed without a
// required field or with an invalid value.
type ConfigurationError struct {
	Component string
	Field     string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: invalid configuration for %q: %s", e.Component, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: missing required configuration field %q", e.Component, e.Field)
}

// NewConfigurationError creates a ConfigurationError for a missing or
// invalid construction field.
func NewConfigurationError(component, field, reason string) *ConfigurationError {
	return &ConfigurationError{Component: component, Field: field, Reason: reason}
}

// NotFoundError indicates a lookup by id failed. Resource names the kind of
// thing looked up (agent, job, workflow, scope, tool).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// NewNotFoundError creates a NotFoundError for the given resource kind and id.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError indicates data failed a declared schema or shape check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
