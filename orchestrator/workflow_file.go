// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkflowFile represents a complete workflow definition file following
// the Kubernetes-style apiVersion/kind pattern.
type WorkflowFile struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   WorkflowMetadata `yaml:"metadata"`
	Spec       WorkflowFileSpec `yaml:"spec"`
}

// WorkflowMetadata identifies and describes a workflow definition.
type WorkflowMetadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version"`
	Tags        []string `yaml:"tags"`
}

// WorkflowFileSpec holds the executable part of a workflow definition.
type WorkflowFileSpec struct {
	InitialData map[string]interface{} `yaml:"initialData"`
	Steps       []WorkflowStep         `yaml:"steps"`
}

// ValidStepTypes lists the allowed workflow step types.
var ValidStepTypes = map[string]bool{
	"":              true, // defaults to sequential
	StepSequential:  true,
	StepParallel:    true,
	StepConditional: true,
}

var identifierPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// LoadWorkflowFile loads and parses a workflow definition file.
func LoadWorkflowFile(path string) (*WorkflowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	return ParseWorkflowFile(data)
}

// ParseWorkflowFile parses YAML data into a WorkflowFile.
func ParseWorkflowFile(data []byte) (*WorkflowFile, error) {
	var wf WorkflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := ValidateWorkflowFile(&wf); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &wf, nil
}

// ValidateWorkflowFile validates a workflow definition for correctness.
func ValidateWorkflowFile(wf *WorkflowFile) error {
	if wf == nil {
		return fmt.Errorf("workflow is nil")
	}

	if !strings.HasPrefix(wf.APIVersion, "agentflow.io/") {
		return fmt.Errorf("invalid apiVersion: must start with 'agentflow.io/', got '%s'", wf.APIVersion)
	}

	if wf.Kind != "Workflow" {
		return fmt.Errorf("invalid kind: expected 'Workflow', got '%s'", wf.Kind)
	}

	if wf.Metadata.Name == "" {
		return fmt.Errorf("metadata validation failed: name is required")
	}
	if !identifierPattern.MatchString(wf.Metadata.Name) {
		return fmt.Errorf("metadata validation failed: name '%s' must be lowercase alphanumeric with hyphens", wf.Metadata.Name)
	}

	if len(wf.Spec.Steps) == 0 {
		return fmt.Errorf("spec validation failed: at least one step is required")
	}

	seenJobIDs := make(map[string]bool)
	for i, step := range wf.Spec.Steps {
		if err := validateWorkflowStep(&step, i, seenJobIDs); err != nil {
			return fmt.Errorf("step %d invalid: %w", i, err)
		}
	}

	return nil
}

func validateWorkflowStep(step *WorkflowStep, index int, seenJobIDs map[string]bool) error {
	if !ValidStepTypes[step.Type] {
		return fmt.Errorf("unknown type '%s': must be one of sequential, parallel, conditional", step.Type)
	}

	if step.JobID != "" {
		if seenJobIDs[step.JobID] {
			return fmt.Errorf("duplicate job id: %s", step.JobID)
		}
		seenJobIDs[step.JobID] = true
	}

	switch step.Type {
	case StepParallel:
		if len(step.Branches) == 0 {
			return fmt.Errorf("parallel step declares no branches")
		}
		for b, branch := range step.Branches {
			if branch.Type != "" && branch.Type != StepSequential {
				return fmt.Errorf("branch %d: branches must be sequential, got '%s'", b, branch.Type)
			}
			if branch.JobID != "" {
				if seenJobIDs[branch.JobID] {
					return fmt.Errorf("branch %d: duplicate job id: %s", b, branch.JobID)
				}
				seenJobIDs[branch.JobID] = true
			}
		}
	case StepConditional:
		if step.Condition == "" {
			return fmt.Errorf("conditional step declares no condition")
		}
	}

	if step.AssigneeType != "" && step.AssigneeType != AssigneeAgent && step.AssigneeType != AssigneeTeam {
		return fmt.Errorf("unknown assignee type '%s': must be agent or team", step.AssigneeType)
	}

	return nil
}
