// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package agents

import (
	"fmt"
	"strings"
)

// Persona describes who an agent is and how it should behave. It is
// rendered into the system instruction of every generation request the
// agent makes.
type Persona struct {
	Role         string   `yaml:"role" json:"role"`
	Description  string   `yaml:"description" json:"description"`
	Goals        []string `yaml:"goals" json:"goals"`
	Instructions []string `yaml:"instructions" json:"instructions"`
}

// SystemInstruction renders the persona into a system prompt
func (p Persona) SystemInstruction(name string) string {
	var b strings.Builder

	role := p.Role
	if role == "" {
		role = "assistant"
	}
	fmt.Fprintf(&b, "You are %s, a %s.", name, role)

	if p.Description != "" {
		fmt.Fprintf(&b, " %s", p.Description)
	}

	if len(p.Goals) > 0 {
		b.WriteString("\n\nYour goals:")
		for _, goal := range p.Goals {
			fmt.Fprintf(&b, "\n- %s", goal)
		}
	}

	if len(p.Instructions) > 0 {
		b.WriteString("\n\nInstructions:")
		for _, instruction := range p.Instructions {
			fmt.Fprintf(&b, "\n- %s", instruction)
		}
	}

	return b.String()
}
