package model

import (
	"fmt"
	"time"
)

// DefinitionStatus is the deployment lifecycle state of a process definition.
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionInactive DefinitionStatus = "inactive"
	DefinitionArchived DefinitionStatus = "archived"
)

// definitionTransitions lists the allowed status moves.  Archived is terminal.
var definitionTransitions = map[DefinitionStatus][]DefinitionStatus{
	DefinitionDraft:    {DefinitionActive, DefinitionArchived},
	DefinitionActive:   {DefinitionInactive, DefinitionArchived},
	DefinitionInactive: {DefinitionActive, DefinitionArchived},
}

// CanTransition reports whether a definition may move from its current status
// to the target status.
func (s DefinitionStatus) CanTransition(to DefinitionStatus) bool {
	for _, allowed := range definitionTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

type (
	// ProcessDefinition is the deployable template describing a workflow
	// graph.  Once deployed (status active) the graph and per-node
	// configuration are immutable; changes require a new version.
	ProcessDefinition struct {
		// Source provides information about the origin of the definition
		Source *Source `json:"source,omitempty" yaml:"source,omitempty"`

		ID string `json:"id" yaml:"id"`

		// Name is the unique identifier for the definition within its tenant
		Name string `json:"name" yaml:"name"`

		Description string `json:"description,omitempty" yaml:"description,omitempty"`

		Version int `json:"version" yaml:"version"`

		Category string `json:"category,omitempty" yaml:"category,omitempty"`

		Status DefinitionStatus `json:"status" yaml:"status"`

		// Graph defines the execution structure of the definition
		Graph *Graph `json:"graph" yaml:"graph"`

		// Variables declare the inputs an instance accepts
		Variables []*VariableDecl `json:"variables,omitempty" yaml:"variables,omitempty"`

		// Config contains definition-level configuration
		Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

		CreatedBy string    `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
		CreatedAt time.Time `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
		UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
	}

	// VariableDecl declares one instance input variable.
	VariableDecl struct {
		Name     string      `json:"name" yaml:"name"`
		Type     string      `json:"type,omitempty" yaml:"type,omitempty"`
		Required bool        `json:"required,omitempty" yaml:"required,omitempty"`
		Default  interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	}

	Source struct {
		URL string `json:"url,omitempty" yaml:"url,omitempty"`
	}
)

// Validate checks static properties of the definition.  The returned slice is
// empty when the definition is sound.
func (d *ProcessDefinition) Validate() []error {
	var issues []error
	if d.Name == "" {
		issues = append(issues, fmt.Errorf("definition name is empty"))
	}
	if d.Graph == nil {
		return append(issues, fmt.Errorf("definition %s has no graph", d.Name))
	}
	issues = append(issues, d.Graph.Validate()...)

	seen := map[string]bool{}
	for _, variable := range d.Variables {
		if variable.Name == "" {
			issues = append(issues, fmt.Errorf("definition %s declares a variable with empty name", d.Name))
			continue
		}
		if seen[variable.Name] {
			issues = append(issues, fmt.Errorf("definition %s declares variable %s twice", d.Name, variable.Name))
		}
		seen[variable.Name] = true
	}
	return issues
}

// ApplyDefaults merges declared variable defaults into the supplied input
// map, returning a new map.  Explicit input values win.
func (d *ProcessDefinition) ApplyDefaults(input map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(input)+len(d.Variables))
	for _, variable := range d.Variables {
		if variable.Default != nil {
			out[variable.Name] = variable.Default
		}
	}
	for k, v := range input {
		out[k] = v
	}
	return out
}
