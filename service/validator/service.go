// Package validator checks configuration blobs against JSON schemas before
// they are accepted by the process engine.  It is a pure function of its
// inputs; the engine consults it before deploy and before accepting chain or
// escalation configuration.
package validator

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Kind identifies a configuration schema.
type Kind string

const (
	KindWorkflowConfig Kind = "workflow_config"
	KindConnectionPool Kind = "connection_pool"
	KindSecurity       Kind = "security"
	KindApprovalChain  Kind = "approval_chain"
	KindNotification   Kind = "notification"
	KindEscalation     Kind = "escalation"
)

// Result carries the outcome of a validation run.  Errors block the caller's
// state transition; warnings are advisory only.
type Result struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Service validates configuration maps against compiled schemas.
type Service struct {
	schemas map[Kind]*gojsonschema.Schema
}

// Validate checks config against the schema registered for kind.  Unknown
// kinds produce an invalid result rather than an error so that callers can
// surface the message verbatim.
func (s *Service) Validate(config map[string]interface{}, kind Kind) *Result {
	schema, ok := s.schemas[kind]
	if !ok {
		return &Result{IsValid: false, Errors: []string{fmt.Sprintf("unknown configuration kind: %s", kind)}}
	}

	outcome, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return &Result{IsValid: false, Errors: []string{err.Error()}}
	}

	result := &Result{IsValid: outcome.Valid()}
	for _, issue := range outcome.Errors() {
		result.Errors = append(result.Errors, issue.String())
	}
	result.Warnings = warningsFor(config, kind)
	return result
}

// warningsFor runs advisory checks that the schemas cannot express.
func warningsFor(config map[string]interface{}, kind Kind) []string {
	var warnings []string
	switch kind {
	case KindApprovalChain:
		if _, ok := config["timeoutAction"]; ok {
			if _, hasDue := config["dueDateHours"]; !hasDue {
				warnings = append(warnings, "timeoutAction configured without dueDateHours, requests never expire")
			}
		}
	case KindEscalation:
		if enabled, ok := config["enabled"].(bool); ok && enabled {
			if targets, ok := config["escalationTargets"].([]interface{}); ok {
				if levels, ok := asInt(config["maxEscalationLevels"]); ok && levels > len(targets) {
					warnings = append(warnings, "maxLevels exceeds the number of configured targets, last target repeats")
				}
			}
		}
	}
	return warnings
}

func asInt(v interface{}) (int, bool) {
	switch typed := v.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		return int(typed), true
	}
	return 0, false
}

// New compiles all embedded schemas and returns a ready-to-use validator.
func New() (*Service, error) {
	compiled := make(map[Kind]*gojsonschema.Schema, len(rawSchemas))
	for kind, raw := range rawSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", kind, err)
		}
		compiled[kind] = schema
	}
	return &Service{schemas: compiled}, nil
}
