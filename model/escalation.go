package model

import "time"

// EscalationTrigger names an event that may start or advance escalation.
type EscalationTrigger string

const (
	TriggerTimeout    EscalationTrigger = "timeout"
	TriggerNoResponse EscalationTrigger = "no_response"
	TriggerRejection  EscalationTrigger = "rejection"
	TriggerManual     EscalationTrigger = "manual"
)

// TargetKind discriminates escalation target variants.
type TargetKind string

const (
	TargetUser    TargetKind = "user"
	TargetRole    TargetKind = "role"
	TargetManager TargetKind = "manager"
	TargetAdmin   TargetKind = "admin"
)

// EscalationTarget describes who receives the step at a given escalation
// level.  Identifier is a user ID for "user", a role name for "role" and
// unused for "manager"/"admin" (resolved through the directory at runtime).
type EscalationTarget struct {
	Level      int        `json:"level" yaml:"level"`
	Kind       TargetKind `json:"kind" yaml:"kind"`
	Identifier string     `json:"identifier,omitempty" yaml:"identifier,omitempty"`
}

// EscalationConfig governs time-based escalation of a single step.  It is
// immutable after the owning definition has been deployed; changes require a
// new definition version.
type EscalationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	Triggers []EscalationTrigger `json:"triggers,omitempty" yaml:"triggers,omitempty"`

	TimeoutHours int `json:"timeoutHours,omitempty" yaml:"timeoutHours,omitempty"`

	MaxLevels int `json:"maxEscalationLevels,omitempty" yaml:"maxEscalationLevels,omitempty"`

	// Targets are ordered by Level (1-based).
	Targets []*EscalationTarget `json:"escalationTargets,omitempty" yaml:"escalationTargets,omitempty"`

	DelayMinutes int `json:"escalationDelayMinutes,omitempty" yaml:"escalationDelayMinutes,omitempty"`
}

// HasTrigger reports whether the trigger set contains t.
func (c *EscalationConfig) HasTrigger(t EscalationTrigger) bool {
	if c == nil {
		return false
	}
	for _, candidate := range c.Triggers {
		if candidate == t {
			return true
		}
	}
	return false
}

// Target returns the target for a 1-based escalation level, or nil when the
// level has no configured target.
func (c *EscalationConfig) Target(level int) *EscalationTarget {
	if c == nil {
		return nil
	}
	for _, target := range c.Targets {
		if target.Level == level {
			return target
		}
	}
	// Fall back to positional lookup for configs that omit explicit levels.
	if level >= 1 && level <= len(c.Targets) {
		return c.Targets[level-1]
	}
	return nil
}

// Timeout returns the configured step timeout as a duration.
func (c *EscalationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutHours) * time.Hour
}

// Delay returns the grace period applied before escalated requests become
// actionable.
func (c *EscalationConfig) Delay() time.Duration {
	return time.Duration(c.DelayMinutes) * time.Minute
}
