package flowgate

import (
	"fmt"
	"time"
)

// Config is a serialisable representation of the engine configuration.  It
// can be populated from JSON, YAML, environment variables, etc.  The
// zero-value is useful – all nested fields inherit their package defaults.

type Config struct {
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Step       StepConfig       `json:"step" yaml:"step"`
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`
}

type EngineConfig struct {
	// MaxStepRetries bounds manual step retries.
	MaxStepRetries int `json:"maxStepRetries" yaml:"maxStepRetries"`
	// ConflictRetries bounds the internal retry loop on version conflicts.
	ConflictRetries int `json:"conflictRetries" yaml:"conflictRetries"`
}

type StepConfig struct {
	// DefaultDueHours is the request expiry applied when a chain omits
	// dueDateHours.
	DefaultDueHours int `json:"defaultDueHours" yaml:"defaultDueHours"`
}

type EscalationConfig struct {
	// PollingInterval is how often the scheduler checks for overdue steps.
	PollingInterval time.Duration `json:"pollingInterval" yaml:"pollingInterval"`
}

// DefaultConfig returns a Config populated with the same default values the
// sub-package constructors use.  Callers may modify the returned struct
// before passing it to New via WithConfig.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxStepRetries:  3,
			ConflictRetries: 3,
		},
		Step: StepConfig{
			DefaultDueHours: 72,
		},
		Escalation: EscalationConfig{
			PollingInterval: 30 * time.Second,
		},
	}
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Engine.ConflictRetries <= 0 {
		return fmt.Errorf("engine.conflictRetries must be > 0")
	}
	if c.Engine.MaxStepRetries < 0 {
		return fmt.Errorf("engine.maxStepRetries must be >= 0")
	}
	if c.Escalation.PollingInterval <= 0 {
		return fmt.Errorf("escalation.pollingInterval must be > 0")
	}
	return nil
}
