package process

import "errors"

// Engine-level error taxonomy.  Sentinel variables allow callers to reliably
// detect error conditions via errors.Is/As instead of brittle string
// comparisons.

var (
	// ErrDefinitionNotActive is returned when starting an instance against a
	// definition that has not been deployed.
	ErrDefinitionNotActive = errors.New("process: definition not active")

	// ErrInvalidStateTransition indicates an operation that is not reachable
	// from the current instance or step status.
	ErrInvalidStateTransition = errors.New("process: invalid state transition")

	// ErrConcurrentModification is surfaced after the bounded optimistic
	// retry budget has been exhausted; the caller must reload and retry.
	ErrConcurrentModification = errors.New("process: concurrent modification")

	// ErrRetryLimitExceeded indicates a manual step retry above the
	// configured maximum retry count.
	ErrRetryLimitExceeded = errors.New("process: retry limit exceeded")

	// ErrConfigurationInvalid is returned when the config validator rejects a
	// definition, chain or escalation configuration.
	ErrConfigurationInvalid = errors.New("process: configuration invalid")
)
