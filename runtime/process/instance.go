package process

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowgate/flowgate/internal/clock"
)

// Instance represents one execution of a process definition.
type Instance struct {
	ID             string                 `json:"id"`
	DefinitionID   string                 `json:"definitionId"`
	DefinitionName string                 `json:"definitionName,omitempty"`
	Status         Status                 `json:"status"`
	CurrentStepID  string                 `json:"currentStepId,omitempty"`
	Progress       int                    `json:"progressPercentage"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
	ErrorMessage   string                 `json:"errorMessage,omitempty"`
	ErrorDetails   map[string]interface{} `json:"errorDetails,omitempty"`
	InitiatedBy    string                 `json:"initiatedBy,omitempty"`

	// Version implements optimistic concurrency: every successful persist
	// increments it and a stale write fails with a version conflict.
	Version int `json:"version"`

	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	SuspendedAt    *time.Time `json:"suspendedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	LastActivityAt time.Time  `json:"lastActivityAt"`

	mu sync.RWMutex
}

// NewInstance creates a pending instance for the given definition.
func NewInstance(id, definitionID, definitionName string, input map[string]interface{}, initiatedBy string) *Instance {
	now := clock.Now()
	if input == nil {
		input = make(map[string]interface{})
	}
	return &Instance{
		ID:             id,
		DefinitionID:   definitionID,
		DefinitionName: definitionName,
		Status:         StatusPending,
		Input:          input,
		Context:        make(map[string]interface{}),
		InitiatedBy:    initiatedBy,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// GetStatus returns the instance status.
func (i *Instance) GetStatus() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.Status
}

// Transition moves the instance to the target status, enforcing the status
// graph.  Terminal transitions stamp CompletedAt and clear CurrentStepID.
func (i *Instance) Transition(to Status) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, i.Status, to)
	}
	now := clock.Now()
	switch to {
	case StatusRunning:
		if i.Status == StatusPending {
			i.StartedAt = &now
		}
		i.SuspendedAt = nil
	case StatusSuspended:
		i.SuspendedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		i.CompletedAt = &now
		i.CurrentStepID = ""
	}
	i.Status = to
	i.LastActivityAt = now
	return nil
}

// Fail transitions the instance to failed and records the terminal cause so
// that downstream consumers never see an unexplained failure.
func (i *Instance) Fail(message string, details map[string]interface{}) error {
	if err := i.Transition(StatusFailed); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ErrorMessage = message
	i.ErrorDetails = details
	return nil
}

// Touch updates the activity timestamp.
func (i *Instance) Touch() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.LastActivityAt = clock.Now()
}

// SetContext stores one context variable.
func (i *Instance) SetContext(name string, value interface{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.Context == nil {
		i.Context = make(map[string]interface{})
	}
	i.Context[name] = value
}

// Scope returns the variable scope expressions evaluate against.
func (i *Instance) Scope() map[string]interface{} {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return map[string]interface{}{
		"input_data":        i.Input,
		"context":           i.Context,
		"context_variables": i.Context,
	}
}

// Clone creates a deep copy of the instance suitable for safe mutation
// outside the original store.  The sync.RWMutex is re-initialised rather than
// copied.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := &Instance{
		ID:             i.ID,
		DefinitionID:   i.DefinitionID,
		DefinitionName: i.DefinitionName,
		Status:         i.Status,
		CurrentStepID:  i.CurrentStepID,
		Progress:       i.Progress,
		ErrorMessage:   i.ErrorMessage,
		InitiatedBy:    i.InitiatedBy,
		Version:        i.Version,
		CreatedAt:      i.CreatedAt,
		StartedAt:      i.StartedAt,
		SuspendedAt:    i.SuspendedAt,
		CompletedAt:    i.CompletedAt,
		LastActivityAt: i.LastActivityAt,
	}
	out.Input = copyMap(i.Input)
	out.Output = copyMap(i.Output)
	out.Context = copyMap(i.Context)
	out.ErrorDetails = copyMap(i.ErrorDetails)
	return out
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
