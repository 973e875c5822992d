package process

import (
	"time"

	"github.com/flowgate/flowgate/internal/clock"
	"github.com/flowgate/flowgate/model"
)

// Step is the execution record for one graph node within an instance.
type Step struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instanceId"`
	NodeID     string         `json:"nodeId"`
	NodeType   model.NodeType `json:"nodeType"`
	Status     StepStatus     `json:"status"`
	StepOrder  int            `json:"stepOrder"`

	Input  map[string]interface{} `json:"input,omitempty"`
	Output map[string]interface{} `json:"output,omitempty"`

	RetryCount int    `json:"retryCount"`
	Error      string `json:"error,omitempty"`

	// Approvers is the snapshot of identities the chain resolved to at
	// dispatch time.
	Approvers []string `json:"approvers,omitempty"`

	// EscalationLevel is the 1-based ordinal of the last escalation applied;
	// zero means the original chain is still in charge.  Advancement is
	// guarded by the optimistic version so concurrent sweeps cannot
	// double-escalate.
	EscalationLevel      int        `json:"escalationLevel"`
	LastEscalatedAt      *time.Time `json:"lastEscalatedAt,omitempty"`
	TimeoutActionApplied bool       `json:"timeoutActionApplied,omitempty"`

	Version int `json:"version"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NewStep creates a pending step for the given node.
func NewStep(id string, instanceID string, node *model.Node, order int, input map[string]interface{}) *Step {
	now := clock.Now()
	return &Step{
		ID:         id,
		InstanceID: instanceID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Status:     StepPending,
		StepOrder:  order,
		Input:      input,
		CreatedAt:  now,
		StartedAt:  now,
	}
}

// Start marks the step as running.
func (s *Step) Start() {
	s.Status = StepRunning
	s.StartedAt = clock.Now()
}

// Complete marks the step as completed.  A terminal step is immutable except
// for RetryCount on manual retry.
func (s *Step) Complete(output map[string]interface{}) {
	now := clock.Now()
	s.CompletedAt = &now
	s.Output = output
	s.Status = StepCompleted
}

// Fail marks the step as failed with the given cause.
func (s *Step) Fail(message string) {
	now := clock.Now()
	s.CompletedAt = &now
	s.Error = message
	s.Status = StepFailed
}

// Skip marks a never-started step as skipped (instance cancellation path).
func (s *Step) Skip() {
	now := clock.Now()
	s.CompletedAt = &now
	s.Status = StepSkipped
}

// EscalationBase returns the reference time for escalation timeout checks:
// the last escalation when one happened, the step start otherwise.
func (s *Step) EscalationBase() time.Time {
	if s.LastEscalatedAt != nil {
		return *s.LastEscalatedAt
	}
	return s.StartedAt
}

// Clone creates a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	out.Input = copyMap(s.Input)
	out.Output = copyMap(s.Output)
	if s.Approvers != nil {
		out.Approvers = append([]string(nil), s.Approvers...)
	}
	if s.LastEscalatedAt != nil {
		t := *s.LastEscalatedAt
		out.LastEscalatedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
