package process

import (
	"time"

	"github.com/flowgate/flowgate/internal/clock"
)

// Request is one (step, approver) pairing awaiting a decision.
type Request struct {
	ID         string `json:"id"`
	StepID     string `json:"stepId"`
	InstanceID string `json:"instanceId"`

	Approver string        `json:"approver"`
	Status   RequestStatus `json:"status"`
	Priority string        `json:"priority,omitempty"`

	// Order is the chain group the request belongs to; requests sharing the
	// same order form a parallel group.
	Order           int  `json:"order"`
	Required        bool `json:"required"`
	DelegateAllowed bool `json:"delegateAllowed,omitempty"`

	// EscalationLevel is zero for the original chain and the 1-based level
	// for requests created by escalation.
	EscalationLevel int `json:"escalationLevel,omitempty"`

	// Attempt mirrors the owning step's retry count at creation time.  A
	// retried step starts a fresh attempt; requests from earlier attempts
	// stay recorded but no longer count towards the verdict.
	Attempt int `json:"attempt,omitempty"`

	ResponseData map[string]interface{} `json:"responseData,omitempty"`
	Notes        string                 `json:"notes,omitempty"`

	// DelegatedTo references the successor request created by delegation.
	DelegatedTo string `json:"delegatedTo,omitempty"`

	RequestedAt  time.Time  `json:"requestedAt"`
	RespondedAt  *time.Time `json:"respondedAt,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	ActionableAt *time.Time `json:"actionableAt,omitempty"`

	// Seq is the creation ordinal within the step, used as the tie-break for
	// simultaneous response timestamps.
	Seq int `json:"seq"`

	Version int `json:"version"`
}

// NewRequest creates a pending request for the given approver.
func NewRequest(id, stepID, instanceID, approver string, order, seq int) *Request {
	return &Request{
		ID:          id,
		StepID:      stepID,
		InstanceID:  instanceID,
		Approver:    approver,
		Status:      RequestPending,
		Priority:    "normal",
		Order:       order,
		Seq:         seq,
		RequestedAt: clock.Now(),
	}
}

// IsActionable reports whether the request can accept a decision now: it must
// be open and past any escalation grace period.
func (r *Request) IsActionable(now time.Time) bool {
	if !r.Status.IsOpen() {
		return false
	}
	if r.ActionableAt != nil && now.Before(*r.ActionableAt) {
		return false
	}
	return true
}

// Respond closes the request with the given decision.
func (r *Request) Respond(status RequestStatus, responseData map[string]interface{}, notes string) {
	now := clock.Now()
	r.Status = status
	r.ResponseData = responseData
	r.Notes = notes
	r.RespondedAt = &now
}

// MarkDelegated closes the request in favour of a successor.
func (r *Request) MarkDelegated(successorID string) {
	now := clock.Now()
	r.Status = RequestDelegated
	r.DelegatedTo = successorID
	r.RespondedAt = &now
}

// MarkEscalated closes a request superseded by escalation or by another
// candidate's decision in a first_response chain.
func (r *Request) MarkEscalated() {
	now := clock.Now()
	r.Status = RequestEscalated
	r.RespondedAt = &now
}

// Clone creates a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.ResponseData = copyMap(r.ResponseData)
	if r.RespondedAt != nil {
		t := *r.RespondedAt
		out.RespondedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	if r.ActionableAt != nil {
		t := *r.ActionableAt
		out.ActionableAt = &t
	}
	return &out
}
