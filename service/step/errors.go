package step

import "errors"

var (
	// ErrDuplicateResponse indicates an approver responding to a request they
	// have already decided.
	ErrDuplicateResponse = errors.New("step: duplicate response")

	// ErrRequestAlreadyClosed indicates a decision against a request closed
	// by another actor (concurrent response, escalation, first_response
	// winner or delegation).
	ErrRequestAlreadyClosed = errors.New("step: request already closed")

	// ErrNotAnApprover indicates a decision by an identity that holds no
	// request for the step.
	ErrNotAnApprover = errors.New("step: not an approver")

	// ErrDelegationNotAllowed indicates a delegation attempt on a request
	// whose approver slot forbids it.
	ErrDelegationNotAllowed = errors.New("step: delegation not allowed")
)
