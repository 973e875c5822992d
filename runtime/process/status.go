package process

// Status represents the lifecycle state of a process instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// instanceTransitions lists the allowed instance status moves.  Completed,
// failed and cancelled are terminal.
var instanceTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusSuspended, StatusCompleted, StatusFailed, StatusCancelled},
	StatusSuspended: {StatusRunning, StatusCancelled},
}

// CanTransition reports whether the status may move to the target status.
func (s Status) CanTransition(to Status) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus represents the state of one step within an instance.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// RequestStatus represents the state of a single approval request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestDelegated RequestStatus = "delegated"
	RequestEscalated RequestStatus = "escalated"
)

// IsOpen reports whether the request still awaits a decision.
func (s RequestStatus) IsOpen() bool {
	return s == RequestPending
}
