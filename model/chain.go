package model

// ChainType selects the strategy used to combine individual approver
// responses into a step verdict.
type ChainType string

const (
	ChainSequential    ChainType = "sequential"
	ChainParallel      ChainType = "parallel"
	ChainUnanimous     ChainType = "unanimous"
	ChainMajority      ChainType = "majority"
	ChainFirstResponse ChainType = "first_response"
)

// IsValid reports whether the chain type is one of the supported strategies.
func (t ChainType) IsValid() bool {
	switch t {
	case ChainSequential, ChainParallel, ChainUnanimous, ChainMajority, ChainFirstResponse:
		return true
	}
	return false
}

// ApproverType discriminates the approver declaration variants.
type ApproverType string

const (
	ApproverUser    ApproverType = "user"
	ApproverRole    ApproverType = "role"
	ApproverDynamic ApproverType = "dynamic"
)

// ApproverDecl declares one approver slot within a chain.  The meaning of
// Value depends on Type: a literal identity for "user", a role name for
// "role", and a path expression over instance data (e.g.
// input_data.manager_id) for "dynamic".
type ApproverDecl struct {
	Type            ApproverType `json:"type" yaml:"type"`
	Value           string       `json:"value" yaml:"value"`
	Required        bool         `json:"required,omitempty" yaml:"required,omitempty"`
	Order           int          `json:"order,omitempty" yaml:"order,omitempty"`
	DelegateAllowed bool         `json:"delegateAllowed,omitempty" yaml:"delegateAllowed,omitempty"`
}

// TimeoutAction describes what happens to a step whose escalation budget has
// been exhausted.
type TimeoutAction string

const (
	TimeoutEscalate TimeoutAction = "escalate"
	TimeoutReject   TimeoutAction = "reject"
	TimeoutApprove  TimeoutAction = "approve"
)

// ChainConfig is the per-step approval chain configuration, part of the
// process definition.
type ChainConfig struct {
	Type ChainType `json:"type" yaml:"type"`

	Approvers []*ApproverDecl `json:"approvers" yaml:"approvers"`

	// ApprovalThreshold is the number of approvals needed for majority and
	// parallel chains.  Zero means "use the chain default".
	ApprovalThreshold int `json:"approvalThreshold,omitempty" yaml:"approvalThreshold,omitempty"`

	TimeoutAction TimeoutAction `json:"timeoutAction,omitempty" yaml:"timeoutAction,omitempty"`

	DueDateHours int `json:"dueDateHours,omitempty" yaml:"dueDateHours,omitempty"`
}

// RequiredApprovals resolves the effective approval threshold for a chain
// dispatched to total candidates.
func (c *ChainConfig) RequiredApprovals(total int) int {
	switch c.Type {
	case ChainFirstResponse:
		return 1
	case ChainMajority:
		if c.ApprovalThreshold > 0 {
			return c.ApprovalThreshold
		}
		return total/2 + 1
	case ChainParallel:
		if c.ApprovalThreshold > 0 {
			return c.ApprovalThreshold
		}
		return total
	default: // sequential, unanimous: every candidate must approve
		return total
	}
}
