// Package chain computes step verdicts from accumulated approval responses.
package chain

import (
	"fmt"
	"sort"

	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/runtime/process"
)

// Verdict is the chain-level outcome of the responses collected so far.
type Verdict string

const (
	VerdictPending  Verdict = "pending"
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// Outcome carries the verdict together with a human-readable reason used for
// instance error messages and audit records.
type Outcome struct {
	Verdict Verdict
	Reason  string
}

// Evaluator derives a verdict from a chain configuration, the total candidate
// count and the request set.  It is a pure function of its inputs.
type Evaluator struct{}

// New creates a chain evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate computes the verdict for a step.  total is the number of resolved
// candidates across the whole chain, including sequential groups whose
// requests have not been created yet.  Delegated and escalated requests are
// neutral; only approved/rejected responses count.
func (e *Evaluator) Evaluate(cfg *model.ChainConfig, total int, requests []*process.Request) Outcome {
	if total == 0 {
		return Outcome{Verdict: VerdictApproved, Reason: "chain has no candidates"}
	}

	approved, rejected := tally(requests)

	switch cfg.Type {
	case model.ChainFirstResponse:
		return firstResponse(requests)

	case model.ChainUnanimous, model.ChainSequential:
		// Every candidate must approve; one rejection is terminal.
		if rejected > 0 {
			return Outcome{Verdict: VerdictRejected, Reason: rejectionReason(requests)}
		}
		if approved >= total {
			return Outcome{Verdict: VerdictApproved, Reason: fmt.Sprintf("all %d approvers approved", total)}
		}
		return Outcome{Verdict: VerdictPending}

	case model.ChainParallel, model.ChainMajority:
		required := cfg.RequiredApprovals(total)
		if approved >= required {
			return Outcome{Verdict: VerdictApproved, Reason: fmt.Sprintf("%d of %d required approvals recorded", approved, required)}
		}
		// Rejected once the threshold is mathematically out of reach.
		if rejected > total-required {
			return Outcome{Verdict: VerdictRejected, Reason: fmt.Sprintf("%d rejections make %d approvals unreachable", rejected, required)}
		}
		return Outcome{Verdict: VerdictPending}

	default:
		return Outcome{Verdict: VerdictRejected, Reason: fmt.Sprintf("unsupported chain type: %s", cfg.Type)}
	}
}

// firstResponse resolves the verdict from the earliest decided response.
// Simultaneous timestamps are broken by creation ordinal.
func firstResponse(requests []*process.Request) Outcome {
	var decided []*process.Request
	for _, request := range requests {
		if request.RespondedAt == nil {
			continue
		}
		switch request.Status {
		case process.RequestApproved, process.RequestRejected:
			decided = append(decided, request)
		}
	}
	if len(decided) == 0 {
		return Outcome{Verdict: VerdictPending}
	}

	sort.SliceStable(decided, func(i, j int) bool {
		if decided[i].RespondedAt.Equal(*decided[j].RespondedAt) {
			return decided[i].Seq < decided[j].Seq
		}
		return decided[i].RespondedAt.Before(*decided[j].RespondedAt)
	})

	winner := decided[0]
	if winner.Status == process.RequestApproved {
		return Outcome{Verdict: VerdictApproved, Reason: fmt.Sprintf("first response by %s approved", winner.Approver)}
	}
	return Outcome{Verdict: VerdictRejected, Reason: fmt.Sprintf("first response by %s rejected", winner.Approver)}
}

func tally(requests []*process.Request) (approved, rejected int) {
	for _, request := range requests {
		switch request.Status {
		case process.RequestApproved:
			approved++
		case process.RequestRejected:
			rejected++
		}
	}
	return approved, rejected
}

func rejectionReason(requests []*process.Request) string {
	for _, request := range requests {
		if request.Status == process.RequestRejected {
			if request.Notes != "" {
				return fmt.Sprintf("rejected by %s: %s", request.Approver, request.Notes)
			}
			return fmt.Sprintf("rejected by %s", request.Approver)
		}
	}
	return "rejected"
}
