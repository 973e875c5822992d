// Package step owns the lifecycle of a single approval step: dispatching
// requests to resolved approvers, collecting responses through the chain
// evaluator and closing the step once a verdict is reached.
package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/internal/clock"
	"github.com/flowgate/flowgate/internal/idgen"
	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/policy"
	"github.com/flowgate/flowgate/progress"
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/chain"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/dao/definition"
	"github.com/flowgate/flowgate/service/notification"
	"github.com/flowgate/flowgate/service/resolver"
	"go.uber.org/zap"
)

// Advancer moves the owning instance forward once a step reaches a terminal
// status.  It is implemented by the process engine; the indirection breaks
// the package cycle between the two engines.
type Advancer interface {
	Advance(ctx context.Context, instanceID, completedStepID string) error
}

// Config holds step engine tunables.
type Config struct {
	// DefaultDueHours is the request expiry applied when a chain omits
	// dueDateHours.  Zero disables the default expiry.
	DefaultDueHours int
}

// DefaultConfig returns a standard step engine configuration.
func DefaultConfig() Config {
	return Config{DefaultDueHours: 72}
}

// Service implements the step engine.
type Service struct {
	config      Config
	instances   dao.VersionedService[string, process.Instance]
	steps       dao.VersionedService[string, process.Step]
	requests    dao.VersionedService[string, process.Request]
	definitions definition.Service
	resolver    *resolver.Service
	evaluator   *chain.Evaluator
	notifier    notification.Notifier
	advancer    Advancer
	logger      *zap.Logger
}

// Option customises the step engine.
type Option func(*Service)

// WithConfig overrides the default configuration.
func WithConfig(config Config) Option {
	return func(s *Service) { s.config = config }
}

// WithNotifier sets the outbound notifier.
func WithNotifier(notifier notification.Notifier) Option {
	return func(s *Service) { s.notifier = notifier }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a step engine.
func New(
	instances dao.VersionedService[string, process.Instance],
	steps dao.VersionedService[string, process.Step],
	requests dao.VersionedService[string, process.Request],
	definitions definition.Service,
	approvers *resolver.Service,
	evaluator *chain.Evaluator,
	options ...Option,
) *Service {
	ret := &Service{
		config:      DefaultConfig(),
		instances:   instances,
		steps:       steps,
		requests:    requests,
		definitions: definitions,
		resolver:    approvers,
		evaluator:   evaluator,
		notifier:    notification.NopNotifier{},
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// SetAdvancer wires the process engine callback.  Must be called before the
// first dispatch.
func (s *Service) SetAdvancer(advancer Advancer) {
	s.advancer = advancer
}

// Dispatch resolves the step's chain and creates approval requests for the
// active group.  It is idempotent: candidates that already hold a request for
// the step are not re-dispatched, so resuming a suspended instance or
// re-entering a sequential chain never duplicates requests.
func (s *Service) Dispatch(ctx context.Context, inst *process.Instance, st *process.Step, node *model.Node) error {
	if node.Chain == nil {
		return fmt.Errorf("node %s has no approval chain", node.ID)
	}

	if outcome, decided := s.applyPolicy(ctx, st, node); decided {
		return s.closeStep(ctx, inst, st, outcome)
	}

	candidates, err := s.resolver.ResolveAll(ctx, node.Chain.Approvers, inst.Scope())
	if err != nil {
		if errors.Is(err, resolver.ErrUnresolvable) {
			// A required approver slot produced no identity; the step fails
			// with a recorded cause instead of silently stalling.
			return s.closeStep(ctx, inst, st, chain.Outcome{Verdict: chain.VerdictRejected, Reason: err.Error()})
		}
		return err
	}
	if len(candidates) == 0 {
		return s.closeStep(ctx, inst, st, chain.Outcome{Verdict: chain.VerdictApproved, Reason: "chain has no candidates"})
	}

	if st.Status == process.StepPending {
		st.Start()
		progress.UpdateCtx(ctx, progress.Delta{Running: 1, Pending: -1})
	}
	// Merge rather than overwrite: re-dispatch after a resume must keep
	// delegates and escalation targets appended since the first dispatch.
	for _, id := range identityIDs(candidates) {
		if !contains(st.Approvers, id) {
			st.Approvers = append(st.Approvers, id)
		}
	}

	if _, err := s.createMissingRequests(ctx, st, node.Chain, candidates, 0); err != nil {
		return err
	}

	if err := s.steps.SaveWithVersion(ctx, st, st.Version); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			return process.ErrConcurrentModification
		}
		return err
	}
	return nil
}

// Approve records an approval decision by the supplied approver.
func (s *Service) Approve(ctx context.Context, stepID, approver string, responseData map[string]interface{}, notes string) error {
	return s.decide(ctx, stepID, approver, process.RequestApproved, responseData, notes)
}

// Reject records a rejection decision by the supplied approver.
func (s *Service) Reject(ctx context.Context, stepID, approver string, responseData map[string]interface{}, notes string) error {
	return s.decide(ctx, stepID, approver, process.RequestRejected, responseData, notes)
}

// Delegate closes the approver's open request in favour of a successor
// request assigned to delegate.
func (s *Service) Delegate(ctx context.Context, stepID, approver, delegate, notes string) error {
	st, err := s.steps.Load(ctx, stepID)
	if err != nil {
		return err
	}
	inst, err := s.instances.Load(ctx, st.InstanceID)
	if err != nil {
		return err
	}
	if inst.GetStatus().IsTerminal() {
		return fmt.Errorf("%w: instance %s is %s", process.ErrInvalidStateTransition, inst.ID, inst.GetStatus())
	}

	all, mine, err := s.stepRequests(ctx, stepID, approver)
	if err != nil {
		return err
	}
	mine = currentAttempt(mine, st.RetryCount)
	if len(mine) == 0 {
		return fmt.Errorf("%w: %s has no request for step %s", ErrNotAnApprover, approver, stepID)
	}
	open := openRequest(mine)
	if open == nil {
		return fmt.Errorf("%w: %s already responded on step %s", ErrRequestAlreadyClosed, approver, stepID)
	}
	if !open.DelegateAllowed {
		return fmt.Errorf("%w: approver %s on step %s", ErrDelegationNotAllowed, approver, stepID)
	}

	successor := process.NewRequest(idgen.New(), stepID, st.InstanceID, delegate, open.Order, len(all))
	successor.Required = open.Required
	successor.DelegateAllowed = open.DelegateAllowed
	successor.EscalationLevel = open.EscalationLevel
	successor.Attempt = open.Attempt
	successor.ExpiresAt = open.ExpiresAt
	successor.Notes = notes

	expected := open.Version
	open.MarkDelegated(successor.ID)
	if err := s.requests.SaveWithVersion(ctx, open, expected); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			return fmt.Errorf("%w: step %s approver %s", ErrRequestAlreadyClosed, stepID, approver)
		}
		return err
	}
	if err := s.requests.Save(ctx, successor); err != nil {
		return err
	}

	// The snapshot is a multiset: the successor is appended even when the
	// identity already holds a slot, so the superseded request still cancels
	// exactly one entry.
	st.Approvers = append(st.Approvers, delegate)
	if err := s.steps.SaveWithVersion(ctx, st, st.Version); err != nil && !errors.Is(err, dao.ErrVersionConflict) {
		return err
	}

	s.emit(&notification.Event{
		Topic:      notification.TopicRequestCreated,
		InstanceID: st.InstanceID,
		StepID:     stepID,
		RequestID:  successor.ID,
		Recipient:  delegate,
		Metadata:   map[string]interface{}{"delegatedFrom": approver},
	})
	return nil
}

// ForceApprove closes the step as approved regardless of open requests; used
// when a timeout action resolves the step.
func (s *Service) ForceApprove(ctx context.Context, stepID, reason string) error {
	return s.force(ctx, stepID, chain.Outcome{Verdict: chain.VerdictApproved, Reason: reason})
}

// ForceReject closes the step as rejected regardless of open requests.
func (s *Service) ForceReject(ctx context.Context, stepID, reason string) error {
	return s.force(ctx, stepID, chain.Outcome{Verdict: chain.VerdictRejected, Reason: reason})
}

// Requests returns all approval requests belonging to a step.
func (s *Service) Requests(ctx context.Context, stepID string) ([]*process.Request, error) {
	return s.requests.List(ctx, dao.NewParameter("stepId", stepID))
}

// PendingForApprover returns every open, actionable request assigned to the
// supplied identity.
func (s *Service) PendingForApprover(ctx context.Context, approver string) ([]*process.Request, error) {
	open, err := s.requests.List(ctx,
		dao.NewParameter("approver", approver),
		dao.NewParameter("status", string(process.RequestPending)))
	if err != nil {
		return nil, err
	}
	now := clock.Now()
	out := make([]*process.Request, 0, len(open))
	for _, request := range open {
		if request.IsActionable(now) {
			out = append(out, request)
		}
	}
	return out, nil
}

// decide validates and records a single approver response, then re-evaluates
// the chain.
func (s *Service) decide(ctx context.Context, stepID, approver string, status process.RequestStatus, responseData map[string]interface{}, notes string) error {
	st, err := s.steps.Load(ctx, stepID)
	if err != nil {
		return err
	}
	inst, err := s.instances.Load(ctx, st.InstanceID)
	if err != nil {
		return err
	}

	all, mine, err := s.stepRequests(ctx, stepID, approver)
	if err != nil {
		return err
	}
	all = currentAttempt(all, st.RetryCount)
	mine = currentAttempt(mine, st.RetryCount)
	if len(mine) == 0 {
		return fmt.Errorf("%w: %s has no request for step %s", ErrNotAnApprover, approver, stepID)
	}

	open := openRequest(mine)
	if open == nil {
		for _, request := range mine {
			if request.Status == process.RequestApproved || request.Status == process.RequestRejected {
				return fmt.Errorf("%w: %s already responded on step %s", ErrDuplicateResponse, approver, stepID)
			}
		}
		return fmt.Errorf("%w: step %s approver %s", ErrRequestAlreadyClosed, stepID, approver)
	}
	if !open.IsActionable(clock.Now()) {
		return fmt.Errorf("%w: request %s not yet actionable", ErrRequestAlreadyClosed, open.ID)
	}

	expected := open.Version
	open.Respond(status, responseData, notes)
	if err := s.requests.SaveWithVersion(ctx, open, expected); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			// Lost the race against a concurrent response or escalation.
			return fmt.Errorf("%w: step %s approver %s", ErrRequestAlreadyClosed, stepID, approver)
		}
		return err
	}

	s.emit(&notification.Event{
		Topic:      notification.TopicRequestDecided,
		InstanceID: st.InstanceID,
		StepID:     stepID,
		RequestID:  open.ID,
		Recipient:  approver,
		Metadata:   map[string]interface{}{"decision": string(status)},
	})

	// A response arriving after cancellation or completion is kept for audit
	// but never advances state.
	if inst.GetStatus().IsTerminal() || st.Status.IsTerminal() {
		return nil
	}

	node, cfg, err := s.nodeOf(ctx, inst, st)
	if err != nil {
		return err
	}

	outcome := s.evaluator.Evaluate(cfg, liveSlots(st, all), replaced(all, open))
	switch outcome.Verdict {
	case chain.VerdictPending:
		if cfg.Type == model.ChainSequential {
			return s.dispatchNextGroup(ctx, inst, st, cfg)
		}
		return nil
	case chain.VerdictRejected:
		if rejectionEscalates(node, st) {
			// The step stays running; the escalation sweep supersedes the
			// rejecting response and hands the step to the next level.
			return nil
		}
		s.closeOpenRequests(ctx, stepID, open.ID)
		return s.closeStep(ctx, inst, st, outcome)
	default:
		// The verdict voids every outstanding request, whichever chain type
		// produced it.
		s.closeOpenRequests(ctx, stepID, open.ID)
		return s.closeStep(ctx, inst, st, outcome)
	}
}

// rejectionEscalates reports whether a rejection verdict is routed through the
// escalation path instead of failing the step.
func rejectionEscalates(node *model.Node, st *process.Step) bool {
	esc := node.Escalation
	if esc == nil || !esc.Enabled || !esc.HasTrigger(model.TriggerRejection) {
		return false
	}
	return st.EscalationLevel < esc.MaxLevels
}

// force closes all open requests as escalated and applies the outcome.
func (s *Service) force(ctx context.Context, stepID string, outcome chain.Outcome) error {
	st, err := s.steps.Load(ctx, stepID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return nil
	}
	inst, err := s.instances.Load(ctx, st.InstanceID)
	if err != nil {
		return err
	}
	s.closeOpenRequests(ctx, stepID, "")
	return s.closeStep(ctx, inst, st, outcome)
}

// applyPolicy consults the per-run policy.  The second return value reports
// whether the policy decided the step.
func (s *Service) applyPolicy(ctx context.Context, st *process.Step, node *model.Node) (chain.Outcome, bool) {
	p := policy.FromContext(ctx)
	if p == nil {
		return chain.Outcome{}, false
	}
	if !p.IsAllowed(node.ID) || p.Mode == policy.ModeDeny {
		return chain.Outcome{Verdict: chain.VerdictRejected, Reason: fmt.Sprintf("node %s blocked by policy", node.ID)}, true
	}
	if p.Mode == policy.ModeAuto && p.Decide != nil && p.Decide(ctx, node.ID, st.Input, p) {
		return chain.Outcome{Verdict: chain.VerdictApproved, Reason: fmt.Sprintf("node %s auto-approved by policy", node.ID)}, true
	}
	return chain.Outcome{}, false
}

// closeStep marks the step terminal per the outcome, persists it and hands
// control back to the process engine.
func (s *Service) closeStep(ctx context.Context, inst *process.Instance, st *process.Step, outcome chain.Outcome) error {
	expected := st.Version
	if outcome.Verdict == chain.VerdictApproved {
		st.Complete(map[string]interface{}{"verdict": string(outcome.Verdict), "reason": outcome.Reason})
		progress.UpdateCtx(ctx, progress.Delta{Completed: 1, Running: -1})
	} else {
		st.Fail(outcome.Reason)
		progress.UpdateCtx(ctx, progress.Delta{Failed: 1, Running: -1})
	}
	if err := s.steps.SaveWithVersion(ctx, st, expected); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			return process.ErrConcurrentModification
		}
		return err
	}

	s.emit(&notification.Event{
		Topic:      notification.TopicStepCompleted,
		InstanceID: st.InstanceID,
		StepID:     st.ID,
		Metadata:   map[string]interface{}{"status": string(st.Status), "reason": outcome.Reason},
	})

	if s.advancer == nil {
		return nil
	}
	return s.advancer.Advance(ctx, inst.ID, st.ID)
}

// dispatchNextGroup creates requests for the next sequential order group once
// the current group has fully approved.
func (s *Service) dispatchNextGroup(ctx context.Context, inst *process.Instance, st *process.Step, cfg *model.ChainConfig) error {
	all, _, err := s.stepRequests(ctx, st.ID, "")
	if err != nil {
		return err
	}
	for _, request := range currentAttempt(all, st.RetryCount) {
		if request.Status.IsOpen() {
			// The current group is still collecting responses.
			return nil
		}
	}

	candidates, err := s.resolver.ResolveAll(ctx, cfg.Approvers, inst.Scope())
	if err != nil {
		return err
	}
	created, err := s.createMissingRequests(ctx, st, cfg, candidates, 0)
	if err != nil {
		return err
	}
	if created == 0 {
		s.logger.Debug("sequential chain has no further groups", zap.String("stepID", st.ID))
	}
	return nil
}

// createMissingRequests creates requests for candidates that hold none yet.
// For sequential chains only the active order group is dispatched; a later
// group's request is never created while an earlier group still holds an open
// request.  Other chain types dispatch every candidate at once.  Returns the
// number of requests created.
func (s *Service) createMissingRequests(ctx context.Context, st *process.Step, cfg *model.ChainConfig, candidates []*resolver.Candidate, escalationLevel int) (int, error) {
	existing, _, err := s.stepRequests(ctx, st.ID, "")
	if err != nil {
		return 0, err
	}
	current := currentAttempt(existing, st.RetryCount)
	byApprover := map[string]bool{}
	for _, request := range current {
		byApprover[request.Approver] = true
	}

	missing := make([]*resolver.Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		if !byApprover[candidate.Identity.ID] {
			missing = append(missing, candidate)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	if cfg.Type == model.ChainSequential {
		group, ok := sequentialGroup(missing, current)
		if !ok {
			return 0, nil
		}
		grouped := make([]*resolver.Candidate, 0, len(missing))
		for _, candidate := range missing {
			if candidate.Order == group {
				grouped = append(grouped, candidate)
			}
		}
		missing = grouped
	}

	expiry := s.expiryFor(cfg)
	created := 0
	for _, candidate := range missing {
		request := process.NewRequest(idgen.New(), st.ID, st.InstanceID, candidate.Identity.ID, candidate.Order, len(existing)+created)
		request.Required = candidate.Required
		request.DelegateAllowed = candidate.DelegateAllowed
		request.EscalationLevel = escalationLevel
		request.Attempt = st.RetryCount
		request.ExpiresAt = expiry
		if err := s.requests.Save(ctx, request); err != nil {
			return created, err
		}
		created++

		s.emit(&notification.Event{
			Topic:      notification.TopicRequestCreated,
			InstanceID: st.InstanceID,
			StepID:     st.ID,
			RequestID:  request.ID,
			Recipient:  candidate.Identity.ID,
		})
	}
	return created, nil
}

// sequentialGroup picks the order group eligible for dispatch.  An open
// request in an earlier group pins the chain there, so re-dispatching a
// resumed step never advances past a group still collecting responses.
func sequentialGroup(missing []*resolver.Candidate, existing []*process.Request) (int, bool) {
	group := missing[0].Order
	for _, candidate := range missing {
		if candidate.Order < group {
			group = candidate.Order
		}
	}
	for _, request := range existing {
		if request.Status.IsOpen() && request.Order < group {
			return 0, false
		}
	}
	return group, true
}

// closeOpenRequests marks every open request of the step as escalated,
// skipping the request with the supplied ID.
func (s *Service) closeOpenRequests(ctx context.Context, stepID, excludeID string) {
	all, _, err := s.stepRequests(ctx, stepID, "")
	if err != nil {
		s.logger.Warn("failed to list step requests", zap.String("stepID", stepID), zap.Error(err))
		return
	}
	for _, request := range all {
		if request.ID == excludeID || !request.Status.IsOpen() {
			continue
		}
		expected := request.Version
		request.MarkEscalated()
		if err := s.requests.SaveWithVersion(ctx, request, expected); err != nil {
			// A concurrent response won; the chain outcome already accounts
			// for it.
			s.logger.Debug("request closed concurrently", zap.String("requestID", request.ID), zap.Error(err))
		}
	}
}

// nodeOf resolves the graph node and chain configuration backing a step.
func (s *Service) nodeOf(ctx context.Context, inst *process.Instance, st *process.Step) (*model.Node, *model.ChainConfig, error) {
	def, err := s.definitions.Load(ctx, inst.DefinitionName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load definition %s: %w", inst.DefinitionName, err)
	}
	node := def.Graph.Node(st.NodeID)
	if node == nil {
		return nil, nil, fmt.Errorf("definition %s has no node %s", def.Name, st.NodeID)
	}
	if node.Chain == nil {
		return nil, nil, fmt.Errorf("node %s has no approval chain", node.ID)
	}
	return node, node.Chain, nil
}

func (s *Service) stepRequests(ctx context.Context, stepID, approver string) (all []*process.Request, mine []*process.Request, err error) {
	all, err = s.requests.List(ctx, dao.NewParameter("stepId", stepID))
	if err != nil {
		return nil, nil, err
	}
	if approver != "" {
		for _, request := range all {
			if request.Approver == approver {
				mine = append(mine, request)
			}
		}
	}
	return all, mine, nil
}

func (s *Service) expiryFor(cfg *model.ChainConfig) *time.Time {
	hours := cfg.DueDateHours
	if hours == 0 {
		hours = s.config.DefaultDueHours
	}
	if hours <= 0 {
		return nil
	}
	expiry := clock.Now().Add(time.Duration(hours) * time.Hour)
	return &expiry
}

// emit delivers a notification without blocking the caller.
func (s *Service) emit(event *notification.Event) {
	notifier := s.notifier
	go func() {
		if err := notifier.Notify(context.Background(), event); err != nil {
			s.logger.Warn("notification delivery failed", zap.String("topic", event.Topic), zap.Error(err))
		}
	}()
}

// currentAttempt filters requests down to the step's active attempt.
func currentAttempt(requests []*process.Request, attempt int) []*process.Request {
	out := make([]*process.Request, 0, len(requests))
	for _, request := range requests {
		if request.Attempt == attempt {
			out = append(out, request)
		}
	}
	return out
}

func openRequest(requests []*process.Request) *process.Request {
	for _, request := range requests {
		if request.Status.IsOpen() {
			return request
		}
	}
	return nil
}

// replaced swaps the stale copy of updated into the request slice.
func replaced(requests []*process.Request, updated *process.Request) []*process.Request {
	out := make([]*process.Request, len(requests))
	for i, request := range requests {
		if request.ID == updated.ID {
			out[i] = updated
		} else {
			out[i] = request
		}
	}
	return out
}

// liveSlots counts the approver slots still participating in the verdict.
// The approver snapshot is a multiset: delegation and escalation close the
// superseded request and always append the successor, so each superseded
// request cancels exactly one snapshot entry even when the successor identity
// was already listed.
func liveSlots(st *process.Step, requests []*process.Request) int {
	superseded := 0
	for _, request := range requests {
		if request.Status == process.RequestDelegated || request.Status == process.RequestEscalated {
			superseded++
		}
	}
	total := len(st.Approvers) - superseded
	if total < 0 {
		return 0
	}
	return total
}

func identityIDs(candidates []*resolver.Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		out = append(out, candidate.Identity.ID)
	}
	return out
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}
