// Package engine implements the process engine: it starts instances from
// deployed definitions, advances them step by step and owns the instance
// state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flowgate/flowgate/internal/idgen"
	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/model/expr"
	"github.com/flowgate/flowgate/progress"
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/dao/definition"
	"github.com/flowgate/flowgate/service/notification"
	"github.com/flowgate/flowgate/service/step"
	"github.com/flowgate/flowgate/tracing"
	"go.uber.org/zap"
)

// Config holds process engine tunables.
type Config struct {
	// MaxStepRetries bounds manual step retries.
	MaxStepRetries int

	// ConflictRetries bounds the internal reload-and-retry loop on version
	// conflicts before ErrConcurrentModification surfaces to the caller.
	ConflictRetries int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxStepRetries:  3,
		ConflictRetries: 3,
	}
}

// Service orchestrates process instances.
type Service struct {
	config      Config
	definitions definition.Service
	instances   dao.VersionedService[string, process.Instance]
	steps       dao.VersionedService[string, process.Step]
	requests    dao.VersionedService[string, process.Request]
	stepEngine  *step.Service
	notifier    notification.Notifier
	logger      *zap.Logger
}

// Option customises the engine.
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

// New creates a process engine and registers it as the step engine's
// advancer.
func New(
	definitions definition.Service,
	instances dao.VersionedService[string, process.Instance],
	steps dao.VersionedService[string, process.Step],
	requests dao.VersionedService[string, process.Request],
	stepEngine *step.Service,
	options ...Option,
) *Service {
	ret := &Service{
		config:      DefaultConfig(),
		definitions: definitions,
		instances:   instances,
		steps:       steps,
		requests:    requests,
		stepEngine:  stepEngine,
		notifier:    notification.NopNotifier{},
		logger:      zap.NewNop(),
	}
	for _, option := range options {
		option(ret)
	}
	stepEngine.SetAdvancer(ret)
	return ret
}

// StartProcess creates and starts an instance of the named definition.
func (s *Service) StartProcess(ctx context.Context, definitionName string, input map[string]interface{}, initiatedBy string) (*process.Instance, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.StartProcess", "INTERNAL")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	def, err := s.definitions.Load(ctx, definitionName)
	if err != nil {
		return nil, err
	}
	if def.Status != model.DefinitionActive {
		err = fmt.Errorf("%w: %s is %s", process.ErrDefinitionNotActive, def.Name, def.Status)
		return nil, err
	}

	input = def.ApplyDefaults(input)
	if err = checkRequiredVariables(def, input); err != nil {
		return nil, err
	}

	inst := process.NewInstance(idgen.New(), def.ID, def.Name, input, initiatedBy)
	if err = inst.Transition(process.StatusRunning); err != nil {
		return nil, err
	}

	// Entry steps exist before the instance becomes visible so that
	// CurrentStepID is never dangling.
	entries := def.Graph.EntryNodes()
	entrySteps := make([]*process.Step, 0, len(entries))
	for i, node := range entries {
		st := process.NewStep(idgen.New(), inst.ID, node, i, inst.Input)
		if err = s.steps.Save(ctx, st); err != nil {
			return nil, err
		}
		progress.UpdateCtx(ctx, progress.Delta{Total: 1, Pending: 1})
		entrySteps = append(entrySteps, st)
	}
	if len(entrySteps) > 0 {
		inst.CurrentStepID = entrySteps[0].ID
	}
	if err = s.instances.Save(ctx, inst); err != nil {
		return nil, err
	}
	span.WithAttributes(map[string]string{"instanceID": inst.ID, "definition": def.Name})

	for i, node := range entries {
		st := entrySteps[i]
		if node.Type == model.NodeApproval {
			err = s.stepEngine.Dispatch(ctx, inst, st, node)
		} else {
			err = s.completeTaskStep(ctx, inst, st)
		}
		if err != nil {
			return nil, err
		}
	}
	return s.instances.Load(ctx, inst.ID)
}

// Advance moves the instance forward after a step reached a terminal status.
// It is idempotent: next steps that already exist are never duplicated, so
// replaying the call for an already-advanced step is a no-op.
func (s *Service) Advance(ctx context.Context, instanceID, completedStepID string) error {
	st, err := s.steps.Load(ctx, completedStepID)
	if err != nil {
		return err
	}
	if !st.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot advance from %s step %s", process.ErrInvalidStateTransition, st.Status, st.ID)
	}

	return s.withInstance(ctx, instanceID, func(inst *process.Instance) error {
		if inst.GetStatus().IsTerminal() {
			return nil
		}

		def, err := s.definitions.Load(ctx, inst.DefinitionName)
		if err != nil {
			return err
		}

		switch st.Status {
		case process.StepSkipped:
			return nil
		case process.StepFailed:
			err = s.advanceFailed(ctx, inst, def, st)
		default:
			err = s.advanceCompleted(ctx, inst, def, st)
		}
		if err != nil {
			return err
		}
		s.refreshProgress(ctx, inst)
		return nil
	})
}

// Suspend pauses a running instance.
func (s *Service) Suspend(ctx context.Context, instanceID string) error {
	return s.withInstance(ctx, instanceID, func(inst *process.Instance) error {
		return inst.Transition(process.StatusSuspended)
	})
}

// Resume re-enters a suspended instance.  The current step is re-dispatched
// through the step engine, which never duplicates already-sent requests.
func (s *Service) Resume(ctx context.Context, instanceID string) error {
	if err := s.withInstance(ctx, instanceID, func(inst *process.Instance) error {
		return inst.Transition(process.StatusRunning)
	}); err != nil {
		return err
	}

	inst, err := s.instances.Load(ctx, instanceID)
	if err != nil {
		return err
	}
	def, err := s.definitions.Load(ctx, inst.DefinitionName)
	if err != nil {
		return err
	}
	open, err := s.openSteps(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, st := range open {
		node := def.Graph.Node(st.NodeID)
		if node == nil || node.Type != model.NodeApproval {
			continue
		}
		if err := s.stepEngine.Dispatch(ctx, inst, st, node); err != nil {
			return err
		}
	}
	return nil
}

// Cancel terminates a running or suspended instance and skips every
// non-terminal step.  Cancellation is cooperative: in-flight responses are
// accepted for audit but no longer advance state.
func (s *Service) Cancel(ctx context.Context, instanceID string) error {
	if err := s.withInstance(ctx, instanceID, func(inst *process.Instance) error {
		return inst.Transition(process.StatusCancelled)
	}); err != nil {
		return err
	}

	open, err := s.openSteps(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, st := range open {
		expected := st.Version
		st.Skip()
		if err := s.steps.SaveWithVersion(ctx, st, expected); err != nil {
			if errors.Is(err, dao.ErrVersionConflict) {
				continue
			}
			return err
		}
		progress.UpdateCtx(ctx, progress.Delta{Skipped: 1, Running: -1})
	}

	s.emit(&notification.Event{
		Topic:      notification.TopicInstanceFinished,
		InstanceID: instanceID,
		Metadata:   map[string]interface{}{"status": string(process.StatusCancelled)},
	})
	return nil
}

// RetryStep re-enters the step engine for a failed step.
func (s *Service) RetryStep(ctx context.Context, stepID string) error {
	st, err := s.steps.Load(ctx, stepID)
	if err != nil {
		return err
	}
	if st.Status != process.StepFailed {
		return fmt.Errorf("%w: cannot retry %s step %s", process.ErrInvalidStateTransition, st.Status, st.ID)
	}
	if st.RetryCount >= s.config.MaxStepRetries {
		return fmt.Errorf("%w: step %s retried %d times", process.ErrRetryLimitExceeded, st.ID, st.RetryCount)
	}

	inst, err := s.instances.Load(ctx, st.InstanceID)
	if err != nil {
		return err
	}
	if inst.GetStatus().IsTerminal() {
		return fmt.Errorf("%w: instance %s is %s", process.ErrInvalidStateTransition, inst.ID, inst.GetStatus())
	}
	def, err := s.definitions.Load(ctx, inst.DefinitionName)
	if err != nil {
		return err
	}
	node := def.Graph.Node(st.NodeID)
	if node == nil {
		return fmt.Errorf("definition %s has no node %s", def.Name, st.NodeID)
	}

	// A retry is a fresh attempt: the approver snapshot is rebuilt at
	// dispatch and earlier requests stop counting towards the verdict.
	expected := st.Version
	st.RetryCount++
	st.Status = process.StepPending
	st.Error = ""
	st.CompletedAt = nil
	st.TimeoutActionApplied = false
	st.Approvers = nil
	st.EscalationLevel = 0
	st.LastEscalatedAt = nil
	if err := s.steps.SaveWithVersion(ctx, st, expected); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			return process.ErrConcurrentModification
		}
		return err
	}

	if node.Type != model.NodeApproval {
		return s.completeTaskStep(ctx, inst, st)
	}
	return s.stepEngine.Dispatch(ctx, inst, st, node)
}

// GetInstance returns an instance by ID.
func (s *Service) GetInstance(ctx context.Context, instanceID string) (*process.Instance, error) {
	return s.instances.Load(ctx, instanceID)
}

// GetInstanceSteps returns the instance's steps ordered by creation.
func (s *Service) GetInstanceSteps(ctx context.Context, instanceID string) ([]*process.Step, error) {
	steps, err := s.steps.List(ctx, dao.NewParameter("instanceId", instanceID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].StepOrder != steps[j].StepOrder {
			return steps[i].StepOrder < steps[j].StepOrder
		}
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
	return steps, nil
}

// GetPendingApprovals returns every open, actionable request assigned to the
// supplied identity.
func (s *Service) GetPendingApprovals(ctx context.Context, approver string) ([]*process.Request, error) {
	return s.stepEngine.PendingForApprover(ctx, approver)
}

// withInstance runs fn inside the optimistic unit of work: load the instance,
// apply the mutation, persist conditionally on the loaded version.  Version
// conflicts trigger a bounded reload-and-retry before
// ErrConcurrentModification surfaces.
func (s *Service) withInstance(ctx context.Context, instanceID string, fn func(*process.Instance) error) error {
	for attempt := 0; attempt < s.config.ConflictRetries; attempt++ {
		inst, err := s.instances.Load(ctx, instanceID)
		if err != nil {
			return err
		}
		expected := inst.Version
		if err := fn(inst); err != nil {
			return err
		}
		err = s.instances.SaveWithVersion(ctx, inst, expected)
		if err == nil {
			return nil
		}
		if !errors.Is(err, dao.ErrVersionConflict) {
			return err
		}
		s.logger.Debug("instance version conflict, retrying",
			zap.String("instanceID", instanceID),
			zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("%w: instance %s", process.ErrConcurrentModification, instanceID)
}

// advanceCompleted follows eligible outgoing edges of a completed step.
func (s *Service) advanceCompleted(ctx context.Context, inst *process.Instance, def *model.ProcessDefinition, st *process.Step) error {
	inst.SetContext(st.NodeID, st.Output)

	eligible, err := s.eligibleEdges(inst, def, st)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return s.maybeComplete(ctx, inst, st)
	}

	for _, edge := range eligible {
		node := def.Graph.Node(edge.To)
		if node == nil {
			return fmt.Errorf("definition %s has no node %s", def.Name, edge.To)
		}
		exists, err := s.stepExists(ctx, inst.ID, node.ID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.enterNode(ctx, inst, def, node, st.StepOrder+1); err != nil {
			return err
		}
	}
	inst.Touch()
	return nil
}

// advanceFailed follows conditional edges of a failed step when the graph
// routes rejection somewhere; otherwise the instance fails with the step's
// recorded cause.
func (s *Service) advanceFailed(ctx context.Context, inst *process.Instance, def *model.ProcessDefinition, st *process.Step) error {
	inst.SetContext(st.NodeID, map[string]interface{}{"status": string(st.Status), "error": st.Error})

	eligible, err := s.eligibleEdges(inst, def, st)
	if err != nil {
		return err
	}

	// Unconditional edges describe the approval path; a failed step follows
	// only edges whose condition explicitly matched.
	var conditional []*model.Edge
	for _, edge := range eligible {
		if edge.When != "" {
			conditional = append(conditional, edge)
		}
	}
	if len(conditional) == 0 {
		if err := inst.Fail(st.Error, map[string]interface{}{"stepId": st.ID, "nodeId": st.NodeID}); err != nil {
			return err
		}
		s.emit(&notification.Event{
			Topic:      notification.TopicInstanceFinished,
			InstanceID: inst.ID,
			StepID:     st.ID,
			Metadata:   map[string]interface{}{"status": string(process.StatusFailed), "error": st.Error},
		})
		return nil
	}

	for _, edge := range conditional {
		node := def.Graph.Node(edge.To)
		if node == nil {
			return fmt.Errorf("definition %s has no node %s", def.Name, edge.To)
		}
		exists, err := s.stepExists(ctx, inst.ID, node.ID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.enterNode(ctx, inst, def, node, st.StepOrder+1); err != nil {
			return err
		}
	}
	inst.Touch()
	return nil
}

// maybeComplete finishes the instance once no step remains open.
func (s *Service) maybeComplete(ctx context.Context, inst *process.Instance, last *process.Step) error {
	open, err := s.openSteps(ctx, inst.ID)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return nil
	}

	if err := inst.Transition(process.StatusCompleted); err != nil {
		return err
	}
	inst.Output = last.Output
	inst.Progress = 100

	s.emit(&notification.Event{
		Topic:      notification.TopicInstanceFinished,
		InstanceID: inst.ID,
		Metadata:   map[string]interface{}{"status": string(process.StatusCompleted)},
	})
	return nil
}

// refreshProgress recomputes the instance completion percentage from the
// settled fraction of its steps.
func (s *Service) refreshProgress(ctx context.Context, inst *process.Instance) {
	steps, err := s.steps.List(ctx, dao.NewParameter("instanceId", inst.ID))
	if err != nil || len(steps) == 0 {
		return
	}
	settled := 0
	for _, st := range steps {
		if st.Status.IsTerminal() {
			settled++
		}
	}
	inst.Progress = settled * 100 / len(steps)
}

// enterNode creates the step for a node and hands approval nodes to the step
// engine.  Task and gateway nodes complete immediately and advance in place.
func (s *Service) enterNode(ctx context.Context, inst *process.Instance, def *model.ProcessDefinition, node *model.Node, order int) error {
	st := process.NewStep(idgen.New(), inst.ID, node, order, inst.Input)
	if err := s.steps.Save(ctx, st); err != nil {
		return err
	}
	progress.UpdateCtx(ctx, progress.Delta{Total: 1, Pending: 1})

	inst.CurrentStepID = st.ID
	inst.Touch()

	if node.Type == model.NodeApproval {
		return s.stepEngine.Dispatch(ctx, inst, st, node)
	}
	return s.completeTaskStep(ctx, inst, st)
}

// completeTaskStep closes a non-approval step and advances past it.  Task and
// gateway nodes carry no work of their own here; gateways exist to fan
// conditional edges out.
func (s *Service) completeTaskStep(ctx context.Context, inst *process.Instance, st *process.Step) error {
	expected := st.Version
	st.Start()
	st.Complete(st.Input)
	if err := s.steps.SaveWithVersion(ctx, st, expected); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			return process.ErrConcurrentModification
		}
		return err
	}
	progress.UpdateCtx(ctx, progress.Delta{Completed: 1, Pending: -1})
	return s.Advance(ctx, inst.ID, st.ID)
}

// eligibleEdges evaluates the outgoing edge conditions against the instance
// scope extended with the step outcome.
func (s *Service) eligibleEdges(inst *process.Instance, def *model.ProcessDefinition, st *process.Step) ([]*model.Edge, error) {
	scope := inst.Scope()
	scope["step"] = map[string]interface{}{
		"status": string(st.Status),
		"output": st.Output,
		"error":  st.Error,
	}

	var eligible []*model.Edge
	for _, edge := range def.Graph.Outgoing(st.NodeID) {
		if edge.When == "" {
			eligible = append(eligible, edge)
			continue
		}
		condition, err := expr.Parse(edge.When)
		if err != nil {
			return nil, fmt.Errorf("invalid edge condition %q: %w", edge.When, err)
		}
		ok, err := expr.EvalBool(condition, scope)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, edge)
		}
	}
	return eligible, nil
}

func (s *Service) stepExists(ctx context.Context, instanceID, nodeID string) (bool, error) {
	steps, err := s.steps.List(ctx,
		dao.NewParameter("instanceId", instanceID),
		dao.NewParameter("nodeId", nodeID))
	if err != nil {
		return false, err
	}
	return len(steps) > 0, nil
}

func (s *Service) openSteps(ctx context.Context, instanceID string) ([]*process.Step, error) {
	steps, err := s.steps.List(ctx, dao.NewParameter("instanceId", instanceID))
	if err != nil {
		return nil, err
	}
	open := make([]*process.Step, 0, len(steps))
	for _, st := range steps {
		if !st.Status.IsTerminal() {
			open = append(open, st)
		}
	}
	return open, nil
}

func (s *Service) emit(event *notification.Event) {
	notifier := s.notifier
	logger := s.logger
	go func() {
		if err := notifier.Notify(context.Background(), event); err != nil {
			logger.Warn("notification delivery failed", zap.String("topic", event.Topic), zap.Error(err))
		}
	}()
}

func checkRequiredVariables(def *model.ProcessDefinition, input map[string]interface{}) error {
	for _, variable := range def.Variables {
		if !variable.Required {
			continue
		}
		if _, ok := input[variable.Name]; !ok {
			return fmt.Errorf("%w: missing required variable %s", process.ErrConfigurationInvalid, variable.Name)
		}
	}
	return nil
}
