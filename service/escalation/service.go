// Package escalation implements the time-driven sweep that detects step
// timeouts, advances escalation levels and applies the configured timeout
// action once the escalation budget is exhausted.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/internal/clock"
	"github.com/flowgate/flowgate/internal/idgen"
	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/progress"
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/dao/definition"
	"github.com/flowgate/flowgate/service/directory"
	"github.com/flowgate/flowgate/service/notification"
	"github.com/flowgate/flowgate/service/step"
	"go.uber.org/zap"
)

// Config represents escalation scheduler configuration.
type Config struct {
	// PollingInterval is how often the scheduler checks running steps for
	// overdue escalations.
	PollingInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{PollingInterval: 30 * time.Second}
}

// Service sweeps running steps and escalates overdue ones.
type Service struct {
	config      Config
	instances   dao.VersionedService[string, process.Instance]
	steps       dao.VersionedService[string, process.Step]
	requests    dao.VersionedService[string, process.Request]
	definitions definition.Service
	directory   directory.Service
	stepEngine  *step.Service
	notifier    notification.Notifier
	logger      *zap.Logger
	shutdownCh  chan struct{}
}

// Option customises the scheduler.
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

// New creates an escalation scheduler.
func New(
	instances dao.VersionedService[string, process.Instance],
	steps dao.VersionedService[string, process.Step],
	requests dao.VersionedService[string, process.Request],
	definitions definition.Service,
	dir directory.Service,
	stepEngine *step.Service,
	options ...Option,
) *Service {
	ret := &Service{
		config:      DefaultConfig(),
		instances:   instances,
		steps:       steps,
		requests:    requests,
		definitions: definitions,
		directory:   dir,
		stepEngine:  stepEngine,
		notifier:    notification.NopNotifier{},
		logger:      zap.NewNop(),
		shutdownCh:  make(chan struct{}),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Start begins the escalation sweep loop.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("escalation sweep failed", zap.Error(err))
			}
		}
	}
}

// Shutdown stops the sweep loop.
func (s *Service) Shutdown() {
	close(s.shutdownCh)
}

// Sweep checks every running step once.  A failure on one step is logged and
// never aborts the sweep for the others.
func (s *Service) Sweep(ctx context.Context) error {
	running, err := s.steps.List(ctx, dao.NewParameter("status", string(process.StepRunning)))
	if err != nil {
		return fmt.Errorf("failed to list running steps: %w", err)
	}

	for _, st := range running {
		if err := s.sweepStep(ctx, st, false); err != nil {
			s.logger.Warn("step escalation check failed",
				zap.String("stepID", st.ID),
				zap.String("instanceID", st.InstanceID),
				zap.Error(err))
		}
	}
	return nil
}

// EscalateNow advances the escalation level of a step immediately, bypassing
// the timeout check.  The step's configuration must list the manual trigger.
func (s *Service) EscalateNow(ctx context.Context, stepID string) error {
	st, err := s.steps.Load(ctx, stepID)
	if err != nil {
		return err
	}
	return s.sweepStep(ctx, st, true)
}

// sweepStep runs one escalation check for a single step.
func (s *Service) sweepStep(ctx context.Context, st *process.Step, manual bool) error {
	if st.Status.IsTerminal() {
		return nil
	}

	inst, err := s.instances.Load(ctx, st.InstanceID)
	if err != nil {
		return err
	}
	if inst.GetStatus() != process.StatusRunning {
		return nil
	}

	esc, err := s.escalationOf(ctx, inst, st)
	if err != nil {
		return err
	}
	if esc == nil || !esc.Enabled {
		return nil
	}

	trigger := model.TriggerManual
	if manual {
		if !esc.HasTrigger(model.TriggerManual) {
			return fmt.Errorf("step %s does not allow manual escalation", st.ID)
		}
	} else {
		var ok bool
		if trigger, ok = s.due(ctx, st, esc); !ok {
			return nil
		}
	}

	nextLevel := st.EscalationLevel + 1
	target := esc.Target(nextLevel)
	if nextLevel > esc.MaxLevels || target == nil {
		return s.applyTimeoutAction(ctx, inst, st)
	}
	return s.advanceLevel(ctx, inst, st, esc, nextLevel, target, trigger)
}

// due reports whether the step is ready to escalate and which trigger fired.
// A rejection-triggered escalation is due immediately; the time-driven
// triggers wait for the step's escalation timer.
func (s *Service) due(ctx context.Context, st *process.Step, esc *model.EscalationConfig) (model.EscalationTrigger, bool) {
	if esc.HasTrigger(model.TriggerRejection) && s.hasRejection(ctx, st) {
		return model.TriggerRejection, true
	}
	if esc.TimeoutHours <= 0 {
		return "", false
	}
	now := clock.Now()
	if now.Before(st.EscalationBase().Add(esc.Timeout())) {
		return "", false
	}
	if esc.HasTrigger(model.TriggerTimeout) {
		return model.TriggerTimeout, true
	}
	if esc.HasTrigger(model.TriggerNoResponse) {
		requests, err := s.requests.List(ctx, dao.NewParameter("stepId", st.ID))
		if err != nil {
			s.logger.Warn("failed to list step requests", zap.String("stepID", st.ID), zap.Error(err))
			return "", false
		}
		for _, request := range requests {
			if request.Attempt != st.RetryCount {
				continue
			}
			if request.RespondedAt != nil {
				return "", false
			}
		}
		return model.TriggerNoResponse, true
	}
	return "", false
}

// hasRejection reports whether the step's active attempt carries a rejected
// response.
func (s *Service) hasRejection(ctx context.Context, st *process.Step) bool {
	requests, err := s.requests.List(ctx,
		dao.NewParameter("stepId", st.ID),
		dao.NewParameter("status", string(process.RequestRejected)))
	if err != nil {
		s.logger.Warn("failed to list step requests", zap.String("stepID", st.ID), zap.Error(err))
		return false
	}
	for _, request := range requests {
		if request.Attempt == st.RetryCount {
			return true
		}
	}
	return false
}

// applyTimeoutAction resolves an exhausted step via the chain's configured
// timeout action.  The step's optimistic version inside the force call keeps
// the action exactly-once across concurrent sweeps; the TimeoutActionApplied
// flag is recorded only after the action landed, so a failed attempt stays
// retryable on the next sweep.
func (s *Service) applyTimeoutAction(ctx context.Context, inst *process.Instance, st *process.Step) error {
	if st.TimeoutActionApplied {
		return nil
	}

	action := model.TimeoutReject
	if cfg, err := s.chainOf(ctx, inst, st); err == nil && cfg.TimeoutAction != "" {
		action = cfg.TimeoutAction
	}

	reason := "escalation exhausted"
	var err error
	switch action {
	case model.TimeoutApprove:
		err = s.stepEngine.ForceApprove(ctx, st.ID, reason)
	default:
		// Escalating past the final level is impossible, so timeout_action
		// "escalate" falls back to reject here.
		err = s.stepEngine.ForceReject(ctx, st.ID, reason)
	}
	if err != nil {
		return err
	}

	fresh, err := s.steps.Load(ctx, st.ID)
	if err != nil {
		return err
	}
	if fresh.TimeoutActionApplied {
		return nil
	}
	expected := fresh.Version
	fresh.TimeoutActionApplied = true
	if err := s.steps.SaveWithVersion(ctx, fresh, expected); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			// Another sweeper recorded the flag.
			return nil
		}
		return err
	}
	return nil
}

// advanceLevel moves the step to the next escalation level and dispatches
// requests to the resolved target identities.
func (s *Service) advanceLevel(ctx context.Context, inst *process.Instance, st *process.Step, esc *model.EscalationConfig, level int, target *model.EscalationTarget, trigger model.EscalationTrigger) error {
	identities, err := s.resolveTarget(ctx, inst, target)
	if err != nil {
		return err
	}
	if len(identities) == 0 {
		return fmt.Errorf("escalation target level %d of step %s resolved to nobody", level, st.ID)
	}

	existing, err := s.requests.List(ctx, dao.NewParameter("stepId", st.ID))
	if err != nil {
		return err
	}

	now := clock.Now()
	expected := st.Version
	st.EscalationLevel = level
	st.LastEscalatedAt = &now
	// The approver snapshot is a multiset: every successor request adds one
	// entry, so a target already holding a slot still balances the request it
	// supersedes.
	for _, identity := range identities {
		st.Approvers = append(st.Approvers, identity.ID)
	}
	if err := s.steps.SaveWithVersion(ctx, st, expected); err != nil {
		if errors.Is(err, dao.ErrVersionConflict) {
			// A concurrent sweep or decision won; this sweep retires.
			return nil
		}
		return err
	}
	progress.UpdateCtx(ctx, progress.Delta{Escalated: 1})

	// Close superseded open requests.  A rejection-triggered advance also
	// supersedes the rejecting responses so the verdict passes to the target.
	for _, request := range existing {
		supersede := request.Status.IsOpen() ||
			(trigger == model.TriggerRejection &&
				request.Status == process.RequestRejected &&
				request.Attempt == st.RetryCount)
		if !supersede {
			continue
		}
		reqExpected := request.Version
		request.MarkEscalated()
		if err := s.requests.SaveWithVersion(ctx, request, reqExpected); err != nil {
			s.logger.Debug("request closed concurrently", zap.String("requestID", request.ID), zap.Error(err))
		}
	}

	var actionableAt *time.Time
	if esc.DelayMinutes > 0 {
		at := now.Add(esc.Delay())
		actionableAt = &at
	}

	for i, identity := range identities {
		request := process.NewRequest(idgen.New(), st.ID, st.InstanceID, identity.ID, 0, len(existing)+i)
		request.EscalationLevel = level
		request.Attempt = st.RetryCount
		request.ActionableAt = actionableAt
		if err := s.requests.Save(ctx, request); err != nil {
			return err
		}
		s.emit(&notification.Event{
			Topic:      notification.TopicRequestEscalated,
			InstanceID: st.InstanceID,
			StepID:     st.ID,
			RequestID:  request.ID,
			Recipient:  identity.ID,
			Metadata:   map[string]interface{}{"level": level},
		})
	}

	s.logger.Info("step escalated",
		zap.String("stepID", st.ID),
		zap.String("instanceID", st.InstanceID),
		zap.Int("level", level),
		zap.String("target", string(target.Kind)))
	return nil
}

// resolveTarget expands an escalation target declaration into identities.
func (s *Service) resolveTarget(ctx context.Context, inst *process.Instance, target *model.EscalationTarget) ([]*directory.Identity, error) {
	switch target.Kind {
	case model.TargetUser:
		identity, err := s.directory.ResolveIdentity(ctx, target.Identifier)
		if err != nil {
			if errors.Is(err, dao.ErrNotFound) {
				return []*directory.Identity{{ID: target.Identifier, Active: true}}, nil
			}
			return nil, err
		}
		return []*directory.Identity{identity}, nil

	case model.TargetRole:
		return s.directory.ResolveRole(ctx, target.Identifier)

	case model.TargetManager:
		manager, err := s.directory.ManagerOf(ctx, inst.InitiatedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve manager of %s: %w", inst.InitiatedBy, err)
		}
		return []*directory.Identity{manager}, nil

	case model.TargetAdmin:
		role := target.Identifier
		if role == "" {
			role = "admin"
		}
		return s.directory.ResolveRole(ctx, role)

	default:
		return nil, fmt.Errorf("unknown escalation target kind: %s", target.Kind)
	}
}

func (s *Service) escalationOf(ctx context.Context, inst *process.Instance, st *process.Step) (*model.EscalationConfig, error) {
	node, err := s.nodeOf(ctx, inst, st)
	if err != nil {
		return nil, err
	}
	return node.Escalation, nil
}

func (s *Service) chainOf(ctx context.Context, inst *process.Instance, st *process.Step) (*model.ChainConfig, error) {
	node, err := s.nodeOf(ctx, inst, st)
	if err != nil {
		return nil, err
	}
	if node.Chain == nil {
		return nil, fmt.Errorf("node %s has no approval chain", node.ID)
	}
	return node.Chain, nil
}

func (s *Service) nodeOf(ctx context.Context, inst *process.Instance, st *process.Step) (*model.Node, error) {
	def, err := s.definitions.Load(ctx, inst.DefinitionName)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition %s: %w", inst.DefinitionName, err)
	}
	node := def.Graph.Node(st.NodeID)
	if node == nil {
		return nil, fmt.Errorf("definition %s has no node %s", def.Name, st.NodeID)
	}
	return node, nil
}

func (s *Service) emit(event *notification.Event) {
	notifier := s.notifier
	go func() {
		if err := notifier.Notify(context.Background(), event); err != nil {
			s.logger.Warn("notification delivery failed", zap.String("topic", event.Topic), zap.Error(err))
		}
	}()
}
