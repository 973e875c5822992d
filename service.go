package flowgate

import (
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/chain"
	dfs "github.com/flowgate/flowgate/service/dao/definition/fs"
	dmemory "github.com/flowgate/flowgate/service/dao/definition/memory"
	"github.com/flowgate/flowgate/service/dao/store"
	"github.com/flowgate/flowgate/service/directory"
	dirmemory "github.com/flowgate/flowgate/service/directory/memory"
	"github.com/flowgate/flowgate/service/engine"
	"github.com/flowgate/flowgate/service/escalation"
	mmemory "github.com/flowgate/flowgate/service/messaging/memory"
	"github.com/flowgate/flowgate/service/notification"
	nmemory "github.com/flowgate/flowgate/service/notification/memory"
	"github.com/flowgate/flowgate/service/resolver"
	"github.com/flowgate/flowgate/service/step"
	"github.com/flowgate/flowgate/service/validator"
	"go.uber.org/zap"
)

// Service is the engine façade wiring every collaborator together.  All
// collaborators are explicitly constructed and injected; none is an ambient
// singleton.
type Service struct {
	runtime            *Runtime
	config             *Config
	logger             *zap.Logger
	definitionsBaseURL string
	directoryService   directory.Service
	notifier           notification.Notifier
}

func (s *Service) init(options []Option) error {
	for _, option := range options {
		option(s)
	}
	if err := s.config.Validate(); err != nil {
		return err
	}
	s.ensureBaseSetup()

	r := s.runtime
	approvers := resolver.New(s.directoryService)
	evaluator := chain.New()

	v, err := validator.New()
	if err != nil {
		return err
	}

	r.stepEngine = step.New(
		r.instanceDAO, r.stepDAO, r.requestDAO, r.definitionDAO,
		approvers, evaluator,
		step.WithConfig(step.Config{DefaultDueHours: s.config.Step.DefaultDueHours}),
		step.WithNotifier(s.notifier),
		step.WithLogger(s.logger))

	r.engine = engine.New(
		r.definitionDAO, r.instanceDAO, r.stepDAO, r.requestDAO, r.stepEngine,
		engine.WithConfig(engine.Config{
			MaxStepRetries:  s.config.Engine.MaxStepRetries,
			ConflictRetries: s.config.Engine.ConflictRetries,
		}),
		engine.WithNotifier(s.notifier),
		engine.WithLogger(s.logger))

	r.deployer = engine.NewDeployer(r.engine, v)

	r.escalation = escalation.New(
		r.instanceDAO, r.stepDAO, r.requestDAO, r.definitionDAO,
		s.directoryService, r.stepEngine,
		escalation.WithConfig(escalation.Config{PollingInterval: s.config.Escalation.PollingInterval}),
		escalation.WithNotifier(s.notifier),
		escalation.WithLogger(s.logger))

	return nil
}

func (s *Service) ensureBaseSetup() {
	r := s.runtime
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if r.definitionDAO == nil {
		if s.definitionsBaseURL != "" {
			if svc, err := dfs.New(s.definitionsBaseURL); err == nil {
				r.definitionDAO = svc
			}
		}
		if r.definitionDAO == nil {
			r.definitionDAO = dmemory.New()
		}
	}
	if s.directoryService == nil {
		s.directoryService = dirmemory.New()
	}
	if s.notifier == nil {
		s.notifier = nmemory.New(mmemory.DefaultConfig())
	}
	if r.instanceDAO == nil {
		r.instanceDAO = store.NewMemoryStore[string, process.Instance](
			func(i *process.Instance) string { return i.ID },
			store.WithVersion[string, process.Instance](func(i *process.Instance) *int { return &i.Version }),
			store.WithClone[string, process.Instance]((*process.Instance).Clone),
			store.WithFields[string, process.Instance](func(i *process.Instance) map[string]string {
				return map[string]string{
					"status":         string(i.Status),
					"definitionName": i.DefinitionName,
					"initiatedBy":    i.InitiatedBy,
				}
			}))
	}
	if r.stepDAO == nil {
		r.stepDAO = store.NewMemoryStore[string, process.Step](
			func(st *process.Step) string { return st.ID },
			store.WithVersion[string, process.Step](func(st *process.Step) *int { return &st.Version }),
			store.WithClone[string, process.Step]((*process.Step).Clone),
			store.WithFields[string, process.Step](func(st *process.Step) map[string]string {
				return map[string]string{
					"instanceId": st.InstanceID,
					"nodeId":     st.NodeID,
					"status":     string(st.Status),
				}
			}))
	}
	if r.requestDAO == nil {
		r.requestDAO = store.NewMemoryStore[string, process.Request](
			func(rq *process.Request) string { return rq.ID },
			store.WithVersion[string, process.Request](func(rq *process.Request) *int { return &rq.Version }),
			store.WithClone[string, process.Request]((*process.Request).Clone),
			store.WithFields[string, process.Request](func(rq *process.Request) map[string]string {
				return map[string]string{
					"instanceId": rq.InstanceID,
					"stepId":     rq.StepID,
					"approver":   rq.Approver,
					"status":     string(rq.Status),
				}
			}))
	}
}

// Runtime returns the runtime surface of the engine.
func (s *Service) Runtime() *Runtime {
	return s.runtime
}

// Notifier returns the configured notifier.
func (s *Service) Notifier() notification.Notifier {
	return s.notifier
}

// Directory returns the configured directory service.
func (s *Service) Directory() directory.Service {
	return s.directoryService
}

// New creates a flowgate service.  Options override the memory-backed
// defaults for storage, directory and notification.  Invalid configuration
// panics; use Config.Validate beforehand when the settings come from user
// input.
func New(options ...Option) *Service {
	ret := &Service{runtime: &Runtime{}, config: DefaultConfig()}
	if err := ret.init(options); err != nil {
		panic(err)
	}
	return ret
}
