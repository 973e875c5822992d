package engine

import (
	"context"
	"testing"

	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/chain"
	"github.com/flowgate/flowgate/service/dao"
	dmemory "github.com/flowgate/flowgate/service/dao/definition/memory"
	"github.com/flowgate/flowgate/service/dao/store"
	"github.com/flowgate/flowgate/service/directory"
	dirmemory "github.com/flowgate/flowgate/service/directory/memory"
	"github.com/flowgate/flowgate/service/resolver"
	"github.com/flowgate/flowgate/service/step"
	"github.com/stretchr/testify/assert"
)

type fixture struct {
	definitions *dmemory.Service
	instances   dao.VersionedService[string, process.Instance]
	steps       dao.VersionedService[string, process.Step]
	requests    dao.VersionedService[string, process.Request]
	stepEngine  *step.Service
	engine      *Service
}

func newFixture() *fixture {
	instances := store.NewMemoryStore[string, process.Instance](
		func(i *process.Instance) string { return i.ID },
		store.WithVersion[string, process.Instance](func(i *process.Instance) *int { return &i.Version }),
		store.WithClone[string, process.Instance]((*process.Instance).Clone),
		store.WithFields[string, process.Instance](func(i *process.Instance) map[string]string {
			return map[string]string{"status": string(i.Status)}
		}))
	steps := store.NewMemoryStore[string, process.Step](
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
	requests := store.NewMemoryStore[string, process.Request](
		func(r *process.Request) string { return r.ID },
		store.WithVersion[string, process.Request](func(r *process.Request) *int { return &r.Version }),
		store.WithClone[string, process.Request]((*process.Request).Clone),
		store.WithFields[string, process.Request](func(r *process.Request) map[string]string {
			return map[string]string{
				"instanceId": r.InstanceID,
				"stepId":     r.StepID,
				"approver":   r.Approver,
				"status":     string(r.Status),
			}
		}))

	definitions := dmemory.New()
	dir := dirmemory.New(
		&directory.Identity{ID: "manager", Active: true, Roles: []string{"managers"}},
		&directory.Identity{ID: "cfo", Active: true, Roles: []string{"finance"}},
	)
	stepEngine := step.New(instances, steps, requests, definitions, resolver.New(dir), chain.New())
	engine := New(definitions, instances, steps, requests, stepEngine)

	return &fixture{
		definitions: definitions,
		instances:   instances,
		steps:       steps,
		requests:    requests,
		stepEngine:  stepEngine,
		engine:      engine,
	}
}

func user(value string) *model.ApproverDecl {
	return &model.ApproverDecl{Type: model.ApproverUser, Value: value}
}

func approval(id string, approvers ...*model.ApproverDecl) *model.Node {
	return &model.Node{
		ID:   id,
		Type: model.NodeApproval,
		Chain: &model.ChainConfig{
			Type:      model.ChainUnanimous,
			Approvers: approvers,
		},
	}
}

// deploy registers an already-active definition, bypassing Deployer
// validation so tests control the exact shape.
func (f *fixture) deploy(t *testing.T, def *model.ProcessDefinition) {
	if def.Status == "" {
		def.Status = model.DefinitionActive
	}
	assert.NoError(t, f.definitions.Upsert(context.Background(), def))
}

func (f *fixture) twoStageDefinition(t *testing.T) {
	f.deploy(t, &model.ProcessDefinition{
		Name:   "expense-approval",
		Status: model.DefinitionActive,
		Graph: &model.Graph{
			Nodes: []*model.Node{
				approval("manager-review", user("manager")),
				approval("finance-review", user("cfo")),
			},
			Edges: []*model.Edge{
				{From: "manager-review", To: "finance-review"},
			},
		},
	})
}

func (f *fixture) instanceSteps(t *testing.T, instanceID string) []*process.Step {
	steps, err := f.engine.GetInstanceSteps(context.Background(), instanceID)
	assert.NoError(t, err)
	return steps
}

func (f *fixture) instance(t *testing.T, instanceID string) *process.Instance {
	inst, err := f.engine.GetInstance(context.Background(), instanceID)
	assert.NoError(t, err)
	return inst
}

func TestService_StartProcess_DefinitionNotActive(t *testing.T) {
	f := newFixture()
	f.deploy(t, &model.ProcessDefinition{
		Name:   "draft-only",
		Status: model.DefinitionDraft,
		Graph:  &model.Graph{Nodes: []*model.Node{approval("review", user("manager"))}},
	})

	_, err := f.engine.StartProcess(context.Background(), "draft-only", nil, "alice")
	assert.ErrorIs(t, err, process.ErrDefinitionNotActive)
}

func TestService_StartProcess_MissingRequiredVariable(t *testing.T) {
	f := newFixture()
	f.deploy(t, &model.ProcessDefinition{
		Name:   "expense-approval",
		Status: model.DefinitionActive,
		Graph:  &model.Graph{Nodes: []*model.Node{approval("review", user("manager"))}},
		Variables: []*model.VariableDecl{
			{Name: "amount", Required: true},
			{Name: "currency", Default: "USD"},
		},
	})

	_, err := f.engine.StartProcess(context.Background(), "expense-approval", nil, "alice")
	assert.ErrorIs(t, err, process.ErrConfigurationInvalid)

	inst, err := f.engine.StartProcess(context.Background(), "expense-approval",
		map[string]interface{}{"amount": 250}, "alice")
	assert.NoError(t, err)
	assert.Equal(t, "USD", inst.Input["currency"], "declared default applied")
}

func TestService_ApprovalFlow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.twoStageDefinition(t)

	inst, err := f.engine.StartProcess(ctx, "expense-approval", map[string]interface{}{"amount": 90}, "alice")
	assert.NoError(t, err)
	assert.Equal(t, process.StatusRunning, inst.Status)
	assert.NotEmpty(t, inst.CurrentStepID)

	steps := f.instanceSteps(t, inst.ID)
	assert.Len(t, steps, 1)
	first := steps[0]
	assert.Equal(t, "manager-review", first.NodeID)
	assert.Equal(t, process.StepRunning, first.Status)

	assert.NoError(t, f.stepEngine.Approve(ctx, first.ID, "manager", nil, ""))

	steps = f.instanceSteps(t, inst.ID)
	assert.Len(t, steps, 2, "approval advanced into finance-review")
	second := steps[1]
	assert.Equal(t, "finance-review", second.NodeID)
	assert.Equal(t, 50, f.instance(t, inst.ID).Progress, "half the steps settled")

	assert.NoError(t, f.stepEngine.Approve(ctx, second.ID, "cfo", nil, ""))

	final := f.instance(t, inst.ID)
	assert.Equal(t, process.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "approved", final.Output["verdict"])
	assert.Empty(t, final.CurrentStepID)
}

func TestService_RejectionFailsInstance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.twoStageDefinition(t)

	inst, err := f.engine.StartProcess(ctx, "expense-approval", nil, "alice")
	assert.NoError(t, err)

	first := f.instanceSteps(t, inst.ID)[0]
	assert.NoError(t, f.stepEngine.Reject(ctx, first.ID, "manager", nil, "missing receipts"))

	failed := f.instance(t, inst.ID)
	assert.Equal(t, process.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "missing receipts")
	// The rejection short-circuits: finance-review is never entered.
	assert.Len(t, f.instanceSteps(t, inst.ID), 1)
}

func TestService_Advance_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.twoStageDefinition(t)

	inst, err := f.engine.StartProcess(ctx, "expense-approval", nil, "alice")
	assert.NoError(t, err)
	first := f.instanceSteps(t, inst.ID)[0]
	assert.NoError(t, f.stepEngine.Approve(ctx, first.ID, "manager", nil, ""))
	assert.Len(t, f.instanceSteps(t, inst.ID), 2)

	// Replaying the advance for the same step must not duplicate the next
	// step.
	assert.NoError(t, f.engine.Advance(ctx, inst.ID, first.ID))
	assert.Len(t, f.instanceSteps(t, inst.ID), 2)

	// Advancing from a non-terminal step is rejected.
	second := f.instanceSteps(t, inst.ID)[1]
	assert.ErrorIs(t, f.engine.Advance(ctx, inst.ID, second.ID), process.ErrInvalidStateTransition)
}

func TestService_SuspendResume(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.twoStageDefinition(t)

	inst, err := f.engine.StartProcess(ctx, "expense-approval", nil, "alice")
	assert.NoError(t, err)

	assert.NoError(t, f.engine.Suspend(ctx, inst.ID))
	assert.Equal(t, process.StatusSuspended, f.instance(t, inst.ID).Status)
	assert.ErrorIs(t, f.engine.Suspend(ctx, inst.ID), process.ErrInvalidStateTransition)

	assert.NoError(t, f.engine.Resume(ctx, inst.ID))
	assert.Equal(t, process.StatusRunning, f.instance(t, inst.ID).Status)

	// Resume re-dispatches the open step without duplicating its requests.
	first := f.instanceSteps(t, inst.ID)[0]
	requests, err := f.stepEngine.Requests(ctx, first.ID)
	assert.NoError(t, err)
	assert.Len(t, requests, 1)

	assert.NoError(t, f.stepEngine.Approve(ctx, first.ID, "manager", nil, ""))
	assert.Len(t, f.instanceSteps(t, inst.ID), 2)
}

func TestService_SuspendResume_Sequential(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.deploy(t, &model.ProcessDefinition{
		Name:   "sequential-approval",
		Status: model.DefinitionActive,
		Graph: &model.Graph{
			Nodes: []*model.Node{{
				ID:   "review",
				Type: model.NodeApproval,
				Chain: &model.ChainConfig{
					Type: model.ChainSequential,
					Approvers: []*model.ApproverDecl{
						{Type: model.ApproverUser, Value: "manager", Order: 0},
						{Type: model.ApproverUser, Value: "cfo", Order: 1},
					},
				},
			}},
		},
	})

	inst, err := f.engine.StartProcess(ctx, "sequential-approval", nil, "alice")
	assert.NoError(t, err)
	first := f.instanceSteps(t, inst.ID)[0]

	assert.NoError(t, f.engine.Suspend(ctx, inst.ID))
	assert.NoError(t, f.engine.Resume(ctx, inst.ID))

	// The first group is still collecting its response; re-dispatch must not
	// release the second group early.
	requests, err := f.stepEngine.Requests(ctx, first.ID)
	assert.NoError(t, err)
	assert.Len(t, requests, 1)
	assert.Equal(t, "manager", requests[0].Approver)

	assert.NoError(t, f.stepEngine.Approve(ctx, first.ID, "manager", nil, ""))
	requests, err = f.stepEngine.Requests(ctx, first.ID)
	assert.NoError(t, err)
	assert.Len(t, requests, 2, "approval opens the second group")

	assert.NoError(t, f.stepEngine.Approve(ctx, first.ID, "cfo", nil, ""))
	assert.Equal(t, process.StatusCompleted, f.instance(t, inst.ID).Status)
}

func TestService_Cancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.twoStageDefinition(t)

	inst, err := f.engine.StartProcess(ctx, "expense-approval", nil, "alice")
	assert.NoError(t, err)
	first := f.instanceSteps(t, inst.ID)[0]

	assert.NoError(t, f.engine.Cancel(ctx, inst.ID))
	cancelled := f.instance(t, inst.ID)
	assert.Equal(t, process.StatusCancelled, cancelled.Status)
	assert.Equal(t, process.StepSkipped, f.instanceSteps(t, inst.ID)[0].Status)

	// A response after cancellation is recorded for audit but advances
	// nothing.
	assert.NoError(t, f.stepEngine.Approve(ctx, first.ID, "manager", nil, "too late"))
	assert.Equal(t, process.StatusCancelled, f.instance(t, inst.ID).Status)
	assert.Len(t, f.instanceSteps(t, inst.ID), 1)
}

func TestService_RetryStep(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.twoStageDefinition(t)

	inst, err := f.engine.StartProcess(ctx, "expense-approval", nil, "alice")
	assert.NoError(t, err)
	first := f.instanceSteps(t, inst.ID)[0]

	assert.ErrorIs(t, f.engine.RetryStep(ctx, first.ID), process.ErrInvalidStateTransition)

	assert.NoError(t, f.stepEngine.Reject(ctx, first.ID, "manager", nil, "incomplete"))
	assert.Equal(t, process.StatusFailed, f.instance(t, inst.ID).Status)

	// The instance is terminal, so the step cannot be retried anymore.
	assert.ErrorIs(t, f.engine.RetryStep(ctx, first.ID), process.ErrInvalidStateTransition)
}

func TestService_RetryStep_Limit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	// rejection routes to a second approval that stays open, keeping the
	// instance alive so the failed step remains retryable.
	f.deploy(t, &model.ProcessDefinition{
		Name:   "guarded",
		Status: model.DefinitionActive,
		Graph: &model.Graph{
			Nodes: []*model.Node{
				approval("review", user("manager")),
				approval("exception-review", user("cfo")),
			},
			Edges: []*model.Edge{
				{From: "review", To: "exception-review", When: "step.status == 'failed'"},
			},
		},
	})

	inst, err := f.engine.StartProcess(ctx, "guarded", nil, "alice")
	assert.NoError(t, err)
	first := f.instanceSteps(t, inst.ID)[0]
	assert.NoError(t, f.stepEngine.Reject(ctx, first.ID, "manager", nil, "redo"))
	assert.Equal(t, process.StatusRunning, f.instance(t, inst.ID).Status, "failure routed, instance survives")

	loaded, err := f.steps.Load(ctx, first.ID)
	assert.NoError(t, err)
	loaded.RetryCount = 3
	assert.NoError(t, f.steps.SaveWithVersion(ctx, loaded, loaded.Version))

	assert.ErrorIs(t, f.engine.RetryStep(ctx, first.ID), process.ErrRetryLimitExceeded)
}

func TestService_ConditionalRouting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.deploy(t, &model.ProcessDefinition{
		Name:   "tiered-approval",
		Status: model.DefinitionActive,
		Graph: &model.Graph{
			Nodes: []*model.Node{
				approval("manager-review", user("manager")),
				approval("finance-review", user("cfo")),
				{ID: "archive", Type: model.NodeTask},
			},
			Edges: []*model.Edge{
				{From: "manager-review", To: "finance-review", When: "input_data.amount > 10000"},
				{From: "manager-review", To: "archive", When: "input_data.amount <= 10000"},
			},
		},
	})

	// A small amount routes straight to the archival task and completes.
	small, err := f.engine.StartProcess(ctx, "tiered-approval", map[string]interface{}{"amount": 500}, "alice")
	assert.NoError(t, err)
	first := f.instanceSteps(t, small.ID)[0]
	assert.NoError(t, f.stepEngine.Approve(ctx, first.ID, "manager", nil, ""))
	assert.Equal(t, process.StatusCompleted, f.instance(t, small.ID).Status)
	steps := f.instanceSteps(t, small.ID)
	assert.Len(t, steps, 2)
	assert.Equal(t, "archive", steps[1].NodeID)

	// A large amount requires the second approval tier.
	large, err := f.engine.StartProcess(ctx, "tiered-approval", map[string]interface{}{"amount": 50000}, "alice")
	assert.NoError(t, err)
	first = f.instanceSteps(t, large.ID)[0]
	assert.NoError(t, f.stepEngine.Approve(ctx, first.ID, "manager", nil, ""))
	assert.Equal(t, process.StatusRunning, f.instance(t, large.ID).Status)
	steps = f.instanceSteps(t, large.ID)
	assert.Len(t, steps, 2)
	assert.Equal(t, "finance-review", steps[1].NodeID)
}

func TestService_RetryStartsFreshAttempt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.deploy(t, &model.ProcessDefinition{
		Name:   "retryable",
		Status: model.DefinitionActive,
		Graph: &model.Graph{
			Nodes: []*model.Node{
				approval("review", user("manager")),
				approval("exception-review", user("cfo")),
			},
			Edges: []*model.Edge{
				{From: "review", To: "exception-review", When: "step.status == 'failed'"},
			},
		},
	})

	inst, err := f.engine.StartProcess(ctx, "retryable", nil, "alice")
	assert.NoError(t, err)
	first := f.instanceSteps(t, inst.ID)[0]
	assert.NoError(t, f.stepEngine.Reject(ctx, first.ID, "manager", nil, "redo"))
	assert.Equal(t, process.StatusRunning, f.instance(t, inst.ID).Status)

	assert.NoError(t, f.engine.RetryStep(ctx, first.ID))
	retried, err := f.steps.Load(ctx, first.ID)
	assert.NoError(t, err)
	assert.Equal(t, process.StepRunning, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Empty(t, retried.Error)

	// The retry opened a fresh request; the original rejection stays on
	// record but no longer counts.
	requests, err := f.stepEngine.Requests(ctx, first.ID)
	assert.NoError(t, err)
	assert.Len(t, requests, 2)

	// The retried step can now be approved cleanly.
	assert.NoError(t, f.stepEngine.Approve(ctx, first.ID, "manager", nil, "fixed"))
	assert.Equal(t, process.StepCompleted, f.instanceSteps(t, inst.ID)[0].Status)
}
