package flowgate

import (
	"context"
	"testing"
	"time"

	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/directory"
	dirmemory "github.com/flowgate/flowgate/service/directory/memory"
	nmemory "github.com/flowgate/flowgate/service/notification/memory"
	"github.com/stretchr/testify/assert"
)

var expenseApprovalYAML = []byte(`
name: expense-approval
graph:
  nodes:
    - id: manager-review
      type: approval
      chain:
        type: unanimous
        approvers:
          - type: user
            value: manager
    - id: finance-review
      type: approval
      chain:
        type: unanimous
        approvers:
          - type: user
            value: cfo
  edges:
    - from: manager-review
      to: finance-review
`)

func newService() *Service {
	return New(WithDirectory(dirmemory.New(
		&directory.Identity{ID: "manager", Active: true},
		&directory.Identity{ID: "cfo", Active: true},
	)))
}

func TestNew_Defaults(t *testing.T) {
	service := New()
	assert.NotNil(t, service.Runtime())
	assert.NotNil(t, service.Notifier())
	assert.NotNil(t, service.Directory())

	definitions, err := service.Runtime().Definitions(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, definitions)
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	assert.Panics(t, func() {
		New(WithConfig(&Config{}))
	})
}

func TestService_EndToEnd(t *testing.T) {
	service := newService()
	runtime := service.Runtime()
	ctx := context.Background()

	def, err := runtime.DeployYAML(ctx, expenseApprovalYAML)
	assert.NoError(t, err)
	assert.Equal(t, "expense-approval", def.Name)

	inst, wait, err := runtime.StartProcess(ctx,
		"expense-approval", map[string]interface{}{"amount": 4200}, "alice")
	assert.NoError(t, err)
	assert.Equal(t, process.StatusRunning, inst.Status)

	pending, err := runtime.PendingApprovals(ctx, "manager")
	assert.NoError(t, err)
	assert.Len(t, pending, 1)

	assert.NoError(t, runtime.Approve(ctx, pending[0].StepID, "manager", nil, "within budget"))

	pending, err = runtime.PendingApprovals(ctx, "cfo")
	assert.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.NoError(t, runtime.Approve(ctx, pending[0].StepID, "cfo", nil, ""))

	done, err := wait(ctx, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, process.StatusCompleted, done.Status)

	steps, err := runtime.GetInstanceSteps(ctx, inst.ID)
	assert.NoError(t, err)
	assert.Len(t, steps, 2)
	for _, st := range steps {
		assert.Equal(t, process.StepCompleted, st.Status)
	}

	running, err := runtime.Instances(ctx, dao.NewParameter("status", string(process.StatusRunning)))
	assert.NoError(t, err)
	assert.Empty(t, running)

	// Delivery is fire-and-forget, so drain asynchronously.
	notifier, ok := service.Notifier().(*nmemory.Service)
	assert.True(t, ok)
	assert.Eventually(t, func() bool {
		return notifier.Size() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestService_WaitTimesOut(t *testing.T) {
	service := newService()
	runtime := service.Runtime()
	ctx := context.Background()

	_, err := runtime.DeployYAML(ctx, expenseApprovalYAML)
	assert.NoError(t, err)

	inst, wait, err := runtime.StartProcess(ctx, "expense-approval", nil, "alice")
	assert.NoError(t, err)

	snapshot, err := wait(ctx, 150*time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, inst.ID, snapshot.ID)
	assert.Equal(t, process.StatusRunning, snapshot.Status, "latest snapshot returned on timeout")
}

func TestService_CancelLifecycle(t *testing.T) {
	service := newService()
	runtime := service.Runtime()
	ctx := context.Background()

	_, err := runtime.DeployYAML(ctx, expenseApprovalYAML)
	assert.NoError(t, err)

	inst, _, err := runtime.StartProcess(ctx, "expense-approval", nil, "alice")
	assert.NoError(t, err)

	assert.NoError(t, runtime.Suspend(ctx, inst.ID))
	assert.NoError(t, runtime.Resume(ctx, inst.ID))
	assert.NoError(t, runtime.Cancel(ctx, inst.ID))

	cancelled, err := runtime.GetInstance(ctx, inst.ID)
	assert.NoError(t, err)
	assert.Equal(t, process.StatusCancelled, cancelled.Status)

	steps, err := runtime.GetInstanceSteps(ctx, inst.ID)
	assert.NoError(t, err)
	assert.Len(t, steps, 1)
	assert.Equal(t, process.StepSkipped, steps[0].Status)

	// A late response is kept for audit but never advances state.
	assert.NoError(t, runtime.Approve(ctx, steps[0].ID, "manager", nil, "too late"))
	assert.Equal(t, process.StatusCancelled, cancelled.Status)
}
