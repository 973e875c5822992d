package step

import (
	"context"
	"testing"
	"time"

	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/stretchr/testify/assert"
)

// backdate moves a request's deadline into the past.
func (f *fixture) backdate(t *testing.T, request *process.Request) {
	past := time.Now().Add(-time.Hour)
	request.ExpiresAt = &past
	assert.NoError(t, f.requests.Save(context.Background(), request))
}

func TestService_ExpireOverdue_RejectsExpired(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, st, _ := f.setup(t, &model.ChainConfig{
		Type:      model.ChainUnanimous,
		Approvers: []*model.ApproverDecl{userDecl("alice"), userDecl("bob")},
	})

	requests := f.stepRequests(t, st.ID)
	f.backdate(t, requests[0])

	closed, err := f.service.ExpireOverdue(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, closed)

	// The synthetic rejection settles the unanimous chain.
	assert.Equal(t, process.StepFailed, f.loadStep(t, st.ID).Status)
	for _, request := range f.stepRequests(t, st.ID) {
		if request.ID == requests[0].ID {
			assert.Equal(t, process.RequestRejected, request.Status)
			assert.Equal(t, "request expired", request.Notes)
		}
	}
}

func TestService_ExpireOverdue_ApproveAction(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, st, _ := f.setup(t, &model.ChainConfig{
		Type:          model.ChainUnanimous,
		Approvers:     []*model.ApproverDecl{userDecl("alice")},
		TimeoutAction: model.TimeoutApprove,
	})

	f.backdate(t, f.stepRequests(t, st.ID)[0])

	closed, err := f.service.ExpireOverdue(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, process.StepCompleted, f.loadStep(t, st.ID).Status)
}

func TestService_ExpireOverdue_EscalateActionLeavesStepOpen(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, st, _ := f.setup(t, &model.ChainConfig{
		Type:          model.ChainUnanimous,
		Approvers:     []*model.ApproverDecl{userDecl("alice")},
		TimeoutAction: model.TimeoutEscalate,
	})

	f.backdate(t, f.stepRequests(t, st.ID)[0])

	closed, err := f.service.ExpireOverdue(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, closed)

	// The escalation scheduler owns the step from here.
	assert.Equal(t, process.StepRunning, f.loadStep(t, st.ID).Status)
	assert.Equal(t, process.RequestEscalated, f.stepRequests(t, st.ID)[0].Status)
}

func TestService_ExpireOverdue_IgnoresLiveRequests(t *testing.T) {
	f := newFixture()
	_, st, _ := f.setup(t, &model.ChainConfig{
		Type:      model.ChainUnanimous,
		Approvers: []*model.ApproverDecl{userDecl("alice")},
	})

	closed, err := f.service.ExpireOverdue(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, closed)
	assert.Equal(t, process.StepRunning, f.loadStep(t, st.ID).Status)
}
