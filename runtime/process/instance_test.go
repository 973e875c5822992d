package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_CanTransition(t *testing.T) {
	testCases := []struct {
		from   Status
		to     Status
		expect bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusSuspended, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusSuspended, StatusRunning, true},
		{StatusSuspended, StatusCancelled, true},
		{StatusSuspended, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, testCase := range testCases {
		actual := testCase.from.CanTransition(testCase.to)
		assert.Equal(t, testCase.expect, actual, "%v -> %v", testCase.from, testCase.to)
	}
}

func TestInstance_Transition(t *testing.T) {
	instance := NewInstance("i1", "d1", "expense-approval", nil, "alice")
	assert.Equal(t, StatusPending, instance.GetStatus())
	assert.Nil(t, instance.StartedAt)

	assert.NoError(t, instance.Transition(StatusRunning))
	assert.NotNil(t, instance.StartedAt)

	assert.NoError(t, instance.Transition(StatusSuspended))
	assert.NotNil(t, instance.SuspendedAt)

	assert.NoError(t, instance.Transition(StatusRunning))
	assert.Nil(t, instance.SuspendedAt)

	instance.CurrentStepID = "s1"
	assert.NoError(t, instance.Transition(StatusCompleted))
	assert.NotNil(t, instance.CompletedAt)
	assert.Empty(t, instance.CurrentStepID)
	assert.True(t, instance.Status.IsTerminal())

	err := instance.Transition(StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestInstance_Fail(t *testing.T) {
	instance := NewInstance("i1", "d1", "expense-approval", nil, "alice")
	assert.NoError(t, instance.Transition(StatusRunning))
	assert.NoError(t, instance.Fail("rejected by bob", map[string]interface{}{"stepId": "s1"}))
	assert.Equal(t, StatusFailed, instance.GetStatus())
	assert.Equal(t, "rejected by bob", instance.ErrorMessage)

	assert.ErrorIs(t, instance.Fail("again", nil), ErrInvalidStateTransition)
}

func TestInstance_Clone(t *testing.T) {
	instance := NewInstance("i1", "d1", "expense-approval", map[string]interface{}{"amount": 100}, "alice")
	instance.SetContext("approval", "granted")

	clone := instance.Clone()
	clone.Input["amount"] = 999
	clone.SetContext("approval", "denied")

	assert.Equal(t, 100, instance.Input["amount"])
	assert.Equal(t, "granted", instance.Context["approval"])
}

func TestRequest_IsActionable(t *testing.T) {
	request := NewRequest("r1", "s1", "i1", "alice", 0, 0)
	now := request.RequestedAt

	assert.True(t, request.IsActionable(now))

	later := now.Add(time.Minute)
	request.ActionableAt = &later
	assert.False(t, request.IsActionable(now))
	assert.True(t, request.IsActionable(later))

	request.ActionableAt = nil
	request.Respond(RequestApproved, nil, "")
	assert.False(t, request.IsActionable(now))
	assert.NotNil(t, request.RespondedAt)
}

func TestStep_Lifecycle(t *testing.T) {
	step := &Step{ID: "s1", InstanceID: "i1", Status: StepPending}

	step.Start()
	assert.Equal(t, StepRunning, step.Status)
	assert.False(t, step.Status.IsTerminal())

	base := step.EscalationBase()
	assert.Equal(t, step.StartedAt, base)

	escalatedAt := step.StartedAt.Add(2 * time.Hour)
	step.LastEscalatedAt = &escalatedAt
	assert.Equal(t, escalatedAt, step.EscalationBase())

	step.Complete(map[string]interface{}{"verdict": "approved"})
	assert.Equal(t, StepCompleted, step.Status)
	assert.True(t, step.Status.IsTerminal())
	assert.NotNil(t, step.CompletedAt)
}
