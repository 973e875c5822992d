package flowgate

import (
	"context"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/runtime/process"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/dao/definition"
	"github.com/flowgate/flowgate/service/engine"
	"github.com/flowgate/flowgate/service/escalation"
	"github.com/flowgate/flowgate/service/step"
)

// Runtime is the operational surface of the engine: definition management,
// process lifecycle, approval actions and the escalation sweeper.
type Runtime struct {
	definitionDAO definition.Service
	instanceDAO   dao.VersionedService[string, process.Instance]
	stepDAO       dao.VersionedService[string, process.Step]
	requestDAO    dao.VersionedService[string, process.Request]

	stepEngine *step.Service
	engine     *engine.Service
	deployer   *engine.Deployer
	escalation *escalation.Service
}

// Start launches the background escalation sweeper.  It returns once the
// sweeper is running; use Shutdown to stop it.
func (r *Runtime) Start(ctx context.Context) {
	go func() {
		_ = r.escalation.Start(ctx)
	}()
}

// Shutdown stops the escalation sweeper.
func (r *Runtime) Shutdown() {
	r.escalation.Shutdown()
}

// Deploy validates the supplied definition and activates it.
func (r *Runtime) Deploy(ctx context.Context, def *model.ProcessDefinition) error {
	return r.deployer.Deploy(ctx, def)
}

// DeployYAML decodes a YAML definition and deploys it.
func (r *Runtime) DeployYAML(ctx context.Context, encoded []byte) (*model.ProcessDefinition, error) {
	def, err := definition.DecodeYAML(encoded)
	if err != nil {
		return nil, err
	}
	if err = r.deployer.Deploy(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// Archive retires a definition; running instances are unaffected.
func (r *Runtime) Archive(ctx context.Context, name string) error {
	return r.deployer.Archive(ctx, name)
}

// Deactivate suspends a definition so no new instances start from it.
func (r *Runtime) Deactivate(ctx context.Context, name string) error {
	return r.deployer.Deactivate(ctx, name)
}

// LoadDefinition returns a registered definition by name.
func (r *Runtime) LoadDefinition(ctx context.Context, name string) (*model.ProcessDefinition, error) {
	return r.definitionDAO.Load(ctx, name)
}

// Definitions returns all registered definitions.
func (r *Runtime) Definitions(ctx context.Context) ([]*model.ProcessDefinition, error) {
	return r.definitionDAO.List(ctx)
}

// RefreshDefinitions discards any cached definitions so subsequent loads pick
// up external edits.  It is a no-op for registries that do not cache.
func (r *Runtime) RefreshDefinitions(ctx context.Context) error {
	if refresher, ok := r.definitionDAO.(definition.Refresher); ok {
		return refresher.Refresh(ctx)
	}
	return nil
}

// StartProcess starts a new instance of the named definition and returns it
// together with a wait function that blocks until the instance reaches a
// terminal status or the timeout elapses.
func (r *Runtime) StartProcess(ctx context.Context, definitionName string, input map[string]interface{}, initiatedBy string) (*process.Instance, func(ctx context.Context, timeout time.Duration) (*process.Instance, error), error) {
	inst, err := r.engine.StartProcess(ctx, definitionName, input, initiatedBy)
	if err != nil {
		return nil, nil, err
	}
	wait := func(ctx context.Context, timeout time.Duration) (*process.Instance, error) {
		return r.WaitForInstance(ctx, inst.ID, timeout)
	}
	return inst, wait, nil
}

// WaitForInstance polls until the instance reaches a terminal status or the
// timeout elapses, returning the latest snapshot either way.
func (r *Runtime) WaitForInstance(ctx context.Context, instanceID string, timeout time.Duration) (*process.Instance, error) {
	deadline := time.Now().Add(timeout)
	for {
		inst, err := r.engine.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, nil
		}
		if time.Now().After(deadline) {
			return inst, fmt.Errorf("timed out waiting for instance %v after %v", instanceID, timeout)
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// GetInstance returns an instance by ID.
func (r *Runtime) GetInstance(ctx context.Context, instanceID string) (*process.Instance, error) {
	return r.engine.GetInstance(ctx, instanceID)
}

// GetInstanceSteps returns the steps of an instance in execution order.
func (r *Runtime) GetInstanceSteps(ctx context.Context, instanceID string) ([]*process.Step, error) {
	return r.engine.GetInstanceSteps(ctx, instanceID)
}

// Instances returns instances matching the optional field filters, for
// example dao.NewParameter("status", "running").
func (r *Runtime) Instances(ctx context.Context, parameters ...*dao.Parameter) ([]*process.Instance, error) {
	return r.instanceDAO.List(ctx, parameters...)
}

// Suspend pauses a running instance.
func (r *Runtime) Suspend(ctx context.Context, instanceID string) error {
	return r.engine.Suspend(ctx, instanceID)
}

// Resume resumes a suspended instance and re-dispatches its open approval
// steps without duplicating requests.
func (r *Runtime) Resume(ctx context.Context, instanceID string) error {
	return r.engine.Resume(ctx, instanceID)
}

// Cancel cancels an instance and skips its open steps.
func (r *Runtime) Cancel(ctx context.Context, instanceID string) error {
	return r.engine.Cancel(ctx, instanceID)
}

// RetryStep re-runs a failed step subject to the retry limit.
func (r *Runtime) RetryStep(ctx context.Context, stepID string) error {
	return r.engine.RetryStep(ctx, stepID)
}

// Approve records an approval on behalf of the supplied approver.
func (r *Runtime) Approve(ctx context.Context, stepID, approver string, responseData map[string]interface{}, notes string) error {
	return r.stepEngine.Approve(ctx, stepID, approver, responseData, notes)
}

// Reject records a rejection on behalf of the supplied approver.
func (r *Runtime) Reject(ctx context.Context, stepID, approver string, responseData map[string]interface{}, notes string) error {
	return r.stepEngine.Reject(ctx, stepID, approver, responseData, notes)
}

// Delegate hands an open approval request over to another identity.
func (r *Runtime) Delegate(ctx context.Context, stepID, approver, delegate, notes string) error {
	return r.stepEngine.Delegate(ctx, stepID, approver, delegate, notes)
}

// PendingApprovals returns the actionable requests assigned to an approver.
func (r *Runtime) PendingApprovals(ctx context.Context, approver string) ([]*process.Request, error) {
	return r.engine.GetPendingApprovals(ctx, approver)
}

// StepRequests returns every approval request recorded for a step.
func (r *Runtime) StepRequests(ctx context.Context, stepID string) ([]*process.Request, error) {
	return r.stepEngine.Requests(ctx, stepID)
}

// ExpireOverdueRequests closes open approval requests whose deadline passed,
// applying each chain's timeout action as a synthetic response.
func (r *Runtime) ExpireOverdueRequests(ctx context.Context) (int, error) {
	return r.stepEngine.ExpireOverdue(ctx)
}

// EscalateNow escalates a step immediately, bypassing its timers.
func (r *Runtime) EscalateNow(ctx context.Context, stepID string) error {
	return r.escalation.EscalateNow(ctx, stepID)
}

// Sweep runs a single escalation pass over all running steps.
func (r *Runtime) Sweep(ctx context.Context) error {
	return r.escalation.Sweep(ctx)
}
