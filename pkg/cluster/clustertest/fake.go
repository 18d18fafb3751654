// Package clustertest provides a scripted cluster for tests of packages
// that drive the cluster API.
package clustertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/rollout/pkg/types"
)

// Step is the cluster's answer to one DescribeService call
type Step struct {
	State    *types.ServiceState
	Tasks    []types.Task // Served by ListDeploymentTasks until the next describe
	Err      error        // Returned by DescribeService
	TasksErr error        // Returned by ListDeploymentTasks
}

// Fake serves scripted steps in order and repeats the last one when the
// script runs out. It records every call.
type Fake struct {
	mu      sync.Mutex
	steps   []Step
	current Step

	describeCalls int
	listCalls     int
	updates       []string

	// UpdateErrors fails UpdateService for the given task definitions
	UpdateErrors map[string]error

	// DescribeGate, when set, blocks DescribeService until a value is
	// received or the context ends
	DescribeGate chan struct{}

	// UpdateGate, when set, blocks UpdateService until a value is received.
	// The context is ignored so that an outstanding update always finishes.
	UpdateGate chan struct{}
}

// New creates a fake serving the given steps
func New(steps ...Step) *Fake {
	return &Fake{
		steps:        steps,
		UpdateErrors: make(map[string]error),
	}
}

// DescribeService serves the next scripted step
func (f *Fake) DescribeService(ctx context.Context, svc types.ServiceDescriptor) (*types.ServiceState, error) {
	if f.DescribeGate != nil {
		select {
		case <-f.DescribeGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.steps) == 0 {
		return nil, fmt.Errorf("clustertest: no steps scripted")
	}

	idx := f.describeCalls
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	f.describeCalls++
	f.current = f.steps[idx]

	if f.current.Err != nil {
		return nil, f.current.Err
	}
	return copyState(f.current.State), nil
}

// UpdateService records the requested task definition
func (f *Fake) UpdateService(ctx context.Context, svc types.ServiceDescriptor, taskDefinitionARN string) (*types.ServiceState, error) {
	if f.UpdateGate != nil {
		<-f.UpdateGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, taskDefinitionARN)
	if err := f.UpdateErrors[taskDefinitionARN]; err != nil {
		return nil, err
	}

	state := copyState(f.current.State)
	if state == nil {
		state = &types.ServiceState{ServiceName: svc.ServiceName}
	}
	state.TaskDefinitionARN = taskDefinitionARN
	return state, nil
}

// ListDeploymentTasks returns the current step's tasks started by the deployment
func (f *Fake) ListDeploymentTasks(ctx context.Context, svc types.ServiceDescriptor, deployment types.Deployment) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.current.TasksErr != nil {
		return nil, f.current.TasksErr
	}

	var tasks []types.Task
	for _, t := range f.current.Tasks {
		if t.DeploymentID == "" || t.DeploymentID == deployment.ID {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// DescribeCalls returns the number of DescribeService calls so far
func (f *Fake) DescribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.describeCalls
}

// ListCalls returns the number of ListDeploymentTasks calls so far
func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// Updates returns the task definitions passed to UpdateService, in order
func (f *Fake) Updates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

// TotalCalls returns the number of calls of any kind
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.describeCalls + f.listCalls + len(f.updates)
}

func copyState(s *types.ServiceState) *types.ServiceState {
	if s == nil {
		return nil
	}
	c := *s
	c.Deployments = append([]types.Deployment(nil), s.Deployments...)
	return &c
}

// Service builds a service state whose primary deployment sets the task definition
func Service(desired, running int, deployments ...types.Deployment) *types.ServiceState {
	state := &types.ServiceState{
		ServiceName:  "web",
		Status:       "ACTIVE",
		DesiredCount: desired,
		RunningCount: running,
		Deployments:  deployments,
	}
	for _, d := range deployments {
		if d.Status == types.DeploymentStatusPrimary {
			state.TaskDefinitionARN = d.TaskDefinitionARN
		}
	}
	return state
}

// Primary builds a primary deployment
func Primary(id, taskDefinitionARN string, running int) types.Deployment {
	return types.Deployment{
		ID:                id,
		Status:            types.DeploymentStatusPrimary,
		TaskDefinitionARN: taskDefinitionARN,
		RunningCount:      running,
	}
}

// Active builds a non-primary active deployment
func Active(id, taskDefinitionARN string, running int) types.Deployment {
	return types.Deployment{
		ID:                id,
		Status:            types.DeploymentStatusActive,
		TaskDefinitionARN: taskDefinitionARN,
		RunningCount:      running,
	}
}

// StoppedTask builds a stopped task started by a deployment
func StoppedTask(arn, deploymentID, reason string) types.Task {
	return types.Task{
		ARN:           arn,
		DeploymentID:  deploymentID,
		LastStatus:    types.TaskStatusStopped,
		DesiredStatus: types.TaskStatusStopped,
		StoppedReason: reason,
	}
}

// RunningTask builds a running task started by a deployment
func RunningTask(arn, deploymentID string) types.Task {
	return types.Task{
		ARN:           arn,
		DeploymentID:  deploymentID,
		LastStatus:    types.TaskStatusRunning,
		DesiredStatus: types.TaskStatusRunning,
	}
}
