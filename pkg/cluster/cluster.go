package cluster

import (
	"context"
	"errors"

	"github.com/cuemby/rollout/pkg/types"
)

// ErrServiceNotFound is returned by an API when the cluster has no such
// service. It is never retried.
var ErrServiceNotFound = errors.New("service not found")

// API reads and mutates a service on the remote orchestrator
type API interface {
	// DescribeService returns the current state of the service
	DescribeService(ctx context.Context, svc types.ServiceDescriptor) (*types.ServiceState, error)

	// UpdateService points the service at a task definition, starting a new deployment
	UpdateService(ctx context.Context, svc types.ServiceDescriptor, taskDefinitionARN string) (*types.ServiceState, error)
}

// TaskHealth enumerates the tasks of a single deployment
type TaskHealth interface {
	ListDeploymentTasks(ctx context.Context, svc types.ServiceDescriptor, deployment types.Deployment) ([]types.Task, error)
}

// Client is a collaborator that serves both interfaces, like the ECS adapter
type Client interface {
	API
	TaskHealth
}
