package ecs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cuemby/rollout/pkg/cluster"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultRegion is used when neither the configuration nor the
	// environment names a region
	DefaultRegion = "us-east-1"

	// describeTasksBatch is the most task ARNs DescribeTasks accepts per call
	describeTasksBatch = 100

	failureMissing = "MISSING"

	deploymentStarterPrefix = "ecs-svc/"
)

// ErrServiceNotFound is returned when the cluster has no such service
var ErrServiceNotFound = cluster.ErrServiceNotFound

// ECSClientAPI defines the ECS operations used by the client.
// This allows for mocking in tests.
type ECSClientAPI interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// Config holds AWS connection settings
type Config struct {
	Region     string
	Profile    string
	AssumeRole string // Role ARN assumed through STS before calling ECS
}

// Option configures a Client
type Option func(*Client)

// WithECSClient sets a custom ECS client (for testing)
func WithECSClient(api ECSClientAPI) Option {
	return func(c *Client) {
		c.api = api
	}
}

// Client implements cluster.Client on top of the ECS API
type Client struct {
	api    ECSClientAPI
	logger zerolog.Logger
}

// New creates an ECS client. Without WithECSClient the AWS SDK default
// credential chain is used, narrowed by cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c := &Client{logger: log.WithComponent("ecs")}
	for _, opt := range opts {
		opt(c)
	}

	if c.api == nil {
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.api = ecs.NewFromConfig(awsCfg)
		c.logger.Debug().Str("region", awsCfg.Region).Msg("ECS client configured")
	}

	return c, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var configOpts []func(*awsconfig.LoadOptions) error

	configOpts = append(configOpts, awsconfig.WithRegion(ResolveRegion(cfg.Region)))
	if cfg.Profile != "" {
		configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.AssumeRole != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), cfg.AssumeRole, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "rollout"
		})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return awsCfg, nil
}

// ResolveRegion returns region, else AWS_REGION, else AWS_DEFAULT_REGION,
// else DefaultRegion
func ResolveRegion(region string) string {
	if region != "" {
		return region
	}
	for _, env := range []string{"AWS_REGION", "AWS_DEFAULT_REGION"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return DefaultRegion
}

// DescribeService returns the current state of the service
func (c *Client) DescribeService(ctx context.Context, svc types.ServiceDescriptor) (*types.ServiceState, error) {
	out, err := observe("DescribeServices", func() (*ecs.DescribeServicesOutput, error) {
		return c.api.DescribeServices(ctx, &ecs.DescribeServicesInput{
			Cluster:  clusterParam(svc),
			Services: []string{svc.ServiceName},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe service %s: %w", svc, mapError(err))
	}

	for _, f := range out.Failures {
		if aws.ToString(f.Reason) == failureMissing {
			return nil, fmt.Errorf("%s: %w", svc, ErrServiceNotFound)
		}
		return nil, fmt.Errorf("failed to describe service %s: %s %s", svc, aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	if len(out.Services) == 0 {
		return nil, fmt.Errorf("%s: %w", svc, ErrServiceNotFound)
	}

	return serviceState(&out.Services[0]), nil
}

// UpdateService points the service at a task definition, starting a new deployment
func (c *Client) UpdateService(ctx context.Context, svc types.ServiceDescriptor, taskDefinitionARN string) (*types.ServiceState, error) {
	out, err := observe("UpdateService", func() (*ecs.UpdateServiceOutput, error) {
		return c.api.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:        clusterParam(svc),
			Service:        aws.String(svc.ServiceName),
			TaskDefinition: aws.String(taskDefinitionARN),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update service %s: %w", svc, mapError(err))
	}

	c.logger.Info().
		Str("service", svc.ServiceName).
		Str("task_definition", taskDefinitionARN).
		Msg("Service update requested")

	if out.Service == nil {
		return &types.ServiceState{ServiceName: svc.ServiceName, TaskDefinitionARN: taskDefinitionARN}, nil
	}
	return serviceState(out.Service), nil
}

// ListDeploymentTasks returns the running and stopped tasks started by the deployment
func (c *Client) ListDeploymentTasks(ctx context.Context, svc types.ServiceDescriptor, deployment types.Deployment) ([]types.Task, error) {
	var arns []string
	for _, status := range []ecstypes.DesiredStatus{ecstypes.DesiredStatusRunning, ecstypes.DesiredStatusStopped} {
		paginator := ecs.NewListTasksPaginator(c.api, &ecs.ListTasksInput{
			Cluster:       clusterParam(svc),
			ServiceName:   aws.String(svc.ServiceName),
			DesiredStatus: status,
		})
		for paginator.HasMorePages() {
			page, err := observe("ListTasks", func() (*ecs.ListTasksOutput, error) {
				return paginator.NextPage(ctx)
			})
			if err != nil {
				return nil, fmt.Errorf("failed to list %s tasks of %s: %w", status, svc, mapError(err))
			}
			arns = append(arns, page.TaskArns...)
		}
	}

	var tasks []types.Task
	for start := 0; start < len(arns); start += describeTasksBatch {
		end := min(start+describeTasksBatch, len(arns))

		out, err := observe("DescribeTasks", func() (*ecs.DescribeTasksOutput, error) {
			return c.api.DescribeTasks(ctx, &ecs.DescribeTasksInput{
				Cluster: clusterParam(svc),
				Tasks:   arns[start:end],
			})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe tasks of %s: %w", svc, mapError(err))
		}

		for i := range out.Tasks {
			task := taskOf(&out.Tasks[i])
			if belongsTo(task, out.Tasks[i].StartedBy, deployment) {
				tasks = append(tasks, task)
			}
		}
	}

	return tasks, nil
}

// belongsTo matches a task to a deployment by its starter, falling back to
// the task definition for tasks not started by a service deployment
func belongsTo(task types.Task, startedBy *string, deployment types.Deployment) bool {
	if task.DeploymentID != "" {
		return task.DeploymentID == deployment.ID
	}
	return aws.ToString(startedBy) == "" && task.TaskDefinitionARN == deployment.TaskDefinitionARN
}

// observe times one ECS call and records the cluster API health
func observe[T any](operation string, call func() (T, error)) (T, error) {
	timer := metrics.NewTimer()
	out, err := call()
	timer.ObserveDurationVec(metrics.ClusterAPIRequestDuration, operation)

	if err != nil {
		metrics.UpdateComponent(metrics.ComponentClusterAPI, false, err.Error())
	} else {
		metrics.UpdateComponent(metrics.ComponentClusterAPI, true, "")
	}
	return out, err
}

func mapError(err error) error {
	var notFound *ecstypes.ServiceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrServiceNotFound, err)
	}
	return err
}

func clusterParam(svc types.ServiceDescriptor) *string {
	if svc.ClusterARN == "" {
		return nil
	}
	return aws.String(svc.ClusterARN)
}

func serviceState(s *ecstypes.Service) *types.ServiceState {
	state := &types.ServiceState{
		ServiceName:       aws.ToString(s.ServiceName),
		Status:            aws.ToString(s.Status),
		DesiredCount:      int(s.DesiredCount),
		RunningCount:      int(s.RunningCount),
		PendingCount:      int(s.PendingCount),
		TaskDefinitionARN: aws.ToString(s.TaskDefinition),
	}

	for _, d := range s.Deployments {
		state.Deployments = append(state.Deployments, types.Deployment{
			ID:                aws.ToString(d.Id),
			Status:            types.DeploymentStatus(aws.ToString(d.Status)),
			TaskDefinitionARN: aws.ToString(d.TaskDefinition),
			DesiredCount:      int(d.DesiredCount),
			RunningCount:      int(d.RunningCount),
			PendingCount:      int(d.PendingCount),
			FailedTasks:       int(d.FailedTasks),
			CreatedAt:         aws.ToTime(d.CreatedAt),
		})
	}
	return state
}

func taskOf(t *ecstypes.Task) types.Task {
	task := types.Task{
		ARN:               aws.ToString(t.TaskArn),
		TaskDefinitionARN: aws.ToString(t.TaskDefinitionArn),
		LastStatus:        types.TaskStatus(aws.ToString(t.LastStatus)),
		DesiredStatus:     types.TaskStatus(aws.ToString(t.DesiredStatus)),
		StoppedReason:     aws.ToString(t.StoppedReason),
		StoppedAt:         aws.ToTime(t.StoppedAt),
	}
	// Service deployments start their tasks with the deployment ID
	if startedBy := aws.ToString(t.StartedBy); strings.HasPrefix(startedBy, deploymentStarterPrefix) {
		task.DeploymentID = startedBy
	}
	return task
}
