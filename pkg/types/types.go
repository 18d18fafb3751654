package types

import (
	"time"
)

// ServiceDescriptor identifies the remote service being deployed
type ServiceDescriptor struct {
	ServiceName string
	ClusterARN  string
}

// String returns cluster/service for log and metric labels
func (d ServiceDescriptor) String() string {
	if d.ClusterARN == "" {
		return d.ServiceName
	}
	return d.ClusterARN + "/" + d.ServiceName
}

// DeploymentSpec describes the revision being rolled out and the failure policy
type DeploymentSpec struct {
	TaskDefinitionARN string
	FailureThreshold  int  // Failures tolerated; the rollout is abandoned when the tally reaches it
	ContinueOnFailure bool // Report threshold breaches without rolling back
}

// DeploymentState is the rollout state owned by the deployment controller
type DeploymentState string

const (
	DeploymentStatePending           DeploymentState = "PENDING"
	DeploymentStateInProgress        DeploymentState = "IN_PROGRESS"
	DeploymentStateSteady            DeploymentState = "STEADY"
	DeploymentStateThresholdExceeded DeploymentState = "THRESHOLD_EXCEEDED"
	DeploymentStateRollingBack       DeploymentState = "ROLLING_BACK"
	DeploymentStateSucceeded         DeploymentState = "SUCCEEDED"
	DeploymentStateFailed            DeploymentState = "FAILED"
)

// IsTerminal reports whether no further transitions are possible
func (s DeploymentState) IsTerminal() bool {
	return s == DeploymentStateSucceeded || s == DeploymentStateFailed
}

// DeploymentStatus is the orchestrator's status for one deployment of a service
type DeploymentStatus string

const (
	DeploymentStatusPrimary  DeploymentStatus = "PRIMARY"
	DeploymentStatusActive   DeploymentStatus = "ACTIVE"
	DeploymentStatusInactive DeploymentStatus = "INACTIVE"
)

// Deployment is one deployment of a service as reported by the cluster
type Deployment struct {
	ID                string
	Status            DeploymentStatus
	TaskDefinitionARN string
	DesiredCount      int
	RunningCount      int
	PendingCount      int
	FailedTasks       int
	CreatedAt         time.Time
}

// IsActive reports whether the deployment still owns tasks
func (d Deployment) IsActive() bool {
	return d.Status != DeploymentStatusInactive
}

// ServiceState is a raw read of a service from the cluster API
type ServiceState struct {
	ServiceName       string
	Status            string
	DesiredCount      int
	RunningCount      int
	PendingCount      int
	TaskDefinitionARN string // Task definition of the primary deployment
	Deployments       []Deployment
}

// Primary returns the primary deployment, if the cluster reported one
func (s *ServiceState) Primary() (Deployment, bool) {
	for _, d := range s.Deployments {
		if d.Status == DeploymentStatusPrimary {
			return d, true
		}
	}
	return Deployment{}, false
}

// TaskStatus is the lifecycle status of a single task
type TaskStatus string

const (
	TaskStatusProvisioning TaskStatus = "PROVISIONING"
	TaskStatusPending      TaskStatus = "PENDING"
	TaskStatusActivating   TaskStatus = "ACTIVATING"
	TaskStatusRunning      TaskStatus = "RUNNING"
	TaskStatusDeactivating TaskStatus = "DEACTIVATING"
	TaskStatusStopping     TaskStatus = "STOPPING"
	TaskStatusStopped      TaskStatus = "STOPPED"
)

// Task is a task belonging to a deployment
type Task struct {
	ARN               string
	DeploymentID      string // Deployment that started the task
	TaskDefinitionARN string
	LastStatus        TaskStatus
	DesiredStatus     TaskStatus
	StoppedReason     string
	StoppedAt         time.Time
}

// IsStopped reports whether the task has stopped or is on its way down
func (t Task) IsStopped() bool {
	return t.DesiredStatus == TaskStatusStopped || t.LastStatus == TaskStatusStopped
}

// ServiceSnapshot is a point-in-time view of a service produced by the monitor
type ServiceSnapshot struct {
	Service           ServiceDescriptor
	DesiredCount      int
	RunningCount      int
	TaskDefinitionARN string
	Deployments       []Deployment // Active deployments only
	Target            *Deployment  // Deployment under test, nil until the cluster reports it
	NewFailures       []Task       // Target tasks that stopped since the previous snapshot
	ObservedAt        time.Time
}

// ActiveDeploymentIDs returns the IDs of all active deployments
func (s *ServiceSnapshot) ActiveDeploymentIDs() []string {
	ids := make([]string, 0, len(s.Deployments))
	for _, d := range s.Deployments {
		ids = append(ids, d.ID)
	}
	return ids
}

// IsSteadyOn reports whether every desired task runs and exactly one
// deployment, on the given task definition, is active
func (s *ServiceSnapshot) IsSteadyOn(taskDefinitionARN string) bool {
	if s.RunningCount != s.DesiredCount {
		return false
	}
	if len(s.Deployments) != 1 {
		return false
	}
	return s.Deployments[0].TaskDefinitionARN == taskDefinitionARN
}

// DeploymentRecord is the stored outcome of a finished rollout
type DeploymentRecord struct {
	ID                     string          `json:"id" yaml:"id"`
	ServiceName            string          `json:"service_name" yaml:"service_name"`
	ClusterARN             string          `json:"cluster_arn" yaml:"cluster_arn"`
	TaskDefinitionARN      string          `json:"task_definition_arn" yaml:"task_definition_arn"`
	PriorTaskDefinitionARN string          `json:"prior_task_definition_arn,omitempty" yaml:"prior_task_definition_arn,omitempty"`
	State                  DeploymentState `json:"state" yaml:"state"`
	FailureTally           int             `json:"failure_tally" yaml:"failure_tally"`
	FailureThreshold       int             `json:"failure_threshold" yaml:"failure_threshold"`
	ContinueOnFailure      bool            `json:"continue_on_failure" yaml:"continue_on_failure"`
	RollbackIssued         bool            `json:"rollback_issued" yaml:"rollback_issued"`
	RollbackConverged      bool            `json:"rollback_converged" yaml:"rollback_converged"`
	Error                  string          `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt              time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt             time.Time       `json:"finished_at" yaml:"finished_at"`
}

// Duration returns how long the rollout ran
func (r *DeploymentRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
