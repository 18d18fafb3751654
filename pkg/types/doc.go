/*
Package types defines the data model shared by the rollout packages.

The types mirror what the cluster API reports about a service, and what a
rollout records about itself. They carry no behavior beyond small queries.

# Core Types

Service Identity:
  - ServiceDescriptor: service name plus cluster, passed through to the cluster API

Rollout Input:
  - DeploymentSpec: target task definition, failure threshold, continue-on-failure
  - DeploymentState: PENDING, IN_PROGRESS, STEADY, THRESHOLD_EXCEEDED,
    ROLLING_BACK, SUCCEEDED, FAILED

Cluster View:
  - ServiceState: the service as the cluster API describes it
  - Deployment: one deployment of the service (PRIMARY, ACTIVE or INACTIVE)
  - Task: one task started by a deployment
  - ServiceSnapshot: a poll result, restricted to active deployments, with
    the stopped tasks of the tracked deployment not reported before

Outcome:
  - DeploymentRecord: the stored verdict of a finished rollout

# Steady State

A snapshot is steady on a task definition when the running count equals the
desired count and exactly one deployment, running that task definition, is
active:

	if snap.IsSteadyOn(spec.TaskDefinitionARN) {
		// rollout complete
	}

SUCCEEDED and FAILED are terminal; DeploymentState.IsTerminal reports them.
*/
package types
