/*
Package metrics provides Prometheus metrics and health endpoints for rollouts.

All metrics are registered with the Prometheus DefaultRegistry at package
init and exposed in text format by Handler. ServeMux bundles the metrics
handler with the health, readiness and liveness probes.

# Metrics Catalog

Deployment Metrics:

rollout_deployments_total{service, state}:
  - Type: Counter
  - Description: Finished deployments by final state (SUCCEEDED/FAILED)
  - Example: rollout_deployments_total{service="web",state="SUCCEEDED"} 12

rollout_deployments_in_flight:
  - Type: Gauge
  - Description: Deployments between their start and end events

rollout_deployment_duration_seconds{service, state}:
  - Type: Histogram
  - Description: Time from rollout start to verdict
  - Buckets: 10s to 1h

rollout_rollbacks_total{service}:
  - Type: Counter
  - Description: Rollback updates issued, including best-effort rollbacks

Task Metrics:

rollout_task_failures_total{service}:
  - Type: Counter
  - Description: Stopped tasks of the target deployment, each counted once

rollout_failure_tally{service}:
  - Type: Gauge
  - Description: Failure tally of the deployment in flight

Polling Metrics:

rollout_polls_total{result}:
  - Type: Counter
  - Labels: result (ok/error)

rollout_poll_duration_seconds:
  - Type: Histogram
  - Description: Duration of one service poll, task listing included

rollout_cluster_api_request_duration_seconds{operation}:
  - Type: Histogram
  - Labels: operation (DescribeServices/UpdateService/ListTasks/DescribeTasks)

History Metrics:

rollout_history_deployments{service, state}:
  - Type: Gauge
  - Description: Recorded deployments, refreshed by Collector

# Recording

Recorder subscribes to a deployment's event broker and turns lifecycle
events into the deployment and task metrics above:

	broker := events.NewBroker()
	broker.Start()
	go metrics.NewRecorder("web").Run(broker.Subscribe())

Timer wraps a single measurement:

	timer := metrics.NewTimer()
	out, err := client.DescribeServices(ctx, input)
	timer.ObserveDurationVec(metrics.ClusterAPIRequestDuration, "DescribeServices")

# Health

Components report their health with RegisterComponent and UpdateComponent.
The process is ready once the cluster_api and monitor components are
registered and healthy. /health returns 503 when the monitor is unhealthy and
reports "degraded" with 200 when only the cluster API is failing. Both bodies
include the service, state and failure tally last set by SetRollout, which the
Recorder calls on every event. /live always returns 200 while the process
serves requests.
*/
package metrics
