package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Rollout outcome metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_deployments_total",
			Help: "Total number of finished deployments by service and final state",
		},
		[]string{"service", "state"},
	)

	DeploymentsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rollout_deployments_in_flight",
			Help: "Number of deployments currently being monitored",
		},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollout_deployment_duration_seconds",
			Help:    "Time from rollout start to the terminal verdict in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"service", "state"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_rollbacks_total",
			Help: "Total number of rollback updates issued by service",
		},
		[]string{"service"},
	)

	// Task metrics
	TaskFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_task_failures_total",
			Help: "Total number of target deployment task failures observed",
		},
		[]string{"service"},
	)

	FailureTally = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rollout_failure_tally",
			Help: "Current failure tally of the deployment being monitored",
		},
		[]string{"service"},
	)

	// Polling metrics
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_polls_total",
			Help: "Total number of service polls by result",
		},
		[]string{"result"},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rollout_poll_duration_seconds",
			Help:    "Time taken to poll the cluster API in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// History metrics
	HistoryDeployments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rollout_history_deployments",
			Help: "Number of recorded deployments by service and final state",
		},
		[]string{"service", "state"},
	)

	ClusterAPIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollout_cluster_api_request_duration_seconds",
			Help:    "Cluster API request duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentsInFlight)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(TaskFailuresTotal)
	prometheus.MustRegister(FailureTally)
	prometheus.MustRegister(PollsTotal)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(ClusterAPIRequestDuration)
	prometheus.MustRegister(HistoryDeployments)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeMux returns a mux with /metrics, /health, /ready and /live registered
func ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
