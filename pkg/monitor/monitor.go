package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/rollout/pkg/cluster"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is the time between scheduled polls
	DefaultInterval = 5 * time.Second

	// DefaultMaxConsecutiveFailures is the number of failed polls in a row
	// that turns into a fatal result
	DefaultMaxConsecutiveFailures = 3

	// scaleInReason prefixes the stopped reason of tasks the orchestrator
	// removed on purpose while shifting capacity between deployments
	scaleInReason = "Scaling activity initiated by"
)

var (
	// ErrNotAvailable is returned by Snapshot before the first successful poll
	ErrNotAvailable = errors.New("service snapshot not yet available")

	// ErrStopped is returned by Refresh once the monitor has been stopped
	ErrStopped = errors.New("monitor stopped")
)

// ConsecutiveFailureError is the fatal error produced when too many polls
// fail in a row. It wraps the last query error.
type ConsecutiveFailureError struct {
	Failures int
	Err      error
}

func (e *ConsecutiveFailureError) Error() string {
	return fmt.Sprintf("%d consecutive poll failures: %v", e.Failures, e.Err)
}

func (e *ConsecutiveFailureError) Unwrap() error {
	return e.Err
}

// Result is delivered to the consumer once per scheduled poll
type Result struct {
	Sequence            uint64
	Snapshot            *types.ServiceSnapshot
	Err                 error
	ConsecutiveFailures int
	Fatal               bool // The monitor gave up and stopped polling
}

// Config holds monitor configuration
type Config struct {
	Service                types.ServiceDescriptor
	Interval               time.Duration
	MaxConsecutiveFailures int
	PollTimeout            time.Duration // Bound on a single poll, defaults to the interval
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = c.Interval
	}
}

// Monitor keeps a read-through view of one service's deployment status
type Monitor struct {
	cfg     Config
	api     cluster.API
	tasks   cluster.TaskHealth
	logger  zerolog.Logger
	results chan Result

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	// pollMu serializes scheduled polls and Refresh
	pollMu sync.Mutex

	mu        sync.Mutex
	started   bool
	stopped   bool
	latest    *types.ServiceSnapshot
	lastErr   error
	failures  int
	sequence  uint64
	target    string
	seenTasks map[string]struct{}
}

// New creates a monitor for the configured service. tasks may be nil, in
// which case no task failures are reported.
func New(cfg Config, api cluster.API, tasks cluster.TaskHealth) *Monitor {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		cfg:       cfg,
		api:       api,
		tasks:     tasks,
		logger:    log.WithService("monitor", cfg.Service),
		results:   make(chan Result),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		seenTasks: make(map[string]struct{}),
	}
}

// Track names the task definition whose deployment's failed tasks are counted
func (m *Monitor) Track(taskDefinitionARN string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.target != taskDefinitionARN {
		m.target = taskDefinitionARN
		m.seenTasks = make(map[string]struct{})
	}
}

// Results returns the channel scheduled poll results are delivered on. It
// is never closed; use Done to detect the end of polling.
func (m *Monitor) Results() <-chan Result {
	return m.results
}

// Done is closed once the polling loop has exited, or on Stop if polling
// never started
func (m *Monitor) Done() <-chan struct{} {
	return m.doneCh
}

// Start begins periodic polling. Calling it again while running, or after
// Stop, has no effect.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.stopped {
		return
	}
	m.started = true

	m.logger.Debug().Dur("interval", m.cfg.Interval).Msg("Starting service monitor")
	go m.run()
}

// Stop ends polling. When it returns no further poll will start, and the
// result of a poll in flight is discarded. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
		m.cancel()
		if !m.started {
			m.started = true
			close(m.doneCh)
		}
	}
	m.mu.Unlock()

	<-m.doneCh
}

// Snapshot returns the most recent successful snapshot
func (m *Monitor) Snapshot() (*types.ServiceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest == nil {
		if m.lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotAvailable, m.lastErr)
		}
		return nil, ErrNotAvailable
	}
	return m.latest, nil
}

// Refresh polls once outside the schedule and returns the fresh snapshot
func (m *Monitor) Refresh(ctx context.Context) (*types.ServiceSnapshot, error) {
	if m.isStopped() {
		return nil, ErrStopped
	}

	res, ok := m.poll(ctx)
	if !ok {
		return nil, ErrStopped
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Snapshot, nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start
	if m.tick() {
		return
	}

	for {
		select {
		case <-ticker.C:
			if m.tick() {
				return
			}
		case <-m.stopCh:
			return
		}
	}
}

// tick runs one scheduled poll and delivers its result. It reports whether
// polling must end.
func (m *Monitor) tick() bool {
	res, ok := m.poll(m.ctx)
	if !ok {
		return true
	}

	select {
	case m.results <- res:
	case <-m.stopCh:
		return true
	}
	return res.Fatal
}

// poll queries the cluster once. ok is false when the monitor was stopped
// while the query was in flight.
func (m *Monitor) poll(ctx context.Context) (Result, bool) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PollDuration)

	pollCtx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	defer cancel()

	target := m.trackedTarget()
	state, deployment, tasks, err := m.query(pollCtx, target)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return Result{}, false
	}

	m.sequence++
	if err != nil {
		m.failures++
		metrics.PollsTotal.WithLabelValues("error").Inc()

		res := Result{
			Sequence:            m.sequence,
			Err:                 err,
			ConsecutiveFailures: m.failures,
		}
		if m.failures >= m.cfg.MaxConsecutiveFailures {
			res.Fatal = true
			res.Err = &ConsecutiveFailureError{Failures: m.failures, Err: err}
			m.logger.Error().Err(err).Int("failures", m.failures).Msg("Giving up on service polling")
		} else {
			m.logger.Warn().Err(err).Int("failures", m.failures).Msg("Service poll failed, retrying on next tick")
		}
		m.lastErr = res.Err
		return res, true
	}

	m.failures = 0
	metrics.PollsTotal.WithLabelValues("ok").Inc()

	snap := m.buildSnapshot(state, deployment, tasks, target)
	m.latest = snap

	m.logger.Debug().
		Int("desired", snap.DesiredCount).
		Int("running", snap.RunningCount).
		Int("deployments", len(snap.Deployments)).
		Int("new_failures", len(snap.NewFailures)).
		Msg("Service polled")

	return Result{Sequence: m.sequence, Snapshot: snap}, true
}

func (m *Monitor) query(ctx context.Context, target string) (*types.ServiceState, *types.Deployment, []types.Task, error) {
	state, err := m.api.DescribeService(ctx, m.cfg.Service)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to describe service: %w", err)
	}

	deployment := findDeployment(state.Deployments, target)
	if deployment == nil || m.tasks == nil {
		return state, deployment, nil, nil
	}

	tasks, err := m.tasks.ListDeploymentTasks(ctx, m.cfg.Service, *deployment)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to list tasks for deployment %s: %w", deployment.ID, err)
	}
	return state, deployment, tasks, nil
}

// buildSnapshot must be called with m.mu held
func (m *Monitor) buildSnapshot(state *types.ServiceState, deployment *types.Deployment, tasks []types.Task, target string) *types.ServiceSnapshot {
	snap := &types.ServiceSnapshot{
		Service:           m.cfg.Service,
		DesiredCount:      state.DesiredCount,
		RunningCount:      state.RunningCount,
		TaskDefinitionARN: state.TaskDefinitionARN,
		Target:            deployment,
		ObservedAt:        time.Now(),
	}

	for _, d := range state.Deployments {
		if d.IsActive() {
			snap.Deployments = append(snap.Deployments, d)
		}
	}

	// Track may have moved on while the query was in flight
	if target != m.target || deployment == nil {
		return snap
	}

	logger := log.WithDeploymentID(m.logger, deployment.ID)
	for _, task := range tasks {
		if !task.IsStopped() {
			continue
		}
		if _, seen := m.seenTasks[task.ARN]; seen {
			continue
		}
		m.seenTasks[task.ARN] = struct{}{}

		if strings.HasPrefix(task.StoppedReason, scaleInReason) {
			continue
		}
		snap.NewFailures = append(snap.NewFailures, task)
		logger.Warn().
			Str("task", task.ARN).
			Str("reason", task.StoppedReason).
			Msg("Task of tracked deployment stopped")
	}

	return snap
}

func (m *Monitor) trackedTarget() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

func (m *Monitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// findDeployment returns the active deployment running the task definition,
// preferring the primary one
func findDeployment(deployments []types.Deployment, taskDefinitionARN string) *types.Deployment {
	if taskDefinitionARN == "" {
		return nil
	}

	var found *types.Deployment
	for i := range deployments {
		d := deployments[i]
		if !d.IsActive() || d.TaskDefinitionARN != taskDefinitionARN {
			continue
		}
		if found == nil || d.Status == types.DeploymentStatusPrimary {
			found = &d
		}
	}
	return found
}
