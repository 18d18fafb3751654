package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/rollout/pkg/cluster"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/monitor"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

const (
	// DefaultRollbackPollLimit bounds the polls spent waiting for a rollback to converge
	DefaultRollbackPollLimit = 60

	// DefaultUpdateTimeout bounds a single service update request
	DefaultUpdateTimeout = 30 * time.Second

	eventBufferSize = 16
)

var (
	// ErrAlreadyStarted is returned by Run on a controller that already ran
	ErrAlreadyStarted = errors.New("deployment already started")

	// ErrTornDown ends a deployment whose controller was closed or whose
	// context was cancelled before a verdict
	ErrTornDown = errors.New("deployment torn down")
)

// Config holds the rollout to perform and its polling policy
type Config struct {
	Service                    types.ServiceDescriptor
	Spec                       types.DeploymentSpec
	PollInterval               time.Duration
	MaxConsecutivePollFailures int
	RollbackPollLimit          int
	UpdateTimeout              time.Duration
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Service.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.Spec.TaskDefinitionARN == "" {
		return fmt.Errorf("task definition is required")
	}
	if c.Spec.FailureThreshold < 0 {
		return fmt.Errorf("failure threshold must not be negative, got %d", c.Spec.FailureThreshold)
	}
	if c.MaxConsecutivePollFailures < 0 {
		return fmt.Errorf("max consecutive poll failures must not be negative, got %d", c.MaxConsecutivePollFailures)
	}
	if c.RollbackPollLimit < 0 {
		return fmt.Errorf("rollback poll limit must not be negative, got %d", c.RollbackPollLimit)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = monitor.DefaultInterval
	}
	if c.MaxConsecutivePollFailures <= 0 {
		c.MaxConsecutivePollFailures = monitor.DefaultMaxConsecutiveFailures
	}
	if c.RollbackPollLimit == 0 {
		c.RollbackPollLimit = DefaultRollbackPollLimit
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = DefaultUpdateTimeout
	}
}

// Option configures optional collaborators of a controller
type Option func(*Controller)

// WithBroker publishes every lifecycle event to the broker as well
func WithBroker(b *events.Broker) Option {
	return func(c *Controller) {
		c.broker = b
	}
}

// WithStore saves the outcome of the rollout when it ends
func WithStore(s storage.Store) Option {
	return func(c *Controller) {
		c.store = s
	}
}

// WithRunID overrides the generated run identifier
func WithRunID(id string) Option {
	return func(c *Controller) {
		c.runID = id
	}
}

// Controller drives one rolling deployment to a verdict. It owns its
// service monitor and is single use.
type Controller struct {
	cfg     Config
	api     cluster.API
	monitor *monitor.Monitor
	broker  *events.Broker
	store   storage.Store
	logger  zerolog.Logger
	runID   string
	machine *fsm.FSM

	out    chan *events.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu                sync.Mutex
	started           bool
	closed            bool
	tally             int
	priorTD           string
	snapshots         int
	rollbackPolls     int
	rollbackIssued    bool
	rollbackConverged bool
	thresholdWarned   bool
	startedAt         time.Time
	result            *events.Event
}

// NewController creates a controller for the rollout in cfg
func NewController(cfg Config, api cluster.API, tasks cluster.TaskHealth, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deployment config: %w", err)
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		api:    api,
		out:    make(chan *events.Event, eventBufferSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}

	c.logger = log.WithService("deploy", cfg.Service).With().Str("run_id", c.runID).Logger()
	c.monitor = monitor.New(monitor.Config{
		Service:                cfg.Service,
		Interval:               cfg.PollInterval,
		MaxConsecutiveFailures: cfg.MaxConsecutivePollFailures,
	}, api, tasks)
	c.machine = newMachine(c.logger)

	return c, nil
}

// RunID returns the identifier stamped on every event of this rollout
func (c *Controller) RunID() string {
	return c.runID
}

// Run starts the rollout and returns its event stream. The stream carries
// start, update and error events and ends with exactly one end event, after
// which it is closed. Cancelling ctx tears the rollout down like Close.
func (c *Controller) Run(ctx context.Context) (<-chan *events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrTornDown
	}
	if c.started {
		return nil, ErrAlreadyStarted
	}
	c.started = true

	stop := context.AfterFunc(ctx, c.cancel)
	go func() {
		defer stop()
		c.run()
	}()

	return c.out, nil
}

// Close tears the rollout down. An update in flight finishes but its result
// is discarded, and nothing further is polled or updated after Close
// returns. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	started := c.started
	if !started {
		// Never ran: settle Done and the stream now
		c.started = true
		close(c.done)
		close(c.out)
	}
	c.mu.Unlock()

	c.cancel()
	if started {
		<-c.done
	}
	c.monitor.Stop()
}

// Done is closed once the rollout has reached its verdict
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Result returns the end event, or nil while the rollout is running
func (c *Controller) Result() *events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// State returns the current deployment state
func (c *Controller) State() types.DeploymentState {
	return types.DeploymentState(c.machine.Current())
}

// Tally returns the failure tally
func (c *Controller) Tally() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tally
}

func (c *Controller) run() {
	defer close(c.done)
	defer close(c.out)

	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()

	if err := c.begin(); err != nil {
		c.finish(err)
		return
	}

	c.monitor.Track(c.cfg.Spec.TaskDefinitionARN)
	c.monitor.Start()

	for {
		select {
		case <-c.ctx.Done():
			c.finish(ErrTornDown)
			return
		case res := <-c.monitor.Results():
			if c.ctx.Err() != nil {
				c.finish(ErrTornDown)
				return
			}
			if c.evaluate(res) {
				return
			}
		}
	}
}

// begin captures the task definition in service and requests the rollout
func (c *Controller) begin() error {
	state, err := c.describeBeforeRollout()
	if err != nil {
		return err
	}

	ctx, cancel := c.requestContext()
	defer cancel()

	c.mu.Lock()
	c.priorTD = state.TaskDefinitionARN
	c.mu.Unlock()

	target := c.cfg.Spec.TaskDefinitionARN
	c.logger.Info().
		Str("task_definition", target).
		Str("prior_task_definition", state.TaskDefinitionARN).
		Int("failure_threshold", c.cfg.Spec.FailureThreshold).
		Bool("continue_on_failure", c.cfg.Spec.ContinueOnFailure).
		Msg("Starting rollout")

	if _, err := c.api.UpdateService(ctx, c.cfg.Service, target); err != nil {
		return fmt.Errorf("failed to start rollout of %s: %w", target, err)
	}
	if c.ctx.Err() != nil {
		return ErrTornDown
	}

	if err := c.transition(eventStart); err != nil {
		return err
	}

	ev := c.newEvent(events.EventStart)
	ev.Message = fmt.Sprintf("rolling out %s", target)
	c.emit(ev)
	return nil
}

// describeBeforeRollout reads the service, retrying failed reads at the poll
// interval like the monitor does. A missing service fails at once.
func (c *Controller) describeBeforeRollout() (*types.ServiceState, error) {
	for failures := 1; ; failures++ {
		ctx, cancel := c.requestContext()
		state, err := c.api.DescribeService(ctx, c.cfg.Service)
		cancel()

		if c.ctx.Err() != nil {
			return nil, ErrTornDown
		}
		if err == nil {
			return state, nil
		}
		if errors.Is(err, cluster.ErrServiceNotFound) {
			return nil, fmt.Errorf("failed to describe service before rollout: %w", err)
		}

		ev := c.newEvent(events.EventError)
		ev.Err = err
		ev.Message = err.Error()
		c.emit(ev)

		if failures >= c.cfg.MaxConsecutivePollFailures {
			return nil, fmt.Errorf("failed to describe service before rollout: %w",
				&monitor.ConsecutiveFailureError{Failures: failures, Err: err})
		}
		c.logger.Warn().Err(err).Int("failures", failures).Msg("Failed to describe service, retrying")

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return nil, ErrTornDown
		}
	}
}

// evaluate applies one poll result and reports whether the rollout ended
func (c *Controller) evaluate(res monitor.Result) bool {
	if res.Err != nil {
		ev := c.newEvent(events.EventError)
		ev.Err = res.Err
		ev.Message = res.Err.Error()
		c.emit(ev)

		if !res.Fatal {
			return false
		}
		c.rollbackAfterFatal()
		c.finish(res.Err)
		return true
	}

	c.mu.Lock()
	c.snapshots++
	c.mu.Unlock()

	switch c.State() {
	case types.DeploymentStateInProgress:
		return c.evaluateRollout(res.Snapshot)
	case types.DeploymentStateRollingBack:
		return c.evaluateRollback(res.Snapshot)
	default:
		return false
	}
}

func (c *Controller) evaluateRollout(snap *types.ServiceSnapshot) bool {
	spec := c.cfg.Spec
	newFailures := len(snap.NewFailures)

	c.mu.Lock()
	c.tally += newFailures
	tally := c.tally
	c.mu.Unlock()

	var warning string
	if newFailures > 0 && tally >= spec.FailureThreshold && !c.thresholdWarned {
		if !spec.ContinueOnFailure {
			c.logger.Warn().Int("tally", tally).Int("threshold", spec.FailureThreshold).Msg("Failure threshold exceeded")
			if err := c.transition(eventExceed); err != nil {
				c.finish(err)
				return true
			}
			c.emitUpdate(snap, "")
			return c.startRollback()
		}

		c.thresholdWarned = true
		warning = fmt.Sprintf("failure threshold %d reached with %d failed tasks, continuing", spec.FailureThreshold, tally)
		c.logger.Warn().Int("tally", tally).Int("threshold", spec.FailureThreshold).Msg("Failure threshold exceeded, continuing")
	}

	if !snap.IsSteadyOn(spec.TaskDefinitionARN) {
		c.emitUpdate(snap, warning)
		return false
	}

	if err := c.transition(eventSteady); err != nil {
		c.finish(err)
		return true
	}
	c.emitUpdate(snap, warning)

	if err := c.transition(eventSucceed); err != nil {
		c.finish(err)
		return true
	}
	c.finish(nil)
	return true
}

// startRollback moves to ROLLING_BACK and requests the prior task definition
func (c *Controller) startRollback() bool {
	if err := c.transition(eventRollback); err != nil {
		c.finish(err)
		return true
	}

	c.mu.Lock()
	prior := c.priorTD
	c.mu.Unlock()

	if prior == "" {
		c.finish(fmt.Errorf("no prior task definition to roll back to"))
		return true
	}
	if c.ctx.Err() != nil {
		c.finish(ErrTornDown)
		return true
	}

	c.logger.Info().Str("task_definition", prior).Msg("Rolling back")
	if err := c.requestRollback(prior); err != nil {
		c.finish(err)
		return true
	}

	// Failures are no longer tallied, so task listing can stop
	c.monitor.Track("")
	return false
}

func (c *Controller) evaluateRollback(snap *types.ServiceSnapshot) bool {
	c.mu.Lock()
	c.rollbackPolls++
	polls := c.rollbackPolls
	prior := c.priorTD
	c.mu.Unlock()

	c.emitUpdate(snap, "")

	if snap.IsSteadyOn(prior) {
		c.mu.Lock()
		c.rollbackConverged = true
		c.mu.Unlock()

		c.logger.Info().Int("polls", polls).Msg("Rollback converged")
		c.finish(nil)
		return true
	}

	if polls >= c.cfg.RollbackPollLimit {
		c.logger.Warn().Int("polls", polls).Msg("Rollback did not converge, giving up")
		c.finish(fmt.Errorf("rollback to %s did not converge after %d polls", prior, polls))
		return true
	}
	return false
}

// rollbackAfterFatal issues a best-effort rollback when polling failed for
// good after the rollout was seen in progress
func (c *Controller) rollbackAfterFatal() {
	c.mu.Lock()
	prior := c.priorTD
	seen := c.snapshots
	issued := c.rollbackIssued
	c.mu.Unlock()

	if seen == 0 || issued || prior == "" || c.ctx.Err() != nil {
		return
	}
	if c.State() != types.DeploymentStateInProgress {
		return
	}

	c.logger.Warn().Str("task_definition", prior).Msg("Lost sight of the service, issuing best-effort rollback")
	if err := c.requestRollback(prior); err != nil {
		c.logger.Error().Err(err).Msg("Best-effort rollback failed")
	}
}

func (c *Controller) requestRollback(prior string) error {
	ctx, cancel := c.requestContext()
	defer cancel()

	c.mu.Lock()
	c.rollbackIssued = true
	c.mu.Unlock()

	if _, err := c.api.UpdateService(ctx, c.cfg.Service, prior); err != nil {
		return fmt.Errorf("failed to roll back to %s: %w", prior, err)
	}
	if c.ctx.Err() != nil {
		return ErrTornDown
	}
	return nil
}

// finish moves to the terminal state, stops the monitor and emits the end
// event. err is nil only for a successful rollout or a converged rollback.
func (c *Controller) finish(err error) {
	if c.State().IsTerminal() && c.Result() != nil {
		return
	}
	if !c.State().IsTerminal() {
		if terr := c.transition(eventFail); terr != nil && err == nil {
			err = terr
		}
	}

	c.monitor.Stop()

	state := c.State()
	c.mu.Lock()
	record := &types.DeploymentRecord{
		ID:                     c.runID,
		ServiceName:            c.cfg.Service.ServiceName,
		ClusterARN:             c.cfg.Service.ClusterARN,
		TaskDefinitionARN:      c.cfg.Spec.TaskDefinitionARN,
		PriorTaskDefinitionARN: c.priorTD,
		State:                  state,
		FailureTally:           c.tally,
		FailureThreshold:       c.cfg.Spec.FailureThreshold,
		ContinueOnFailure:      c.cfg.Spec.ContinueOnFailure,
		RollbackIssued:         c.rollbackIssued,
		RollbackConverged:      c.rollbackConverged,
		StartedAt:              c.startedAt,
		FinishedAt:             time.Now(),
	}
	c.mu.Unlock()
	if err != nil {
		record.Error = err.Error()
	}

	if c.store != nil {
		if serr := c.store.SaveDeployment(record); serr != nil {
			c.logger.Error().Err(serr).Msg("Failed to record deployment outcome")
		}
	}

	ev := c.newEvent(events.EventEnd)
	ev.Err = err
	ev.Record = record
	ev.Message = endMessage(record)

	c.mu.Lock()
	c.result = ev
	c.mu.Unlock()

	logEv := c.logger.Info()
	if state == types.DeploymentStateFailed {
		logEv = c.logger.Error().Err(err)
	}
	logEv.Int("tally", record.FailureTally).
		Bool("rollback_issued", record.RollbackIssued).
		Dur("duration", record.Duration()).
		Msg("Rollout finished: " + string(state))

	c.emit(ev)
}

func endMessage(rec *types.DeploymentRecord) string {
	switch {
	case rec.State == types.DeploymentStateSucceeded:
		return fmt.Sprintf("%s is steady on %s", rec.ServiceName, rec.TaskDefinitionARN)
	case rec.RollbackConverged:
		return fmt.Sprintf("rolled back to %s", rec.PriorTaskDefinitionARN)
	case rec.RollbackIssued:
		return fmt.Sprintf("rollback to %s requested but not confirmed", rec.PriorTaskDefinitionARN)
	default:
		return "rollout failed"
	}
}

func (c *Controller) newEvent(t events.EventType) *events.Event {
	return events.New(c.runID, t, c.State(), c.Tally())
}

func (c *Controller) emitUpdate(snap *types.ServiceSnapshot, warning string) {
	ev := c.newEvent(events.EventUpdate)
	ev.Snapshot = snap
	ev.Warning = warning
	ev.Message = fmt.Sprintf("%d/%d running, %d active deployments", snap.RunningCount, snap.DesiredCount, len(snap.Deployments))
	c.emit(ev)
}

// emit delivers an event to the stream and the broker. After teardown the
// stream only takes events it has buffer room for, except the end event,
// which replaces the oldest undelivered event when the buffer is full.
func (c *Controller) emit(ev *events.Event) {
	if c.broker != nil {
		c.broker.Publish(ev)
	}

	select {
	case c.out <- ev:
		return
	case <-c.ctx.Done():
	}

	for {
		select {
		case c.out <- ev:
			return
		default:
		}
		if !ev.IsTerminal() {
			c.logger.Debug().Str("event", string(ev.Type)).Msg("Dropping event after teardown")
			return
		}
		select {
		case old := <-c.out:
			c.logger.Debug().Str("event", string(old.Type)).Msg("Dropping event after teardown")
		default:
		}
	}
}

// requestContext bounds a cluster request without tying it to teardown, so
// an outstanding request runs to completion
func (c *Controller) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.UpdateTimeout)
}
