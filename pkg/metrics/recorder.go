package metrics

import (
	"sync"

	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/types"
)

// Recorder turns lifecycle events of one deployment into metrics and
// component health
type Recorder struct {
	service string

	mu        sync.Mutex
	started   bool
	finished  bool
	lastTally int
}

// NewRecorder creates a recorder labelled with the service name
func NewRecorder(service string) *Recorder {
	return &Recorder{service: service}
}

// Run consumes events from a broker subscription until it is closed
func (r *Recorder) Run(sub events.Subscriber) {
	for ev := range sub {
		r.Observe(ev)
	}
}

// Observe records a single event
func (r *Recorder) Observe(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return
	}
	SetRollout(r.service, ev.State, ev.FailureTally)

	switch ev.Type {
	case events.EventStart:
		r.started = true
		DeploymentsInFlight.Inc()
		FailureTally.WithLabelValues(r.service).Set(0)
		UpdateComponent(ComponentMonitor, true, "rollout started")

	case events.EventUpdate:
		r.observeTally(ev.FailureTally)
		UpdateComponent(ComponentMonitor, true, string(ev.State))

	case events.EventError:
		msg := ev.Message
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		UpdateComponent(ComponentMonitor, false, msg)

	case events.EventEnd:
		r.finished = true
		r.observeTally(ev.FailureTally)
		if r.started {
			DeploymentsInFlight.Dec()
		}

		DeploymentsTotal.WithLabelValues(r.service, string(ev.State)).Inc()
		if rec := ev.Record; rec != nil {
			if rec.RollbackIssued {
				RollbacksTotal.WithLabelValues(r.service).Inc()
			}
			if !rec.StartedAt.IsZero() {
				DeploymentDuration.WithLabelValues(r.service, string(ev.State)).Observe(rec.Duration().Seconds())
			}
		}

		healthy := ev.State == types.DeploymentStateSucceeded
		UpdateComponent(ComponentMonitor, healthy, string(ev.State))
	}
}

func (r *Recorder) observeTally(tally int) {
	if delta := tally - r.lastTally; delta > 0 {
		TaskFailuresTotal.WithLabelValues(r.service).Add(float64(delta))
	}
	r.lastTally = tally
	FailureTally.WithLabelValues(r.service).Set(float64(tally))
}
