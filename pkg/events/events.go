package events

import (
	"sync"
	"time"

	"github.com/cuemby/rollout/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventStart  EventType = "start"
	EventUpdate EventType = "update"
	EventEnd    EventType = "end"
	EventError  EventType = "error"
)

// Event is a lifecycle event emitted by a deployment controller
type Event struct {
	ID           string
	RunID        string
	Type         EventType
	Timestamp    time.Time
	State        types.DeploymentState
	FailureTally int
	Message      string
	Warning      string                  // Set on updates that breach the threshold without rolling back
	Err          error                   // Cause of an error event or of a failed end
	Snapshot     *types.ServiceSnapshot  // Snapshot an update was evaluated from
	Record       *types.DeploymentRecord // Outcome, set on end only
}

// New creates an event stamped with a fresh ID and the current time
func New(runID string, t EventType, state types.DeploymentState, tally int) *Event {
	return &Event{
		ID:           uuid.NewString(),
		RunID:        runID,
		Type:         t,
		Timestamp:    time.Now(),
		State:        state,
		FailureTally: tally,
	}
}

// IsTerminal reports whether this is the end event
func (e *Event) IsTerminal() bool {
	return e.Type == EventEnd
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers. Delivery is best effort: a
// subscriber with a full buffer misses events.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	b.startOnce.Do(func() {
		go b.run()
	})
}

// Stop stops the broker after draining queued events, and closes every
// subscriber channel
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.startOnce.Do(func() {
		close(b.doneCh)
	})
	<-b.doneCh

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			for {
				select {
				case event := <-b.eventCh:
					b.broadcast(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
