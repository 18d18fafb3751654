package events

import (
	"testing"
	"time"

	"github.com/cuemby/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	ev := New("run-1", EventUpdate, types.DeploymentStateInProgress, 2)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, EventUpdate, ev.Type)
	assert.Equal(t, types.DeploymentStateInProgress, ev.State)
	assert.Equal(t, 2, ev.FailureTally)
	assert.False(t, ev.Timestamp.IsZero())
	assert.False(t, ev.IsTerminal())

	end := New("run-1", EventEnd, types.DeploymentStateFailed, 2)
	assert.True(t, end.IsTerminal())
	assert.NotEqual(t, ev.ID, end.ID)
}

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventStart})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventStart, ev.Type)
			assert.False(t, ev.Timestamp.IsZero(), "Publish should stamp a timestamp")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "unsubscribed channel should be closed")

	// A second unsubscribe must not panic on the closed channel
	b.Unsubscribe(sub)
}

func TestBrokerStopDrainsAndCloses(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Start()

	b.Publish(&Event{Type: EventUpdate})
	b.Publish(&Event{Type: EventEnd})
	b.Stop()

	var got []EventType
	for ev := range sub {
		got = append(got, ev.Type)
	}
	require.Equal(t, []EventType{EventUpdate, EventEnd}, got)

	// Publishing after stop is a no-op and Stop is idempotent
	b.Publish(&Event{Type: EventError})
	b.Stop()
}

func TestBrokerStopWithoutStart(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a broker that was never started")
	}

	_, ok := <-sub
	assert.False(t, ok)
}
