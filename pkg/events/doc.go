/*
Package events defines the lifecycle events of a rollout and an in-memory
broker that fans them out to subscribers.

A deployment controller emits one start event, an update per evaluated
service snapshot, an error per failed poll and exactly one end event. The
controller's own stream is the primary channel; a Broker lets additional
consumers, such as the metrics recorder, observe the same events without
slowing the controller down.

# Architecture

	┌──────────────── EVENT BROKER ─────────────────┐
	│                                                │
	│  Controller ── Publish ──▶ event channel (100) │
	│                               │                │
	│                        broadcast loop          │
	│                               │                │
	│              ┌────────────────┼──────────┐     │
	│              ▼                ▼          ▼     │
	│        subscriber (50)  subscriber  subscriber │
	└────────────────────────────────────────────────┘

Delivery to subscribers is best effort: a subscriber whose buffer is full
misses the event. Events are delivered to each subscriber in publish order.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			if ev.IsTerminal() {
				fmt.Println("finished:", ev.State)
			}
		}
	}()

Stop delivers events already published, then closes every subscriber
channel. Publishing after Stop is a no-op.
*/
package events
