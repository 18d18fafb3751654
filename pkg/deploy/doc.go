/*
Package deploy drives a rolling deployment of one service to a verdict.

A Controller requests the new task definition, then evaluates every
snapshot its service monitor produces. Stopped tasks of the new deployment
add to a failure tally that is cumulative for the whole rollout. When the
tally reaches the failure threshold the controller rolls the service back to
the task definition it found in service, unless ContinueOnFailure is set, in
which case the breach is reported as a warning and the rollout carries on.

# State machine

	PENDING ──start──▶ IN_PROGRESS ──steady──▶ STEADY ──succeed──▶ SUCCEEDED
	                        │
	                      exceed
	                        ▼
	               THRESHOLD_EXCEEDED ──rollback──▶ ROLLING_BACK

Every non-terminal state can fail to FAILED. A rollback always ends FAILED,
whether or not the service converged back on the prior task definition;
the end event's record says which.

# Events

Run returns a stream carrying one start event, one update per evaluated
snapshot, an error event per failed poll, and exactly one end event, after
which the stream is closed:

	c, err := deploy.NewController(cfg, client, client)
	if err != nil {
		return err
	}
	defer c.Close()

	stream, err := c.Run(ctx)
	if err != nil {
		return err
	}
	for ev := range stream {
		fmt.Println(ev.Type, ev.State, ev.FailureTally)
	}

The controller owns its monitor. Close, or cancelling the context given to
Run, tears both down: a cluster request in flight finishes but its result is
discarded, and no poll or update is issued once Close returns.
*/
package deploy
