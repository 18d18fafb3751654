package deploy

import (
	"context"
	"fmt"

	"github.com/cuemby/rollout/pkg/types"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Transition events of the rollout state machine
const (
	eventStart    = "start"
	eventSteady   = "steady"
	eventSucceed  = "succeed"
	eventExceed   = "exceed"
	eventRollback = "rollback"
	eventFail     = "fail"
)

func state(s types.DeploymentState) string {
	return string(s)
}

// newMachine builds the rollout state machine starting in PENDING. Staying
// IN_PROGRESS between snapshots is not a transition.
func newMachine(logger zerolog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		state(types.DeploymentStatePending),
		fsm.Events{
			{Name: eventStart, Src: []string{state(types.DeploymentStatePending)}, Dst: state(types.DeploymentStateInProgress)},
			{Name: eventSteady, Src: []string{state(types.DeploymentStateInProgress)}, Dst: state(types.DeploymentStateSteady)},
			{Name: eventSucceed, Src: []string{state(types.DeploymentStateSteady)}, Dst: state(types.DeploymentStateSucceeded)},
			{Name: eventExceed, Src: []string{state(types.DeploymentStateInProgress)}, Dst: state(types.DeploymentStateThresholdExceeded)},
			{Name: eventRollback, Src: []string{state(types.DeploymentStateThresholdExceeded)}, Dst: state(types.DeploymentStateRollingBack)},
			{Name: eventFail, Src: []string{
				state(types.DeploymentStatePending),
				state(types.DeploymentStateInProgress),
				state(types.DeploymentStateSteady),
				state(types.DeploymentStateThresholdExceeded),
				state(types.DeploymentStateRollingBack),
			}, Dst: state(types.DeploymentStateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info().Str("from", e.Src).Str("to", e.Dst).Msg("Deployment state changed")
			},
		},
	)
}

// transition fires a state machine event. The machine is driven from a
// single goroutine, so a refused event means a broken invariant.
func (c *Controller) transition(event string) error {
	if err := c.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("state machine refused %q from %s: %w", event, c.machine.Current(), err)
	}
	return nil
}
