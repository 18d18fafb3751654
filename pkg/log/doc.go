/*
Package log provides structured logging for rollout using zerolog.

A single global Logger is configured once by Init, usually from the command
line. Components derive child loggers that stamp every line with context:

	log.Init(log.Config{
		Level:      log.ParseLevel("debug"),
		JSONOutput: true,
	})

	logger := log.WithService("monitor", svc)
	logger.Warn().Err(err).Int("failures", 2).Msg("Service poll failed, retrying on next tick")

Output goes to stderr unless Config.Output says otherwise; stdout is left to
command output such as the event stream. Console output is human readable
with RFC 3339 timestamps, JSON output has one object per line:

	{"level":"warn","component":"monitor","service":"web","cluster":"prod","failures":2,"time":"2026-10-14T09:12:03Z","message":"Service poll failed, retrying on next tick"}

# Levels

  - debug: every poll and its counts
  - info: rollout start, state transitions, verdicts
  - warn: failed polls that will be retried, stopped tasks, threshold breaches
  - error: failed rollouts, polling given up, rollback requests that failed

Unknown level names passed to ParseLevel fall back to info.

# Context Loggers

  - WithComponent: component field
  - WithService: component, service and cluster fields
  - WithDeploymentID: ECS deployment ID of the tracked deployment

The package level helpers Info, Debug, Warn, Error, Errorf and Fatal log a
plain message on the global logger.
*/
package log
