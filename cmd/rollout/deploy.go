package main

import (
	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/monitor"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newDeployCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Roll a service out to a new task definition",
		Long: `Roll an ECS service out to a new task definition and watch it until
the service is steady on it. When the number of failed tasks of the new
deployment reaches the failure threshold, the service is rolled back to the
task definition it was running before, unless --continue-service is set.

Exits non-zero unless the rollout succeeds.

Examples:
  # Roll out revision 7, rolling back after 2 failed tasks
  rollout deploy --cluster prod --service web \
    --task-definition arn:aws:ecs:us-east-1:123456789012:task-definition/web:7 \
    --failure-threshold 2

  # Keep going whatever happens, exposing metrics
  rollout deploy --service web --task-definition web:7 --continue-service \
    --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return a.runRollout(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	addRolloutFlags(cmd.Flags())
	cmd.Flags().String(config.FlagName(config.KeyService), "", "Service name")
	cmd.Flags().String(config.FlagName(config.KeyTaskDefinition), "", "Task definition ARN or family:revision to roll out")

	return cmd
}

// addRolloutFlags registers the flags shared by deploy and apply
func addRolloutFlags(flags *pflag.FlagSet) {
	flags.String(config.FlagName(config.KeyCluster), "", "Cluster name or ARN (default cluster when empty)")
	flags.Int(config.FlagName(config.KeyFailureThreshold), 0, "Failed tasks of the new deployment that trigger a rollback")
	flags.Bool(config.FlagName(config.KeyContinueService), false, "Keep rolling out when the failure threshold is reached")
	flags.Duration(config.FlagName(config.KeyPollInterval), monitor.DefaultInterval, "Time between service polls")
	flags.Int(config.FlagName(config.KeyMaxPollFailures), monitor.DefaultMaxConsecutiveFailures, "Consecutive failed polls that fail the rollout")
	flags.Int(config.FlagName(config.KeyRollbackPollLimit), deploy.DefaultRollbackPollLimit, "Polls to wait for a rollback to converge")
	flags.String(config.FlagName(config.KeyRegion), "", "AWS region (default AWS_REGION, AWS_DEFAULT_REGION or us-east-1)")
	flags.String(config.FlagName(config.KeyProfile), "", "AWS shared config profile")
	flags.String(config.FlagName(config.KeyAssumeRole), "", "IAM role ARN to assume")
	flags.String(config.FlagName(config.KeyMetricsAddr), "", "Serve Prometheus metrics and health probes on this address")
}
