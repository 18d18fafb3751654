package main

import (
	"fmt"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/spf13/cobra"
)

func newApplyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Roll out the deployments of a YAML file",
		Long: `Roll out every Deployment resource of a YAML file, one after the
other. Fields left out of a resource take their value from flags or the
environment. Stops at the first rollout that fails.

Examples:
  # Apply a deployment definition
  rollout apply -f web.yaml

  # Apply several, rolling back after 3 failed tasks unless a resource says otherwise
  rollout apply -f services.yaml --failure-threshold 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filename, _ := cmd.Flags().GetString("file")

			resources, err := config.ReadResources(filename)
			if err != nil {
				return err
			}

			base, err := a.loadConfig()
			if err != nil {
				return err
			}

			for _, res := range resources {
				cfg := res.Apply(*base)
				if err := a.runRollout(cmd.Context(), &cfg, cmd.OutOrStdout()); err != nil {
					return fmt.Errorf("deployment %s: %w", res.Metadata.Name, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = cmd.MarkFlagRequired("file")
	addRolloutFlags(cmd.Flags())

	return cmd
}
