package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded rollouts",
		Long: `List the outcome of past rollouts, most recent first.

Examples:
  # All rollouts of the web service
  rollout history --service web

  # The last 5 rollouts as JSON
  rollout history --limit 5 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _ := cmd.Flags().GetString("service")
			limit, _ := cmd.Flags().GetInt("limit")
			output, _ := cmd.Flags().GetString("output")

			store, err := openHistory(a.v.GetString(config.KeyHistoryDB))
			if err != nil {
				return err
			}
			defer store.Close()

			var records []*types.DeploymentRecord
			if service != "" {
				records, err = store.ListDeploymentsByService(service)
			} else {
				records, err = store.ListDeployments()
			}
			if err != nil {
				return fmt.Errorf("failed to list deployments: %w", err)
			}
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}

			return printRecords(cmd.OutOrStdout(), records, output)
		},
	}

	cmd.Flags().String("service", "", "Only show rollouts of this service")
	cmd.Flags().Int("limit", 0, "Show at most this many rollouts")
	cmd.Flags().StringP("output", "o", "table", "Output format (table, yaml, json)")

	return cmd
}

func printRecords(w io.Writer, records []*types.DeploymentRecord, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []*types.DeploymentRecord{}
		}
		return enc.Encode(records)

	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(records)

	case "table":
		if len(records) == 0 {
			fmt.Fprintln(w, "No rollouts recorded")
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tSERVICE\tTASK DEFINITION\tSTATE\tFAILURES\tROLLBACK\tDURATION")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				rec.StartedAt.Local().Format(time.DateTime),
				rec.ServiceName,
				rec.TaskDefinitionARN,
				rec.State,
				rec.FailureTally,
				rec.FailureThreshold,
				rollbackColumn(rec),
				rec.Duration().Round(time.Second),
			)
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func rollbackColumn(rec *types.DeploymentRecord) string {
	switch {
	case rec.RollbackConverged:
		return "converged"
	case rec.RollbackIssued:
		return "issued"
	default:
		return "-"
	}
}
