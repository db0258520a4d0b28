package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/synapse-ops/synapse/internal/models"
)

func cycleCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Force one scheduling cycle",
		Long: `Forces one scheduling cycle on the running daemon. With --local the
cycle runs in this process against the configured store instead, for
use without a daemon.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if local {
				app, ctx, err := NewApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer app.Close(ctx)
				cycle, results, err := app.RunCycle(ctx)
				if err != nil {
					return err
				}
				printCycle(cmd, cycle, results)
				return nil
			}

			var out struct {
				Cycle   *models.Cycle      `json:"cycle"`
				Results []models.JobResult `json:"results"`
			}
			if err := newAdminClient(cfg).post(cmd.Context(), "/cycles", &out); err != nil {
				return err
			}
			printCycle(cmd, out.Cycle, out.Results)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "run the cycle in-process instead of via the daemon")
	return cmd
}

func printCycle(cmd *cobra.Command, cycle *models.Cycle, results []models.JobResult) {
	cmd.Printf("cycle %d: %d run, %d succeeded, %d failed, budget %d\n",
		cycle.Number, cycle.JobsRun, cycle.JobsSucceeded, cycle.JobsFailed,
		cycle.BudgetConsumed)
	for _, res := range results {
		detail := res.Summary
		if res.ErrorDetail != "" {
			detail = res.ErrorDetail
		}
		cmd.Printf("  %-30s %-8s %s\n",
			fmt.Sprintf("%s/%s", res.Owner, res.JobName), res.Status, detail)
	}
}
