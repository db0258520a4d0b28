package cmd

import (
	"github.com/spf13/cobra"

	"github.com/synapse-ops/synapse/internal/models"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and toggle scheduled jobs",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsToggleCmd("enable", "Enable a job"))
	cmd.AddCommand(jobsToggleCmd("disable", "Disable a job"))
	return cmd
}

func jobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered jobs and their last result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var jobs []struct {
				models.Job
				LastStatus string `json:"lastStatus"`
				LastRunAt  string `json:"lastRunAt"`
			}
			if err := newAdminClient(cfg).get(cmd.Context(), "/jobs", &jobs); err != nil {
				return err
			}

			cmd.Printf("%-30s %-10s %-8s %-10s %-10s %s\n",
				"JOB", "CADENCE", "BUDGET", "ENABLED", "LAST", "LAST RUN")
			for _, job := range jobs {
				last := job.LastStatus
				if last == "" {
					last = "-"
				}
				cmd.Printf("%-30s %-10s %-8d %-10t %-10s %s\n",
					job.Key().String(), job.Cadence, job.Budget, job.Enabled,
					last, job.LastRunAt)
			}
			return nil
		},
	}
}

func jobsToggleCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <owner> <name>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := "/jobs/" + args[0] + "/" + args[1] + "/" + action
			if err := newAdminClient(cfg).post(cmd.Context(), path, nil); err != nil {
				return err
			}
			cmd.Printf("%s %sd\n", args[0]+"/"+args[1], action)
			return nil
		},
	}
}
