package cmd

import (
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out struct {
				Cycle           uint64 `json:"cycle"`
				BreakerState    string `json:"breakerState"`
				ReducedMode     bool   `json:"reducedMode"`
				FallbackPending int    `json:"fallbackPending"`
				Workers         int    `json:"workers"`
				Jobs            int    `json:"jobs"`
			}
			if err := newAdminClient(cfg).get(cmd.Context(), "/status", &out); err != nil {
				return err
			}
			cmd.Printf("cycle:            %d\n", out.Cycle)
			cmd.Printf("jobs:             %d\n", out.Jobs)
			cmd.Printf("workers:          %d\n", out.Workers)
			cmd.Printf("breaker:          %s\n", out.BreakerState)
			cmd.Printf("reduced mode:     %t\n", out.ReducedMode)
			cmd.Printf("fallback pending: %d\n", out.FallbackPending)
			return nil
		},
	}
}
