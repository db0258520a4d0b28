package cmd

import (
	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Force fallback reconciliation against the primary store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out struct {
				Replayed int `json:"replayed"`
			}
			if err := newAdminClient(cfg).post(cmd.Context(), "/sync", &out); err != nil {
				return err
			}
			cmd.Printf("replayed %d fallback entries\n", out.Replayed)
			return nil
		},
	}
}
