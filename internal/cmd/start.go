package cmd

import (
	"github.com/spf13/cobra"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler and admin server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, ctx, err := NewApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}
