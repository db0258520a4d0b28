package cmd

import (
	"github.com/spf13/cobra"

	"github.com/synapse-ops/synapse/internal/build"
	"github.com/synapse-ops/synapse/internal/config"
)

var cfgFile string

// New builds the root command with all subcommands attached.
func New() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   build.Slug,
		Short: "Cycle-based orchestrator for a shared knowledge store",
		Long: `Synapse keeps a shared knowledge store healthy: it runs curation and
health jobs on a fixed cadence under a budget ceiling, scores and tiers
stored records, survives primary store outages through a fallback queue,
and fails stuck workers over to their standbys.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $XDG_CONFIG_HOME/synapse/config.yaml)")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	var opts []config.LoaderOption
	if cfgFile != "" {
		opts = append(opts, config.WithConfigFile(cfgFile))
	}
	return config.Load(opts...)
}
